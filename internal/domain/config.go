package domain

import "time"

// Config holds the complete fuelwatch configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier" env:"TIER"`

	// EvaluationMode determines when vouchers are evaluated after a write
	// - "sync": the HTTP handler runs the pipeline before responding
	// - "async": the handler publishes an event and the worker evaluates
	EvaluationMode EvaluationMode `json:"evaluationMode" env:"MODE"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Detection  DetectionConfig  `json:"detection"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EvaluationMode determines the voucher evaluation strategy.
type EvaluationMode string

const (
	// ModeSync evaluates inside the write request.
	ModeSync EvaluationMode = "sync"

	// ModeAsync hands evaluation to the worker through the event bus.
	ModeAsync EvaluationMode = "async"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host" env:"HOST"`
	Port         int    `json:"port" env:"PORT"`
	ReadTimeout  int    `json:"readTimeout" env:"READ_TIMEOUT"`   // seconds
	WriteTimeout int    `json:"writeTimeout" env:"WRITE_TIMEOUT"` // seconds
}

// DetectionConfig holds the thresholds of the rule engine and the consumption model.
type DetectionConfig struct {
	BaselineWindow     int           `json:"baselineWindow" env:"BASELINE_WINDOW"`
	MinDistance        float64       `json:"minDistance" env:"MIN_DISTANCE"`
	MinSamples         int           `json:"minSamples" env:"MIN_SAMPLES"`
	ExcessiveDistance  float64       `json:"excessiveDistance" env:"EXCESSIVE_DISTANCE"`
	FrequencyWindow    time.Duration `json:"frequencyWindow" env:"FREQUENCY_WINDOW"`
	FrequencyThreshold int           `json:"frequencyThreshold" env:"FREQUENCY_THRESHOLD"`

	// Bounded wait for the previous voucher of a vehicle to become CLOSED.
	PreviousPollInterval time.Duration `json:"previousPollInterval" env:"PREVIOUS_POLL_INTERVAL"`
	PreviousPollTimeout  time.Duration `json:"previousPollTimeout" env:"PREVIOUS_POLL_TIMEOUT"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `json:"format" env:"LOG_FORMAT"` // json, text

	// Debug forces the debug level.
	Debug bool `json:"debug" env:"DEBUG"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" env:"TRACING_ENABLED"`
	ServiceName string `json:"serviceName" env:"TRACING_SERVICE_NAME"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultDetectionConfig returns the reference thresholds.
func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		BaselineWindow:       20,
		MinDistance:          10,
		MinSamples:           5,
		ExcessiveDistance:    1000,
		FrequencyWindow:      24 * time.Hour,
		FrequencyThreshold:   5,
		PreviousPollInterval: 100 * time.Millisecond,
		PreviousPollTimeout:  2 * time.Second,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier:           TierCommunity,
		EvaluationMode: ModeSync,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./fuelwatch.db",
		},
		Cache: CacheConfig{
			Type:     "none",
			PriceTTL: time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detection: DefaultDetectionConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "fuelwatch",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.EvaluationMode = ModeAsync
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "fuelwatch",
	}
	cfg.Cache = CacheConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		PriceTTL:  time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
