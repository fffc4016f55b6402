// Package config loads the service configuration from defaults, command-line
// flags and FUELWATCH_* environment variables, in increasing precedence.
package config

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"

	"github.com/opensource-finance/fuelwatch/internal/consumption"
	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FUELWATCH_"

// Load builds the configuration. The tier preset is chosen from FUELWATCH_TIER,
// then flags from args are applied, then the environment.
func Load(args []string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if domain.Tier(os.Getenv(EnvPrefix+"TIER")) == domain.TierPro {
		cfg = domain.ProConfig()
	}

	if err := applyFlags(cfg, args); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cfg *domain.Config, args []string) error {
	fs := flag.NewFlagSet("fuelwatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	addr := fs.String("a", "", "address and port for the HTTP server")
	database := fs.String("d", "", "SQLite file path or PostgreSQL URI")
	mode := fs.String("m", "", "evaluation mode: sync or async")
	debug := fs.Bool("debug", false, "enable debug logging")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}

	if *addr != "" {
		host, port, err := net.SplitHostPort(*addr)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", *addr, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.Server.Host = host
		cfg.Server.Port = p
	}

	if *database != "" {
		if strings.HasPrefix(*database, "postgres://") || strings.HasPrefix(*database, "postgresql://") {
			cfg.Repository.Driver = "postgres"
			cfg.Repository.PostgresURL = *database
		} else {
			cfg.Repository.Driver = "sqlite"
			cfg.Repository.SQLitePath = *database
		}
	}

	if *mode != "" {
		cfg.EvaluationMode = domain.EvaluationMode(*mode)
	}
	if *debug {
		cfg.Logging.Debug = true
	}
	return nil
}

// Validate checks the values the service cannot start without.
func Validate(cfg *domain.Config) error {
	switch cfg.EvaluationMode {
	case domain.ModeSync, domain.ModeAsync:
	default:
		return fmt.Errorf("unsupported evaluation mode: %s", cfg.EvaluationMode)
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Repository.Driver)
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Server.Port)
	}
	if cfg.Detection.PreviousPollTimeout < 0 || cfg.Detection.PreviousPollInterval < 0 {
		return fmt.Errorf("previous voucher poll settings must not be negative")
	}
	// Zero selects the default; smaller baselines must never flag.
	if m := cfg.Detection.MinSamples; m != 0 && m < consumption.DefaultMinSamples {
		return fmt.Errorf("min samples must be at least %d, got %d", consumption.DefaultMinSamples, m)
	}
	return nil
}

// NewLogger builds the structured logger described by cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
