// Package domain defines the core interfaces and types for fuelwatch.
package domain

import (
	"context"
	"time"
)

// HistoryQuery selects the closed vouchers that feed a consumption baseline.
type HistoryQuery struct {
	VehicleID   string
	ExcludeID   string
	MinDistance float64
	Limit       int
}

// VoucherHistory returns the most recent closed vouchers of a vehicle that have
// at least MinDistance and a positive amount, ordered by (date, number) descending.
type VoucherHistory interface {
	ListClosedHistory(ctx context.Context, q HistoryQuery) ([]*Voucher, error)
}

// PriceLookup resolves fuel unit prices.
type PriceLookup interface {
	// CurrentPrices returns the latest effective price of every fuel type.
	CurrentPrices(ctx context.Context) (PriceTable, error)

	// PricesAt returns the prices effective at the given date.
	// Fuel types with no price effective at that date fall back to their current price.
	PricesAt(ctx context.Context, at time.Time) (PriceTable, error)
}

// VoucherStore persists vouchers.
type VoucherStore interface {
	VoucherHistory

	SaveVoucher(ctx context.Context, v *Voucher) error
	GetVoucher(ctx context.Context, id string) (*Voucher, error)
	ListVouchersByVehicle(ctx context.Context, vehicleID string) ([]*Voucher, error)
	ListVouchersByNumber(ctx context.Context, number string) ([]*Voucher, error)
	ListVouchersByDriver(ctx context.Context, driverID string, since time.Time) ([]*Voucher, error)
	ListClosedVouchers(ctx context.Context, vehicleID string) ([]*Voucher, error)
}

// FleetStore persists vehicles and drivers.
type FleetStore interface {
	SaveVehicle(ctx context.Context, v *Vehicle) error
	GetVehicle(ctx context.Context, id string) (*Vehicle, error)
	SaveDriver(ctx context.Context, d *Driver) error
	GetDriver(ctx context.Context, id string) (*Driver, error)
}

// FuelPriceStore persists the fuel price history.
type FuelPriceStore interface {
	PriceLookup

	SaveFuelPrice(ctx context.Context, p *FuelPrice) error
}

// AnomalyStore persists anomalies. At most one anomaly exists per (voucher, type).
type AnomalyStore interface {
	// UpsertAnomalies inserts or updates each anomaly keyed by (voucher, type).
	// Review status and comment of an existing anomaly are kept.
	UpsertAnomalies(ctx context.Context, anomalies []Anomaly) error

	// ReplaceDerivedAnomalies atomically deletes the voucher's anomalies whose type is in
	// types but absent from findings, then upserts findings.
	ReplaceDerivedAnomalies(ctx context.Context, voucherID string, types []AnomalyType, findings []Anomaly) error

	// SaveVoucherFindings stores the outcome of one evaluation in a single transaction:
	// rule findings are upserted, and derived findings replace the voucher's derived
	// anomalies as in ReplaceDerivedAnomalies over DerivedTypes. On error the store
	// is left unchanged.
	SaveVoucherFindings(ctx context.Context, voucherID string, ruleFindings, derivedFindings []Anomaly) error

	GetAnomaly(ctx context.Context, id string) (*Anomaly, error)
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error)
	UpdateAnomalyReview(ctx context.Context, id string, status ReviewStatus, comment string) error
}

// RuleStore persists operator-defined rules.
type RuleStore interface {
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
}

// Repository bundles every store used by the service.
type Repository interface {
	VoucherStore
	FleetStore
	FuelPriceStore
	AnomalyStore
	RuleStore

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" env:"DB_DRIVER"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" env:"SQLITE_PATH"`

	// PostgreSQL specific. PostgresURL, when set, takes precedence over the
	// individual connection fields.
	PostgresURL      string `json:"-" env:"DATABASE_URI"`
	PostgresHost     string `json:"postgresHost" env:"POSTGRES_HOST"`
	PostgresPort     int    `json:"postgresPort" env:"POSTGRES_PORT"`
	PostgresUser     string `json:"postgresUser" env:"POSTGRES_USER"`
	PostgresPassword string `json:"-" env:"POSTGRES_PASSWORD"`
	PostgresDB       string `json:"postgresDb" env:"POSTGRES_DB"`
	PostgresSSLMode  string `json:"postgresSslMode" env:"POSTGRES_SSLMODE"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `json:"maxIdleConns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" env:"DB_CONN_MAX_LIFETIME"`
}
