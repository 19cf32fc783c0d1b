// Package domain defines the core interfaces and types for Warden.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for durable persistence: the fraud event
// audit log, trust score snapshots, typing profiles and policy rules.
// Hot-path state lives in the Store; the repository is written asynchronously.
type Repository interface {
	// Fraud event audit log
	SaveFraudEvent(ctx context.Context, event *FraudEvent) error
	GetFraudEvent(ctx context.Context, id string) (*FraudEvent, error)
	ListFraudEvents(ctx context.Context, filter EventFilter) ([]*FraudEvent, error)
	ResolveFraudEvent(ctx context.Context, id, resolvedBy string, at time.Time) error

	// Trust snapshots
	SaveTrustSnapshot(ctx context.Context, score *TrustScore) error
	GetTrustSnapshot(ctx context.Context, userID string) (*TrustScore, error)

	// Typing profiles
	SaveTypingProfile(ctx context.Context, profile *TypingProfile) error
	GetTypingProfile(ctx context.Context, userID string) (*TypingProfile, error)

	// Policy rules
	SavePolicyRule(ctx context.Context, rule *PolicyRule) error
	GetPolicyRule(ctx context.Context, id string) (*PolicyRule, error)
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)
	DeletePolicyRule(ctx context.Context, id string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `koanf:"driver" json:"driver" validate:"oneof=sqlite postgres"`

	// SQLite specific
	SQLitePath string `koanf:"sqlite_path" json:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `koanf:"postgres_host" json:"postgresHost"`
	PostgresPort     int    `koanf:"postgres_port" json:"postgresPort"`
	PostgresUser     string `koanf:"postgres_user" json:"postgresUser"`
	PostgresPassword string `koanf:"postgres_password" json:"-"`
	PostgresDB       string `koanf:"postgres_db" json:"postgresDb"`
	PostgresSSLMode  string `koanf:"postgres_sslmode" json:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `koanf:"max_open_conns" json:"maxOpenConns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" json:"maxIdleConns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" json:"connMaxLifetime"`
}
