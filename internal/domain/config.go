package domain

import "time"

// Config holds the complete Warden configuration.
type Config struct {
	// Server settings
	Server ServerConfig `koanf:"server" json:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `koanf:"tier" json:"tier" validate:"oneof=community pro"`

	// Component configurations
	Repository RepositoryConfig `koanf:"repository" json:"repository"`
	Store      StoreConfig      `koanf:"store" json:"store"`
	EventBus   EventBusConfig   `koanf:"eventbus" json:"eventBus"`
	Auth       AuthConfig       `koanf:"auth" json:"auth"`
	Worker     WorkerConfig     `koanf:"worker" json:"worker"`

	// Engine tuning
	RateLimit    RateLimitSettings  `koanf:"ratelimit" json:"rateLimit"`
	Trust        TrustConfig        `koanf:"trust" json:"trust"`
	Challenge    ChallengeConfig    `koanf:"challenge" json:"challenge"`
	Typing       TypingConfig       `koanf:"typing" json:"typing"`
	Conversation ConversationConfig `koanf:"conversation" json:"conversation"`
	Fraud        FraudConfig        `koanf:"fraud" json:"fraud"`

	// Observability
	Logging LoggingConfig `koanf:"logging" json:"logging"`
	Tracing TracingConfig `koanf:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `koanf:"host" json:"host"`
	Port         int    `koanf:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout  int    `koanf:"read_timeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `koanf:"write_timeout" json:"writeTimeout"` // seconds

	// Environment gates development-only escape hatches (e.g. CAPTCHA dev mode).
	Environment string `koanf:"environment" json:"environment" validate:"oneof=development test staging production"`

	// CORSOrigins lists allowed browser origins. Empty allows any origin.
	CORSOrigins []string `koanf:"cors_origins" json:"corsOrigins"`

	// AdminRequestsPerMinute caps /v1/admin calls per client IP. Zero disables it.
	AdminRequestsPerMinute int `koanf:"admin_requests_per_minute" json:"adminRequestsPerMinute" validate:"min=0"`
}

// IsDevelopment reports whether dev-only behavior may be enabled.
func (s ServerConfig) IsDevelopment() bool {
	return s.Environment == "development" || s.Environment == "test"
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" json:"format" validate:"oneof=json text"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `koanf:"enabled" json:"enabled"`
	ServiceName string `koanf:"service_name" json:"serviceName"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `koanf:"endpoint" json:"endpoint"`
	Insecure bool   `koanf:"insecure" json:"insecure"`
}

// AuthConfig configures bearer token parsing for identity and admin routes.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret" json:"-"`
	Issuer    string `koanf:"issuer" json:"issuer"`
	AdminRole string `koanf:"admin_role" json:"adminRole"`
}

// WorkerConfig configures the async bus consumers.
type WorkerConfig struct {
	Enabled     bool `koanf:"enabled" json:"enabled"`
	Concurrency int  `koanf:"concurrency" json:"concurrency"`

	// PolicyReloadInterval re-reads policy rules from the repository.
	// Zero leaves reloads to POST /v1/admin/policies/reload.
	PolicyReloadInterval time.Duration `koanf:"policy_reload_interval" json:"policyReloadInterval"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, channels and the in-process store.
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, NATS/Kafka and Redis.
	TierPro Tier = "pro"
)

// DefaultConfig returns a single-node configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			Environment:  "development",

			AdminRequestsPerMinute: 120,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./warden.db",
		},
		Store: StoreConfig{
			Type:          "memory",
			Namespace:     "warden",
			LocalMaxSize:  100000,
			RedisPoolSize: 50,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Auth: AuthConfig{
			Issuer:    "warden",
			AdminRole: "admin",
		},
		Worker: WorkerConfig{
			Enabled:     true,
			Concurrency: 8,
		},
		RateLimit:    DefaultRateLimitSettings(),
		Trust:        DefaultTrustConfig(),
		Challenge:    DefaultChallengeConfig(),
		Typing:       DefaultTypingConfig(),
		Conversation: DefaultConversationConfig(),
		Fraud:        DefaultFraudConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "warden",
			Endpoint:    "localhost:4317",
			Insecure:    true,
		},
	}
}

// ProConfig returns a configuration for horizontally scaled deployments.
// Every instance shares the Redis store, so limits hold across the fleet.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Server.Environment = "production"
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "warden",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
	cfg.Store = StoreConfig{
		Type:          "redis",
		Namespace:     "warden",
		RedisAddr:     "localhost:6379",
		RedisPoolSize: 100,
		OpTimeout:     250 * time.Millisecond,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
		ConsumerGroup:     "warden",
	}
	cfg.Worker.PolicyReloadInterval = time.Minute
	cfg.Tracing.Enabled = true
	return cfg
}
