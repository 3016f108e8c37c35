package config

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/markl/internal/auth"
	ledgerkafka "github.com/davidbz/markl/internal/ledger/kafka"
	"github.com/davidbz/markl/internal/provider/openai"
	"github.com/davidbz/markl/internal/store/sqlite"
)

// Config represents the service configuration.
type Config struct {
	Server  ServerConfig
	CORS    CORSConfig
	Redis   RedisConfig
	Billing BillingConfig
	Auth    auth.Config
	OpenAI  openai.Config
	Store   sqlite.Config
	Ledger  ledgerkafka.Config
}

// ServerConfig contains HTTP server settings. Read and write timeouts are
// deliberately absent: a websocket session streams for as long as the
// conversation lasts.
type ServerConfig struct {
	Port              int `env:"SERVER_PORT"                envDefault:"8080"`
	ReadHeaderTimeout int `env:"SERVER_READ_HEADER_TIMEOUT" envDefault:"10"`
	IdleTimeout       int `env:"SERVER_IDLE_TIMEOUT"        envDefault:"120"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,PUT,DELETE,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// RedisConfig contains the quota store connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"      envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"        envDefault:"0"`

	// UsageTTLDays is how long an idle anonymous usage counter survives.
	UsageTTLDays int `env:"REDIS_USAGE_TTL_DAYS" envDefault:"365"`
}

// BillingConfig contains quota and pre-authorization settings.
type BillingConfig struct {
	// AnonymousInteractionLimit caps total persisted messages per anonymous
	// fingerprint.
	AnonymousInteractionLimit int `env:"BILLING_ANON_INTERACTION_LIMIT" envDefault:"10"`

	// AssistantHoldUnits is the token estimate held against a not-yet-known
	// reply during the balance precheck.
	AssistantHoldUnits int `env:"BILLING_ASSISTANT_HOLD_UNITS" envDefault:"500"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	*ServerConfig
	*CORSConfig
	*RedisConfig
	*BillingConfig
	Auth   *auth.Config
	OpenAI *openai.Config
	Store  *sqlite.Config
	Ledger *ledgerkafka.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Redis,
		&cfg.Billing,
		&cfg.Auth,
		&cfg.OpenAI,
		&cfg.Store,
		&cfg.Ledger,
	}
}
