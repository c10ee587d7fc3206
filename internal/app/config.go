package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (PROMO_ prefix), a .env file, flags or YAML files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (PROMO_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
	// DevAPIKey seeds a key with every scope when the memory driver is used.
	DevAPIKey string `usage:"API key granted all scopes in memory mode" flag:"dev-api-key"`

	Storage    StorageConfig
	Redemption RedemptionConfig
	Stats      StatsConfig
	Redis      RedisConfig
	Events     EventsConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
	Graceful   GracefulConfig
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `default:"postgres" usage:"Storage driver: postgres or memory"`
}

// RedemptionConfig tunes the redemption commit.
type RedemptionConfig struct {
	CommitTimeout  time.Duration `default:"5s" usage:"Upper bound of one redemption commit"`
	LockTimeout    time.Duration `default:"2s" usage:"Postgres lock_timeout for the promo code row"`
	MaxRetries     int           `default:"3" usage:"Retries after serialization failures or lock timeouts"`
	RetryBaseDelay time.Duration `default:"20ms" usage:"First retry backoff, doubled per attempt"`
}

// StatsConfig controls the stats cache and its warm-up job.
type StatsConfig struct {
	CacheTTL     time.Duration `default:"30s" usage:"Redis TTL of cached stats"`
	WarmSchedule string        `default:"@every 1m" usage:"Cron schedule refreshing cached stats; empty disables"`
	DefaultTop   int           `default:"5" usage:"Top codes reported when the request omits top"`
}

// RedisConfig enables the stats cache and shared rate limiting when Addr is set.
type RedisConfig struct {
	Addr     string `usage:"Redis address host:port; empty disables Redis"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
}

// EventsConfig enables Kafka redemption events when Brokers is set.
type EventsConfig struct {
	Brokers []string `usage:"Kafka brokers; empty disables events"`
	Topic   string   `default:"promo.redemptions" usage:"Kafka topic for redemption events"`
}

// RateLimitConfig controls the per-client rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins []string `default:"*" usage:"Allowed CORS origins"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from a local .env file, environment
// variables, YAML config files and the given command-line args, then applies
// platform defaults.
func LoadConfig(args []string) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "PROMO",
		Args:      args,
		Files:     []string{"config.yaml", "/etc/promo/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set PROMO_DATABASE_URL or DATABASE_URL")
		}
	case DriverMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Redemption.CommitTimeout <= 0 {
		return errors.New("redemption commit timeout must be positive")
	}
	if c.Redemption.MaxRetries < 0 {
		return errors.New("redemption max retries must not be negative")
	}
	if len(c.Events.Brokers) > 0 && c.Events.Topic == "" {
		return errors.New("events topic is required when brokers are set")
	}
	return nil
}

// applyPlatformDefaults maps DATABASE_URL and PORT, as set by hosting
// platforms, onto the PROMO_ configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		c.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
