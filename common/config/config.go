package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all service configuration
type Config struct {
	Service    ServiceConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Telemetry  TelemetryConfig
	Branch     BranchConfig
	Dispatcher DispatcherConfig
	Orders     OrderConfig
	RateLimit  RateLimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings.
// Redis backs the live event feed and the dispatcher lease; both degrade
// gracefully when it is disabled.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds cache settings
type CacheConfig struct {
	Enabled    bool
	DefaultTTL time.Duration
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof bool
	PprofPort   int
}

// BranchConfig identifies a branch replica and where it reaches the sync service
type BranchConfig struct {
	ID             string
	PublicURL      string
	SyncServiceURL string
	RequestTimeout time.Duration
	StartupRetry   time.Duration
}

// DispatcherConfig controls re-delivery of failed pushes
type DispatcherConfig struct {
	Enabled     bool
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	PushTimeout time.Duration
	LeaseTTL    time.Duration
}

// RateLimitConfig caps how fast one branch may publish events. It needs
// Redis; without it publishing is not limited.
type RateLimitConfig struct {
	Enabled      bool
	PublishLimit int64
	Window       time.Duration
}

// OrderConfig holds order placement policy
type OrderConfig struct {
	// ItemRule is a CEL expression evaluated against each order line (`item`)
	ItemRule string
	// RecoveryInterval is how often unfinished line items are swept
	RecoveryInterval time.Duration
	// ReleaseRetry bounds in-place retries of a failed lock release
	ReleaseRetry time.Duration
}

// Load loads configuration from environment variables.
// A .env file in the working directory is read first when present.
func Load(serviceName string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"),
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "branchsync"),
			User:        getEnv("POSTGRES_USER", "branchsync"),
			Password:    getEnv("POSTGRES_PASSWORD", "branchsync"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:    getEnvBool("CACHE_ENABLED", true),
			DefaultTTL: getEnvDuration("CACHE_DEFAULT_TTL", 10*time.Minute),
		},
		Telemetry: TelemetryConfig{
			EnablePprof: getEnvBool("ENABLE_PPROF", false),
			PprofPort:   getEnvInt("PPROF_PORT", 6060),
		},
		Branch: BranchConfig{
			ID:             getEnv("BRANCH_ID", ""),
			PublicURL:      getEnv("BRANCH_PUBLIC_URL", ""),
			SyncServiceURL: getEnv("SYNC_SERVICE_URL", "http://localhost:8080"),
			RequestTimeout: getEnvDuration("SYNC_REQUEST_TIMEOUT", 5*time.Second),
			StartupRetry:   getEnvDuration("SYNC_STARTUP_RETRY", 2*time.Minute),
		},
		Dispatcher: DispatcherConfig{
			Enabled:     getEnvBool("DISPATCH_ENABLED", true),
			Interval:    getEnvDuration("DISPATCH_INTERVAL", 5*time.Second),
			BatchSize:   getEnvInt("DISPATCH_BATCH_SIZE", 100),
			MaxAttempts: getEnvInt("DISPATCH_MAX_ATTEMPTS", 8),
			BaseBackoff: getEnvDuration("DISPATCH_BASE_BACKOFF", 2*time.Second),
			MaxBackoff:  getEnvDuration("DISPATCH_MAX_BACKOFF", 5*time.Minute),
			PushTimeout: getEnvDuration("DISPATCH_PUSH_TIMEOUT", 3*time.Second),
			LeaseTTL:    getEnvDuration("DISPATCH_LEASE_TTL", 30*time.Second),
		},
		Orders: OrderConfig{
			ItemRule:         getEnv("ORDER_ITEM_RULE", "item.quantity > 0"),
			RecoveryInterval: getEnvDuration("ORDER_RECOVERY_INTERVAL", 30*time.Second),
			ReleaseRetry:     getEnvDuration("ORDER_RELEASE_RETRY", 5*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getEnvBool("RATE_LIMIT_ENABLED", true),
			PublishLimit: int64(getEnvInt("RATE_LIMIT_PUBLISH", 600)),
			Window:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Dispatcher.MaxAttempts < 1 {
		return fmt.Errorf("dispatcher max attempts must be >= 1")
	}

	if c.Dispatcher.BaseBackoff <= 0 || c.Dispatcher.MaxBackoff < c.Dispatcher.BaseBackoff {
		return fmt.Errorf("dispatcher backoff must satisfy 0 < base <= max")
	}

	return nil
}

// ValidateBranch checks the settings a branch replica cannot start without
func (c *Config) ValidateBranch() error {
	if c.Branch.ID == "" {
		return fmt.Errorf("BRANCH_ID is required")
	}

	if _, err := url.ParseRequestURI(c.Branch.PublicURL); err != nil {
		return fmt.Errorf("invalid BRANCH_PUBLIC_URL %q: %w", c.Branch.PublicURL, err)
	}

	if _, err := url.ParseRequestURI(c.Branch.SyncServiceURL); err != nil {
		return fmt.Errorf("invalid SYNC_SERVICE_URL %q: %w", c.Branch.SyncServiceURL, err)
	}

	if c.Branch.RequestTimeout <= 0 {
		return fmt.Errorf("SYNC_REQUEST_TIMEOUT must be positive")
	}

	if c.Orders.RecoveryInterval <= 0 {
		return fmt.Errorf("ORDER_RECOVERY_INTERVAL must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
