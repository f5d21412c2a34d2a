package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"consignment-sync-server/internal/domain"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Logging   LoggingConfig
	Catalog   CatalogConfig
	Sync      SyncConfig
	Webhook   WebhookConfig
}

type ServerConfig struct {
	Port string
	Host string
	Env  string
}

type DatabaseConfig struct {
	// Driver is "couchdb" or "memory". The memory driver keeps nothing
	// across restarts.
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// URL is the CouchDB endpoint with credentials.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("http://%s:%s@%s:%s", d.User, d.Password, d.Host, d.Port)
}

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	ReadBufferSize     int
	WriteBufferSize    int
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
	MaxConnPerOperator int
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Enabled           bool
	// TrustedProxies lists the IPs and CIDR blocks whose forwarding headers
	// are believed. Empty means the peer address is always the client.
	TrustedProxies string
}

type CORSConfig struct {
	AllowedOrigins string
	AllowedMethods string
	AllowedHeaders string
}

type LoggingConfig struct {
	Level  string
	Format string
}

type CatalogConfig struct {
	BaseURL           string
	AccessToken       string
	APIVersion        string
	LocationID        string
	Currency          string
	SKUPrefix         string
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

type SyncConfig struct {
	StaleThreshold     time.Duration
	RefreshBatchSize   int
	RefreshConcurrency int
	RefreshInterval    time.Duration
	SummaryCacheTTL    time.Duration
}

type WebhookConfig struct {
	// SignatureKey verifies catalog webhooks. Without it the webhook endpoint
	// refuses every delivery.
	SignatureKey    string
	NotificationURL string
}

func Load() (*Config, error) {
	godotenv.Load()

	jwtExp, err := getEnvAsDuration("JWT_EXPIRATION", "12h")
	if err != nil {
		return nil, err
	}
	catalogTimeout, err := getEnvAsDuration("CATALOG_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	stale, err := getEnvAsDuration("SYNC_STALE_THRESHOLD", domain.DefaultStaleThreshold.String())
	if err != nil {
		return nil, err
	}
	refreshEvery, err := getEnvAsDuration("SYNC_REFRESH_INTERVAL", "0s")
	if err != nil {
		return nil, err
	}
	summaryTTL, err := getEnvAsDuration("SYNC_SUMMARY_CACHE_TTL", "30s")
	if err != nil {
		return nil, err
	}

	rps, err := strconv.ParseFloat(getEnv("CATALOG_REQUESTS_PER_SECOND", "10"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid CATALOG_REQUESTS_PER_SECOND: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Host: getEnv("HOST", "0.0.0.0"),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "couchdb"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5984"),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			Name:     getEnv("DB_NAME", "consignment"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:     getEnvAsInt("WS_READ_BUFFER_SIZE", 1024),
			WriteBufferSize:    getEnvAsInt("WS_WRITE_BUFFER_SIZE", 4096),
			WriteWait:          10 * time.Second,
			PongWait:           60 * time.Second,
			PingPeriod:         54 * time.Second,
			MaxConnPerOperator: getEnvAsInt("WS_MAX_CONN_PER_OPERATOR", 5),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvAsInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 120),
			Enabled:           getEnvAsBool("RATE_LIMIT_ENABLED", true),
			TrustedProxies:    getEnv("RATE_LIMIT_TRUSTED_PROXIES", ""),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: getEnv("CORS_ALLOWED_METHODS", "GET,POST,PUT,PATCH,DELETE,OPTIONS"),
			AllowedHeaders: getEnv("CORS_ALLOWED_HEADERS", "Content-Type,Authorization"),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", ""),
		},
		Catalog: CatalogConfig{
			BaseURL:           getEnv("CATALOG_BASE_URL", "https://connect.squareupsandbox.com"),
			AccessToken:       getEnv("CATALOG_ACCESS_TOKEN", ""),
			APIVersion:        getEnv("CATALOG_API_VERSION", "2024-10-17"),
			LocationID:        getEnv("CATALOG_LOCATION_ID", ""),
			Currency:          getEnv("CATALOG_CURRENCY", "USD"),
			SKUPrefix:         getEnv("CATALOG_SKU_PREFIX", "CSG"),
			RequestsPerSecond: rps,
			Burst:             getEnvAsInt("CATALOG_BURST", 5),
			Timeout:           catalogTimeout,
		},
		Sync: SyncConfig{
			StaleThreshold:     stale,
			RefreshBatchSize:   getEnvAsInt("SYNC_REFRESH_BATCH_SIZE", 50),
			RefreshConcurrency: getEnvAsInt("SYNC_REFRESH_CONCURRENCY", 4),
			RefreshInterval:    refreshEvery,
			SummaryCacheTTL:    summaryTTL,
		},
		Webhook: WebhookConfig{
			SignatureKey:    getEnv("WEBHOOK_SIGNATURE_KEY", ""),
			NotificationURL: getEnv("WEBHOOK_NOTIFICATION_URL", ""),
		},
	}

	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
		if cfg.Server.Env == "development" {
			cfg.Logging.Format = "text"
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Catalog.AccessToken == "" {
		return &domain.ConfigurationError{Reason: "CATALOG_ACCESS_TOKEN is required"}
	}
	if c.Database.Driver != "couchdb" && c.Database.Driver != "memory" {
		return &domain.ConfigurationError{Reason: "DB_DRIVER must be couchdb or memory"}
	}
	if c.Sync.StaleThreshold <= 0 {
		return &domain.ConfigurationError{Reason: "SYNC_STALE_THRESHOLD must be positive"}
	}
	if c.Server.Env != "development" && c.Webhook.SignatureKey == "" {
		return &domain.ConfigurationError{Reason: "WEBHOOK_SIGNATURE_KEY is required outside development"}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
