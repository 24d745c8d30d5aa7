// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultCheckpointFrequency = 100
	DefaultCacheExpiryHours    = 24
	DefaultRebuildMappingDays  = 7
	DefaultCheckpointFile      = "mapping_checkpoint.json"
	DefaultMappingFile         = "coingecko_kraken_mapping.json"
)

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// DBDSN is the ClickHouse connection string.
	DBDSN string

	// DBEnabled makes mapper builds write finished mappings to ClickHouse.
	DBEnabled bool

	// Mapping contains the checkpointed mapping build settings.
	Mapping MappingConfig

	// Coingecko contains settings for the CoinGecko API client.
	Coingecko CoingeckoConfig

	// Kraken contains settings for the Kraken public API client.
	Kraken KrakenConfig

	// Filter contains the candidate filtering rules.
	Filter FilterConfig

	// Kafka contains settings for publishing mapping entries.
	Kafka KafkaConfig

	// Server contains settings for the read API.
	Server ServerConfig

	// Log contains logger settings.
	Log LogConfig
}

// MappingConfig is the resolved configuration of one mapping build.
type MappingConfig struct {
	// CheckpointEnabled turns periodic checkpointing on or off.
	CheckpointEnabled bool

	// CheckpointFrequency is the number of processed coins between checkpoints.
	CheckpointFrequency int

	// ResumeOnRestart makes a new run continue an in-progress checkpoint.
	ResumeOnRestart bool

	// CheckpointFile is the path of the checkpoint JSON file.
	CheckpointFile string

	// MappingFile is the path of the mapping cache JSON file.
	MappingFile string

	// CacheExpiryHours is the age after which a checkpoint is ignored.
	CacheExpiryHours int

	// UseCachedMapping serves a fresh enough mapping file instead of rebuilding.
	UseCachedMapping bool

	// RebuildMappingDays is the mapping file age that forces a rebuild.
	// Zero or negative disables age based rebuilds.
	RebuildMappingDays int

	// TargetExchange is the CoinGecko market identifier to map against.
	TargetExchange string

	// ScheduleHour is the hour of day (0-23) for scheduled rebuilds.
	ScheduleHour int

	// ScheduleTimezone is the IANA location ScheduleHour is read in.
	ScheduleTimezone string
}

// CheckpointExpiry returns the checkpoint expiry window.
func (c MappingConfig) CheckpointExpiry() time.Duration {
	return time.Duration(c.CacheExpiryHours) * time.Hour
}

// RebuildAge returns the mapping age that forces a rebuild, zero when disabled.
func (c MappingConfig) RebuildAge() time.Duration {
	if c.RebuildMappingDays <= 0 {
		return 0
	}
	return time.Duration(c.RebuildMappingDays) * 24 * time.Hour
}

// Validate reports configuration values the build cannot work with.
func (c MappingConfig) Validate() error {
	var errs []error
	if c.MappingFile == "" {
		errs = append(errs, errors.New("mapping file is required"))
	}
	if c.CheckpointEnabled && c.CheckpointFile == "" {
		errs = append(errs, errors.New("checkpoint file is required when checkpointing is enabled"))
	}
	if c.CheckpointFrequency <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint frequency must be positive, got %d", c.CheckpointFrequency))
	}
	if c.CacheExpiryHours <= 0 {
		errs = append(errs, fmt.Errorf("cache expiry hours must be positive, got %d", c.CacheExpiryHours))
	}
	if c.TargetExchange == "" {
		errs = append(errs, errors.New("target exchange is required"))
	}
	return errors.Join(errs...)
}

// CoingeckoConfig holds CoinGecko API client settings.
type CoingeckoConfig struct {
	// BaseURL is the CoinGecko v3 API root.
	BaseURL string

	// APIKey is sent as x-cg-demo-api-key when set.
	APIKey string

	// RequestsPerMinute bounds the request rate of the client.
	RequestsPerMinute int

	// Timeout is the per-request HTTP timeout.
	Timeout time.Duration

	// RetryAttempts is the maximum attempts for one request.
	RetryAttempts int
}

// KrakenConfig holds Kraken public API settings.
type KrakenConfig struct {
	BaseURL string
	Timeout time.Duration
}

// FilterConfig holds the candidate filtering rules.
type FilterConfig struct {
	ExcludedSymbols    []string
	IncludedSymbols    []string
	ExcludeStablecoins bool

	// MaxCoins truncates the candidate list, zero means unlimited.
	MaxCoins int
}

// KafkaConfig holds Kafka connection settings for mapping entries.
type KafkaConfig struct {
	// Enabled turns the Kafka sink on.
	Enabled bool

	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic for mapping entries.
	Topic string

	// GroupID is the consumer group of the ClickHouse ingester.
	GroupID string

	// BatchSize is the number of entries the ingester writes at once.
	BatchSize int

	// BatchTimeout flushes a partial batch after this long.
	BatchTimeout time.Duration
}

// ServerConfig holds read API settings.
type ServerConfig struct {
	Port string
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// getDatabaseDSN constructs the ClickHouse DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "user")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "password")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "db")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// getMappingConfig loads mapping build settings from environment.
func getMappingConfig() MappingConfig {
	frequency := getEnvInt("CHECKPOINT_FREQUENCY", DefaultCheckpointFrequency)
	if frequency <= 0 {
		frequency = DefaultCheckpointFrequency
	}

	expiry := getEnvInt("CACHE_EXPIRY_HOURS", DefaultCacheExpiryHours)
	if expiry <= 0 {
		expiry = DefaultCacheExpiryHours
	}

	scheduleHour := getEnvInt("SCHEDULE_HOUR", 0)
	if scheduleHour < 0 || scheduleHour > 23 {
		scheduleHour = 0
	}

	return MappingConfig{
		CheckpointEnabled:   getEnvBool("CHECKPOINT_ENABLED", true),
		CheckpointFrequency: frequency,
		ResumeOnRestart:     getEnvBool("RESUME_ON_RESTART", true),
		CheckpointFile:      getEnv("CHECKPOINT_FILE", DefaultCheckpointFile),
		MappingFile:         getEnv("MAPPING_FILE", DefaultMappingFile),
		CacheExpiryHours:    expiry,
		UseCachedMapping:    getEnvBool("USE_CACHED_MAPPING", true),
		RebuildMappingDays:  getEnvInt("REBUILD_MAPPING_DAYS", DefaultRebuildMappingDays),
		TargetExchange:      strings.ToLower(getEnv("TARGET_EXCHANGE", "kraken")),
		ScheduleHour:        scheduleHour,
		ScheduleTimezone:    getEnv("SCHEDULE_TIMEZONE", "UTC"),
	}
}

// getCoingeckoConfig loads CoinGecko settings from environment.
func getCoingeckoConfig() CoingeckoConfig {
	rpm := getEnvInt("COINGECKO_REQUESTS_PER_MINUTE", 40)
	if rpm <= 0 {
		rpm = 40
	}

	return CoingeckoConfig{
		BaseURL:           getEnv("COINGECKO_BASE_URL", "https://api.coingecko.com/api/v3"),
		APIKey:            getEnv("COINGECKO_API_KEY", ""),
		RequestsPerMinute: rpm,
		Timeout:           time.Duration(getEnvInt("COINGECKO_TIMEOUT_SECONDS", 30)) * time.Second,
		RetryAttempts:     getEnvInt("COINGECKO_RETRY_ATTEMPTS", 3),
	}
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	return &AppConfig{
		DBDSN:     getDatabaseDSN(),
		DBEnabled: getEnvBool("CLICKHOUSE_ENABLED", false),
		Mapping:   getMappingConfig(),
		Coingecko: getCoingeckoConfig(),
		Kraken: KrakenConfig{
			BaseURL: getEnv("KRAKEN_BASE_URL", "https://api.kraken.com/0/public"),
			Timeout: time.Duration(getEnvInt("KRAKEN_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Filter: FilterConfig{
			ExcludedSymbols:    getEnvList("FILTER_EXCLUDED_SYMBOLS"),
			IncludedSymbols:    getEnvList("FILTER_INCLUDED_SYMBOLS"),
			ExcludeStablecoins: getEnvBool("FILTER_EXCLUDE_STABLECOINS", false),
			MaxCoins:           getEnvInt("MAX_COINS", 0),
		},
		Kafka: KafkaConfig{
			Enabled: getEnvBool("KAFKA_ENABLED", false),
			Broker:  getEnv("KAFKA_BROKER", "localhost:9092"),
			Topic:   getEnv("KAFKA_MAPPING_TOPIC", "coinmap_mapping"),

			GroupID:      getEnv("KAFKA_GROUP_ID", "coinmap-clickhouse"),
			BatchSize:    getEnvInt("BATCH_SIZE", 200),
			BatchTimeout: time.Duration(getEnvInt("BATCH_TIMEOUT_SECONDS", 5)) * time.Second,
		},
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvList splits a comma-separated variable into upper-cased symbols.
func getEnvList(key string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
