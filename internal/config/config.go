package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	AI            AIConfig            `mapstructure:"ai"`
	Storage       StorageConfig       `mapstructure:"storage"`
	ObjectStorage ObjectStorageConfig `mapstructure:"object_storage"`
	Quota         QuotaConfig         `mapstructure:"quota"`
	Session       SessionConfig       `mapstructure:"session"`
	RateLimit     RateLimitConfig     `mapstructure:"rate_limit"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	I18n          I18nConfig          `mapstructure:"i18n"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AIConfig points at the remote tutor function.
type AIConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Provider   string        `mapstructure:"provider"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type ObjectStorageConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	ServiceKey        string        `mapstructure:"service_key"`
	QuestionBucket    string        `mapstructure:"question_bucket"`
	PaperBucket       string        `mapstructure:"paper_bucket"`
	SignedURLTTL      time.Duration `mapstructure:"signed_url_ttl"`
	MaxImageDimension int           `mapstructure:"max_image_dimension"`
}

type QuotaConfig struct {
	TierCacheTTL    time.Duration         `mapstructure:"tier_cache_ttl"`
	MaxWriteRetries int                   `mapstructure:"max_write_retries"`
	Tiers           map[string]TierLimits `mapstructure:"tiers"`
}

// TierLimits holds default limits for a tier. A zero or negative limit is unbounded.
type TierLimits struct {
	TokenLimit    int64 `mapstructure:"token_limit"`
	PapersLimit   int64 `mapstructure:"papers_limit"`
	PackageScoped bool  `mapstructure:"package_scoped"`
}

type SessionConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	Timezone        string        `mapstructure:"timezone"`
	PersistRetries  int           `mapstructure:"persist_retries"`
	PersistBackoff  time.Duration `mapstructure:"persist_backoff"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.BindEnv("ai.endpoint", "AI_ENDPOINT")
	v.BindEnv("ai.api_key", "AI_API_KEY")
	v.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	v.BindEnv("storage.redis.db", "REDIS_DB")
	v.BindEnv("object_storage.base_url", "STORAGE_BASE_URL")
	v.BindEnv("object_storage.service_key", "STORAGE_SERVICE_KEY")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Redis address may come split across two variables
	if redisHost := v.GetString("REDIS_HOST"); redisHost != "" {
		redisPort := v.GetString("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 150*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("ai.provider", "default")
	v.SetDefault("ai.timeout", 90*time.Second)
	v.SetDefault("ai.max_retries", 2)
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.sqlite.path", "./data/tutor.db")
	v.SetDefault("object_storage.question_bucket", "question-images")
	v.SetDefault("object_storage.paper_bucket", "exam-papers")
	v.SetDefault("object_storage.signed_url_ttl", time.Hour)
	v.SetDefault("quota.tier_cache_ttl", 5*time.Minute)
	v.SetDefault("quota.max_write_retries", 3)
	v.SetDefault("session.idle_timeout", 2*time.Hour)
	v.SetDefault("session.timezone", "UTC")
	v.SetDefault("session.persist_retries", 3)
	v.SetDefault("session.persist_backoff", 250*time.Millisecond)
	v.SetDefault("session.max_message_bytes", 4096)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")
	v.SetDefault("i18n.default_language", "en")
	v.SetDefault("i18n.languages", []string{"en"})
}

func validateConfig(cfg *Config) error {
	if cfg.AI.Endpoint == "" {
		return fmt.Errorf("ai endpoint is required")
	}
	switch strings.ToLower(cfg.Storage.Type) {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Storage.Type == "redis" && cfg.Storage.Redis.Addr == "" {
		return fmt.Errorf("redis address is required for redis storage")
	}
	if _, err := time.LoadLocation(cfg.Session.Timezone); err != nil {
		return fmt.Errorf("invalid session timezone %q: %w", cfg.Session.Timezone, err)
	}
	return nil
}
