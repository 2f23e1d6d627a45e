package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	MongoDB   MongoDBConfig   `mapstructure:"mongodb"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Build     BuildConfig     `mapstructure:"build"`
	Listings  ListingsConfig  `mapstructure:"listings"`
	Retention RetentionConfig `mapstructure:"retention"`
	State     StateConfig     `mapstructure:"state"`
}

// ServerConfig contains status HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Supported store backends.
const (
	BackendElasticsearch = "elasticsearch"
	BackendBleve         = "bleve"
)

// StoreConfig selects and configures the search store backend
type StoreConfig struct {
	Backend    string   `mapstructure:"backend"`   // elasticsearch or bleve
	Addresses  []string `mapstructure:"addresses"` // elasticsearch node URLs
	Username   string   `mapstructure:"username"`
	Password   string   `mapstructure:"password"`
	APIKey     string   `mapstructure:"api_key"`
	MaxRetries int      `mapstructure:"max_retries"` // transport level retries
	Timeout    int      `mapstructure:"timeout"`     // in seconds
	IndexPath  string   `mapstructure:"index_path"`  // bleve data directory, empty keeps indexes in memory
}

// MongoDBConfig contains MongoDB connection settings for the listing feed
type MongoDBConfig struct {
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Timeout    int    `mapstructure:"timeout"` // in seconds
	BatchSize  int    `mapstructure:"batch_size"`
}

// RedisConfig configures the optional property lookup cache
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	TTL     int    `mapstructure:"ttl"` // in seconds
	Prefix  string `mapstructure:"prefix"`
}

// BuildConfig contains property index build settings
type BuildConfig struct {
	CertificateIndex string  `mapstructure:"certificate_index"`
	UPRNField        string  `mapstructure:"uprn_field"`      // field grouped by the paginator
	LodgementField   string  `mapstructure:"lodgement_field"` // sort field for per-property history
	Family           string  `mapstructure:"family"`
	Alias            string  `mapstructure:"alias"`
	PageSize         int     `mapstructure:"page_size"`
	MaxCertificates  int     `mapstructure:"max_certificates"`
	WorkerCount      int     `mapstructure:"worker_count"`
	BatchSize        int     `mapstructure:"batch_size"`
	FailureThreshold float64 `mapstructure:"failure_threshold"` // fraction of failed documents tolerated per run
	MaxErrorDetails  int     `mapstructure:"max_error_details"`
	RetryAttempts    int     `mapstructure:"retry_attempts"`
	RetryBaseDelay   int     `mapstructure:"retry_base_delay"` // in milliseconds
	RetryMaxDelay    int     `mapstructure:"retry_max_delay"`  // in milliseconds
}

// ListingsConfig contains listings index and enrichment settings
type ListingsConfig struct {
	Family          string          `mapstructure:"family"`
	ActiveAlias     string          `mapstructure:"active_alias"`
	AllAlias        string          `mapstructure:"all_alias"`
	ActiveField     string          `mapstructure:"active_field"`
	PropertiesIndex string          `mapstructure:"properties_index"`
	WorkerCount     int             `mapstructure:"worker_count"`
	BatchSize       int             `mapstructure:"batch_size"`
	CopyPageSize    int             `mapstructure:"copy_page_size"`
	Source          string          `mapstructure:"source"` // file or mongodb
	File            string          `mapstructure:"file"`
	Generator       GeneratorConfig `mapstructure:"generator"`
}

// GeneratorConfig controls synthetic listing generation
type GeneratorConfig struct {
	SampleRate float64 `mapstructure:"sample_rate"` // percent of properties, 0-100
	Seed       int64   `mapstructure:"seed"`
	SourceName string  `mapstructure:"source_name"`
}

// RetentionConfig controls the listing retention sweeper
type RetentionConfig struct {
	WindowDays int    `mapstructure:"window_days"`
	Mode       string `mapstructure:"mode"` // soft or purge
	PageSize   int    `mapstructure:"page_size"`
}

// StateConfig controls the persisted run history
type StateConfig struct {
	Path    string `mapstructure:"path"`
	History int    `mapstructure:"history"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		viper.AddConfigPath("/etc/green-home-search")
	}

	// Set environment variable prefix
	viper.SetEnvPrefix("GHS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// Without an explicit path, defaults and environment are enough
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)

	viper.SetDefault("store.backend", BackendElasticsearch)
	viper.SetDefault("store.addresses", []string{"http://localhost:9200"})
	viper.SetDefault("store.max_retries", 3)
	viper.SetDefault("store.timeout", 30)
	viper.SetDefault("store.index_path", "./indexes")

	viper.SetDefault("mongodb.timeout", 30)
	viper.SetDefault("mongodb.collection", "listings")
	viper.SetDefault("mongodb.batch_size", 1000)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.url", "redis://localhost:6379/0")
	viper.SetDefault("redis.ttl", 900)
	viper.SetDefault("redis.prefix", "ghs:property:")

	viper.SetDefault("build.certificate_index", "certificates")
	viper.SetDefault("build.uprn_field", "UPRN.keyword")
	viper.SetDefault("build.lodgement_field", "LODGEMENT_DATETIME")
	viper.SetDefault("build.family", "properties")
	viper.SetDefault("build.alias", "properties")
	viper.SetDefault("build.page_size", 1000)
	viper.SetDefault("build.max_certificates", 100)
	viper.SetDefault("build.worker_count", 4)
	viper.SetDefault("build.batch_size", 500)
	viper.SetDefault("build.failure_threshold", 0.05)
	viper.SetDefault("build.max_error_details", 10)
	viper.SetDefault("build.retry_attempts", 5)
	viper.SetDefault("build.retry_base_delay", 500)
	viper.SetDefault("build.retry_max_delay", 10000)

	viper.SetDefault("listings.family", "listings")
	viper.SetDefault("listings.active_alias", "listings-active")
	viper.SetDefault("listings.all_alias", "listings-all")
	viper.SetDefault("listings.active_field", "is_active")
	viper.SetDefault("listings.properties_index", "properties")
	viper.SetDefault("listings.worker_count", 4)
	viper.SetDefault("listings.batch_size", 500)
	viper.SetDefault("listings.copy_page_size", 1000)
	viper.SetDefault("listings.source", "file")
	viper.SetDefault("listings.generator.sample_rate", 10.0)
	viper.SetDefault("listings.generator.seed", 0)
	viper.SetDefault("listings.generator.source_name", "dummy_gen")

	viper.SetDefault("retention.window_days", 90)
	viper.SetDefault("retention.mode", "soft")
	viper.SetDefault("retention.page_size", 500)

	viper.SetDefault("state.path", "./run_state.json")
	viper.SetDefault("state.history", 50)
}

// Validate checks settings that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendElasticsearch:
		if len(c.Store.Addresses) == 0 {
			return fmt.Errorf("store.addresses is required for the %s backend", BackendElasticsearch)
		}
	case BackendBleve:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if c.Build.PageSize <= 0 || c.Build.BatchSize <= 0 || c.Build.WorkerCount <= 0 {
		return fmt.Errorf("build page_size, batch_size and worker_count must be positive")
	}
	if c.Build.FailureThreshold < 0 || c.Build.FailureThreshold > 1 {
		return fmt.Errorf("build.failure_threshold must be between 0 and 1, got %v", c.Build.FailureThreshold)
	}
	if c.Listings.ActiveAlias == c.Listings.AllAlias {
		return fmt.Errorf("listings active and all aliases must differ")
	}
	if rate := c.Listings.Generator.SampleRate; rate < 0 || rate > 100 {
		return fmt.Errorf("listings.generator.sample_rate must be between 0 and 100, got %v", rate)
	}
	switch c.Retention.Mode {
	case "soft", "purge":
	default:
		return fmt.Errorf("retention.mode must be soft or purge, got %q", c.Retention.Mode)
	}

	return nil
}

// GetMongoURI returns the complete MongoDB connection URI
func (c *MongoDBConfig) GetMongoURI() string {
	if c.URI != "" {
		return c.URI
	}

	// Build URI from components if not provided directly
	uri := "mongodb://"
	if c.Username != "" && c.Password != "" {
		uri += fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}
	uri += "localhost:27017"
	return uri
}

// RetryBase returns the base retry delay as a duration
func (b BuildConfig) RetryBase() time.Duration {
	return time.Duration(b.RetryBaseDelay) * time.Millisecond
}

// RetryMax returns the maximum retry delay as a duration
func (b BuildConfig) RetryMax() time.Duration {
	return time.Duration(b.RetryMaxDelay) * time.Millisecond
}

// Window returns the retention window as a duration
func (r RetentionConfig) Window() time.Duration {
	return time.Duration(r.WindowDays) * 24 * time.Hour
}
