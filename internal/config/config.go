// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // billing.location must resolve on hosts without a zoneinfo database

	"github.com/spf13/viper"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	API       APIConfig       `mapstructure:"api"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Store     StoreConfig     `mapstructure:"store"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// APIConfig defines request admission settings.
type APIConfig struct {
	RateLimitPerSecond int `mapstructure:"rate_limit_per_second"`
}

// RatesConfig defines where the tariff document comes from and how often it is refreshed.
type RatesConfig struct {
	URL             string        `mapstructure:"url"`
	File            string        `mapstructure:"file"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RetryMaxElapsed time.Duration `mapstructure:"retry_max_elapsed"`
}

// BillingConfig lists the monitored premises.
type BillingConfig struct {
	Location string          `mapstructure:"location"`
	Premises []PremiseConfig `mapstructure:"premises"`
}

// PremiseConfig is fixed for the lifetime of a premise's tracker.
type PremiseConfig struct {
	ID         string `mapstructure:"id"`
	BillingDay int    `mapstructure:"billing_day"`
	TariffMode string `mapstructure:"tariff_mode"`
}

// StoreConfig defines the state store.
type StoreConfig struct {
	Path          string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// KafkaConfig defines Kafka producer settings.
type KafkaConfig struct {
	Brokers       []string       `mapstructure:"brokers"`
	Topic         string         `mapstructure:"topic"`
	RolloverTopic string         `mapstructure:"rollover_topic"`
	DLQTopic      string         `mapstructure:"dlq_topic"`
	Producer      ProducerConfig `mapstructure:"producer"`
}

// ProducerConfig defines Sarama producer settings.
type ProducerConfig struct {
	RequiredAcks     string        `mapstructure:"required_acks"`
	CompressionCodec string        `mapstructure:"compression_codec"`
	FlushFrequency   time.Duration `mapstructure:"flush_frequency"`
	FlushMessages    int           `mapstructure:"flush_messages"`
	FlushBytes       int           `mapstructure:"flush_bytes"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	ReturnSuccesses  bool          `mapstructure:"return_successes"`
	ReturnErrors     bool          `mapstructure:"return_errors"`
}

// PublisherConfig defines the event publisher's internal settings.
type PublisherConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	EventChannelCapacity int           `mapstructure:"event_channel_capacity"`
	NumWorkers           int           `mapstructure:"num_workers"`
	SnapshotInterval     time.Duration `mapstructure:"snapshot_interval"`
	Retry                RetryConfig   `mapstructure:"retry"`
}

// RetryConfig defines settings for the retry mechanism.
type RetryConfig struct {
	ChannelCapacity   int           `mapstructure:"channel_capacity"`
	NumWorkers        int           `mapstructure:"num_workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	// RATES_URL overrides rates.url, and so on.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			fmt.Printf("Config file not found: %s. Using defaults and environment variables.\n", configPath)
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Printf("Using config file: %s\n", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 5*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("api.rate_limit_per_second", 100)

	v.SetDefault("rates.refresh_interval", 12*time.Hour)
	v.SetDefault("rates.fetch_timeout", 10*time.Second)
	v.SetDefault("rates.retry_max_elapsed", 2*time.Minute)

	v.SetDefault("billing.location", "Asia/Kuala_Lumpur")

	v.SetDefault("store.path", "nem-state.db")
	v.SetDefault("store.flush_interval", time.Minute)

	v.SetDefault("kafka.topic", "nem.bill-snapshots")
	v.SetDefault("kafka.rollover_topic", "nem.billing-rollovers")
	v.SetDefault("kafka.dlq_topic", "nem.dlq")
	v.SetDefault("kafka.producer.required_acks", "leader")
	v.SetDefault("kafka.producer.compression_codec", "snappy")
	v.SetDefault("kafka.producer.return_successes", false)
	v.SetDefault("kafka.producer.return_errors", true)

	v.SetDefault("publisher.enabled", false)
	v.SetDefault("publisher.event_channel_capacity", 1024)
	v.SetDefault("publisher.num_workers", 2)
	v.SetDefault("publisher.snapshot_interval", 15*time.Minute)
	v.SetDefault("publisher.retry.channel_capacity", 256)
	v.SetDefault("publisher.retry.num_workers", 1)
	v.SetDefault("publisher.retry.max_retries", 5)
	v.SetDefault("publisher.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("publisher.retry.max_backoff", 30*time.Second)
	v.SetDefault("publisher.retry.backoff_multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Rates.URL == "" && c.Rates.File == "" {
		return fmt.Errorf("rates.url or rates.file must be specified")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if len(c.Billing.Premises) == 0 {
		return fmt.Errorf("at least one billing premise must be configured")
	}
	seen := make(map[string]struct{}, len(c.Billing.Premises))
	for i, p := range c.Billing.Premises {
		if p.ID == "" {
			return fmt.Errorf("billing.premises[%d]: id must be specified", i)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("billing.premises[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = struct{}{}
		if _, err := model.ParseTariffMode(p.TariffMode); err != nil {
			return fmt.Errorf("billing.premises[%d]: %w", i, err)
		}
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path must be specified")
	}
	if c.Publisher.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka brokers must be specified")
		}
		if c.Kafka.Topic == "" {
			return fmt.Errorf("kafka topic must be specified")
		}
		if c.Publisher.EventChannelCapacity <= 0 {
			return fmt.Errorf("event_channel_capacity must be positive")
		}
		if c.Publisher.NumWorkers <= 0 {
			return fmt.Errorf("num_workers must be positive")
		}
	}
	return nil
}

// Location resolves billing.location.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Billing.Location)
	if err != nil {
		return nil, fmt.Errorf("invalid billing.location %q: %w", c.Billing.Location, err)
	}
	return loc, nil
}
