package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all service settings, populated from environment variables
// and the sources file.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	SourcesFile string
	Sources     []SourceConfig

	StorePath string
	SiteDir   string

	// Kafka feed publishing is disabled when no brokers are set.
	KafkaBrokers   []string
	KafkaFeedTopic string

	Tracking Tracking
}

// Tracking holds the lifecycle, queue, and scheduling options.
type Tracking struct {
	MinDurationMinutes     int           `env:"MIN_DURATION_MINUTES" envDefault:"600"`
	PollIntervalSeconds    int           `env:"POLL_INTERVAL_SECONDS" envDefault:"60"`
	PublishIntervalMinutes int           `env:"PUBLISH_INTERVAL_MINUTES" envDefault:"90"`
	RetentionDays          int           `env:"RETENTION_DAYS" envDefault:"7"`
	MaxPublishesPerDay     int           `env:"MAX_PUBLISHES_PER_DAY" envDefault:"16"`
	MaxStartAge            time.Duration `env:"MAX_START_AGE" envDefault:"720h"`
	FetchConcurrency       int           `env:"FETCH_CONCURRENCY" envDefault:"4"`
	StoreWriteTimeout      time.Duration `env:"STORE_WRITE_TIMEOUT" envDefault:"5s"`
}

// PollInterval returns the poll period.
func (t Tracking) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalSeconds) * time.Second
}

// PublishInterval returns the publish period.
func (t Tracking) PublishInterval() time.Duration {
	return time.Duration(t.PublishIntervalMinutes) * time.Minute
}

// Retention returns how long queue entries are kept after their event ends.
func (t Tracking) Retention() time.Duration {
	return time.Duration(t.RetentionDays) * 24 * time.Hour
}

// Load reads configuration from environment variables, applying defaults
// where unset, and then loads the sources file.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	var tracking Tracking
	if err := env.Parse(&tracking); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := tracking.validate(); err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		SourcesFile:     sharedcfg.EnvOrDefault("SOURCES_FILE", "sources.yaml"),
		StorePath:       sharedcfg.EnvOrDefault("STORE_PATH", "data/events.db"),
		SiteDir:         sharedcfg.EnvOrDefault("SITE_DIR", "site"),
		KafkaBrokers:    parseBrokers(),
		KafkaFeedTopic:  sharedcfg.EnvOrDefault("KAFKA_FEED_TOPIC", "discharge-feed"),
		Tracking:        tracking,
	}

	if cfg.StorePath == "" {
		return nil, errors.New("STORE_PATH is required")
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaFeedTopic == "" {
		return nil, errors.New("KAFKA_FEED_TOPIC is required when KAFKA_BROKERS is set")
	}

	sources, err := LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}
	cfg.Sources = sources

	return cfg, nil
}

// KafkaEnabled reports whether the feed publisher should be started.
func (c *Config) KafkaEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func (t Tracking) validate() error {
	switch {
	case t.MinDurationMinutes <= 0:
		return errors.New("invalid MIN_DURATION_MINUTES: must be positive")
	case t.PollIntervalSeconds <= 0:
		return errors.New("invalid POLL_INTERVAL_SECONDS: must be positive")
	case t.PublishIntervalMinutes <= 0:
		return errors.New("invalid PUBLISH_INTERVAL_MINUTES: must be positive")
	case t.RetentionDays <= 0:
		return errors.New("invalid RETENTION_DAYS: must be positive")
	case t.MaxPublishesPerDay <= 0:
		return errors.New("invalid MAX_PUBLISHES_PER_DAY: must be positive")
	case t.MaxStartAge <= 0:
		return errors.New("invalid MAX_START_AGE: must be positive")
	case t.FetchConcurrency <= 0:
		return errors.New("invalid FETCH_CONCURRENCY: must be positive")
	case t.StoreWriteTimeout <= 0:
		return errors.New("invalid STORE_WRITE_TIMEOUT: must be positive")
	}
	return nil
}

// parseBrokers returns nil when KAFKA_BROKERS is unset, which disables the
// feed publisher.
func parseBrokers() []string {
	v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if v == "" {
		return nil
	}
	return sharedcfg.ParseBrokers(v)
}
