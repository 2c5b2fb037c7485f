package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"

	"github.com/couchcryptid/aorc-composite-service/internal/domain"
)

// Composite policies.
const (
	PolicyStrict  = "strict"
	PolicyPartial = "partial"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Remote source.
	SourceBaseURL string
	SourceTimeout time.Duration

	// Durable store and catalog.
	StoreURL    string
	CatalogPath string
	AWSRegion   string
	S3Endpoint  string

	// Mirror engine.
	MirrorConcurrency    int
	MirrorMaxAttempts    int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	// Compositor.
	CompositeConcurrency int
	CompositePolicy      string
	CompositeMinRegions  int
	ArchiveCacheSize     int
	GridConfigPath       string

	// Provenance.
	RecordTimeBucket  time.Duration
	ImageTag          string
	ImageDigest       string
	SourceRevisionURI string

	// Optional provenance publishing. Disabled when KafkaBrokers is empty.
	KafkaBrokers         []string
	KafkaProvenanceTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		SourceBaseURL: sharedcfg.EnvOrDefault("SOURCE_BASE_URL", "https://hydrology.nws.noaa.gov/aorc-historic"),
		StoreURL:      sharedcfg.EnvOrDefault("STORE_URL", "file:///var/lib/aorc/store"),
		CatalogPath:   sharedcfg.EnvOrDefault("CATALOG_PATH", "/var/lib/aorc/catalog.db"),
		AWSRegion:     sharedcfg.EnvOrDefault("AWS_REGION", "us-east-1"),
		S3Endpoint:    os.Getenv("S3_ENDPOINT"),

		CompositePolicy: sharedcfg.EnvOrDefault("COMPOSITE_POLICY", PolicyStrict),
		GridConfigPath:  os.Getenv("GRID_CONFIG"),

		ImageTag:          os.Getenv("IMAGE_TAG"),
		ImageDigest:       os.Getenv("IMAGE_DIGEST"),
		SourceRevisionURI: os.Getenv("SOURCE_REVISION_URI"),

		KafkaProvenanceTopic: sharedcfg.EnvOrDefault("KAFKA_PROVENANCE_TOPIC", "aorc-provenance"),
	}
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(raw)
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"SOURCE_TIMEOUT", "60s", &cfg.SourceTimeout},
		{"RETRY_INITIAL_INTERVAL", "200ms", &cfg.RetryInitialInterval},
		{"RETRY_MAX_INTERVAL", "5s", &cfg.RetryMaxInterval},
		{"RECORD_TIME_BUCKET", "24h", &cfg.RecordTimeBucket},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"MIRROR_CONCURRENCY", 4, &cfg.MirrorConcurrency},
		{"MIRROR_MAX_ATTEMPTS", 5, &cfg.MirrorMaxAttempts},
		{"COMPOSITE_CONCURRENCY", 2, &cfg.CompositeConcurrency},
		{"COMPOSITE_MIN_REGIONS", 10, &cfg.CompositeMinRegions},
		{"ARCHIVE_CACHE_SIZE", 24, &cfg.ArchiveCacheSize},
	}
	for _, n := range ints {
		if *n.dst, err = parsePositiveInt(n.key, n.def); err != nil {
			return nil, err
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if u, err := url.Parse(c.SourceBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid SOURCE_BASE_URL %q", c.SourceBaseURL)
	}
	if u, err := url.Parse(c.StoreURL); err != nil || u.Scheme == "" {
		return fmt.Errorf("invalid STORE_URL %q", c.StoreURL)
	}
	if c.CatalogPath == "" {
		return errors.New("CATALOG_PATH is required")
	}
	if c.CompositePolicy != PolicyStrict && c.CompositePolicy != PolicyPartial {
		return fmt.Errorf("invalid COMPOSITE_POLICY %q: want %s or %s", c.CompositePolicy, PolicyStrict, PolicyPartial)
	}
	if c.RetryMaxInterval < c.RetryInitialInterval {
		return errors.New("RETRY_MAX_INTERVAL must not be shorter than RETRY_INITIAL_INTERVAL")
	}
	if c.KafkaBrokers != nil && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is set but lists no brokers")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaProvenanceTopic == "" {
		return errors.New("KAFKA_PROVENANCE_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}

// ScriptIdentity returns the identity recorded on every job this process runs.
func (c *Config) ScriptIdentity(scriptPath string, command []string) domain.ScriptIdentity {
	return domain.ScriptIdentity{
		ImageTag:          c.ImageTag,
		ImageDigest:       c.ImageDigest,
		SourceRevisionURI: c.SourceRevisionURI,
		ScriptPath:        scriptPath,
		Command:           command,
	}
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}
