package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/gotnull/meshsync/internal/observability"
)

// Prefixes are processed in order, so the last one wins.
var envPrefixes = []string{"SOCIALMESH", "MESHSYNC"}

const defaultConfigFile = "config.yaml"

// App contains the full application configuration.
type App struct {
	ConfigPath string `yaml:"-" ignored:"true"`

	Name                 string `yaml:"name" split_words:"true"`
	DataDir              string `yaml:"data_dir" split_words:"true"`
	DedupeDatabaseFile   string `yaml:"dedupe_database_file" split_words:"true"`
	SignalsDatabaseFile  string `yaml:"signals_database_file" split_words:"true"`
	MediaDir             string `yaml:"media_dir" split_words:"true"`
	LogLevel             string `yaml:"log_level" split_words:"true"`
	LogJSON              bool   `yaml:"log_json" split_words:"true"`
	ObservabilityAddress string `yaml:"observability_address" split_words:"true"`
	MaxEnvelopeBytes     int    `yaml:"max_envelope_bytes" split_words:"true"`

	// UserID is the authenticated account; empty means mesh-only operation.
	UserID string `yaml:"user_id" split_words:"true"`

	MQTTBrokerAddress string `yaml:"mqtt_broker_address" split_words:"true"`
	MQTTPort          int    `yaml:"mqtt_port" split_words:"true"`
	MQTTUsername      string `yaml:"mqtt_username" split_words:"true"`
	MQTTPassword      string `yaml:"mqtt_password" split_words:"true"`
	MQTTTopicPrefix   string `yaml:"mqtt_topic_prefix" split_words:"true"`
	MQTTTopicSuffix   string `yaml:"mqtt_topic_suffix" split_words:"true"`
	MQTTClientID      string `yaml:"mqtt_client_id" split_words:"true"`
	MQTTChannelName   string `yaml:"mqtt_channel_name" split_words:"true"`
	MQTTGatewayNode   uint32 `yaml:"mqtt_gateway_node" split_words:"true"`

	RedisAddress    string `yaml:"redis_address" split_words:"true"`
	RedisUsername   string `yaml:"redis_username" split_words:"true"`
	RedisPassword   string `yaml:"redis_password" split_words:"true"`
	RedisDB         int    `yaml:"redis_db" split_words:"true"`
	RedisTLSEnabled bool   `yaml:"redis_tls_enabled" split_words:"true"`
	RedisKeyPrefix  string `yaml:"redis_key_prefix" split_words:"true"`

	BlobBackend        string `yaml:"blob_backend" split_words:"true"`
	S3Endpoint         string `yaml:"s3_endpoint" split_words:"true"`
	S3Region           string `yaml:"s3_region" split_words:"true"`
	S3Bucket           string `yaml:"s3_bucket" split_words:"true"`
	S3AccessKey        string `yaml:"s3_access_key" split_words:"true"`
	S3SecretKey        string `yaml:"s3_secret_key" split_words:"true"`
	S3PathStyle        bool   `yaml:"s3_path_style" split_words:"true"`
	S3PublicURL        string `yaml:"s3_public_url" split_words:"true"`
	GCSBucket          string `yaml:"gcs_bucket" split_words:"true"`
	GCSCredentialsFile string `yaml:"gcs_credentials_file" split_words:"true"`
	GCSPublicURL       string `yaml:"gcs_public_url" split_words:"true"`

	DedupeTTLMinutes          int `yaml:"dedupe_ttl_minutes" split_words:"true"`
	DedupeCleanupMinutes      int `yaml:"dedupe_cleanup_minutes" split_words:"true"`
	MaxLocalSignals           int `yaml:"max_local_signals" split_words:"true"`
	SignalSweepSeconds        int `yaml:"signal_sweep_seconds" split_words:"true"`
	ImageRetrySeconds         int `yaml:"image_retry_seconds" split_words:"true"`
	ProximityWindowMinutes    int `yaml:"proximity_window_minutes" split_words:"true"`
	ProximityThresholdMinutes int `yaml:"proximity_threshold_minutes" split_words:"true"`
	QueueMaxRetries           int `yaml:"queue_max_retries" split_words:"true"`
	AckTimeoutSeconds         int `yaml:"ack_timeout_seconds" split_words:"true"`
}

// New reads the configuration from file (if provided) and environment overrides.
func New(path string) (*App, error) {
	cfg := defaultConfig()

	if err := cfg.applyFile(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *App {
	return &App{
		Name:                      "Meshsync",
		DataDir:                   "data",
		DedupeDatabaseFile:        "mesh_dedupe.db",
		SignalsDatabaseFile:       "signals.db",
		MediaDir:                  "media",
		LogLevel:                  "INFO",
		ObservabilityAddress:      ":2112",
		MaxEnvelopeBytes:          256 * 1024,
		MQTTBrokerAddress:         "127.0.0.1",
		MQTTPort:                  1883,
		MQTTTopicPrefix:           "msh",
		MQTTTopicSuffix:           "/+/+/+/#",
		MQTTChannelName:           "LongFast",
		RedisKeyPrefix:            "meshsync",
		BlobBackend:               "none",
		S3Region:                  "us-east-1",
		DedupeTTLMinutes:          90,
		DedupeCleanupMinutes:      10,
		MaxLocalSignals:           200,
		SignalSweepSeconds:        60,
		ImageRetrySeconds:         10,
		ProximityWindowMinutes:    15,
		ProximityThresholdMinutes: 5,
		QueueMaxRetries:           3,
		AckTimeoutSeconds:         300,
	}
}

func (c *App) applyFile(path string) error {
	if path == "" {
		path = os.Getenv("MESHSYNC_CONFIG_FILE")
	}
	if path == "" {
		path = defaultConfigFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		// A missing file means defaults plus environment.
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	c.ConfigPath = path
	return nil
}

func (c *App) applyEnv() error {
	for _, prefix := range envPrefixes {
		if err := envconfig.Process(prefix, c); err != nil {
			return fmt.Errorf("config: process %s_ environment: %w", prefix, err)
		}
	}
	return nil
}

func (c *App) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.BlobBackend)) {
	case "", "none", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown blob_backend %q", c.BlobBackend)
	}
	if _, err := observability.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: log_level: %w", err)
	}
	if c.MaxLocalSignals <= 0 {
		return errors.New("config: max_local_signals must be positive")
	}
	if c.DedupeTTLMinutes <= 0 {
		return errors.New("config: dedupe_ttl_minutes must be positive")
	}
	if c.QueueMaxRetries <= 0 {
		return errors.New("config: queue_max_retries must be positive")
	}
	return nil
}

// ResolvePath joins relative file names onto DataDir.
func (c *App) ResolvePath(name string) string {
	if name == "" || filepath.IsAbs(name) || c.DataDir == "" {
		return name
	}
	return filepath.Join(c.DataDir, name)
}
