package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides, e.g.
	// XPING_TELEMETRY_API_KEY.
	EnvPrefix = "XPING"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultEndpoint is the default collection endpoint.
	DefaultEndpoint = "https://upload.xping.io/api/v1/test-executions"

	DefaultBatchSize            = 100
	DefaultFlushInterval        = 30 * time.Second
	DefaultSamplingRate         = 1.0
	DefaultTimeout              = 30 * time.Second
	DefaultShutdownTimeout      = 30 * time.Second
	DefaultMaxRetries           = 3
	DefaultRetryBaseDelay       = 2 * time.Second
	DefaultRetryMaxDelay        = 30 * time.Second
	DefaultCompressionThreshold = "1KB"

	DefaultBreakerMinThroughput = 10
	DefaultBreakerFailureRatio  = 0.5
	DefaultBreakerWindow        = 60 * time.Second
	DefaultBreakerBreakDuration = 30 * time.Second

	DefaultQueueBackend = "file"
	DefaultMaxQueueSize = 10000
	DefaultQueueMaxAge  = 7 * 24 * time.Hour

	DefaultRelayListen = "127.0.0.1:7878"
)

// Config is the root configuration for the xping agent.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Relay     RelayConfig     `yaml:"relay" mapstructure:"relay"`
	Archive   ArchiveConfig   `yaml:"archive,omitempty" mapstructure:"archive"`
}

// GlobalConfig contains process-wide settings.
type GlobalConfig struct {
	LogLevel string            `yaml:"log_level" mapstructure:"log_level"`
	Labels   map[string]string `yaml:"labels,omitempty" mapstructure:"labels"`
}

// TelemetryConfig controls collection and upload of execution records.
type TelemetryConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	ProjectID string `yaml:"project_id" mapstructure:"project_id"`

	BatchSize     int           `yaml:"batch_size" mapstructure:"batch_size"`
	MaxBufferSize int           `yaml:"max_buffer_size" mapstructure:"max_buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval" mapstructure:"flush_interval"`
	SamplingRate  float64       `yaml:"sampling_rate" mapstructure:"sampling_rate"`

	Timeout         time.Duration `yaml:"timeout" mapstructure:"timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MaxRetries      int           `yaml:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelay  time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`

	Compression          bool   `yaml:"compression" mapstructure:"compression"`
	CompressionThreshold string `yaml:"compression_threshold" mapstructure:"compression_threshold"`

	// UploadRateLimit caps upload requests per second; 0 disables pacing.
	UploadRateLimit float64 `yaml:"upload_rate_limit,omitempty" mapstructure:"upload_rate_limit"`

	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the uploader's circuit breaker.
type CircuitBreakerConfig struct {
	MinThroughput  int           `yaml:"min_throughput" mapstructure:"min_throughput"`
	FailureRatio   float64       `yaml:"failure_ratio" mapstructure:"failure_ratio"`
	SamplingWindow time.Duration `yaml:"sampling_window" mapstructure:"sampling_window"`
	BreakDuration  time.Duration `yaml:"break_duration" mapstructure:"break_duration"`
}

// QueueConfig controls the durable offline queue.
type QueueConfig struct {
	Enabled      bool           `yaml:"enabled" mapstructure:"enabled"`
	Backend      string         `yaml:"backend" mapstructure:"backend"`
	Dir          string         `yaml:"dir" mapstructure:"dir"`
	MaxQueueSize int            `yaml:"max_queue_size" mapstructure:"max_queue_size"`
	MaxAge       time.Duration  `yaml:"max_age" mapstructure:"max_age"`
	Database     DatabaseConfig `yaml:"database,omitempty" mapstructure:"database"`
}

// DatabaseConfig selects the SQL database for the "sql" queue backend.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// RelayConfig configures the local ingest relay.
type RelayConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	Token       string          `yaml:"token,omitempty" mapstructure:"token"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting on the relay.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// ArchiveConfig configures export of offline batches to object storage.
type ArchiveConfig struct {
	S3 *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3-compatible storage settings.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// Default returns a configuration with every default applied and
// telemetry and the offline queue enabled.
func Default() *Config {
	cfg := &Config{
		Telemetry: TelemetryConfig{Enabled: true, Compression: true, SamplingRate: DefaultSamplingRate},
		Queue:     QueueConfig{Enabled: true},
	}

	cfg.applyDefaults()

	return cfg
}

// Load reads the given YAML files in order, later files overriding
// earlier ones, then applies XPING_* environment overrides and defaults.
// With no paths the configuration comes from the environment alone.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unset booleans default to on; files and env can still turn them off.
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.compression", true)
	v.SetDefault("queue.enabled", true)

	// Zero is a meaningful sampling rate, so its default cannot come from
	// applyDefaults.
	v.SetDefault("telemetry.sampling_rate", DefaultSamplingRate)

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	bindEnvs(v, reflect.TypeOf(Config{}), "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs registers every mapstructure key with viper so that environment
// variables apply even when the key is absent from all config files.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		tag := field.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := field.Type
		if ft.Kind() == reflect.Pointer {
			ft = ft.Elem()
		}

		if ft.Kind() == reflect.Struct && ft != reflect.TypeOf(time.Duration(0)) {
			bindEnvs(v, ft, key)

			continue
		}

		_ = v.BindEnv(key)
	}
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	t := &c.Telemetry

	if t.Endpoint == "" {
		t.Endpoint = DefaultEndpoint
	}

	if t.BatchSize <= 0 {
		t.BatchSize = DefaultBatchSize
	}

	if t.MaxBufferSize <= 0 {
		t.MaxBufferSize = t.BatchSize * 10
	}

	if t.FlushInterval <= 0 {
		t.FlushInterval = DefaultFlushInterval
	}

	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}

	if t.ShutdownTimeout <= 0 {
		t.ShutdownTimeout = DefaultShutdownTimeout
	}

	if t.MaxRetries < 0 {
		t.MaxRetries = 0
	}

	if t.RetryBaseDelay <= 0 {
		t.RetryBaseDelay = DefaultRetryBaseDelay
	}

	if t.RetryMaxDelay <= 0 {
		t.RetryMaxDelay = DefaultRetryMaxDelay
	}

	if t.CompressionThreshold == "" {
		t.CompressionThreshold = DefaultCompressionThreshold
	}

	cb := &t.CircuitBreaker

	if cb.MinThroughput <= 0 {
		cb.MinThroughput = DefaultBreakerMinThroughput
	}

	if cb.FailureRatio <= 0 || cb.FailureRatio > 1 {
		cb.FailureRatio = DefaultBreakerFailureRatio
	}

	if cb.SamplingWindow <= 0 {
		cb.SamplingWindow = DefaultBreakerWindow
	}

	if cb.BreakDuration <= 0 {
		cb.BreakDuration = DefaultBreakerBreakDuration
	}

	q := &c.Queue

	if q.Backend == "" {
		q.Backend = DefaultQueueBackend
	}

	if q.Dir == "" {
		q.Dir = defaultQueueDir()
	}

	if q.MaxQueueSize <= 0 {
		q.MaxQueueSize = DefaultMaxQueueSize
	}

	if q.MaxAge <= 0 {
		q.MaxAge = DefaultQueueMaxAge
	}

	if q.Database.Driver == "" {
		q.Database.Driver = "sqlite"
	}

	if q.Database.SQLite.Path == "" {
		q.Database.SQLite.Path = q.Dir + string(os.PathSeparator) + "queue.db"
	}

	if c.Relay.Listen == "" {
		c.Relay.Listen = DefaultRelayListen
	}

	if c.Relay.RateLimit.RequestsPerMinute <= 0 {
		c.Relay.RateLimit.RequestsPerMinute = 600
	}
}

// defaultQueueDir places the queue under the user cache directory, falling
// back to the system temp directory.
func defaultQueueDir() string {
	base, err := os.UserCacheDir()
	if err != nil || base == "" {
		base = os.TempDir()
	}

	return base + string(os.PathSeparator) + "xping" + string(os.PathSeparator) + "queue"
}

// Validate checks the configuration for errors. Missing credentials are
// not an error: the agent degrades to a no-op instead.
func (c *Config) Validate() error {
	t := c.Telemetry

	if _, err := ParseEndpoint(t.Endpoint); err != nil {
		return err
	}

	if _, err := t.CompressionThresholdBytes(); err != nil {
		return err
	}

	if t.MaxBufferSize < t.BatchSize {
		return fmt.Errorf("telemetry.max_buffer_size (%d) must be >= telemetry.batch_size (%d)",
			t.MaxBufferSize, t.BatchSize)
	}

	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("telemetry.sampling_rate (%g) must be between 0 and 1", t.SamplingRate)
	}

	if t.UploadRateLimit < 0 {
		return fmt.Errorf("telemetry.upload_rate_limit must not be negative")
	}

	switch c.Queue.Backend {
	case "file":
	case "sql":
		switch c.Queue.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("queue.database.driver %q is not supported", c.Queue.Database.Driver)
		}
	default:
		return fmt.Errorf("queue.backend %q is not supported (use \"file\" or \"sql\")", c.Queue.Backend)
	}

	if c.Archive.S3 != nil && c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive.s3 is enabled")
	}

	return nil
}

// HasCredentials reports whether both the API key and project id are set.
func (t TelemetryConfig) HasCredentials() bool {
	return strings.TrimSpace(t.APIKey) != "" && strings.TrimSpace(t.ProjectID) != ""
}

// CompressionThresholdBytes parses the human-readable threshold ("1KB").
func (t TelemetryConfig) CompressionThresholdBytes() (int64, error) {
	n, err := units.FromHumanSize(t.CompressionThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid telemetry.compression_threshold %q: %w", t.CompressionThreshold, err)
	}

	return n, nil
}

// ParseEndpoint validates that raw is an absolute http(s) URL.
func ParseEndpoint(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid telemetry.endpoint %q: %w", raw, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid telemetry.endpoint %q: must be an absolute http(s) URL", raw)
	}

	return u, nil
}

const redacted = "<redacted>"

// Redacted returns a copy of c with credentials masked, for display.
func (c *Config) Redacted() *Config {
	cp := *c

	mask := func(s string) string {
		if s == "" {
			return ""
		}

		return redacted
	}

	cp.Telemetry.APIKey = mask(c.Telemetry.APIKey)
	cp.Queue.Database.Postgres.Password = mask(c.Queue.Database.Postgres.Password)
	cp.Relay.Token = mask(c.Relay.Token)

	if c.Archive.S3 != nil {
		s3 := *c.Archive.S3
		s3.SecretAccessKey = mask(s3.SecretAccessKey)
		cp.Archive.S3 = &s3
	}

	return &cp
}
