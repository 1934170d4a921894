// Package config provides the configuration structure for the voiceover-service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Defaults applied to unset fields.
const (
	DefaultOutputFormat         = "mp3_44100_128"
	DefaultMaxRetries           = 5
	DefaultInitialBackoffMillis = 500
	DefaultMaxJitterMillis      = 250
	DefaultParagraphsPerChunk   = 2
	DefaultAPIKeyEnv            = "ELEVENLABS_API_KEY"
	DefaultBaseURL              = "https://api.elevenlabs.io"
	DefaultObjectStoreBucket    = "VOICEOVER_AUDIO"
	DefaultTextStoreBucket      = "VOICEOVER_TEXT"
	DefaultSubmitSubject        = "voiceover.jobs.submit"
	DefaultStatusSubject        = "voiceover.jobs.status"
	DefaultControlSubject       = "voiceover.jobs.control"
	DefaultEventsSubject        = "voiceover.jobs.events"
	DefaultHistorySubject       = "voiceover.history"
	DefaultHistoryPath          = "voiceover-history.db"
	DefaultMetricsAddr          = ":9102"
	DefaultServiceName          = "voiceover-service"
	DefaultRequestTimeoutSecs   = 120
)

// Validation errors.
var (
	ErrBaseURLRequired   = errors.New("synthesis.base_url is required")
	ErrNATSURLRequired   = errors.New("nats.url is required")
	ErrSubjectRequired   = errors.New("nats submit, status and control subjects are required")
	ErrInvalidChunkSize  = errors.New("batch.default_paragraphs_per_chunk must be positive")
	ErrInvalidRetryCount = errors.New("synthesis.max_retries must be positive")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                    string `toml:"url"`
	SubmitSubject          string `toml:"submit_subject"`
	StatusSubject          string `toml:"status_subject"`
	ControlSubject         string `toml:"control_subject"`
	EventsSubject          string `toml:"events_subject"`
	HistorySubject         string `toml:"history_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
}

// SynthesisConfig holds the remote text-to-speech API settings.
type SynthesisConfig struct {
	BaseURL              string  `toml:"base_url"`
	APIKey               string  `toml:"api_key"`
	APIKeyEnv            string  `toml:"api_key_env"`
	OutputFormat         string  `toml:"output_format"`
	MaxRetries           int     `toml:"max_retries"`
	InitialBackoffMillis int     `toml:"initial_backoff_ms"`
	MaxJitterMillis      int     `toml:"max_jitter_ms"`
	RequestsPerSecond    float64 `toml:"requests_per_second"`
	TimeoutSeconds       int     `toml:"timeout_seconds"`
}

// BatchConfig holds the defaults for submitted jobs.
type BatchConfig struct {
	DefaultVoiceID            string `toml:"default_voice_id"`
	DefaultModelID            string `toml:"default_model_id"`
	DefaultParagraphsPerChunk int    `toml:"default_paragraphs_per_chunk"`
}

// HistoryConfig holds the SQLite history settings.
type HistoryConfig struct {
	Path          string `toml:"path"`
	MaxRecords    int    `toml:"max_records"`
	RetentionDays int    `toml:"retention_days"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// TelemetryConfig holds the OpenTelemetry exporter settings. An empty endpoint
// disables export.
type TelemetryConfig struct {
	OTLPEndpoint string  `toml:"otlp_endpoint"`
	ServiceName  string  `toml:"service_name"`
	Insecure     bool    `toml:"insecure"`
	SampleRatio  float64 `toml:"sample_ratio"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig      `toml:"nats"`
	Synthesis SynthesisConfig `toml:"synthesis"`
	Batch     BatchConfig     `toml:"batch"`
	History   HistoryConfig   `toml:"history"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Telemetry TelemetryConfig `toml:"telemetry"`
	Paths     PathsConfig     `toml:"paths"`
}

// Load loads the configuration for the voiceover-service, fills defaults and validates it.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	cfg.ApplyDefaults()

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &cfg, nil
}

// LoadFile reads a TOML file and fills defaults without validating the NATS section, for
// tools that synthesize locally. An empty path yields the defaults alone.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, readErr)
		}

		decodeErr := toml.Unmarshal(data, &cfg)
		if decodeErr != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, decodeErr)
		}
	}

	cfg.ApplyDefaults()

	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.SubmitSubject, DefaultSubmitSubject)
	setString(&c.NATS.StatusSubject, DefaultStatusSubject)
	setString(&c.NATS.ControlSubject, DefaultControlSubject)
	setString(&c.NATS.EventsSubject, DefaultEventsSubject)
	setString(&c.NATS.HistorySubject, DefaultHistorySubject)
	setString(&c.NATS.AudioObjectStoreBucket, DefaultObjectStoreBucket)
	setString(&c.NATS.TextObjectStoreBucket, DefaultTextStoreBucket)

	setString(&c.Synthesis.BaseURL, DefaultBaseURL)
	setString(&c.Synthesis.APIKeyEnv, DefaultAPIKeyEnv)
	setString(&c.Synthesis.OutputFormat, DefaultOutputFormat)
	setInt(&c.Synthesis.MaxRetries, DefaultMaxRetries)
	setInt(&c.Synthesis.InitialBackoffMillis, DefaultInitialBackoffMillis)
	setInt(&c.Synthesis.MaxJitterMillis, DefaultMaxJitterMillis)
	setInt(&c.Synthesis.TimeoutSeconds, DefaultRequestTimeoutSecs)

	setInt(&c.Batch.DefaultParagraphsPerChunk, DefaultParagraphsPerChunk)

	setString(&c.History.Path, DefaultHistoryPath)

	setString(&c.Metrics.Addr, DefaultMetricsAddr)

	setString(&c.Telemetry.ServiceName, DefaultServiceName)

	if c.Telemetry.SampleRatio <= 0 {
		c.Telemetry.SampleRatio = 1
	}

	setString(&c.Paths.BaseLogsDir, os.TempDir())
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Synthesis.BaseURL) == "":
		return ErrBaseURLRequired
	case strings.TrimSpace(c.NATS.URL) == "":
		return ErrNATSURLRequired
	case c.NATS.SubmitSubject == "" || c.NATS.StatusSubject == "" || c.NATS.ControlSubject == "":
		return ErrSubjectRequired
	case c.Batch.DefaultParagraphsPerChunk <= 0:
		return ErrInvalidChunkSize
	case c.Synthesis.MaxRetries <= 0:
		return ErrInvalidRetryCount
	default:
		return nil
	}
}

// ResolveAPIKey returns the configured key, falling back to the environment variable named by
// api_key_env.
func (s SynthesisConfig) ResolveAPIKey() string {
	if s.APIKey != "" {
		return s.APIKey
	}

	if s.APIKeyEnv == "" {
		return ""
	}

	return strings.TrimSpace(os.Getenv(s.APIKeyEnv))
}

// InitialBackoff returns the configured first retry delay.
func (s SynthesisConfig) InitialBackoff() time.Duration {
	return time.Duration(s.InitialBackoffMillis) * time.Millisecond
}

// MaxJitter returns the configured upper bound on rate-limit jitter.
func (s SynthesisConfig) MaxJitter() time.Duration {
	return time.Duration(s.MaxJitterMillis) * time.Millisecond
}

// Timeout returns the per-attempt HTTP timeout.
func (s SynthesisConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

func setString(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
