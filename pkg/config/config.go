package config

import (
	"time"

	"github.com/getmockd/warcrec/pkg/recording"
)

// Config is the complete warcrec configuration.
type Config struct {
	DevTools DevToolsConfig `yaml:"devtools" json:"devtools"`
	Capture  CaptureConfig  `yaml:"capture" json:"capture"`
	Output   OutputConfig   `yaml:"output" json:"output"`
	Warcinfo WarcinfoConfig `yaml:"warcinfo" json:"warcinfo"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" json:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`

	// Sources records where each overridden value came from
	// (file path, "env" or "flag"), keyed by dotted field name.
	Sources map[string]string `yaml:"-" json:"-"`
}

// DevToolsConfig locates the browser to capture from.
type DevToolsConfig struct {
	// URL is the DevTools HTTP endpoint, or a ws:// page URL.
	URL string `yaml:"url" json:"url"`
	// Target selects a page by id or URL substring. Empty takes the first page.
	Target  string        `yaml:"target,omitempty" json:"target,omitempty"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// CaptureConfig controls how exchanges are built and which are archived.
type CaptureConfig struct {
	DowngradeHTTP2  bool          `yaml:"downgradeHTTP2" json:"downgradeHTTP2"`
	BodyTimeout     time.Duration `yaml:"bodyTimeout" json:"bodyTimeout"`
	FallbackTimeout time.Duration `yaml:"fallbackTimeout" json:"fallbackTimeout"`
	MaxPostDataSize int           `yaml:"maxPostDataSize" json:"maxPostDataSize"`
	WriteMetadata   bool          `yaml:"writeMetadata" json:"writeMetadata"`

	Filter recording.FilterConfig `yaml:"filter,omitempty" json:"filter,omitempty"`
}

// OutputConfig controls the WARC files written.
type OutputConfig struct {
	Dir    string `yaml:"dir" json:"dir"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Gzip   bool   `yaml:"gzip" json:"gzip"`
	// Digest is sha1, sha256 or none.
	Digest string `yaml:"digest" json:"digest"`
	// MaxSize rotates to a new file once the current one reaches this many
	// bytes. Zero disables rotation.
	MaxSize int64 `yaml:"maxSize" json:"maxSize"`
}

// WarcinfoConfig fills the warcinfo record at the head of every file.
type WarcinfoConfig struct {
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	IsPartOf    string `yaml:"isPartOf,omitempty" json:"isPartOf,omitempty"`
	UserAgent   string `yaml:"userAgent,omitempty" json:"userAgent,omitempty"`
	Robots      string `yaml:"robots,omitempty" json:"robots,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9464".
	Addr string `yaml:"addr,omitempty" json:"addr,omitempty"`
}

// TracingConfig exports a span per archived exchange. Tracing is off when
// neither Endpoint nor File is set.
type TracingConfig struct {
	// Endpoint is an OTLP/HTTP traces URL, e.g. http://localhost:4318/v1/traces.
	Endpoint string            `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// File receives spans as JSON lines.
	File        string  `yaml:"file,omitempty" json:"file,omitempty"`
	SampleRatio float64 `yaml:"sampleRatio" json:"sampleRatio"`
}

// Enabled reports whether any span destination is configured.
func (t TracingConfig) Enabled() bool {
	return t.Endpoint != "" || t.File != ""
}

// Default values.
const (
	DefaultDevToolsURL     = "http://127.0.0.1:9222"
	DefaultDevToolsTimeout = 10 * time.Second
	DefaultBodyTimeout     = 30 * time.Second
	DefaultFallbackTimeout = 10 * time.Second
	DefaultMaxPostDataSize = 1 << 20
	DefaultPrefix          = "warcrec"
	DefaultMaxSize         = 1 << 30
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DevTools: DevToolsConfig{
			URL:     DefaultDevToolsURL,
			Timeout: DefaultDevToolsTimeout,
		},
		Capture: CaptureConfig{
			BodyTimeout:     DefaultBodyTimeout,
			FallbackTimeout: DefaultFallbackTimeout,
			MaxPostDataSize: DefaultMaxPostDataSize,
		},
		Output: OutputConfig{
			Dir:     ".",
			Prefix:  DefaultPrefix,
			Gzip:    true,
			Digest:  "sha1",
			MaxSize: DefaultMaxSize,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Sources: make(map[string]string),
	}
}
