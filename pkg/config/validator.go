package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/getmockd/warcrec/pkg/recording"
	"github.com/getmockd/warcrec/pkg/warc"
)

// ValidationError describes one invalid field. It matches ErrInvalidConfig.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// Validate checks the whole configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.DevTools.URL == "" {
		add("devtools.url", "is required")
	} else if u, err := url.Parse(c.DevTools.URL); err != nil || u.Host == "" {
		add("devtools.url", "must be an absolute http(s) or ws(s) URL: %q", c.DevTools.URL)
	} else {
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			add("devtools.url", "unsupported scheme %q", u.Scheme)
		}
	}
	if c.DevTools.Timeout < 0 {
		add("devtools.timeout", "must not be negative")
	}

	if c.Capture.BodyTimeout < 0 {
		add("capture.bodyTimeout", "must not be negative")
	}
	if c.Capture.FallbackTimeout < 0 {
		add("capture.fallbackTimeout", "must not be negative")
	}
	if c.Capture.MaxPostDataSize < 0 {
		add("capture.maxPostDataSize", "must not be negative")
	}
	if _, err := recording.NewFilter(c.Capture.Filter); err != nil {
		add("capture.filter", "%v", err)
	}

	if c.Output.Dir == "" {
		add("output.dir", "is required")
	}
	if strings.ContainsAny(c.Output.Prefix, `/\`) {
		add("output.prefix", "must not contain path separators")
	}
	if _, err := warc.ParseDigestAlgorithm(c.Output.Digest); err != nil {
		add("output.digest", "%v", err)
	}
	if c.Output.MaxSize < 0 {
		add("output.maxSize", "must not be negative")
	}

	if c.Logging.Level != "" && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		add("logging.level", "must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "" && !validLogFormats[strings.ToLower(c.Logging.Format)] {
		add("logging.format", "must be text or json")
	}

	if c.Tracing.Endpoint != "" {
		if u, err := url.Parse(c.Tracing.Endpoint); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			add("tracing.endpoint", "must be an absolute http(s) URL: %q", c.Tracing.Endpoint)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		add("tracing.sampleRatio", "must be between 0 and 1")
	}

	return errors.Join(errs...)
}
