package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names
const (
	EnvConfig         = "WARCREC_CONFIG"
	EnvDevToolsURL    = "WARCREC_DEVTOOLS_URL"
	EnvTarget         = "WARCREC_TARGET"
	EnvBodyTimeout    = "WARCREC_BODY_TIMEOUT"
	EnvDowngradeHTTP2 = "WARCREC_DOWNGRADE_HTTP2"
	EnvWriteMetadata  = "WARCREC_WRITE_METADATA"
	EnvOutputDir      = "WARCREC_OUTPUT_DIR"
	EnvPrefix         = "WARCREC_PREFIX"
	EnvGzip           = "WARCREC_GZIP"
	EnvDigest         = "WARCREC_DIGEST"
	EnvMaxSize        = "WARCREC_MAX_SIZE"
	EnvLogLevel       = "WARCREC_LOG_LEVEL"
	EnvLogFormat      = "WARCREC_LOG_FORMAT"
	EnvLogFile        = "WARCREC_LOG_FILE"
	EnvMetricsAddr    = "WARCREC_METRICS_ADDR"
	EnvTraceEndpoint  = "WARCREC_TRACE_ENDPOINT"
	EnvTraceFile      = "WARCREC_TRACE_FILE"
)

// SourceEnv marks values taken from the environment in Config.Sources.
const SourceEnv = "env"

// ApplyEnv overrides cfg with the WARCREC_* variables that are set.
// Malformed values are reported together; well-formed ones still apply.
func ApplyEnv(cfg *Config) error {
	if cfg.Sources == nil {
		cfg.Sources = make(map[string]string)
	}
	var errs []error

	str := func(env, field string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
			cfg.Sources[field] = SourceEnv
		}
	}
	boolean := func(env, field string, dst *bool) {
		if v := os.Getenv(env); v != "" {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
				return
			}
			*dst = b
			cfg.Sources[field] = SourceEnv
		}
	}
	duration := func(env, field string, dst *time.Duration) {
		if v := os.Getenv(env); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", env, err))
				return
			}
			*dst = d
			cfg.Sources[field] = SourceEnv
		}
	}

	str(EnvDevToolsURL, "devtools.url", &cfg.DevTools.URL)
	str(EnvTarget, "devtools.target", &cfg.DevTools.Target)
	duration(EnvBodyTimeout, "capture.bodyTimeout", &cfg.Capture.BodyTimeout)
	boolean(EnvDowngradeHTTP2, "capture.downgradeHTTP2", &cfg.Capture.DowngradeHTTP2)
	boolean(EnvWriteMetadata, "capture.writeMetadata", &cfg.Capture.WriteMetadata)
	str(EnvOutputDir, "output.dir", &cfg.Output.Dir)
	str(EnvPrefix, "output.prefix", &cfg.Output.Prefix)
	boolean(EnvGzip, "output.gzip", &cfg.Output.Gzip)
	str(EnvDigest, "output.digest", &cfg.Output.Digest)
	str(EnvLogLevel, "logging.level", &cfg.Logging.Level)
	str(EnvLogFormat, "logging.format", &cfg.Logging.Format)
	str(EnvLogFile, "logging.file", &cfg.Logging.File)
	str(EnvMetricsAddr, "metrics.addr", &cfg.Metrics.Addr)
	str(EnvTraceEndpoint, "tracing.endpoint", &cfg.Tracing.Endpoint)
	str(EnvTraceFile, "tracing.file", &cfg.Tracing.File)

	if v := os.Getenv(EnvMaxSize); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", EnvMaxSize, err))
		} else {
			cfg.Output.MaxSize = n
			cfg.Sources["output.maxSize"] = SourceEnv
		}
	}
	return errors.Join(errs...)
}

func parseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", v)
}
