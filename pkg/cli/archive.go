package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/getmockd/warcrec/pkg/capture"
	"github.com/getmockd/warcrec/pkg/cli/internal/flags"
	"github.com/getmockd/warcrec/pkg/cli/internal/parse"
	"github.com/getmockd/warcrec/pkg/config"
	"github.com/getmockd/warcrec/pkg/metrics"
	"github.com/getmockd/warcrec/pkg/recording"
	"github.com/getmockd/warcrec/pkg/tracing"
	"github.com/getmockd/warcrec/pkg/warc"
)

// archiveFlags are the output and filter flags shared by capture and build.
type archiveFlags struct {
	outputDir   string
	prefix      string
	digest      string
	gzip        bool
	maxSize     int64
	metadata    bool
	downgrade   bool
	bodyTimeout time.Duration

	includeHosts flags.StringSlice
	excludeHosts flags.StringSlice
	includePaths flags.StringSlice
	excludePaths flags.StringSlice
	filterExpr   string

	session     string
	description string
	infoFields  flags.StringSlice

	traceFile     string
	traceEndpoint string
}

func (f *archiveFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.outputDir, "output-dir", "d", "", "Directory for WARC files")
	fs.StringVar(&f.prefix, "prefix", "", "WARC file name prefix")
	fs.StringVar(&f.digest, "digest", "", "Payload digest: sha1, sha256 or none")
	fs.BoolVar(&f.gzip, "gzip", true, "Compress each record as its own gzip member")
	fs.Int64Var(&f.maxSize, "max-size", 0, "Rotate files after this many bytes (0 disables)")
	fs.BoolVar(&f.metadata, "metadata", false, "Write a metadata record per exchange")
	fs.BoolVar(&f.downgrade, "downgrade-http2", false, "Record HTTP/2 and HTTP/3 traffic as HTTP/1.1")
	fs.DurationVar(&f.bodyTimeout, "body-timeout", 0, "Time allowed for one response body fetch")
	fs.Var(&f.includeHosts, "include-host", "Archive only hosts matching this glob (repeatable)")
	fs.Var(&f.excludeHosts, "exclude-host", "Never archive hosts matching this glob (repeatable)")
	fs.Var(&f.includePaths, "include-path", "Archive only paths matching this glob (repeatable)")
	fs.Var(&f.excludePaths, "exclude-path", "Never archive paths matching this glob (repeatable)")
	fs.StringVar(&f.filterExpr, "filter", "", `Expression an exchange must satisfy, e.g. "status < 400"`)
	fs.StringVar(&f.session, "session", "", "Session name, recorded as isPartOf")
	fs.StringVar(&f.description, "description", "", "warcinfo description")
	fs.Var(&f.infoFields, "info", "Extra warcinfo field as key=value (repeatable)")
	fs.StringVar(&f.traceFile, "trace-file", "", "Write a span per archived exchange to this file as JSON lines")
	fs.StringVar(&f.traceEndpoint, "trace-endpoint", "", "Export spans to this OTLP/HTTP traces URL")
}

func (f *archiveFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	fs := cmd.Flags()
	if fs.Changed("output-dir") {
		setFromFlag(cfg, "output.dir", &cfg.Output.Dir, f.outputDir)
	}
	if fs.Changed("prefix") {
		setFromFlag(cfg, "output.prefix", &cfg.Output.Prefix, f.prefix)
	}
	if fs.Changed("digest") {
		setFromFlag(cfg, "output.digest", &cfg.Output.Digest, f.digest)
	}
	if fs.Changed("gzip") {
		setFromFlag(cfg, "output.gzip", &cfg.Output.Gzip, f.gzip)
	}
	if fs.Changed("max-size") {
		setFromFlag(cfg, "output.maxSize", &cfg.Output.MaxSize, f.maxSize)
	}
	if fs.Changed("metadata") {
		setFromFlag(cfg, "capture.writeMetadata", &cfg.Capture.WriteMetadata, f.metadata)
	}
	if fs.Changed("downgrade-http2") {
		setFromFlag(cfg, "capture.downgradeHTTP2", &cfg.Capture.DowngradeHTTP2, f.downgrade)
	}
	if fs.Changed("body-timeout") {
		setFromFlag(cfg, "capture.bodyTimeout", &cfg.Capture.BodyTimeout, f.bodyTimeout)
	}
	filter := &cfg.Capture.Filter
	if len(f.includeHosts) > 0 {
		setFromFlag(cfg, "capture.filter.includeHosts", &filter.IncludeHosts, []string(f.includeHosts))
	}
	if len(f.excludeHosts) > 0 {
		setFromFlag(cfg, "capture.filter.excludeHosts", &filter.ExcludeHosts, append(filter.ExcludeHosts, f.excludeHosts...))
	}
	if len(f.includePaths) > 0 {
		setFromFlag(cfg, "capture.filter.includePaths", &filter.IncludePaths, []string(f.includePaths))
	}
	if len(f.excludePaths) > 0 {
		setFromFlag(cfg, "capture.filter.excludePaths", &filter.ExcludePaths, append(filter.ExcludePaths, f.excludePaths...))
	}
	if fs.Changed("filter") {
		setFromFlag(cfg, "capture.filter.expression", &filter.Expression, f.filterExpr)
	}
	if fs.Changed("description") {
		setFromFlag(cfg, "warcinfo.description", &cfg.Warcinfo.Description, f.description)
	}
	if fs.Changed("trace-file") {
		setFromFlag(cfg, "tracing.file", &cfg.Tracing.File, f.traceFile)
	}
	if fs.Changed("trace-endpoint") {
		setFromFlag(cfg, "tracing.endpoint", &cfg.Tracing.Endpoint, f.traceEndpoint)
	}
}

// extraFields parses the --info flags.
func (f *archiveFlags) extraFields() ([]warc.Field, error) {
	var out []warc.Field
	for _, kv := range f.infoFields {
		k, v, ok := parse.KeyValue(kv, '=', ':')
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --info %q: expected key=value", kv)
		}
		out = append(out, warc.Field{Name: k, Value: v})
	}
	return out, nil
}

// pipeline is everything between a notification source and the WARC output.
type pipeline struct {
	session  *recording.Session
	files    *warc.FileSink
	sink     warc.Sink
	capturer *capture.Capturer
	registry *metrics.Registry
	metrics  *metrics.Capture
	tracer   *tracing.Tracer
	// traceOut is the --trace-file, closed after the tracer shuts down.
	traceOut io.Closer
	log      *slog.Logger
}

type pipelineOptions struct {
	// bodies prefetches response bodies and serves the serializer fallback.
	bodies warc.BodySource
	// stream, when set, receives a single WARC stream instead of files.
	stream     io.Writer
	streamName string
	userAgent  string
}

func newPipeline(env *runEnv, af *archiveFlags, opts pipelineOptions) (*pipeline, error) {
	cfg := env.cfg

	digest, err := warc.ParseDigestAlgorithm(cfg.Output.Digest)
	if err != nil {
		return nil, err
	}
	filter, err := recording.NewFilter(cfg.Capture.Filter)
	if err != nil {
		return nil, err
	}
	extra, err := af.extraFields()
	if err != nil {
		return nil, err
	}

	p := &pipeline{
		session:  recording.NewSession(af.session),
		registry: metrics.NewRegistry(),
		log:      env.log,
	}
	p.metrics = metrics.NewCapture(p.registry)
	if p.tracer, p.traceOut, err = newTracer(cfg.Tracing); err != nil {
		return nil, err
	}

	info := warc.Info{
		Software:    "warcrec/" + Version,
		IsPartOf:    cfg.Warcinfo.IsPartOf,
		Description: cfg.Warcinfo.Description,
		Robots:      cfg.Warcinfo.Robots,
		UserAgent:   cfg.Warcinfo.UserAgent,
		Extra:       extra,
	}
	if info.IsPartOf == "" {
		info.IsPartOf = p.session.Name
	}
	if info.UserAgent == "" {
		info.UserAgent = opts.userAgent
	}

	if opts.stream != nil {
		p.sink = warc.NewStreamSink(opts.stream, opts.streamName, info, warc.WriterOptions{Gzip: cfg.Output.Gzip})
		p.metrics.FileOpened()
		p.session.AddFile(opts.streamName)
	} else {
		p.files, err = warc.NewFileSink(warc.FileSinkOptions{
			Dir:     cfg.Output.Dir,
			Prefix:  cfg.Output.Prefix,
			Gzip:    cfg.Output.Gzip,
			MaxSize: cfg.Output.MaxSize,
			Info:    info,
			Logger:  env.log,
			OnRotate: func(path string) {
				p.metrics.FileOpened()
				p.session.AddFile(path)
			},
		})
		if err != nil {
			p.closeTracer()
			return nil, err
		}
		p.sink = p.files
	}

	ser := warc.NewSerializer(warc.SerializerOptions{
		Digest:          digest,
		Fallback:        opts.bodies,
		FallbackTimeout: cfg.Capture.FallbackTimeout,
		WriteMetadata:   cfg.Capture.WriteMetadata,
	})
	p.capturer, err = capture.New(capture.Options{
		Sink:           p.sink,
		Serializer:     ser,
		Bodies:         opts.bodies,
		BodyTimeout:    cfg.Capture.BodyTimeout,
		Filter:         filter,
		DowngradeHTTP2: cfg.Capture.DowngradeHTTP2,
		Session:        p.session,
		Metrics:        p.metrics,
		Tracer:         p.tracer,
		Logger:         env.log,
	})
	if err != nil {
		_ = p.sink.Close()
		p.closeTracer()
		return nil, err
	}
	return p, nil
}

// newTracer builds the tracer for cfg, or nil when tracing is off.
func newTracer(cfg config.TracingConfig) (*tracing.Tracer, io.Closer, error) {
	if !cfg.Enabled() {
		return nil, nil, nil
	}
	var exporter tracing.Exporter
	var out *os.File
	if cfg.File != "" {
		f, err := os.Create(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("open trace file: %w", err)
		}
		out = f
		exporter = tracing.NewJSONExporter(f)
	}
	if cfg.Endpoint != "" {
		otlp := tracing.NewOTLPExporter(cfg.Endpoint, tracing.WithOTLPHeaders(cfg.Headers))
		if exporter != nil {
			exporter = tracing.MultiExporter{exporter, otlp}
		} else {
			exporter = otlp
		}
	}
	tracer := tracing.NewTracer("warcrec",
		tracing.WithExporter(exporter),
		tracing.WithSampler(tracing.NewRatioSampler(cfg.SampleRatio)),
	)
	if out == nil {
		return tracer, nil, nil
	}
	return tracer, out, nil
}

// closeTracer exports buffered spans. Failures only cost spans, so they are
// logged rather than returned.
func (p *pipeline) closeTracer() {
	if p.tracer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), tracing.DefaultOTLPTimeout)
	defer cancel()
	if err := p.tracer.Shutdown(ctx); err != nil {
		p.log.Warn("exporting spans failed", "error", err)
	}
	if p.traceOut != nil {
		_ = p.traceOut.Close()
	}
}

// Summary is the result printed when a capture or build ends.
type Summary struct {
	Session      recording.SessionSummary `json:"session"`
	Stats        capture.Stats            `json:"stats"`
	Errors       []string                 `json:"errors,omitempty"`
	Duration     string                   `json:"duration"`
	BytesWritten int64                    `json:"bytesWritten"`
}

// finish flushes pending exchanges, closes the output and builds the summary.
// The flush gets its own deadline so it still runs after a canceled capture.
func (p *pipeline) finish(timeout time.Duration) (*Summary, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	flushErr := p.capturer.Flush(ctx)
	_ = p.capturer.Close()
	closeErr := p.sink.Close()
	p.closeTracer()
	p.session.End()

	s := &Summary{
		Session:      p.session.Summary(),
		Stats:        p.capturer.Stats(),
		BytesWritten: int64(p.metrics.BytesWritten.Value()),
	}
	if end := s.Session.EndTime; end != nil {
		s.Duration = end.Sub(s.Session.StartTime).Round(time.Millisecond).String()
	}
	for _, err := range p.capturer.Errors() {
		s.Errors = append(s.Errors, err.Error())
	}
	if closeErr != nil {
		return s, fmt.Errorf("close output: %w", closeErr)
	}
	if flushErr != nil {
		return s, fmt.Errorf("flush pending exchanges: %w", flushErr)
	}
	return s, nil
}
