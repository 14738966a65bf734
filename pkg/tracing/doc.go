// Package tracing records spans for a capture run and exports them as JSON
// lines or to an OTLP/HTTP collector.
//
// A run gets one root span; every archived exchange is a child span carrying
// its key, target URI and record count:
//
//	tracer := tracing.NewTracer("warcrec",
//	    tracing.WithExporter(tracing.NewJSONExporter(f)),
//	)
//	ctx, run := tracer.Start(ctx, "capture")
//	_, span := tracer.Start(ctx, "archive")
//	span.SetAttribute("warc.target_uri", target)
//	span.End()
//	run.End()
//	_ = tracer.Shutdown(ctx)
//
// A nil *Tracer and a nil *Span are valid and record nothing.
//
// Trace IDs are 32 hex characters and span IDs 16, as in W3C Trace Context.
package tracing
