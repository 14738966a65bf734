// Package capture drives a capture run: it implements cdp.Handler, folds
// notifications into a recording.Table, prefetches response bodies while the
// browser still holds them, and writes each finished exchange to a warc.Sink.
//
//	source := cdp.NewSource(client, cdp.SourceOptions{})
//	c, err := capture.New(capture.Options{Sink: sink, Bodies: source})
//	err = source.Start(ctx, c)
//	...
//	err = c.Flush(ctx)
package capture
