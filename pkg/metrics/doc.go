// Package metrics provides Prometheus-compatible counters, gauges and
// histograms served in the text exposition format (version 0.0.4).
//
// Capture bundles the metrics a capture run updates:
//
//	registry := metrics.NewRegistry()
//	m := metrics.NewCapture(registry)
//	m.Record("response", len(block))
//	http.Handle("/metrics", registry.Handler())
package metrics
