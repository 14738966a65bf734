package metrics

import (
	"runtime"
	"time"
)

// RuntimeCollector samples process metrics for long capture sessions.
type RuntimeCollector struct {
	goroutines *Gauge
	heapAlloc  *Gauge
	numGC      *Gauge
	uptime     *Gauge
	start      time.Time
}

// NewRuntimeCollector registers the runtime gauges on r.
func NewRuntimeCollector(r *Registry) *RuntimeCollector {
	rc := &RuntimeCollector{
		goroutines: r.NewGauge("go_goroutines", "Number of goroutines that currently exist"),
		heapAlloc:  r.NewGauge("go_memstats_heap_alloc_bytes", "Number of heap bytes allocated and still in use"),
		numGC:      r.NewGauge("go_gc_cycles_total", "Total number of completed GC cycles"),
		uptime:     r.NewGauge("warcrec_uptime_seconds", "Seconds since the capture started"),
		start:      time.Now(),
	}
	info := r.NewGauge("go_info", "Information about the Go environment", "version")
	if vec, err := info.WithLabels(runtime.Version()); err == nil {
		vec.Set(1)
	}
	return rc
}

// Collect updates every gauge.
func (rc *RuntimeCollector) Collect() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_ = rc.goroutines.Set(float64(runtime.NumGoroutine()))
	_ = rc.heapAlloc.Set(float64(mem.HeapAlloc))
	_ = rc.numGC.Set(float64(mem.NumGC))
	_ = rc.uptime.Set(time.Since(rc.start).Seconds())
}

// Start collects every interval until the returned stop function is called.
func (rc *RuntimeCollector) Start(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		rc.Collect()
		for {
			select {
			case <-ticker.C:
				rc.Collect()
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}
