package metrics

import "time"

// Outcome label values for Capture.Exchanges.
const (
	OutcomeArchived = "archived"
	OutcomeFiltered = "filtered"
	OutcomeFailed   = "failed"
)

// Result label values for Capture.BodyFetches.
const (
	FetchOK       = "ok"
	FetchFailed   = "failed"
	FetchFallback = "fallback"
)

// Capture holds the metrics updated by a capture or build run. All methods
// are safe on a nil *Capture.
type Capture struct {
	Registry *Registry

	// Notifications counts network notifications by kind.
	// Labels: kind (request, response, redirect)
	Notifications *Counter

	// Exchanges counts exchanges leaving the table.
	// Labels: outcome (archived, filtered, failed)
	Exchanges *Counter

	// Records counts WARC records written.
	// Labels: type (warcinfo, request, response, metadata)
	Records *Counter

	BytesWritten *Counter

	// BodyFetches counts response body fetches.
	// Labels: result (ok, failed, fallback)
	BodyFetches *Counter

	Collisions    *Counter
	OpenExchanges *Gauge
	OutputFiles   *Counter

	SerializeDuration *Histogram
	PayloadBytes      *Histogram
}

// NewCapture registers the capture metrics on r.
func NewCapture(r *Registry) *Capture {
	return &Capture{
		Registry: r,
		Notifications: r.NewCounter(
			"warcrec_notifications_total",
			"Network notifications received",
			"kind",
		),
		Exchanges: r.NewCounter(
			"warcrec_exchanges_total",
			"Exchanges handled, by outcome",
			"outcome",
		),
		Records: r.NewCounter(
			"warcrec_records_total",
			"WARC records written",
			"type",
		),
		BytesWritten: r.NewCounter(
			"warcrec_record_bytes_total",
			"Bytes of WARC record blocks written",
		),
		BodyFetches: r.NewCounter(
			"warcrec_body_fetches_total",
			"Response body fetches, by result",
			"result",
		),
		Collisions: r.NewCounter(
			"warcrec_id_collisions_total",
			"Exchange ids reused by distinct exchanges",
		),
		OpenExchanges: r.NewGauge(
			"warcrec_open_exchanges",
			"Exchanges waiting to be archived",
		),
		OutputFiles: r.NewCounter(
			"warcrec_output_files_total",
			"WARC files opened",
		),
		SerializeDuration: r.NewHistogram(
			"warcrec_serialize_duration_seconds",
			"Time to build the records of one exchange, including fallback fetches",
			DurationBuckets,
		),
		PayloadBytes: r.NewHistogram(
			"warcrec_payload_bytes",
			"Response payload sizes",
			SizeBuckets,
		),
	}
}

func (m *Capture) Notification(kind string) {
	if m == nil {
		return
	}
	if vec, err := m.Notifications.WithLabels(kind); err == nil {
		_ = vec.Inc()
	}
}

func (m *Capture) Exchange(outcome string) {
	if m == nil {
		return
	}
	if vec, err := m.Exchanges.WithLabels(outcome); err == nil {
		_ = vec.Inc()
	}
}

// Record counts one written record of the given type and block size.
func (m *Capture) Record(recordType string, blockBytes int) {
	if m == nil {
		return
	}
	if vec, err := m.Records.WithLabels(recordType); err == nil {
		_ = vec.Inc()
	}
	_ = m.BytesWritten.Add(float64(blockBytes))
}

func (m *Capture) BodyFetch(result string) {
	if m == nil {
		return
	}
	if vec, err := m.BodyFetches.WithLabels(result); err == nil {
		_ = vec.Inc()
	}
}

func (m *Capture) Collision() {
	if m == nil {
		return
	}
	_ = m.Collisions.Inc()
}

func (m *Capture) SetOpen(n int) {
	if m == nil {
		return
	}
	_ = m.OpenExchanges.Set(float64(n))
}

func (m *Capture) FileOpened() {
	if m == nil {
		return
	}
	_ = m.OutputFiles.Inc()
}

func (m *Capture) ObserveSerialize(d time.Duration) {
	if m == nil {
		return
	}
	_ = m.SerializeDuration.Observe(d.Seconds())
}

func (m *Capture) ObservePayload(n int) {
	if m == nil {
		return
	}
	_ = m.PayloadBytes.Observe(float64(n))
}
