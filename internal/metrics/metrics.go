// Package metrics implements the counter aggregates spec.md §3/§5
// describe ("per-verdict counts, response-inspection count, networking-
// registration successes/failures, compression successes/failures,
// transaction-table min/max/average size"), as Prometheus metrics
// following the teacher's own promauto.New*Vec style (see DESIGN.md).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every metric the inspection loop and registrar update.
type Metrics struct {
	VerdictTotal           *prometheus.CounterVec
	ResponseInspectedTotal prometheus.Counter

	RegistrationTotal *prometheus.CounterVec
	CompressionTotal  *prometheus.CounterVec

	ParseFailureTotal   prometheus.Counter
	RingCorruptionTotal prometheus.Counter

	TransactionTableSize    prometheus.Gauge
	TransactionTableSizeMin prometheus.Gauge
	TransactionTableSizeMax prometheus.Gauge
	TransactionTableSizeAvg prometheus.Gauge
}

// New registers every metric against reg. Pass prometheus.NewRegistry()
// from tests to avoid colliding with other packages' default-registry
// registrations; pass prometheus.DefaultRegisterer from cmd/agent.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VerdictTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_intake_verdict_total",
				Help: "Total verdicts emitted by the inspection loop, by kind.",
			},
			[]string{"verdict"},
		),
		ResponseInspectedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "http_intake_response_inspected_total",
				Help: "Total response chunks passed to HttpManager.Inspect.",
			},
		),
		RegistrationTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_intake_registration_total",
				Help: "Plugin worker registration attempts, by result.",
			},
			[]string{"result"}, // success, failure
		),
		CompressionTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_intake_compression_total",
				Help: "Compression/decompression stream outcomes, by direction and result.",
			},
			[]string{"direction", "result"}, // direction: compress, decompress; result: success, failure
		),
		ParseFailureTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "http_intake_parse_failure_total",
				Help: "Frames that failed chunk-codec parsing and fell back to the default verdict.",
			},
		),
		RingCorruptionTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "http_intake_ring_corruption_total",
				Help: "Times a worker's shared-memory ring was found corrupted and reset.",
			},
		),
		TransactionTableSize: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_intake_transaction_table_size",
				Help: "Most recently sampled session store size.",
			},
		),
		TransactionTableSizeMin: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_intake_transaction_table_size_min",
				Help: "Minimum session store size observed in the current flush period.",
			},
		),
		TransactionTableSizeMax: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_intake_transaction_table_size_max",
				Help: "Maximum session store size observed in the current flush period.",
			},
		),
		TransactionTableSizeAvg: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_intake_transaction_table_size_avg",
				Help: "Average session store size observed in the current flush period.",
			},
		),
	}
}

// RecordVerdict increments the per-kind verdict counter.
func (m *Metrics) RecordVerdict(kind string) {
	m.VerdictTotal.WithLabelValues(kind).Inc()
}

// RecordRegistration increments the registration-outcome counter.
func (m *Metrics) RecordRegistration(success bool) {
	m.RegistrationTotal.WithLabelValues(resultLabel(success)).Inc()
}

// RecordCompression increments the compression-outcome counter.
func (m *Metrics) RecordCompression(direction string, success bool) {
	m.CompressionTotal.WithLabelValues(direction, resultLabel(success)).Inc()
}

// RecordParseFailure increments the chunk-codec parse-failure counter.
func (m *Metrics) RecordParseFailure() {
	m.ParseFailureTotal.Inc()
}

// RecordRingCorruption increments the ring-corruption counter.
func (m *Metrics) RecordRingCorruption() {
	m.RingCorruptionTotal.Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// TableSizeSampler accumulates periodic session-store-size samples and
// flushes the min/max/average gauges (§3, §5 "Timer routine for metric
// flush").
type TableSizeSampler struct {
	metrics *Metrics
	count   int
	sum     int
	min     int
	max     int
}

// NewTableSizeSampler builds a sampler reporting into m.
func NewTableSizeSampler(m *Metrics) *TableSizeSampler {
	return &TableSizeSampler{metrics: m}
}

// Sample records one observation of the current table size.
func (s *TableSizeSampler) Sample(size int) {
	s.metrics.TransactionTableSize.Set(float64(size))
	if s.count == 0 || size < s.min {
		s.min = size
	}
	if s.count == 0 || size > s.max {
		s.max = size
	}
	s.sum += size
	s.count++
}

// Flush pushes the accumulated min/max/average into the gauges and
// resets the accumulator for the next period.
func (s *TableSizeSampler) Flush() {
	if s.count == 0 {
		return
	}
	s.metrics.TransactionTableSizeMin.Set(float64(s.min))
	s.metrics.TransactionTableSizeMax.Set(float64(s.max))
	s.metrics.TransactionTableSizeAvg.Set(float64(s.sum) / float64(s.count))
	s.count, s.sum, s.min, s.max = 0, 0, 0, 0
}
