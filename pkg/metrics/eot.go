package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EOTMetrics records end-of-tick activity for one SWMR file.
//
// A nil EOTMetrics is valid and records nothing; the engines call through a
// nil check so that disabling metrics costs nothing on the EOT path.
type EOTMetrics interface {
	// ObserveEOT records a completed end of tick for the given role
	// ("writer" or "reader") with its duration.
	ObserveEOT(role string, duration time.Duration)

	// ObserveTornRead records a reader observing a torn header/index pair.
	ObserveTornRead()

	// ObserveDeferredBytes records shadow storage queued for deferred
	// reclamation.
	ObserveDeferredBytes(n uint64)

	// ObserveReclaimedBytes records shadow storage returned to the
	// free-space manager.
	ObserveReclaimedBytes(n uint64)

	// SetIndexEntries records the number of index entries in use.
	SetIndexEntries(n uint32)

	// SetShadowFileSize records the current shadow-file extent in bytes.
	SetShadowFileSize(n uint64)
}

// promEOTMetrics is the Prometheus implementation of EOTMetrics.
type promEOTMetrics struct {
	eotTotal       *prometheus.CounterVec
	eotDuration    *prometheus.HistogramVec
	tornReads      prometheus.Counter
	deferredBytes  prometheus.Counter
	reclaimedBytes prometheus.Counter
	indexEntries   prometheus.Gauge
	shadowFileSize prometheus.Gauge
}

// NewEOTMetrics creates a Prometheus-backed EOTMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called), in which
// case the engines skip all observation calls.
func NewEOTMetrics() EOTMetrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &promEOTMetrics{
		eotTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "shadowtick_eot_total",
				Help: "Total number of completed end-of-tick operations by role",
			},
			[]string{"role"},
		),
		eotDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "shadowtick_eot_duration_milliseconds",
				Help: "Duration of end-of-tick operations in milliseconds",
				Buckets: []float64{
					0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000,
				},
			},
			[]string{"role"},
		),
		tornReads: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shadowtick_torn_reads_total",
				Help: "Total number of torn header/index reads observed by readers",
			},
		),
		deferredBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shadowtick_deferred_bytes_total",
				Help: "Total shadow-file bytes queued for deferred reclamation",
			},
		),
		reclaimedBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "shadowtick_reclaimed_bytes_total",
				Help: "Total shadow-file bytes returned to the free-space manager",
			},
		),
		indexEntries: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shadowtick_index_entries",
				Help: "Number of shadow-index entries currently in use",
			},
		),
		shadowFileSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "shadowtick_shadow_file_bytes",
				Help: "Current extent of the shadow file in bytes",
			},
		),
	}
}

func (m *promEOTMetrics) ObserveEOT(role string, duration time.Duration) {
	m.eotTotal.WithLabelValues(role).Inc()
	m.eotDuration.WithLabelValues(role).Observe(float64(duration.Microseconds()) / 1000.0)
}

func (m *promEOTMetrics) ObserveTornRead() {
	m.tornReads.Inc()
}

func (m *promEOTMetrics) ObserveDeferredBytes(n uint64) {
	m.deferredBytes.Add(float64(n))
}

func (m *promEOTMetrics) ObserveReclaimedBytes(n uint64) {
	m.reclaimedBytes.Add(float64(n))
}

func (m *promEOTMetrics) SetIndexEntries(n uint32) {
	m.indexEntries.Set(float64(n))
}

func (m *promEOTMetrics) SetShadowFileSize(n uint64) {
	m.shadowFileSize.Set(float64(n))
}
