// Package metrics exports Prometheus collectors for every coordinator
// component under the mandelserve namespace.
package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func register[K prometheus.Collector](logger *log.Logger, metric K) K {
	if err := prometheus.Register(metric); err != nil {
		logger.Println(err)
	}
	return metric
}

// Metrics holds every collector the coordinator registers. Construct
// exactly one per process with New.
type Metrics struct {
	dispatcherRequests       *prometheus.CounterVec
	dispatcherHandlerSeconds *prometheus.HistogramVec

	tileServerRequests       *prometheus.CounterVec
	tileServerHandlerSeconds *prometheus.HistogramVec

	outstandingLeases prometheus.Gauge
	completedTiles    prometheus.Gauge

	storageJobsTotal    *prometheus.CounterVec
	storageMirrorErrors prometheus.Counter
	storageQueueDepth   prometheus.Gauge
}

// New creates and registers every collector against the default
// Prometheus registry.
func New(logger *log.Logger) *Metrics {
	const namespace = "mandelserve"
	durationBuckets := prometheus.DefBuckets

	return &Metrics{
		dispatcherRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "requests_total",
			Help:      "Dispatcher connections by purpose and outcome",
		}, []string{"purpose", "outcome"})),
		dispatcherHandlerSeconds: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "handler_duration_seconds",
			Help:      "Dispatcher connection handler duration",
			Buckets:   durationBuckets,
		}, []string{"purpose"})),

		tileServerRequests: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tileserver",
			Name:      "requests_total",
			Help:      "TileServer requests by outcome",
		}, []string{"outcome"})),
		tileServerHandlerSeconds: register(logger, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tileserver",
			Name:      "handler_duration_seconds",
			Help:      "TileServer connection handler duration",
			Buckets:   durationBuckets,
		}, []string{"outcome"})),

		outstandingLeases: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leaseboard",
			Name:      "outstanding_leases",
			Help:      "Current size of the outstanding lease set",
		})),
		completedTiles: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leaseboard",
			Name:      "completed_tiles",
			Help:      "Current size of the completed tile set",
		})),

		storageJobsTotal: register(logger, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "jobs_total",
			Help:      "StorageWorker jobs processed by kind",
		}, []string{"kind"})),
		storageMirrorErrors: register(logger, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "mirror_errors_total",
			Help:      "Best-effort remote mirror upload failures",
		})),
		storageQueueDepth: register(logger, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "queue_depth",
			Help:      "Jobs currently queued and not yet started in StorageWorker",
		})),
	}
}

// ObserveDispatcherRequest records one Dispatcher connection outcome.
func (m *Metrics) ObserveDispatcherRequest(purpose, outcome string) {
	m.dispatcherRequests.WithLabelValues(purpose, outcome).Inc()
}

// TimeDispatcherHandler returns a stop function that records the elapsed
// time against purpose when called; use with defer.
func (m *Metrics) TimeDispatcherHandler(purpose string) func() {
	start := time.Now()
	return func() {
		m.dispatcherHandlerSeconds.WithLabelValues(purpose).Observe(time.Since(start).Seconds())
	}
}

// ObserveTileServerRequest records one TileServer request outcome.
func (m *Metrics) ObserveTileServerRequest(outcome string) {
	m.tileServerRequests.WithLabelValues(outcome).Inc()
}

// TimeTileServerHandler returns a stop function that records the elapsed
// time against outcome when called; use with defer with the outcome known
// up front, or capture and set it via a closure variable.
func (m *Metrics) TimeTileServerHandler(outcome func() string) func() {
	start := time.Now()
	return func() {
		m.tileServerHandlerSeconds.WithLabelValues(outcome()).Observe(time.Since(start).Seconds())
	}
}

// SetOutstandingLeases updates the outstanding-lease gauge.
func (m *Metrics) SetOutstandingLeases(n int) {
	m.outstandingLeases.Set(float64(n))
}

// SetCompletedTiles updates the completed-tile gauge.
func (m *Metrics) SetCompletedTiles(n uint64) {
	m.completedTiles.Set(float64(n))
}

// ObserveStorageJob records one StorageWorker job of the given kind.
func (m *Metrics) ObserveStorageJob(kind string) {
	m.storageJobsTotal.WithLabelValues(kind).Inc()
}

// ObserveMirrorError records one failed remote mirror upload.
func (m *Metrics) ObserveMirrorError() {
	m.storageMirrorErrors.Inc()
}

// SetStorageQueueDepth updates the storage-worker queue-depth gauge.
func (m *Metrics) SetStorageQueueDepth(n int64) {
	m.storageQueueDepth.Set(float64(n))
}

// StartGaugeSampler polls sample every period and feeds the results to the
// leaseboard/storage gauges until stop is closed.
func StartGaugeSampler(m *Metrics, period time.Duration, stop <-chan struct{}, sample func() (outstanding int, completed uint64, queueDepth int64)) {
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				outstanding, completed, queueDepth := sample()
				m.SetOutstandingLeases(outstanding)
				m.SetCompletedTiles(completed)
				m.SetStorageQueueDepth(queueDepth)
			}
		}
	}()
}
