package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	NodeLaunches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Name:      "node_launches_total",
		Help:      "Total harness node launches",
	})

	NodeCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Name:      "node_closes_total",
		Help:      "Total harness node closes",
	})

	TeardownErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Name:      "teardown_errors_total",
		Help:      "Release failures recorded during close, by resource",
	}, []string{"resource"})

	ServiceReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster_harness",
		Name:      "service_ready",
		Help:      "1 once the wrapped service reported start, else 0",
	})

	StatusPolls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Subsystem: "status",
		Name:      "polls_total",
		Help:      "Total status mesh poll cycles",
	})

	StatusMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Subsystem: "status",
		Name:      "messages_total",
		Help:      "Status messages dispatched to listeners, by type",
	}, []string{"type"})

	StatusChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cluster_harness",
		Subsystem: "status",
		Name:      "channels",
		Help:      "Number of established peer status channel pairs",
	})

	ServiceCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Subsystem: "service",
		Name:      "callbacks_total",
		Help:      "Callbacks forwarded to the wrapped service, by type",
	}, []string{"type"})

	ArchiveRecordings = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Subsystem: "archive",
		Name:      "recordings_total",
		Help:      "Total recordings started in the archive",
	})

	ArchiveBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "cluster_harness",
		Subsystem: "archive",
		Name:      "recorded_bytes_total",
		Help:      "Total bytes recorded by the archive",
	})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(NodeLaunches)
		prometheus.MustRegister(NodeCloses)
		prometheus.MustRegister(TeardownErrors)
		prometheus.MustRegister(ServiceReady)
		prometheus.MustRegister(StatusPolls)
		prometheus.MustRegister(StatusMessages)
		prometheus.MustRegister(StatusChannels)
		prometheus.MustRegister(ServiceCallbacks)
		prometheus.MustRegister(ArchiveRecordings)
		prometheus.MustRegister(ArchiveBytes)
	})
}
