package storage

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "strata"

// metrics collects write counters, subscriber gauges and the sequence head of every
// open store.
type metrics struct {
	storage *Storage

	writes      *prometheus.CounterVec
	rejected    *prometheus.CounterVec
	subscribers *prometheus.Desc
	unpersisted *prometheus.Desc
	lastSeq     *prometheus.Desc
	handles     *prometheus.Desc
}

func newMetrics(s *Storage) *metrics {
	labels := []string{"database", "collection"}
	return &metrics{
		storage: s,
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "writes_total",
			Help:      "Committed document writes by operation.",
		}, append(labels, "operation")),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "write_errors_total",
			Help:      "Rejected bulk-write items by status.",
		}, append(labels, "status")),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "subscribers"),
			"Live change-stream subscriptions.",
			labels, nil,
		),
		unpersisted: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "unpersisted_changes"),
			"Committed change events the backend failed to append to its log.",
			labels, nil,
		),
		lastSeq: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "last_sequence"),
			"Greatest sequence assigned in an open store.",
			labels, nil,
		),
		handles: prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", "open_stores"),
			"Logical stores with at least one open handle.",
			nil, nil,
		),
	}
}

// register adds m to reg. When an equivalent collector is already registered the
// existing one is kept and m stays unregistered.
func (m *metrics) register(reg prometheus.Registerer, logger *slog.Logger) *metrics {
	if reg == nil {
		return m
	}
	if err := reg.Register(m); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*metrics); ok {
				return existing
			}
		}
		logger.Warn("failed to register storage metrics", "error", err)
	}
	return m
}

// Describe implements prometheus.Collector.
func (m *metrics) Describe(ch chan<- *prometheus.Desc) {
	m.writes.Describe(ch)
	m.rejected.Describe(ch)
	ch <- m.subscribers
	ch <- m.unpersisted
	ch <- m.lastSeq
	ch <- m.handles
}

// Collect implements prometheus.Collector.
func (m *metrics) Collect(ch chan<- prometheus.Metric) {
	m.writes.Collect(ch)
	m.rejected.Collect(ch)

	stores := m.storage.snapshot()
	for _, st := range stores {
		if !st.hasLog {
			continue
		}
		db, coll := st.ns.Database, st.ns.Collection
		ch <- prometheus.MustNewConstMetric(m.lastSeq, prometheus.GaugeValue, float64(st.lastSequence), db, coll)
		ch <- prometheus.MustNewConstMetric(m.subscribers, prometheus.GaugeValue, float64(st.subscribers), db, coll)
		ch <- prometheus.MustNewConstMetric(m.unpersisted, prometheus.GaugeValue, float64(st.unpersisted), db, coll)
	}
	ch <- prometheus.MustNewConstMetric(m.handles, prometheus.GaugeValue, float64(len(stores)))
}
