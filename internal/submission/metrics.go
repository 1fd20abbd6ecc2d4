package submission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	submissions *prometheus.CounterVec
	detailRows  *prometheus.CounterVec
	duplicates  *prometheus.CounterVec
	allocation  *prometheus.HistogramVec
}

// NewMetrics registers the submission collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixledger",
			Name:      "submissions_total",
			Help:      "Submissions by mode and outcome.",
		}, []string{"mode", "outcome"}),
		detailRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixledger",
			Name:      "detail_rows_total",
			Help:      "Detail rows by collection and write status.",
		}, []string{"collection", "status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mixledger",
			Name:      "duplicate_identifiers_total",
			Help:      "Allocations found duplicated when re-read after the master append.",
		}, []string{"mode"}),
		allocation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mixledger",
			Name:      "allocation_seconds",
			Help:      "Time from reading the ledger tail to the master append completing.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),
	}
	if reg != nil {
		reg.MustRegister(m.submissions, m.detailRows, m.duplicates, m.allocation)
	}
	return m
}

func (m *Metrics) observeSubmission(mode, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) observeDetailRows(collection, status string, rows int) {
	if m == nil || rows <= 0 {
		return
	}
	m.detailRows.WithLabelValues(collection, status).Add(float64(rows))
}

func (m *Metrics) observeDuplicate(mode string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(mode).Inc()
}

func (m *Metrics) observeAllocation(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.allocation.WithLabelValues(mode).Observe(elapsed.Seconds())
}
