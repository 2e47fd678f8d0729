package insights

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// PebbleCollector exports the compaction, memtable and WAL state of the
// local database, which holds the queues.
type PebbleCollector struct {
	db      *pebble.DB
	metrics []pebbleMetric
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	counter := func(name string, value func(m *pebble.Metrics) float64) pebbleMetric {
		return pebbleMetric{
			desc:  prometheus.NewDesc("insights_pebble_"+name, "", nil, nil),
			kind:  prometheus.CounterValue,
			value: value,
		}
	}
	gauge := func(name string, value func(m *pebble.Metrics) float64) pebbleMetric {
		m := counter(name, value)
		m.kind = prometheus.GaugeValue
		return m
	}
	return &PebbleCollector{
		db: db,
		metrics: []pebbleMetric{
			counter("compactions", func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			counter("compaction_moves", func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }),
			counter("compaction_rewrites", func(m *pebble.Metrics) float64 { return float64(m.Compact.RewriteCount) }),
			gauge("compaction_debt_bytes", func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			gauge("compaction_in_progress_bytes", func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			gauge("memtable_bytes", func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			gauge("memtables", func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			gauge("wal_files", func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			gauge("wal_bytes", func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			counter("wal_written_bytes", func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
		},
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range pc.metrics {
		ch <- m.desc
	}
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := pc.db.Metrics()
	for _, m := range pc.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, m.value(snapshot))
	}
}
