package insights

import (
	"github.com/NuGet/Insights-sub012/appendresults"
	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/drivers"
	"github.com/NuGet/Insights-sub012/latestleaf"
	"github.com/NuGet/Insights-sub012/leases"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/tablecopy"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// Collectors are the package level metrics plus the pebble collector of
// this host.
func (ins *Insights) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tables.OperationCount,
		queues.MessageCount,
		leases.LeaseEvents,
		catalog.RequestCount,
		catalog.PageCacheHits,
		latestleaf.RowCount,
		appendresults.AppendedRecords,
		appendresults.AppendSplits,
		appendresults.CompactedRecords,
		catalogscan.UpdateResults,
		catalogscan.IndexTransitions,
		catalogscan.LeafResults,
		catalogscan.UpdaterRuns,
		drivers.DownloadsDeferred,
		worker.MessageResults,
		worker.InFlight,
		tablecopy.CopiedRows,
		NewPebbleCollector(ins.db),
	}
}

// RegisterMetrics registers Collectors. The package level metrics are
// process wide, so only one host per registry.
func (ins *Insights) RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range ins.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
