// Package drivers holds the built-in scan drivers and registers them with
// a catalogscan registry.
package drivers

import (
	"context"
	"slices"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/latestleaf"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/prometheus/client_golang/prometheus"
)

// CatalogMin is just before the first commit of the nuget.org catalog.
var CatalogMin = time.Date(2015, 2, 1, 6, 22, 45, 848849600, time.UTC).Add(-100 * time.Nanosecond)

var DownloadsDeferred = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "drivers",
	Name:      "downloads_deferred",
}, []string{"driver"})

// LeafReader fetches catalog leaf documents.
type LeafReader interface {
	GetLeaf(ctx context.Context, url string) (*catalog.Leaf, error)
}

type Options struct {
	// BucketCount of the CSV drivers (default: 16).
	BucketCount int
	// MaxConcurrentDownloads bounds leaf document downloads per driver
	// (default: 16).
	MaxConcurrentDownloads int64
	// LatestLeaf tunes the optimistic retries of LoadLatestPackageLeaf.
	LatestLeaf latestleaf.Options
	// Disabled drivers are registered but never start a scan.
	Disabled []catalogscan.DriverType
	Logger   utils.Logger
}

func (o *Options) SetDefaults() {
	if o.BucketCount == 0 {
		o.BucketCount = 16
	}
	if o.MaxConcurrentDownloads == 0 {
		o.MaxConcurrentDownloads = 16
	}
	o.Logger = utils.OrDefault(o.Logger)
	if o.LatestLeaf.Logger == nil {
		o.LatestLeaf.Logger = o.Logger
	}
}

// Deps are the services the built-in drivers write through.
type Deps struct {
	catalogscan.CsvDeps
	Leaves LeafReader
}

// Register adds the built-in drivers. PackageVersionToCsv reads what
// LoadLatestPackageLeaf wrote, so it depends on it.
func Register(registry *catalogscan.Registry, deps Deps, opts Options) error {
	opts.SetDefaults()
	latest := NewLatestPackageLeafStorage(deps.Tables)

	catalogData, err := catalogscan.NewCsvDriverAdapter(CatalogDataToCsv, NewCatalogDataToCsv(deps.Leaves, opts), deps.CsvDeps)
	if err != nil {
		return err
	}
	packageVersions, err := catalogscan.NewCsvDriverAdapter(PackageVersionToCsv, NewPackageVersionToCsv(latest, opts), deps.CsvDeps)
	if err != nil {
		return err
	}

	registry.Register(CatalogDataToCsv, catalogscan.Metadata{
		Factory: func() catalogscan.Driver {
			return catalogData
		},
		DefaultMin: CatalogMin,
		Disabled:   slices.Contains(opts.Disabled, CatalogDataToCsv),
	})
	registry.Register(LoadLatestPackageLeaf, catalogscan.Metadata{
		Factory: func() catalogscan.Driver {
			return NewLoadLatestPackageLeaf(latest, deps.Tables, deps.Leaves, opts)
		},
		DefaultMin:       CatalogMin,
		OnlyLatestLeaves: true,
		Disabled:         slices.Contains(opts.Disabled, LoadLatestPackageLeaf),
	})
	registry.Register(PackageVersionToCsv, catalogscan.Metadata{
		Factory: func() catalogscan.Driver {
			return packageVersions
		},
		Dependencies:     []catalogscan.DriverType{LoadLatestPackageLeaf},
		DefaultMin:       CatalogMin,
		OnlyLatestLeaves: true,
		Disabled:         slices.Contains(opts.Disabled, PackageVersionToCsv),
	})
	return nil
}
