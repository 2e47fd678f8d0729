package drivers

import (
	"context"

	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/records"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const CatalogDataToCsv catalogscan.DriverType = "CatalogDataToCsv"

// CatalogDataToCsvContainer holds the compacted catalog leaf artifacts.
const CatalogDataToCsvContainer = "catalogleafitems"

type catalogDataToCsv struct {
	leaves  LeafReader
	permits *semaphore.Weighted
	opts    Options
}

// NewCatalogDataToCsv records every catalog leaf, details and deletes
// alike. Leaf downloads are bounded by a shared permit pool; a leaf that
// finds no free permit comes back later instead of waiting.
func NewCatalogDataToCsv(leaves LeafReader, opts Options) catalogscan.CsvDriver[*CatalogLeafItemRecord] {
	opts.SetDefaults()
	return &catalogDataToCsv{
		leaves:  leaves,
		permits: semaphore.NewWeighted(opts.MaxConcurrentDownloads),
		opts:    opts,
	}
}

func (d *catalogDataToCsv) ResultContainer() string {
	return CatalogDataToCsvContainer
}

func (d *catalogDataToCsv) BucketCount() int {
	return d.opts.BucketCount
}

func (d *catalogDataToCsv) NewRecord() *CatalogLeafItemRecord {
	return &CatalogLeafItemRecord{}
}

func (d *catalogDataToCsv) Initialize(ctx context.Context) error {
	return nil
}

func (d *catalogDataToCsv) ProcessLeaf(ctx context.Context, leaf *catalogscan.LeafScan) catalogscan.Result[[]*CatalogLeafItemRecord] {
	if !d.permits.TryAcquire(1) {
		DownloadsDeferred.WithLabelValues(string(CatalogDataToCsv)).Inc()
		return catalogscan.TryAgainLater[[]*CatalogLeafItemRecord]()
	}
	defer d.permits.Release(1)

	doc, err := d.leaves.GetLeaf(ctx, leaf.URL)
	if err != nil {
		return catalogscan.Failure[[]*CatalogLeafItemRecord](errors.Wrapf(err, "failed to read leaf %s", leaf.URL))
	}
	r, err := NewCatalogLeafItemRecord(doc, leaf.PageURL)
	if err != nil {
		return catalogscan.Failure[[]*CatalogLeafItemRecord](err)
	}
	if r.Type != leaf.LeafType {
		d.opts.Logger.WarnCtx(ctx, "leaf document type differs from the page item", "url", leaf.URL, "page", leaf.LeafType, "leaf", r.Type)
	}
	return catalogscan.Success([]*CatalogLeafItemRecord{r})
}

func (d *catalogDataToCsv) Prune(items []*CatalogLeafItemRecord, isFinal bool) []*CatalogLeafItemRecord {
	return records.Sort(records.Distinct(items))
}

func (d *catalogDataToCsv) Destroy(ctx context.Context) error {
	return nil
}
