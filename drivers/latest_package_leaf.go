package drivers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/latestleaf"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

const (
	LoadLatestPackageLeaf catalogscan.DriverType = "LoadLatestPackageLeaf"

	LatestPackageLeafTable = "latestpackageleaves"
)

// LatestPackageLeaf is the newest catalog leaf of one package identity.
// Rows are partitioned by lower id and keyed by lower normalized version.
type LatestPackageLeaf struct {
	LowerID         string           `json:"-"`
	LowerVersion    string           `json:"-"`
	PackageID       string           `json:"id"`
	PackageVersion  string           `json:"version"`
	LeafType        catalog.LeafType `json:"type"`
	CommitID        string           `json:"commitId"`
	CommitTimestamp time.Time        `json:"commitTimestamp"`
	URL             string           `json:"url"`
	PageURL         string           `json:"pageUrl"`
	// Listed, Published and Created come from the leaf document of details
	// leaves.
	Listed    *bool      `json:"listed,omitempty"`
	Published *time.Time `json:"published,omitempty"`
	Created   *time.Time `json:"created,omitempty"`
}

func NewLatestPackageLeaf(leaf *catalogscan.LeafScan) (*LatestPackageLeaf, error) {
	lowerVersion, err := catalog.LowerNormalizedVersion(leaf.PackageVersion)
	if err != nil {
		return nil, errors.Wrapf(insights_errors.ErrInvalidIdentity, "%s %s: %v", leaf.PackageID, leaf.PackageVersion, err)
	}
	return &LatestPackageLeaf{
		LowerID:         strings.ToLower(leaf.PackageID),
		LowerVersion:    lowerVersion,
		PackageID:       leaf.PackageID,
		PackageVersion:  leaf.PackageVersion,
		LeafType:        leaf.LeafType,
		CommitID:        leaf.CommitID,
		CommitTimestamp: leaf.CommitTimestamp.UTC(),
		URL:             leaf.URL,
		PageURL:         leaf.PageURL,
	}, nil
}

// LatestPackageLeafStorage maps latest leaves onto table rows and reads
// them back.
type LatestPackageLeafStorage struct {
	store tables.Store
}

func NewLatestPackageLeafStorage(store tables.Store) *LatestPackageLeafStorage {
	return &LatestPackageLeafStorage{store: store}
}

func (s *LatestPackageLeafStorage) Table() string {
	return LatestPackageLeafTable
}

func (s *LatestPackageLeafStorage) RowKey(l *LatestPackageLeaf) string {
	return l.LowerVersion
}

func (s *LatestPackageLeafStorage) CommitTimestamp(l *LatestPackageLeaf) time.Time {
	return l.CommitTimestamp
}

func (s *LatestPackageLeafStorage) Value(l *LatestPackageLeaf) ([]byte, error) {
	return json.Marshal(l)
}

func (s *LatestPackageLeafStorage) CommitTimestampOf(value []byte) (time.Time, error) {
	var l LatestPackageLeaf
	err := json.Unmarshal(value, &l)
	return l.CommitTimestamp, err
}

func (s *LatestPackageLeafStorage) Initialize(ctx context.Context) error {
	return s.store.CreateTable(ctx, LatestPackageLeafTable)
}

func (s *LatestPackageLeafStorage) Destroy(ctx context.Context) error {
	return s.store.DeleteTable(ctx, LatestPackageLeafTable)
}

func (s *LatestPackageLeafStorage) fromRow(row *tables.Row) (*LatestPackageLeaf, error) {
	var l LatestPackageLeaf
	if err := json.Unmarshal(row.Value, &l); err != nil {
		return nil, errors.Wrapf(err, "latest leaf %s/%s", row.PartitionKey, row.RowKey)
	}
	l.LowerID = row.PartitionKey
	l.LowerVersion = row.RowKey
	return &l, nil
}

func (s *LatestPackageLeafStorage) Get(ctx context.Context, lowerID, lowerVersion string) (*LatestPackageLeaf, error) {
	row, err := s.store.Get(ctx, LatestPackageLeafTable, lowerID, lowerVersion)
	if err != nil {
		return nil, err
	}
	return s.fromRow(row)
}

// GetAll returns every version of one package id.
func (s *LatestPackageLeafStorage) GetAll(ctx context.Context, lowerID string) ([]*LatestPackageLeaf, error) {
	rows, err := tables.QueryAll(ctx, s.store, LatestPackageLeafTable, tables.Query{PartitionKey: lowerID}, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]*LatestPackageLeaf, 0, len(rows))
	for i := range rows {
		l, err := s.fromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

type loadLatestPackageLeaf struct {
	storage *LatestPackageLeafStorage
	latest  *latestleaf.Service[*LatestPackageLeaf]
	leaves  LeafReader
	permits *semaphore.Weighted
	opts    Options
}

// NewLoadLatestPackageLeaf keeps the newest leaf per package identity. It
// works on all leaves of one id at once, so one partition is written per
// call.
func NewLoadLatestPackageLeaf(storage *LatestPackageLeafStorage, store tables.Store, leaves LeafReader, opts Options) catalogscan.BatchDriver {
	opts.SetDefaults()
	return &loadLatestPackageLeaf{
		storage: storage,
		latest:  latestleaf.NewService[*LatestPackageLeaf](store, opts.LatestLeaf),
		leaves:  leaves,
		permits: semaphore.NewWeighted(opts.MaxConcurrentDownloads),
		opts:    opts,
	}
}

func (d *loadLatestPackageLeaf) Initialize(ctx context.Context, scan *catalogscan.IndexScan) error {
	return d.storage.Initialize(ctx)
}

func (d *loadLatestPackageLeaf) ProcessLeaf(ctx context.Context, leaf *catalogscan.LeafScan) catalogscan.DriverResult {
	result, err := d.ProcessLeaves(ctx, []*catalogscan.LeafScan{leaf})
	switch {
	case err != nil:
		return catalogscan.Failure[struct{}](err)
	case len(result.Failed) > 0:
		return catalogscan.Failure[struct{}](errors.Errorf("leaf %s was not stored", leaf.URL))
	case len(result.TryAgainLater) > 0:
		return catalogscan.TryAgainLater[struct{}]()
	}
	return catalogscan.Success(struct{}{})
}

func (d *loadLatestPackageLeaf) ProcessLeaves(ctx context.Context, leaves []*catalogscan.LeafScan) (catalogscan.BatchDriverResult, error) {
	var result catalogscan.BatchDriverResult
	byID := map[string][]*LatestPackageLeaf{}
	var order []string
	for _, leaf := range leaves {
		l, err := NewLatestPackageLeaf(leaf)
		if err != nil {
			d.opts.Logger.ErrorCtx(ctx, "leaf has no valid identity", "url", leaf.URL, "err", err)
			result.Failed = append(result.Failed, leaf)
			continue
		}
		if err := d.addDetails(ctx, l); err != nil {
			d.opts.Logger.WarnCtx(ctx, "failed to read leaf document", "url", leaf.URL, "err", err)
			result.Failed = append(result.Failed, leaf)
			continue
		}
		if _, ok := byID[l.LowerID]; !ok {
			order = append(order, l.LowerID)
		}
		byID[l.LowerID] = append(byID[l.LowerID], l)
	}
	for _, lowerID := range order {
		if err := d.latest.Add(ctx, lowerID, byID[lowerID], d.storage); err != nil {
			return catalogscan.BatchDriverResult{}, errors.Wrapf(err, "failed to store latest leaves of %s", lowerID)
		}
	}
	return result, nil
}

// addDetails reads the listed state and dates of a details leaf.
func (d *loadLatestPackageLeaf) addDetails(ctx context.Context, l *LatestPackageLeaf) error {
	if l.LeafType != catalog.PackageDetails {
		return nil
	}
	if err := d.permits.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.permits.Release(1)
	doc, err := d.leaves.GetLeaf(ctx, l.URL)
	if err != nil {
		return err
	}
	listed := doc.IsListed()
	published := doc.Published.UTC()
	l.Listed = &listed
	l.Published = &published
	l.Created = optionalTime(doc.Created)
	return nil
}

func (d *loadLatestPackageLeaf) StartAggregate(ctx context.Context, scan *catalogscan.IndexScan) error {
	return nil
}

func (d *loadLatestPackageLeaf) IsAggregateComplete(ctx context.Context, scan *catalogscan.IndexScan) (bool, error) {
	return true, nil
}

func (d *loadLatestPackageLeaf) Finalize(ctx context.Context, scan *catalogscan.IndexScan) error {
	return nil
}

func (d *loadLatestPackageLeaf) Destroy(ctx context.Context) error {
	return d.storage.Destroy(ctx)
}
