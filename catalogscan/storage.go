package catalogscan

import (
	"context"
	"slices"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
)

const queryPageSize = 1000

// Storage persists index, page and leaf scans. Page and leaf scans live in
// tables named after the scan's storage suffix and are dropped as a whole
// when the scan ends.
type Storage struct {
	store  tables.Store
	logger utils.Logger
}

func NewStorage(store tables.Store, logger utils.Logger) *Storage {
	return &Storage{store: store, logger: utils.OrDefault(logger)}
}

func (s *Storage) Initialize(ctx context.Context) error {
	return s.store.CreateTable(ctx, IndexScanTable)
}

func (s *Storage) InitializeChildTables(ctx context.Context, storageSuffix string) error {
	if err := s.store.CreateTable(ctx, PageScanTable(storageSuffix)); err != nil {
		return err
	}
	return s.store.CreateTable(ctx, LeafScanTable(storageSuffix))
}

func (s *Storage) DeleteChildTables(ctx context.Context, storageSuffix string) error {
	if err := s.store.DeleteTable(ctx, PageScanTable(storageSuffix)); err != nil {
		return err
	}
	return s.store.DeleteTable(ctx, LeafScanTable(storageSuffix))
}

// index scans

func (s *Storage) InsertIndexScan(ctx context.Context, scan *IndexScan) error {
	row, err := scan.ToRow()
	if err != nil {
		return err
	}
	etag, err := s.store.Insert(ctx, IndexScanTable, row)
	if err != nil {
		return errors.Wrapf(err, "failed to insert %s scan %s", scan.DriverType, scan.ScanID)
	}
	scan.ETag = etag
	return nil
}

func (s *Storage) GetIndexScan(ctx context.Context, driverType DriverType, scanID string) (*IndexScan, error) {
	row, err := s.store.Get(ctx, IndexScanTable, string(driverType), scanID)
	if err != nil {
		return nil, err
	}
	scan := &IndexScan{}
	return scan, scan.FromRow(row)
}

// GetLatestIndexScans returns up to n scans of the driver, newest first.
func (s *Storage) GetLatestIndexScans(ctx context.Context, driverType DriverType, n int) ([]*IndexScan, error) {
	rows, err := s.store.Query(ctx, IndexScanTable, tables.Query{PartitionKey: string(driverType), Limit: n})
	if err != nil {
		return nil, err
	}
	out := make([]*IndexScan, 0, len(rows))
	for i := range rows {
		scan := &IndexScan{}
		if err := scan.FromRow(&rows[i]); err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, nil
}

// ReplaceIndexScan is conditional on the scan's ETag and refreshes it.
func (s *Storage) ReplaceIndexScan(ctx context.Context, scan *IndexScan) error {
	row, err := scan.ToRow()
	if err != nil {
		return err
	}
	etag, err := s.store.Replace(ctx, IndexScanTable, row)
	if err != nil {
		return err
	}
	scan.ETag = etag
	return nil
}

// DeleteOldIndexScans keeps the newest keep terminal scans older than
// currentScanID and deletes the rest.
func (s *Storage) DeleteOldIndexScans(ctx context.Context, driverType DriverType, currentScanID string, keep int) error {
	rows, err := tables.QueryAll(ctx, s.store, IndexScanTable, tables.Query{
		PartitionKey: string(driverType),
		MinRowKey:    currentScanID + "\x01",
	}, queryPageSize)
	if err != nil {
		return err
	}
	var ops []tables.Operation
	kept := 0
	for i := range rows {
		scan := &IndexScan{}
		if err := scan.FromRow(&rows[i]); err != nil {
			return err
		}
		if !scan.State.IsTerminal() {
			continue
		}
		if kept < keep {
			kept++
			continue
		}
		ops = append(ops, tables.Delete(rows[i].PartitionKey, rows[i].RowKey, rows[i].ETag))
	}
	if len(ops) > 0 {
		s.logger.InfoCtx(ctx, "deleting old index scans", "driver", driverType, "count", len(ops))
	}
	return s.submitAll(ctx, IndexScanTable, ops)
}

// page scans

func (s *Storage) GetPageScan(ctx context.Context, storageSuffix, scanID, pageID string) (*PageScan, error) {
	row, err := s.store.Get(ctx, PageScanTable(storageSuffix), scanID, pageID)
	if err != nil {
		return nil, err
	}
	scan := &PageScan{}
	return scan, scan.FromRow(storageSuffix, row)
}

func (s *Storage) GetPageScans(ctx context.Context, storageSuffix, scanID string) ([]*PageScan, error) {
	rows, err := tables.QueryAll(ctx, s.store, PageScanTable(storageSuffix), tables.Query{PartitionKey: scanID}, queryPageSize)
	if err != nil {
		return nil, err
	}
	out := make([]*PageScan, 0, len(rows))
	for i := range rows {
		scan := &PageScan{}
		if err := scan.FromRow(storageSuffix, &rows[i]); err != nil {
			return nil, err
		}
		out = append(out, scan)
	}
	return out, nil
}

// InsertMissingPageScans inserts the page scans that do not exist yet. The
// page ids are deterministic, so a repeated expansion inserts nothing.
func (s *Storage) InsertMissingPageScans(ctx context.Context, storageSuffix, scanID string, scans []*PageScan) (int, error) {
	rows := make([]tables.Row, 0, len(scans))
	for _, scan := range scans {
		row, err := scan.ToRow()
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return s.insertMissing(ctx, PageScanTable(storageSuffix), scanID, rows, tables.Query{PartitionKey: scanID})
}

func (s *Storage) ReplacePageScan(ctx context.Context, scan *PageScan) error {
	row, err := scan.ToRow()
	if err != nil {
		return err
	}
	etag, err := s.store.Replace(ctx, PageScanTable(scan.StorageSuffix), row)
	if err != nil {
		return err
	}
	scan.ETag = etag
	return nil
}

func (s *Storage) DeletePageScan(ctx context.Context, scan *PageScan) error {
	err := s.store.Delete(ctx, PageScanTable(scan.StorageSuffix), scan.ScanID, scan.PageID, scan.ETag)
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Storage) HasPageScans(ctx context.Context, storageSuffix, scanID string) (bool, error) {
	return s.exists(ctx, PageScanTable(storageSuffix), scanID)
}

func (s *Storage) CountPageScans(ctx context.Context, storageSuffix, scanID string) (int, error) {
	return s.count(ctx, PageScanTable(storageSuffix), scanID)
}

// leaf scans

// GetLeafScans loads the named leaves of one page, keyed by leaf id.
// Leaves without a row are simply absent from the result.
func (s *Storage) GetLeafScans(ctx context.Context, storageSuffix, scanID, pageID string, leafIDs []string) (map[string]*LeafScan, error) {
	if len(leafIDs) == 0 {
		return map[string]*LeafScan{}, nil
	}
	wanted := make(map[string]bool, len(leafIDs))
	for _, id := range leafIDs {
		wanted[id] = true
	}
	rows, err := tables.QueryAll(ctx, s.store, LeafScanTable(storageSuffix), tables.Query{
		PartitionKey: scanID,
		MinRowKey:    LeafRowKey(pageID, slices.Min(leafIDs)),
		MaxRowKey:    LeafRowKey(pageID, slices.Max(leafIDs)),
	}, queryPageSize)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*LeafScan, len(leafIDs))
	for i := range rows {
		scan := &LeafScan{}
		if err := scan.FromRow(storageSuffix, &rows[i]); err != nil {
			return nil, err
		}
		if wanted[scan.LeafID] {
			out[scan.LeafID] = scan
		}
	}
	return out, nil
}

func (s *Storage) InsertMissingLeafScans(ctx context.Context, storageSuffix, scanID, pageID string, scans []*LeafScan) (int, error) {
	rows := make([]tables.Row, 0, len(scans))
	for _, scan := range scans {
		row, err := scan.ToRow()
		if err != nil {
			return 0, err
		}
		rows = append(rows, row)
	}
	return s.insertMissing(ctx, LeafScanTable(storageSuffix), scanID, rows, tables.Query{
		PartitionKey: scanID,
		MinRowKey:    pageID + leafKeySeparator,
		MaxRowKey:    pageID + leafKeySeparator + "~",
	})
}

// ReplaceLeafScans conditionally replaces leaf scans of one scan, in
// atomic batches. On success the new ETags are set.
func (s *Storage) ReplaceLeafScans(ctx context.Context, scans []*LeafScan) error {
	return s.submitLeafScans(ctx, scans, func(scan *LeafScan) (tables.Operation, error) {
		row, err := scan.ToRow()
		return tables.Replace(row), err
	})
}

func (s *Storage) DeleteLeafScans(ctx context.Context, scans []*LeafScan) error {
	return s.submitLeafScans(ctx, scans, func(scan *LeafScan) (tables.Operation, error) {
		return tables.Delete(scan.ScanID, scan.RowKey(), scan.ETag), nil
	})
}

func (s *Storage) HasLeafScans(ctx context.Context, storageSuffix, scanID string) (bool, error) {
	return s.exists(ctx, LeafScanTable(storageSuffix), scanID)
}

func (s *Storage) CountLeafScans(ctx context.Context, storageSuffix, scanID string) (int, error) {
	return s.count(ctx, LeafScanTable(storageSuffix), scanID)
}

func (s *Storage) submitLeafScans(ctx context.Context, scans []*LeafScan, op func(*LeafScan) (tables.Operation, error)) error {
	if len(scans) == 0 {
		return nil
	}
	table := LeafScanTable(scans[0].StorageSuffix)
	for start := 0; start < len(scans); start += tables.MaxBatchSize {
		batch := scans[start:min(start+tables.MaxBatchSize, len(scans))]
		ops := make([]tables.Operation, 0, len(batch))
		for _, scan := range batch {
			o, err := op(scan)
			if err != nil {
				return err
			}
			ops = append(ops, o)
		}
		etags, err := s.store.Submit(ctx, table, ops)
		if err != nil {
			return err
		}
		for i, scan := range batch {
			scan.ETag = etags[i]
		}
	}
	return nil
}

func (s *Storage) insertMissing(ctx context.Context, table, partitionKey string, rows []tables.Row, existing tables.Query) (int, error) {
	found, err := tables.QueryAll(ctx, s.store, table, existing, queryPageSize)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(found)+len(rows))
	for _, row := range found {
		seen[row.RowKey] = true
	}
	var ops []tables.Operation
	for _, row := range rows {
		if seen[row.RowKey] {
			continue
		}
		seen[row.RowKey] = true
		row.PartitionKey = partitionKey
		ops = append(ops, tables.Insert(row))
	}
	added := 0
	for start := 0; start < len(ops); start += tables.MaxBatchSize {
		batch := ops[start:min(start+tables.MaxBatchSize, len(ops))]
		_, err := s.store.Submit(ctx, table, batch)
		if err == nil {
			added += len(batch)
			continue
		}
		if !errors.Is(err, insights_errors.ErrConflict) {
			return added, err
		}
		// a concurrent expansion got there first for some rows
		for _, op := range batch {
			_, err := s.store.Insert(ctx, table, op.Row)
			if errors.Is(err, insights_errors.ErrConflict) {
				continue
			}
			if err != nil {
				return added, err
			}
			added++
		}
	}
	return added, nil
}

func (s *Storage) submitAll(ctx context.Context, table string, ops []tables.Operation) error {
	for start := 0; start < len(ops); start += tables.MaxBatchSize {
		if _, err := s.store.Submit(ctx, table, ops[start:min(start+tables.MaxBatchSize, len(ops))]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) exists(ctx context.Context, table, partitionKey string) (bool, error) {
	rows, err := s.store.Query(ctx, table, tables.Query{PartitionKey: partitionKey, Limit: 1})
	if errors.Is(err, insights_errors.ErrTableNotFound) {
		return false, nil
	}
	return len(rows) > 0, err
}

func (s *Storage) count(ctx context.Context, table, partitionKey string) (int, error) {
	rows, err := tables.QueryAll(ctx, s.store, table, tables.Query{PartitionKey: partitionKey}, queryPageSize)
	if errors.Is(err, insights_errors.ErrTableNotFound) {
		return 0, nil
	}
	return len(rows), err
}
