package catalogscan

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/pkg/errors"
)

const (
	IndexScanTable   = "catalogindexscans"
	pageScanPrefix   = "catalogpagescans"
	leafScanPrefix   = "catalogleafscans"
	leafKeySeparator = "-"
)

func PageScanTable(storageSuffix string) string {
	return pageScanPrefix + storageSuffix
}

func LeafScanTable(storageSuffix string) string {
	return leafScanPrefix + storageSuffix
}

type IndexScanState string

const (
	Created     IndexScanState = "Created"
	Expanding   IndexScanState = "Expanding"
	Enqueued    IndexScanState = "Enqueued"
	Expanded    IndexScanState = "Expanded"
	Aggregating IndexScanState = "Aggregating"
	Aggregated  IndexScanState = "Aggregated"
	Finalizing  IndexScanState = "Finalizing"
	Complete    IndexScanState = "Complete"
	Aborted     IndexScanState = "Aborted"
)

func (s IndexScanState) IsTerminal() bool {
	return s == Complete || s == Aborted
}

type PageScanState string

const (
	PageCreated   PageScanState = "Created"
	PageExpanding PageScanState = "Expanding"
	PageEnqueuing PageScanState = "Enqueuing"
	PageComplete  PageScanState = "Complete"
)

// IndexScan is one run of a driver over the catalog window (Min, Max].
// Partition is the driver type, row is the scan id. Scan ids are
// descending, so the newest scan of a driver comes first.
type IndexScan struct {
	DriverType       DriverType     `json:"-"`
	ScanID           string         `json:"-"`
	StorageSuffix    string         `json:"suffix"`
	State            IndexScanState `json:"state"`
	CursorName       string         `json:"cursor,omitempty"`
	Min              time.Time      `json:"min"`
	Max              time.Time      `json:"max"`
	OnlyLatestLeaves bool           `json:"onlyLatest"`
	// ContinueUpdate starts the other drivers once this scan completes.
	ContinueUpdate bool       `json:"continue,omitempty"`
	ScanParameters string     `json:"params,omitempty"`
	Started        *time.Time `json:"started,omitempty"`
	Completed      *time.Time `json:"completed,omitempty"`
	Result         string     `json:"result,omitempty"`
	ETag           string     `json:"-"`
}

func (s *IndexScan) ToRow() (tables.Row, error) {
	data, err := json.Marshal(s)
	return tables.Row{PartitionKey: string(s.DriverType), RowKey: s.ScanID, ETag: s.ETag, Value: data}, err
}

func (s *IndexScan) FromRow(row *tables.Row) error {
	if err := json.Unmarshal(row.Value, s); err != nil {
		return errors.Wrapf(err, "malformed index scan %s/%s", row.PartitionKey, row.RowKey)
	}
	s.DriverType = DriverType(row.PartitionKey)
	s.ScanID = row.RowKey
	s.ETag = row.ETag
	return nil
}

// scanTimestamp is what records of this scan are stamped with.
func (s *IndexScan) scanTimestamp() time.Time {
	if s.Started != nil {
		return *s.Started
	}
	return time.Time{}
}

// PageScan is one catalog page of an index scan. Partition is the scan id,
// row is the page id.
type PageScan struct {
	StorageSuffix    string        `json:"-"`
	ScanID           string        `json:"-"`
	PageID           string        `json:"-"`
	State            PageScanState `json:"state"`
	DriverType       DriverType    `json:"driver"`
	Min              time.Time     `json:"min"`
	Max              time.Time     `json:"max"`
	URL              string        `json:"url"`
	Rank             int           `json:"rank"`
	CommitTimestamp  time.Time     `json:"commit"`
	ScanTimestamp    time.Time     `json:"scanTs"`
	OnlyLatestLeaves bool          `json:"onlyLatest"`
	ScanParameters   string        `json:"params,omitempty"`
	ETag             string        `json:"-"`
}

func (s *PageScan) ToRow() (tables.Row, error) {
	data, err := json.Marshal(s)
	return tables.Row{PartitionKey: s.ScanID, RowKey: s.PageID, ETag: s.ETag, Value: data}, err
}

func (s *PageScan) FromRow(storageSuffix string, row *tables.Row) error {
	if err := json.Unmarshal(row.Value, s); err != nil {
		return errors.Wrapf(err, "malformed page scan %s/%s", row.PartitionKey, row.RowKey)
	}
	s.StorageSuffix = storageSuffix
	s.ScanID = row.PartitionKey
	s.PageID = row.RowKey
	s.ETag = row.ETag
	return nil
}

// LeafScan is one catalog leaf of a page scan. Partition is the scan id,
// row is the page id and the leaf id joined by a dash.
type LeafScan struct {
	StorageSuffix   string           `json:"-"`
	ScanID          string           `json:"-"`
	PageID          string           `json:"-"`
	LeafID          string           `json:"-"`
	DriverType      DriverType       `json:"driver"`
	Min             time.Time        `json:"min"`
	Max             time.Time        `json:"max"`
	URL             string           `json:"url"`
	PageURL         string           `json:"pageUrl"`
	LeafType        catalog.LeafType `json:"type"`
	CommitID        string           `json:"commitId"`
	CommitTimestamp time.Time        `json:"commit"`
	PackageID       string           `json:"id"`
	PackageVersion  string           `json:"version"`
	ScanTimestamp   time.Time        `json:"scanTs"`
	AttemptCount    int              `json:"attempts,omitempty"`
	NextAttempt     *time.Time       `json:"next,omitempty"`
	ScanParameters  string           `json:"params,omitempty"`
	ETag            string           `json:"-"`
}

func LeafRowKey(pageID, leafID string) string {
	return pageID + leafKeySeparator + leafID
}

func (s *LeafScan) RowKey() string {
	return LeafRowKey(s.PageID, s.LeafID)
}

func (s *LeafScan) LowerID() string {
	return strings.ToLower(s.PackageID)
}

func (s *LeafScan) ToRow() (tables.Row, error) {
	data, err := json.Marshal(s)
	return tables.Row{PartitionKey: s.ScanID, RowKey: s.RowKey(), ETag: s.ETag, Value: data}, err
}

func (s *LeafScan) FromRow(storageSuffix string, row *tables.Row) error {
	pageID, leafID, ok := strings.Cut(row.RowKey, leafKeySeparator)
	if !ok {
		return errors.Errorf("malformed leaf scan key %s/%s", row.PartitionKey, row.RowKey)
	}
	if err := json.Unmarshal(row.Value, s); err != nil {
		return errors.Wrapf(err, "malformed leaf scan %s/%s", row.PartitionKey, row.RowKey)
	}
	s.StorageSuffix = storageSuffix
	s.ScanID = row.PartitionKey
	s.PageID = pageID
	s.LeafID = leafID
	s.ETag = row.ETag
	return nil
}
