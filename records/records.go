// Package records defines the output record contract shared by drivers and
// the append-then-compact engine, with the package identity embedded in
// most record types and the default last-write-wins prune.
package records

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
)

// Record is one output row. Implementations are pointer types so the CSV
// decoder can fill them in place.
type Record interface {
	// BucketKey picks the compaction bucket. Records that prune against
	// each other must share it.
	BucketKey() string
	CSVHeader() []string
	CSVFields() []string
	FromCSV(fields []string) error
	// Compare is the order of the compacted output.
	Compare(other Record) int
}

// Package is implemented by records embedding PackageRecord.
type Package interface {
	Record
	Package() *PackageRecord
}

type ResultType string

const (
	Available ResultType = "Available"
	Deleted   ResultType = "Deleted"
)

type PackageRecord struct {
	ScanID                 string     `json:"scanId,omitempty"`
	ScanTimestamp          *time.Time `json:"scanTimestamp,omitempty"`
	LowerID                string     `json:"lowerId"`
	Identity               string     `json:"identity"`
	ID                     string     `json:"id"`
	Version                string     `json:"version"`
	CatalogCommitTimestamp time.Time  `json:"catalogCommitTimestamp"`
	Created                *time.Time `json:"created,omitempty"`
	ResultType             ResultType `json:"resultType"`
}

// NewPackageRecord fills in the identity fields from the package id and
// version. The version is normalized.
func NewPackageRecord(scanID string, scanTimestamp time.Time, id, version string, commitTimestamp time.Time, resultType ResultType) (PackageRecord, error) {
	normalized, err := catalog.NormalizeVersion(version)
	if err != nil {
		return PackageRecord{}, errors.Wrapf(insights_errors.ErrInvalidIdentity, "%s %s: %v", id, version, err)
	}
	lowerID := strings.ToLower(id)
	ts := scanTimestamp.UTC()
	return PackageRecord{
		ScanID:                 scanID,
		ScanTimestamp:          &ts,
		LowerID:                lowerID,
		Identity:               Identity(lowerID, normalized),
		ID:                     id,
		Version:                normalized,
		CatalogCommitTimestamp: commitTimestamp.UTC(),
		ResultType:             resultType,
	}, nil
}

func Identity(lowerID, normalizedVersion string) string {
	return lowerID + "/" + strings.ToLower(normalizedVersion)
}

func (p *PackageRecord) Package() *PackageRecord {
	return p
}

func (p *PackageRecord) BucketKey() string {
	return p.Identity
}

var packageHeader = []string{"ScanId", "ScanTimestamp", "LowerId", "Identity", "Id", "Version", "CatalogCommitTimestamp", "Created", "ResultType"}

func (p *PackageRecord) CSVHeader() []string {
	return slices.Clone(packageHeader)
}

func (p *PackageRecord) CSVFields() []string {
	return []string{
		p.ScanID,
		FormatOptionalTime(p.ScanTimestamp),
		p.LowerID,
		p.Identity,
		p.ID,
		p.Version,
		FormatTime(p.CatalogCommitTimestamp),
		FormatOptionalTime(p.Created),
		string(p.ResultType),
	}
}

// ReadCSV reads the leading package fields and returns the rest.
func (p *PackageRecord) ReadCSV(fields []string) ([]string, error) {
	if len(fields) < len(packageHeader) {
		return nil, errors.Errorf("records: %d fields, want at least %d", len(fields), len(packageHeader))
	}
	var err error
	p.ScanID = fields[0]
	if p.ScanTimestamp, err = ParseOptionalTime(fields[1]); err != nil {
		return nil, err
	}
	p.LowerID = fields[2]
	p.Identity = fields[3]
	p.ID = fields[4]
	p.Version = fields[5]
	if p.CatalogCommitTimestamp, err = ParseTime(fields[6]); err != nil {
		return nil, err
	}
	if p.Created, err = ParseOptionalTime(fields[7]); err != nil {
		return nil, err
	}
	p.ResultType = ResultType(fields[8])
	return fields[len(packageHeader):], nil
}

// CompareIdentity sorts by lower id and then by the version part of the
// identity, both ordinal, so ids that are prefixes of each other do not
// interleave at the '/'.
func CompareIdentity(lowerA, identityA, lowerB, identityB string) int {
	if c := strings.Compare(lowerA, lowerB); c != 0 {
		return c
	}
	return strings.Compare(identityA[min(len(lowerA)+1, len(identityA)):], identityB[min(len(lowerB)+1, len(identityB)):])
}

func (p *PackageRecord) ComparePackage(other *PackageRecord) int {
	return CompareIdentity(p.LowerID, p.Identity, other.LowerID, other.Identity)
}

// Prune keeps, per identity, the records of the newest write: the highest
// catalog commit timestamp, then the latest scan timestamp, then the
// highest scan id. A final prune also strips the scan fields. The result is
// deduplicated and sorted.
func Prune[T Package](items []T, isFinal bool) []T {
	type subgroup struct {
		scanID string
		commit time.Time
		scanTs *time.Time
		items  []T
	}
	var order []string
	groups := map[string][]*subgroup{}
	for _, item := range items {
		p := item.Package()
		subs, ok := groups[p.Identity]
		if !ok {
			order = append(order, p.Identity)
		}
		var found *subgroup
		for _, sg := range subs {
			if sg.scanID == p.ScanID && sg.commit.Equal(p.CatalogCommitTimestamp) {
				found = sg
				break
			}
		}
		if found == nil {
			found = &subgroup{scanID: p.ScanID, commit: p.CatalogCommitTimestamp, scanTs: p.ScanTimestamp}
			subs = append(subs, found)
		}
		found.items = append(found.items, item)
		groups[p.Identity] = subs
	}

	out := make([]T, 0, len(items))
	for _, identity := range order {
		best := slices.MaxFunc(groups[identity], func(a, b *subgroup) int {
			return cmp.Or(
				a.commit.Compare(b.commit),
				compareOptionalTime(a.scanTs, b.scanTs),
				strings.Compare(a.scanID, b.scanID),
			)
		})
		out = append(out, best.items...)
	}
	if isFinal {
		for _, item := range out {
			p := item.Package()
			p.ScanID = ""
			p.ScanTimestamp = nil
		}
	}
	return Sort(Distinct(out))
}

func compareOptionalTime(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}
	return a.Compare(*b)
}

// Distinct drops exact duplicates, comparing every CSV field, and keeps
// the first occurrence.
func Distinct[T Record](items []T) []T {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, item := range items {
		key := strings.Join(item.CSVFields(), "\x1f")
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

func Sort[T Record](items []T) []T {
	slices.SortStableFunc(items, func(a, b T) int {
		return a.Compare(b)
	})
	return items
}
