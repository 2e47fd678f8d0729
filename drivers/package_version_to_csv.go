package drivers

import (
	"context"
	"strconv"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/records"
	"github.com/pkg/errors"
)

const PackageVersionToCsv catalogscan.DriverType = "PackageVersionToCsv"

const PackageVersionToCsvContainer = "packageversions"

// PackageVersionRecord is one version of a package id along with where it
// stands among the other versions of the id.
type PackageVersionRecord struct {
	records.PackageRecord
	OriginalVersion       string     `json:"originalVersion"`
	LeafType              string     `json:"leafType"`
	IsListed              *bool      `json:"isListed,omitempty"`
	IsPrerelease          *bool      `json:"isPrerelease,omitempty"`
	IsSemVer2             *bool      `json:"isSemVer2,omitempty"`
	Published             *time.Time `json:"published,omitempty"`
	IsLatest              bool       `json:"isLatest"`
	IsLatestStable        bool       `json:"isLatestStable"`
	IsLatestSemVer2       bool       `json:"isLatestSemVer2"`
	IsLatestStableSemVer2 bool       `json:"isLatestStableSemVer2"`
}

// BucketKey is the lower id so that all versions of an id compact
// together.
func (r *PackageVersionRecord) BucketKey() string {
	return r.LowerID
}

func (r *PackageVersionRecord) CSVHeader() []string {
	return append(r.PackageRecord.CSVHeader(),
		"OriginalVersion", "LeafType", "IsListed", "IsPrerelease", "IsSemVer2", "Published",
		"IsLatest", "IsLatestStable", "IsLatestSemVer2", "IsLatestStableSemVer2")
}

func (r *PackageVersionRecord) CSVFields() []string {
	return append(r.PackageRecord.CSVFields(),
		r.OriginalVersion,
		r.LeafType,
		records.FormatOptionalBool(r.IsListed),
		records.FormatOptionalBool(r.IsPrerelease),
		records.FormatOptionalBool(r.IsSemVer2),
		records.FormatOptionalTime(r.Published),
		strconv.FormatBool(r.IsLatest),
		strconv.FormatBool(r.IsLatestStable),
		strconv.FormatBool(r.IsLatestSemVer2),
		strconv.FormatBool(r.IsLatestStableSemVer2),
	)
}

func (r *PackageVersionRecord) FromCSV(fields []string) error {
	rest, err := r.ReadCSV(fields)
	if err != nil {
		return err
	}
	if len(rest) != 10 {
		return errors.Errorf("drivers: %d package version fields, want 10", len(rest))
	}
	r.OriginalVersion = rest[0]
	r.LeafType = rest[1]
	if r.IsListed, err = records.ParseOptionalBool(rest[2]); err != nil {
		return err
	}
	if r.IsPrerelease, err = records.ParseOptionalBool(rest[3]); err != nil {
		return err
	}
	if r.IsSemVer2, err = records.ParseOptionalBool(rest[4]); err != nil {
		return err
	}
	if r.Published, err = records.ParseOptionalTime(rest[5]); err != nil {
		return err
	}
	flags := []*bool{&r.IsLatest, &r.IsLatestStable, &r.IsLatestSemVer2, &r.IsLatestStableSemVer2}
	for i, flag := range flags {
		if *flag, err = strconv.ParseBool(rest[6+i]); err != nil {
			return errors.Wrapf(err, "records: bad bool %q", rest[6+i])
		}
	}
	return nil
}

func (r *PackageVersionRecord) Compare(other records.Record) int {
	return r.ComparePackage(other.(*PackageVersionRecord).Package())
}

type packageVersionToCsv struct {
	latest *LatestPackageLeafStorage
	opts   Options
}

// NewPackageVersionToCsv writes, for each package id touched by a leaf,
// every known version of that id with its latest flags. Versions come from
// the rows LoadLatestPackageLeaf keeps, so that driver must have scanned
// at least as far.
func NewPackageVersionToCsv(latest *LatestPackageLeafStorage, opts Options) catalogscan.CsvDriver[*PackageVersionRecord] {
	opts.SetDefaults()
	return &packageVersionToCsv{latest: latest, opts: opts}
}

func (d *packageVersionToCsv) ResultContainer() string {
	return PackageVersionToCsvContainer
}

func (d *packageVersionToCsv) BucketCount() int {
	return d.opts.BucketCount
}

func (d *packageVersionToCsv) NewRecord() *PackageVersionRecord {
	return &PackageVersionRecord{}
}

func (d *packageVersionToCsv) Initialize(ctx context.Context) error {
	return nil
}

type parsedLeaf struct {
	leaf    *LatestPackageLeaf
	version catalog.Version
}

func (d *packageVersionToCsv) ProcessLeaf(ctx context.Context, leaf *catalogscan.LeafScan) catalogscan.Result[[]*PackageVersionRecord] {
	all, err := d.latest.GetAll(ctx, leaf.LowerID())
	if err != nil {
		return catalogscan.Failure[[]*PackageVersionRecord](errors.Wrapf(err, "failed to read versions of %s", leaf.PackageID))
	}
	if len(all) == 0 {
		return catalogscan.Failure[[]*PackageVersionRecord](errors.Errorf("no latest leaves for %s, is %s behind?", leaf.PackageID, LoadLatestPackageLeaf))
	}

	parsed := make([]parsedLeaf, 0, len(all))
	for _, l := range all {
		v, err := catalog.ParseVersion(l.PackageVersion)
		if err != nil {
			return catalogscan.Failure[[]*PackageVersionRecord](errors.Wrapf(err, "%s %s", l.PackageID, l.PackageVersion))
		}
		parsed = append(parsed, parsedLeaf{leaf: l, version: v})
	}
	latest := findLatest(parsed)

	out := make([]*PackageVersionRecord, 0, len(parsed))
	for i, p := range parsed {
		resultType := records.Available
		if p.leaf.LeafType == catalog.PackageDelete {
			resultType = records.Deleted
		}
		pr, err := records.NewPackageRecord(leaf.ScanID, leaf.ScanTimestamp, p.leaf.PackageID, p.leaf.PackageVersion, p.leaf.CommitTimestamp, resultType)
		if err != nil {
			return catalogscan.Failure[[]*PackageVersionRecord](err)
		}
		r := &PackageVersionRecord{
			PackageRecord:         pr,
			OriginalVersion:       p.leaf.PackageVersion,
			LeafType:              string(p.leaf.LeafType),
			IsLatest:              latest[0] == i,
			IsLatestStable:        latest[1] == i,
			IsLatestSemVer2:       latest[2] == i,
			IsLatestStableSemVer2: latest[3] == i,
		}
		if resultType == records.Available {
			r.Created = p.leaf.Created
			r.Published = p.leaf.Published
			r.IsListed = p.leaf.Listed
			prerelease, semVer2 := p.version.IsPrerelease(), p.version.IsSemVer2()
			r.IsPrerelease = &prerelease
			r.IsSemVer2 = &semVer2
		}
		out = append(out, r)
	}
	return catalogscan.Success(out)
}

// findLatest returns the index of the highest listed available version
// for each of: any, stable, any including SemVer 2.0.0, stable including
// SemVer 2.0.0. Missing entries are -1.
func findLatest(parsed []parsedLeaf) [4]int {
	latest := [4]int{-1, -1, -1, -1}
	for i, p := range parsed {
		if p.leaf.LeafType != catalog.PackageDetails || p.leaf.Listed == nil || !*p.leaf.Listed {
			continue
		}
		stable := !p.version.IsPrerelease()
		semVer1 := !p.version.IsSemVer2()
		for slot, ok := range [4]bool{semVer1, stable && semVer1, true, stable} {
			if ok && (latest[slot] < 0 || p.version.Compare(parsed[latest[slot]].version) > 0) {
				latest[slot] = i
			}
		}
	}
	return latest
}

func (d *packageVersionToCsv) Prune(items []*PackageVersionRecord, isFinal bool) []*PackageVersionRecord {
	return records.Prune(items, isFinal)
}

func (d *packageVersionToCsv) Destroy(ctx context.Context) error {
	return nil
}
