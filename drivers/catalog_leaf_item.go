package drivers

import (
	"encoding/json"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/records"
	"github.com/pkg/errors"
)

// CatalogLeafItemRecord describes one catalog leaf. Unlike package records
// it keeps history: every commit of an identity is its own row.
type CatalogLeafItemRecord struct {
	CommitID              string           `json:"commitId"`
	CommitTimestamp       time.Time        `json:"commitTimestamp"`
	LowerID               string           `json:"lowerId"`
	Identity              string           `json:"identity"`
	ID                    string           `json:"id"`
	Version               string           `json:"version"`
	Type                  catalog.LeafType `json:"type"`
	URL                   string           `json:"url"`
	PageURL               string           `json:"pageUrl"`
	Published             *time.Time       `json:"published,omitempty"`
	IsListed              *bool            `json:"isListed,omitempty"`
	Created               *time.Time       `json:"created,omitempty"`
	LastEdited            *time.Time       `json:"lastEdited,omitempty"`
	PackageSize           *int64           `json:"packageSize,omitempty"`
	PackageHash           string           `json:"packageHash,omitempty"`
	PackageHashAlgorithm  string           `json:"packageHashAlgorithm,omitempty"`
	Deprecation           string           `json:"deprecation,omitempty"`
	Vulnerabilities       string           `json:"vulnerabilities,omitempty"`
	HasRepositoryProperty *bool            `json:"hasRepositoryProperty,omitempty"`
	PackageEntryCount     *int64           `json:"packageEntryCount,omitempty"`
	NuspecPackageEntry    string           `json:"nuspecPackageEntry,omitempty"`
	SignaturePackageEntry string           `json:"signaturePackageEntry,omitempty"`
}

const signatureEntry = ".signature.p7s"

// NewCatalogLeafItemRecord maps a leaf document. Delete leaves only carry
// the common fields and the published timestamp.
func NewCatalogLeafItemRecord(leaf *catalog.Leaf, pageURL string) (*CatalogLeafItemRecord, error) {
	leafType, err := leaf.LeafType()
	if err != nil {
		return nil, err
	}
	lowerVersion, err := catalog.LowerNormalizedVersion(leaf.PackageVersion)
	if err != nil {
		return nil, errors.Wrapf(insights_errors.ErrInvalidIdentity, "%s %s: %v", leaf.PackageID, leaf.PackageVersion, err)
	}
	lowerID := strings.ToLower(leaf.PackageID)
	published := leaf.Published.UTC()
	r := &CatalogLeafItemRecord{
		CommitID:        leaf.CommitID,
		CommitTimestamp: leaf.CommitTimestamp.UTC(),
		LowerID:         lowerID,
		Identity:        records.Identity(lowerID, lowerVersion),
		ID:              leaf.PackageID,
		Version:         leaf.PackageVersion,
		Type:            leafType,
		URL:             leaf.URL,
		PageURL:         pageURL,
		Published:       &published,
	}
	if leafType == catalog.PackageDelete {
		return r, nil
	}

	listed := leaf.IsListed()
	hasRepository := len(leaf.Repository) > 0 && string(leaf.Repository) != "null"
	r.IsListed = &listed
	r.Created = optionalTime(leaf.Created)
	r.LastEdited = optionalTime(leaf.LastEdited)
	r.PackageSize = leaf.PackageSize
	r.PackageHash = leaf.PackageHash
	r.PackageHashAlgorithm = leaf.PackageHashAlgorithm
	r.Deprecation = rawOrEmpty(leaf.Deprecation)
	r.Vulnerabilities = rawOrEmpty(leaf.Vulnerabilities)
	r.HasRepositoryProperty = &hasRepository
	if leaf.PackageEntries != nil {
		count := int64(len(leaf.PackageEntries))
		r.PackageEntryCount = &count
		if r.NuspecPackageEntry, err = findEntry(leaf.PackageEntries, isNuspec); err != nil {
			return nil, err
		}
		if r.SignaturePackageEntry, err = findEntry(leaf.PackageEntries, func(name string) bool { return name == signatureEntry }); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func optionalTime(t *catalog.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

func rawOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	return string(raw)
}

// isNuspec matches a .nuspec file at the root of the package.
func isNuspec(name string) bool {
	return !strings.ContainsAny(name, `/\`) && strings.EqualFold(path.Ext(name), ".nuspec")
}

func findEntry(entries []catalog.PackageEntry, match func(string) bool) (string, error) {
	i := slices.IndexFunc(entries, func(e catalog.PackageEntry) bool { return match(e.FullName) })
	if i < 0 {
		return "", nil
	}
	data, err := json.Marshal(entries[i])
	return string(data), err
}

func (r *CatalogLeafItemRecord) BucketKey() string {
	return r.Identity
}

var catalogLeafItemHeader = []string{
	"CommitId", "CommitTimestamp", "LowerId", "Identity", "Id", "Version", "Type", "Url", "PageUrl",
	"Published", "IsListed", "Created", "LastEdited", "PackageSize", "PackageHash", "PackageHashAlgorithm",
	"Deprecation", "Vulnerabilities", "HasRepositoryProperty", "PackageEntryCount", "NuspecPackageEntry",
	"SignaturePackageEntry",
}

func (r *CatalogLeafItemRecord) CSVHeader() []string {
	return slices.Clone(catalogLeafItemHeader)
}

func (r *CatalogLeafItemRecord) CSVFields() []string {
	return []string{
		r.CommitID,
		records.FormatTime(r.CommitTimestamp),
		r.LowerID,
		r.Identity,
		r.ID,
		r.Version,
		string(r.Type),
		r.URL,
		r.PageURL,
		records.FormatOptionalTime(r.Published),
		records.FormatOptionalBool(r.IsListed),
		records.FormatOptionalTime(r.Created),
		records.FormatOptionalTime(r.LastEdited),
		records.FormatOptionalInt(r.PackageSize),
		r.PackageHash,
		r.PackageHashAlgorithm,
		r.Deprecation,
		r.Vulnerabilities,
		records.FormatOptionalBool(r.HasRepositoryProperty),
		records.FormatOptionalInt(r.PackageEntryCount),
		r.NuspecPackageEntry,
		r.SignaturePackageEntry,
	}
}

func (r *CatalogLeafItemRecord) FromCSV(fields []string) error {
	if len(fields) != len(catalogLeafItemHeader) {
		return errors.Errorf("drivers: %d catalog leaf fields, want %d", len(fields), len(catalogLeafItemHeader))
	}
	var err error
	r.CommitID = fields[0]
	if r.CommitTimestamp, err = records.ParseTime(fields[1]); err != nil {
		return err
	}
	r.LowerID = fields[2]
	r.Identity = fields[3]
	r.ID = fields[4]
	r.Version = fields[5]
	if r.Type, err = catalog.ParseLeafType(fields[6]); err != nil {
		return err
	}
	r.URL = fields[7]
	r.PageURL = fields[8]
	if r.Published, err = records.ParseOptionalTime(fields[9]); err != nil {
		return err
	}
	if r.IsListed, err = records.ParseOptionalBool(fields[10]); err != nil {
		return err
	}
	if r.Created, err = records.ParseOptionalTime(fields[11]); err != nil {
		return err
	}
	if r.LastEdited, err = records.ParseOptionalTime(fields[12]); err != nil {
		return err
	}
	if r.PackageSize, err = records.ParseOptionalInt(fields[13]); err != nil {
		return err
	}
	r.PackageHash = fields[14]
	r.PackageHashAlgorithm = fields[15]
	r.Deprecation = fields[16]
	r.Vulnerabilities = fields[17]
	if r.HasRepositoryProperty, err = records.ParseOptionalBool(fields[18]); err != nil {
		return err
	}
	if r.PackageEntryCount, err = records.ParseOptionalInt(fields[19]); err != nil {
		return err
	}
	r.NuspecPackageEntry = fields[20]
	r.SignaturePackageEntry = fields[21]
	return nil
}

// Compare orders by identity and then by commit.
func (r *CatalogLeafItemRecord) Compare(other records.Record) int {
	o := other.(*CatalogLeafItemRecord)
	if c := records.CompareIdentity(r.LowerID, r.Identity, o.LowerID, o.Identity); c != 0 {
		return c
	}
	return r.CommitTimestamp.Compare(o.CommitTimestamp)
}

