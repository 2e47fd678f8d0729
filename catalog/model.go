// Package catalog reads the NuGet V3 catalog: an append-only index of
// pages, each listing leaves that describe one package publish or delete.
package catalog

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
)

// Time accepts the timestamp shapes found in catalog documents: RFC 3339
// with up to seven fractional digits, and legacy values without an offset,
// which are UTC.
type Time struct {
	time.Time
}

var legacyLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
}

func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range legacyLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("catalog: bad timestamp %q", s)
}

func (t *Time) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

type LeafType string

const (
	PackageDetails LeafType = "PackageDetails"
	PackageDelete  LeafType = "PackageDelete"
)

// ParseLeafType maps both the page item form ("nuget:PackageDetails") and
// the leaf document form ("PackageDetails") to a LeafType.
func ParseLeafType(s string) (LeafType, error) {
	switch strings.TrimPrefix(s, "nuget:") {
	case string(PackageDetails):
		return PackageDetails, nil
	case string(PackageDelete):
		return PackageDelete, nil
	}
	return "", errors.Wrapf(insights_errors.ErrUnknownLeafType, "%q", s)
}

type Index struct {
	URL             string     `json:"@id"`
	CommitID        string     `json:"commitId"`
	CommitTimestamp Time       `json:"commitTimeStamp"`
	Count           int        `json:"count"`
	Items           []PageItem `json:"items"`
}

type PageItem struct {
	URL             string `json:"@id"`
	CommitID        string `json:"commitId"`
	CommitTimestamp Time   `json:"commitTimeStamp"`
	Count           int    `json:"count"`
}

type Page struct {
	URL             string     `json:"@id"`
	CommitID        string     `json:"commitId"`
	CommitTimestamp Time       `json:"commitTimeStamp"`
	Count           int        `json:"count"`
	Parent          string     `json:"parent"`
	Items           []LeafItem `json:"items"`
}

type LeafItem struct {
	URL             string `json:"@id"`
	Type            string `json:"@type"`
	CommitID        string `json:"commitId"`
	CommitTimestamp Time   `json:"commitTimeStamp"`
	PackageID       string `json:"nuget:id"`
	PackageVersion  string `json:"nuget:version"`
}

func (i *LeafItem) LeafType() (LeafType, error) {
	return ParseLeafType(i.Type)
}

type PackageEntry struct {
	FullName         string `json:"fullName"`
	Name             string `json:"name"`
	Length           int64  `json:"length"`
	CompressedLength int64  `json:"compressedLength"`
}

// Leaf is a catalog leaf document. Package delete leaves only carry the
// common fields and Published.
type Leaf struct {
	URL             string          `json:"@id"`
	Types           json.RawMessage `json:"@type"`
	CommitID        string          `json:"catalog:commitId"`
	CommitTimestamp Time            `json:"catalog:commitTimeStamp"`
	PackageID       string          `json:"id"`
	PackageVersion  string          `json:"version"`
	Published       Time            `json:"published"`

	Listed               *bool           `json:"listed,omitempty"`
	Created              *Time           `json:"created,omitempty"`
	LastEdited           *Time           `json:"lastEdited,omitempty"`
	VerbatimVersion      string          `json:"verbatimVersion,omitempty"`
	IsPrerelease         bool            `json:"isPrerelease,omitempty"`
	PackageSize          *int64          `json:"packageSize,omitempty"`
	PackageHash          string          `json:"packageHash,omitempty"`
	PackageHashAlgorithm string          `json:"packageHashAlgorithm,omitempty"`
	Deprecation          json.RawMessage `json:"deprecation,omitempty"`
	Vulnerabilities      json.RawMessage `json:"vulnerabilities,omitempty"`
	Repository           json.RawMessage `json:"repository,omitempty"`
	PackageEntries       []PackageEntry  `json:"packageEntries,omitempty"`
}

// LeafType reads the leaf type out of "@type", which is either a string
// or a list of strings.
func (l *Leaf) LeafType() (LeafType, error) {
	var types []string
	if err := json.Unmarshal(l.Types, &types); err != nil {
		var single string
		if err := json.Unmarshal(l.Types, &single); err != nil {
			return "", errors.Wrapf(insights_errors.ErrUnknownLeafType, "leaf %s", l.URL)
		}
		types = []string{single}
	}
	for _, t := range types {
		if lt, err := ParseLeafType(t); err == nil {
			return lt, nil
		}
	}
	return "", errors.Wrapf(insights_errors.ErrUnknownLeafType, "leaf %s has types %v", l.URL, types)
}

// IsListed falls back to the legacy convention when the listed property is
// missing: a package published in 1900 is unlisted.
func (l *Leaf) IsListed() bool {
	if l.Listed != nil {
		return *l.Listed
	}
	return l.Published.Year() != 1900
}
