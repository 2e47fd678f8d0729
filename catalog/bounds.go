package catalog

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

type RankedPage struct {
	PageItem
	Rank int
}

type RankedLeaf struct {
	LeafItem
	Rank int
}

// PageRanks numbers the pages by (commit timestamp, url). The ranks are
// stable as long as the catalog only grows at the end.
func PageRanks(items []PageItem) map[string]int {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b PageItem) int {
		return cmp.Or(a.CommitTimestamp.Compare(b.CommitTimestamp.Time), strings.Compare(a.URL, b.URL))
	})
	ranks := make(map[string]int, len(sorted))
	for i, p := range sorted {
		ranks[p.URL] = i
	}
	return ranks
}

// LeafRanks numbers the leaves of a page by (commit timestamp, url).
func LeafRanks(items []LeafItem) map[string]int {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b LeafItem) int {
		return cmp.Or(a.CommitTimestamp.Compare(b.CommitTimestamp.Time), strings.Compare(a.URL, b.URL))
	})
	ranks := make(map[string]int, len(sorted))
	for i, l := range sorted {
		ranks[l.URL] = i
	}
	return ranks
}

// GetPagesInBounds returns the pages that may hold leaves with
// minTs < commit timestamp <= maxTs, ascending. A page's commit timestamp is
// that of its newest leaf, so pages are taken until the first one past maxTs,
// which is included.
func GetPagesInBounds(index *Index, minTs, maxTs time.Time) []RankedPage {
	ranks := PageRanks(index.Items)
	var upper []RankedPage
	for _, p := range index.Items {
		if p.CommitTimestamp.After(minTs) {
			upper = append(upper, RankedPage{PageItem: p, Rank: ranks[p.URL]})
		}
	}
	slices.SortStableFunc(upper, func(a, b RankedPage) int {
		return a.CommitTimestamp.Compare(b.CommitTimestamp.Time)
	})
	for i, p := range upper {
		if p.CommitTimestamp.After(maxTs) {
			return upper[:i+1]
		}
	}
	return upper
}

// GetLeavesInBounds returns the leaves with minTs < commit timestamp <= maxTs,
// ordered by commit timestamp, then package id ignoring case, then
// version. With onlyLatest, only the last leaf of each package identity
// in commit order survives.
func GetLeavesInBounds(page *Page, minTs, maxTs time.Time, onlyLatest bool) ([]RankedLeaf, error) {
	ranks := LeafRanks(page.Items)
	type parsed struct {
		RankedLeaf
		version Version
		key     string
	}
	var leaves []parsed
	for _, item := range page.Items {
		if !item.CommitTimestamp.After(minTs) || item.CommitTimestamp.After(maxTs) {
			continue
		}
		v, err := ParseVersion(item.PackageVersion)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, parsed{
			RankedLeaf: RankedLeaf{LeafItem: item, Rank: ranks[item.URL]},
			version:    v,
			key:        strings.ToLower(item.PackageID) + "/" + strings.ToLower(v.String()),
		})
	}
	slices.SortStableFunc(leaves, func(a, b parsed) int {
		return a.CommitTimestamp.Compare(b.CommitTimestamp.Time)
	})
	if onlyLatest {
		last := map[string]int{}
		for i, l := range leaves {
			last[l.key] = i
		}
		kept := leaves[:0]
		for i, l := range leaves {
			if last[l.key] == i {
				kept = append(kept, l)
			}
		}
		leaves = kept
	}
	slices.SortStableFunc(leaves, func(a, b parsed) int {
		return cmp.Or(
			a.CommitTimestamp.Compare(b.CommitTimestamp.Time),
			strings.Compare(strings.ToLower(a.PackageID), strings.ToLower(b.PackageID)),
			a.version.Compare(b.version),
		)
	})
	out := make([]RankedLeaf, len(leaves))
	for i, l := range leaves {
		out[i] = l.RankedLeaf
	}
	return out, nil
}
