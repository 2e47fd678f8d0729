package drivers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/catalogscan"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/testutils"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 3, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

type fakeLeaves struct {
	mu    sync.Mutex
	docs  map[string]*catalog.Leaf
	calls int
	// gate, when set, blocks GetLeaf until closed; entered is signalled
	// first.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeLeaves() *fakeLeaves {
	return &fakeLeaves{docs: map[string]*catalog.Leaf{}}
}

func (f *fakeLeaves) GetLeaf(ctx context.Context, url string) (*catalog.Leaf, error) {
	if f.gate != nil {
		f.entered <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	doc, ok := f.docs[url]
	if !ok {
		return nil, insights_errors.ErrNotFound
	}
	return doc, nil
}

func (f *fakeLeaves) add(t *testing.T, url, doc string) {
	var leaf catalog.Leaf
	require.NoError(t, json.Unmarshal([]byte(doc), &leaf))
	f.docs[url] = &leaf
}

func leafScan(url, id, version string, leafType catalog.LeafType, commit time.Time) *catalogscan.LeafScan {
	return &catalogscan.LeafScan{
		ScanID:          "scan1",
		PageID:          "P000",
		LeafID:          url,
		URL:             url,
		PageURL:         "https://example/page0.json",
		LeafType:        leafType,
		CommitID:        "c-" + url,
		CommitTimestamp: commit,
		PackageID:       id,
		PackageVersion:  version,
		ScanTimestamp:   at(100),
	}
}

const detailsDoc = `{
	"@id": "https://example/leaf1.json",
	"@type": ["PackageDetails", "catalog:Permalink"],
	"catalog:commitId": "c1",
	"catalog:commitTimeStamp": "2022-03-01T12:01:00Z",
	"id": "Newtonsoft.Json",
	"version": "13.0.1+build",
	"published": "2022-03-01T11:00:00Z",
	"created": "2022-03-01T10:00:00Z",
	"listed": true,
	"packageSize": 1234,
	"packageHash": "abc",
	"packageHashAlgorithm": "SHA512",
	"deprecation": {"reasons": ["Legacy"]},
	"repository": "",
	"packageEntries": [
		{"fullName": "lib/net45/Newtonsoft.Json.dll", "name": "Newtonsoft.Json.dll", "length": 10, "compressedLength": 5},
		{"fullName": "Newtonsoft.Json.nuspec", "name": "Newtonsoft.Json.nuspec", "length": 3, "compressedLength": 2},
		{"fullName": ".signature.p7s", "name": ".signature.p7s", "length": 7, "compressedLength": 7}
	]
}`

const deleteDoc = `{
	"@id": "https://example/leaf2.json",
	"@type": "PackageDelete",
	"catalog:commitId": "c2",
	"catalog:commitTimeStamp": "2022-03-01T12:02:00Z",
	"id": "Newtonsoft.Json",
	"version": "13.0.1",
	"published": "2022-03-01T12:02:00Z"
}`

func TestNewCatalogLeafItemRecord(t *testing.T) {
	leaves := newFakeLeaves()
	leaves.add(t, "details", detailsDoc)
	leaves.add(t, "delete", deleteDoc)

	r, err := NewCatalogLeafItemRecord(leaves.docs["details"], "https://example/page0.json")
	require.NoError(t, err)
	assert.Equal(t, "newtonsoft.json/13.0.1", r.Identity)
	assert.Equal(t, "13.0.1+build", r.Version)
	assert.Equal(t, catalog.PackageDetails, r.Type)
	assert.Equal(t, at(1), r.CommitTimestamp)
	require.NotNil(t, r.IsListed)
	assert.True(t, *r.IsListed)
	require.NotNil(t, r.PackageEntryCount)
	assert.Equal(t, int64(3), *r.PackageEntryCount)
	assert.Contains(t, r.NuspecPackageEntry, `"fullName":"Newtonsoft.Json.nuspec"`)
	assert.Contains(t, r.SignaturePackageEntry, `".signature.p7s"`)
	assert.JSONEq(t, `{"reasons": ["Legacy"]}`, r.Deprecation)
	assert.Empty(t, r.Vulnerabilities)
	require.NotNil(t, r.HasRepositoryProperty)
	assert.True(t, *r.HasRepositoryProperty)

	var back CatalogLeafItemRecord
	require.NoError(t, back.FromCSV(r.CSVFields()))
	assert.Equal(t, r.CSVFields(), back.CSVFields())
	assert.Len(t, r.CSVHeader(), len(r.CSVFields()))

	d, err := NewCatalogLeafItemRecord(leaves.docs["delete"], "https://example/page0.json")
	require.NoError(t, err)
	assert.Equal(t, catalog.PackageDelete, d.Type)
	assert.Nil(t, d.IsListed)
	assert.Nil(t, d.PackageEntryCount)
	assert.Equal(t, at(2), *d.Published)
}

func TestCatalogDataToCsv_ProcessLeaf(t *testing.T) {
	ctx := context.Background()
	leaves := newFakeLeaves()
	leaves.add(t, "https://example/leaf1.json", detailsDoc)
	d := NewCatalogDataToCsv(leaves, Options{Logger: utils.Discard})

	result := d.ProcessLeaf(ctx, leafScan("https://example/leaf1.json", "Newtonsoft.Json", "13.0.1", catalog.PackageDetails, at(1)))
	require.Equal(t, catalogscan.ResultSuccess, result.Kind, "%v", result.Err)
	require.Len(t, result.Value, 1)
	assert.Equal(t, "https://example/page0.json", result.Value[0].PageURL)

	result = d.ProcessLeaf(ctx, leafScan("https://example/missing.json", "A", "1.0.0", catalog.PackageDetails, at(1)))
	assert.Equal(t, catalogscan.ResultFailure, result.Kind)
	assert.ErrorIs(t, result.Err, insights_errors.ErrNotFound)
}

func TestCatalogDataToCsv_NoPermitMeansTryAgainLater(t *testing.T) {
	ctx := context.Background()
	leaves := newFakeLeaves()
	leaves.add(t, "https://example/leaf1.json", detailsDoc)
	leaves.gate = make(chan struct{})
	leaves.entered = make(chan struct{}, 1)
	d := NewCatalogDataToCsv(leaves, Options{MaxConcurrentDownloads: 1, Logger: utils.Discard})
	leaf := leafScan("https://example/leaf1.json", "Newtonsoft.Json", "13.0.1", catalog.PackageDetails, at(1))

	done := make(chan catalogscan.Result[[]*CatalogLeafItemRecord])
	go func() {
		done <- d.ProcessLeaf(ctx, leaf)
	}()
	<-leaves.entered

	assert.Equal(t, catalogscan.ResultTryAgainLater, d.ProcessLeaf(ctx, leaf).Kind)

	close(leaves.gate)
	assert.Equal(t, catalogscan.ResultSuccess, (<-done).Kind)
	go func() { <-leaves.entered }()
	assert.Equal(t, catalogscan.ResultSuccess, d.ProcessLeaf(ctx, leaf).Kind)
}

func TestCatalogDataToCsv_PruneKeepsHistory(t *testing.T) {
	d := NewCatalogDataToCsv(newFakeLeaves(), Options{Logger: utils.Discard})
	rec := func(lowerID, version string, commit time.Time) *CatalogLeafItemRecord {
		return &CatalogLeafItemRecord{LowerID: lowerID, Identity: lowerID + "/" + version, CommitTimestamp: commit, Type: catalog.PackageDetails}
	}
	pruned := d.Prune([]*CatalogLeafItemRecord{
		rec("b", "1.0.0", at(1)),
		rec("a", "1.0.0", at(3)),
		rec("a", "1.0.0", at(1)),
		rec("a", "1.0.0", at(3)),
		rec("a.b", "1.0.0", at(0)),
	}, true)
	require.Len(t, pruned, 4)
	assert.Equal(t, "a/1.0.0", pruned[0].Identity)
	assert.Equal(t, at(1), pruned[0].CommitTimestamp)
	assert.Equal(t, at(3), pruned[1].CommitTimestamp)
	assert.Equal(t, "a.b/1.0.0", pruned[2].Identity)
	assert.Equal(t, "b/1.0.0", pruned[3].Identity)
}

func newLatestDriver(t *testing.T, leaves LeafReader) (catalogscan.BatchDriver, *LatestPackageLeafStorage) {
	store := tables.NewPebbleStore(testutils.OpenMemDB(t), tables.PebbleOptions{})
	storage := NewLatestPackageLeafStorage(store)
	d := NewLoadLatestPackageLeaf(storage, store, leaves, Options{Logger: utils.Discard})
	require.NoError(t, d.Initialize(context.Background(), &catalogscan.IndexScan{}))
	return d, storage
}

func details(listed bool, published string) string {
	l, _ := json.Marshal(listed)
	return `{"@type": "PackageDetails", "published": "` + published + `", "listed": ` + string(l) + `}`
}

func TestLoadLatestPackageLeaf_KeepsNewest(t *testing.T) {
	ctx := context.Background()
	leaves := newFakeLeaves()
	leaves.add(t, "l1", details(true, "2022-03-01T12:00:00Z"))
	leaves.add(t, "l3", details(false, "1900-01-01T00:00:00Z"))
	leaves.add(t, "l4", `{"@type": "PackageDetails", "published": "1900-01-01T00:00:00Z"}`)
	d, storage := newLatestDriver(t, leaves)

	result, err := d.ProcessLeaves(ctx, []*catalogscan.LeafScan{
		leafScan("l1", "Knapcode.A", "1.0", catalog.PackageDetails, at(1)),
		leafScan("l2", "knapcode.a", "1.0.0", catalog.PackageDelete, at(2)),
		leafScan("l3", "Knapcode.A", "2.0.0-BETA", catalog.PackageDetails, at(1)),
		leafScan("l4", "Knapcode.A", "3.0.0", catalog.PackageDetails, at(1)),
		leafScan("bad", "Knapcode.A", "not-a-version", catalog.PackageDetails, at(1)),
	})
	require.NoError(t, err)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "bad", result.Failed[0].URL)

	all, err := storage.GetAll(ctx, "knapcode.a")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "1.0.0", all[0].LowerVersion)
	assert.Equal(t, catalog.PackageDelete, all[0].LeafType)
	assert.Nil(t, all[0].Listed)
	assert.Equal(t, "2.0.0-beta", all[1].LowerVersion)
	assert.False(t, *all[1].Listed)
	// no listed property and the 1900 publish date
	assert.False(t, *all[2].Listed)

	// an older leaf is ignored
	_, err = d.ProcessLeaves(ctx, []*catalogscan.LeafScan{
		leafScan("l1", "Knapcode.A", "1.0.0", catalog.PackageDetails, at(0)),
	})
	require.NoError(t, err)
	l, err := storage.Get(ctx, "knapcode.a", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, at(2), l.CommitTimestamp)
	assert.Equal(t, "l2", l.URL)
}

func TestPackageVersionToCsv_LatestFlags(t *testing.T) {
	ctx := context.Background()
	leaves := newFakeLeaves()
	for _, url := range []string{"v1", "v2", "v3", "v4"} {
		leaves.add(t, url, details(true, "2022-03-01T12:00:00Z"))
	}
	leaves.add(t, "v5", details(false, "2022-03-01T12:00:00Z"))
	load, storage := newLatestDriver(t, leaves)
	_, err := load.ProcessLeaves(ctx, []*catalogscan.LeafScan{
		leafScan("v1", "Pkg", "1.0.0", catalog.PackageDetails, at(1)),
		leafScan("v2", "Pkg", "2.0.0-beta", catalog.PackageDetails, at(2)),
		leafScan("v3", "Pkg", "1.5.0+meta", catalog.PackageDetails, at(3)),
		leafScan("v4", "Pkg", "3.0.0-rc.1", catalog.PackageDetails, at(4)),
		leafScan("v5", "Pkg", "9.0.0", catalog.PackageDetails, at(5)),
		leafScan("v6", "Pkg", "8.0.0", catalog.PackageDelete, at(6)),
	})
	require.NoError(t, err)

	d := NewPackageVersionToCsv(storage, Options{Logger: utils.Discard})
	result := d.ProcessLeaf(ctx, leafScan("v1", "Pkg", "1.0.0", catalog.PackageDetails, at(1)))
	require.Equal(t, catalogscan.ResultSuccess, result.Kind, "%v", result.Err)
	byVersion := map[string]*PackageVersionRecord{}
	for _, r := range result.Value {
		byVersion[r.Version] = r
		assert.Equal(t, "pkg", r.BucketKey())
		assert.Equal(t, "scan1", r.ScanID)
	}
	require.Len(t, byVersion, 6)

	assert.True(t, byVersion["2.0.0-beta"].IsLatest)
	assert.True(t, byVersion["1.0.0"].IsLatestStable)
	assert.True(t, byVersion["3.0.0-rc.1"].IsLatestSemVer2)
	assert.True(t, byVersion["1.5.0"].IsLatestStableSemVer2)
	assert.False(t, byVersion["9.0.0"].IsLatest)
	assert.False(t, *byVersion["9.0.0"].IsListed)
	assert.Equal(t, "Deleted", string(byVersion["8.0.0"].ResultType))
	assert.Nil(t, byVersion["8.0.0"].IsListed)
	assert.True(t, *byVersion["3.0.0-rc.1"].IsSemVer2)

	var back PackageVersionRecord
	require.NoError(t, back.FromCSV(byVersion["1.5.0"].CSVFields()))
	assert.Equal(t, byVersion["1.5.0"].CSVFields(), back.CSVFields())

	missing := d.ProcessLeaf(ctx, leafScan("x", "Other", "1.0.0", catalog.PackageDetails, at(1)))
	assert.Equal(t, catalogscan.ResultFailure, missing.Kind)
}

func TestRegister(t *testing.T) {
	store := tables.NewPebbleStore(testutils.OpenMemDB(t), tables.PebbleOptions{})
	registry := catalogscan.NewRegistry()
	err := Register(registry, Deps{CsvDeps: catalogscan.CsvDeps{Tables: store}, Leaves: newFakeLeaves()}, Options{Logger: utils.Discard})
	require.NoError(t, err)

	types := registry.Types()
	assert.ElementsMatch(t, []catalogscan.DriverType{CatalogDataToCsv, LoadLatestPackageLeaf, PackageVersionToCsv}, types)
	assert.Less(t, indexOf(types, LoadLatestPackageLeaf), indexOf(types, PackageVersionToCsv))

	deps, err := registry.Dependencies(PackageVersionToCsv)
	require.NoError(t, err)
	assert.Equal(t, []catalogscan.DriverType{LoadLatestPackageLeaf}, deps)

	d, err := registry.Create(LoadLatestPackageLeaf)
	require.NoError(t, err)
	_, ok := d.(catalogscan.BatchDriver)
	assert.True(t, ok)

	d, err = registry.Create(PackageVersionToCsv)
	require.NoError(t, err)
	_, ok = d.(catalogscan.Compactor)
	assert.True(t, ok)
}

func indexOf(types []catalogscan.DriverType, t catalogscan.DriverType) int {
	for i, dt := range types {
		if dt == t {
			return i
		}
	}
	return -1
}
