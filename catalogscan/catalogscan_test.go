package catalogscan

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/cursors"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/leases"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/taskstate"
	"github.com/NuGet/Insights-sub012/testutils"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/NuGet/Insights-sub012/worker"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return t0.Add(time.Duration(minutes) * time.Minute)
}

type fakeCatalog struct {
	mu    sync.Mutex
	index catalog.Index
	pages map[string]*catalog.Page
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{pages: map[string]*catalog.Page{}}
}

func leafURL(id, version string, commit int) string {
	return fmt.Sprintf("https://fake/leaves/%d/%s.%s.json", commit, id, version)
}

type fakeLeaf struct {
	id, version string
	delete      bool
	commit      int
}

// addPage appends a page holding the leaves and moves the index commit to
// the newest of them.
func (c *fakeCatalog) addPage(leaves ...fakeLeaf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	url := fmt.Sprintf("https://fake/page%d.json", len(c.index.Items))
	page := &catalog.Page{URL: url}
	for _, l := range leaves {
		typ := "nuget:PackageDetails"
		if l.delete {
			typ = "nuget:PackageDelete"
		}
		ts := catalog.Time{Time: at(l.commit)}
		page.Items = append(page.Items, catalog.LeafItem{
			URL:             leafURL(l.id, l.version, l.commit),
			Type:            typ,
			CommitID:        fmt.Sprintf("commit-%d", l.commit),
			CommitTimestamp: ts,
			PackageID:       l.id,
			PackageVersion:  l.version,
		})
		if ts.After(page.CommitTimestamp.Time) {
			page.CommitTimestamp = ts
		}
	}
	page.Count = len(page.Items)
	c.pages[url] = page
	c.index.Items = append(c.index.Items, catalog.PageItem{URL: url, CommitTimestamp: page.CommitTimestamp, Count: page.Count})
	if page.CommitTimestamp.After(c.index.CommitTimestamp.Time) {
		c.index.CommitTimestamp = page.CommitTimestamp
	}
}

func (c *fakeCatalog) GetIndex(ctx context.Context) (*catalog.Index, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	index := c.index
	index.Items = append([]catalog.PageItem(nil), c.index.Items...)
	return &index, nil
}

func (c *fakeCatalog) GetPage(ctx context.Context, url string, atLeast time.Time) (*catalog.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	page, ok := c.pages[url]
	if !ok {
		return nil, insights_errors.ErrNotFound
	}
	return page, nil
}

type fakeDriver struct {
	mu         sync.Mutex
	seen       []string
	fail       map[string]bool
	laterOnce  map[string]bool
	initCount  int
	finalized  int
	aborted    int
	aggregated int
	destroyed  int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{fail: map[string]bool{}, laterOnce: map[string]bool{}}
}

func (d *fakeDriver) Initialize(ctx context.Context, scan *IndexScan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initCount++
	return nil
}

func (d *fakeDriver) ProcessLeaf(ctx context.Context, leaf *LeafScan) DriverResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[leaf.URL] {
		return Failure[struct{}](fmt.Errorf("cannot process %s", leaf.URL))
	}
	if d.laterOnce[leaf.URL] {
		delete(d.laterOnce, leaf.URL)
		return TryAgainLater[struct{}]()
	}
	d.seen = append(d.seen, fmt.Sprintf("%s/%s/%s", leaf.PackageID, leaf.PackageVersion, leaf.LeafType))
	return Success(struct{}{})
}

func (d *fakeDriver) StartAggregate(ctx context.Context, scan *IndexScan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aggregated++
	return nil
}

func (d *fakeDriver) IsAggregateComplete(ctx context.Context, scan *IndexScan) (bool, error) {
	return true, nil
}

func (d *fakeDriver) Finalize(ctx context.Context, scan *IndexScan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized++
	return nil
}

func (d *fakeDriver) Abort(ctx context.Context, scan *IndexScan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aborted++
	return nil
}

func (d *fakeDriver) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

func (d *fakeDriver) processed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := append([]string(nil), d.seen...)
	sort.Strings(out)
	return out
}

// fakeBatchDriver records the groups it was handed.
type fakeBatchDriver struct {
	*fakeDriver
	groups [][]string
}

func (d *fakeBatchDriver) ProcessLeaves(ctx context.Context, leaves []*LeafScan) (BatchDriverResult, error) {
	var result BatchDriverResult
	var group []string
	for _, leaf := range leaves {
		group = append(group, leaf.LowerID())
		switch d.ProcessLeaf(ctx, leaf).Kind {
		case ResultFailure:
			result.Failed = append(result.Failed, leaf)
		case ResultTryAgainLater:
			result.TryAgainLater = append(result.TryAgainLater, leaf)
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = append(d.groups, group)
	return result, nil
}

const (
	fakeType       DriverType = "FakeScan"
	fakeLatestType DriverType = "FakeLatest"
	fakeDepType    DriverType = "FakeDependent"
	fakeBatchType  DriverType = "FakeBatch"
)

type fixture struct {
	ctx      context.Context
	clock    *testclock.Clock
	store    tables.Store
	queues   *queues.PebbleQueues
	catalog  *fakeCatalog
	registry *Registry
	cursors  *cursors.Service
	service  *Service
	pool     *worker.Pool
	drivers  map[DriverType]*fakeDriver
	batch    *fakeBatchDriver
}

func newFixture(t *testing.T) *fixture {
	ctx := context.Background()
	clk := testclock.NewClock(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	db := testutils.OpenMemDB(t)
	store := tables.NewPebbleStore(db, tables.PebbleOptions{Logger: utils.Discard})
	qs := queues.NewPebbleQueues(db, queues.PebbleOptions{Clock: clk})

	serializer := queues.NewSerializer()
	RegisterMessages(serializer)
	enqueuer := queues.NewEnqueuer(serializer, qs, queues.EnqueuerOptions{Logger: utils.Discard})

	f := &fixture{
		ctx:      ctx,
		clock:    clk,
		store:    store,
		queues:   qs,
		catalog:  newFakeCatalog(),
		registry: NewRegistry(),
		cursors:  cursors.NewService(store, cursors.Options{Logger: utils.Discard}),
		drivers:  map[DriverType]*fakeDriver{},
	}
	for _, dt := range []DriverType{fakeType, fakeLatestType, fakeDepType} {
		f.drivers[dt] = newFakeDriver()
	}
	f.batch = &fakeBatchDriver{fakeDriver: newFakeDriver()}
	register := func(dt DriverType, d Driver, md Metadata) {
		md.Factory = func() Driver { return d }
		md.DefaultMin = at(0)
		f.registry.Register(dt, md)
	}
	register(fakeType, f.drivers[fakeType], Metadata{})
	register(fakeLatestType, f.drivers[fakeLatestType], Metadata{OnlyLatestLeaves: true})
	register(fakeDepType, f.drivers[fakeDepType], Metadata{Dependencies: []DriverType{fakeType}})
	register(fakeBatchType, f.batch, Metadata{})

	leaseService := leases.NewService(store, leases.Options{Clock: clk, Logger: utils.Discard})
	storage := NewStorage(store, utils.Discard)
	require.NoError(t, storage.Initialize(ctx))
	require.NoError(t, f.cursors.Initialize(ctx))
	require.NoError(t, leaseService.Initialize(ctx))

	f.service = NewService(Deps{
		Registry:   f.registry,
		Storage:    storage,
		Cursors:    f.cursors,
		Leases:     leaseService,
		TaskStates: taskstate.NewService(store, taskstate.Options{Clock: clk, Logger: utils.Discard}),
		Enqueuer:   enqueuer,
		Catalog:    f.catalog,
	}, ServiceOptions{Clock: clk, Logger: utils.Discard})

	d := worker.NewDispatcher(enqueuer, utils.Discard)
	worker.Handle[IndexScanMessage](d, NewIndexProcessor(f.service))
	worker.Handle[PageScanMessage](d, NewPageProcessor(f.service))
	worker.HandleBatch[LeafScanMessage](d, NewLeafProcessor(f.service, LeafProcessorOptions{}))
	worker.Handle[CompactionMessage](d, NewCompactionProcessor(f.service))
	f.pool = worker.NewPool(d, qs, worker.PoolOptions{Clock: clk, Logger: utils.Discard})
	return f
}

// drain works the queues, moving the clock a minute at a time, until done
// reports true.
func (f *fixture) drain(t *testing.T, done func() bool) {
	t.Helper()
	for i := 0; i < 300; i++ {
		_, err := f.pool.RunUntilIdle(f.ctx)
		require.NoError(t, err)
		if done() {
			return
		}
		f.clock.Advance(time.Minute)
	}
	t.Fatal("queues did not settle")
}

func (f *fixture) latestScan(t *testing.T, dt DriverType) *IndexScan {
	scans, err := f.service.GetLatestScans(f.ctx, dt, 1)
	require.NoError(t, err)
	require.NotEmpty(t, scans)
	return scans[0]
}

func (f *fixture) scanDone(t *testing.T, dt DriverType) func() bool {
	return func() bool {
		return f.latestScan(t, dt).State.IsTerminal()
	}
}

func (f *fixture) cursor(t *testing.T, dt DriverType) time.Time {
	cs, err := f.cursors.Get(f.ctx, CursorName(dt))
	require.NoError(t, err)
	return cs[0].Value
}

func (f *fixture) queueCount(t *testing.T, name string) int {
	n, err := f.queues.Queue(name).Count(f.ctx)
	require.NoError(t, err)
	return n
}

func (f *fixture) addDefaultPages() {
	f.catalog.addPage(
		fakeLeaf{id: "Alpha", version: "1.0.0", commit: 1},
		fakeLeaf{id: "Beta", version: "1.0.0", commit: 2},
	)
	f.catalog.addPage(
		fakeLeaf{id: "Alpha", version: "2.0.0", commit: 3},
		fakeLeaf{id: "Alpha", version: "1.0.0", delete: true, commit: 4},
		fakeLeaf{id: "Gamma", version: "1.0.0-beta", commit: 5},
	)
}

func TestRegistry_TypesListsDependenciesFirst(t *testing.T) {
	r := NewRegistry()
	factory := func() Driver { return newFakeDriver() }
	r.Register("Second", Metadata{Factory: factory, Dependencies: []DriverType{"First"}})
	r.Register("First", Metadata{Factory: factory})
	r.Register("Third", Metadata{Factory: factory, Dependencies: []DriverType{"Second"}})
	assert.Equal(t, []DriverType{"First", "Second", "Third"}, r.Types())

	assert.Panics(t, func() { r.Register("First", Metadata{Factory: factory}) })
	assert.Panics(t, func() { r.Register("bad-name", Metadata{Factory: factory}) })
	assert.Panics(t, func() { r.Register("NoFactory", Metadata{}) })

	_, err := r.Metadata("Missing")
	assert.ErrorIs(t, err, insights_errors.ErrUnknownDriver)

	a, err := r.Create("First")
	require.NoError(t, err)
	b, err := r.Create("First")
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestUpdate_BlockedByDependency(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()

	result, err := f.service.Update(f.ctx, fakeDepType, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, BlockedByDependency, result.Type)
	assert.Equal(t, string(fakeType), result.Dependency)
}

func TestUpdate_MaxPastDependencyIsBlocked(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()

	// the catalog ends at minute 5
	result, err := f.service.Update(f.ctx, fakeType, at(10))
	require.NoError(t, err)
	assert.Equal(t, BlockedByDependency, result.Type)
	assert.Equal(t, "catalog", result.Dependency)
}

func TestUpdate_MinAfterMaxAndCaughtUp(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	c, err := f.cursors.GetOrCreate(f.ctx, CursorName(fakeType))
	require.NoError(t, err)
	require.NoError(t, f.cursors.Update(f.ctx, c, at(3)))

	result, err := f.service.Update(f.ctx, fakeType, at(2))
	require.NoError(t, err)
	assert.Equal(t, MinAfterMax, result.Type)

	result, err = f.service.Update(f.ctx, fakeType, at(3))
	require.NoError(t, err)
	assert.Equal(t, FullyCaughtUpWithMax, result.Type)

	require.NoError(t, f.cursors.Update(f.ctx, c, at(5)))
	result, err = f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, FullyCaughtUpWithDependency, result.Type)
}

func TestUpdate_DisabledDriver(t *testing.T) {
	f := newFixture(t)
	f.registry.Register("Off", Metadata{Factory: func() Driver { return newFakeDriver() }, Disabled: true})

	result, err := f.service.Update(f.ctx, "Off", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, Disabled, result.Type)

	_, err = f.service.Update(f.ctx, "Nope", time.Time{})
	assert.ErrorIs(t, err, insights_errors.ErrUnknownDriver)
}

func TestStart_AlreadyStarted(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()

	first, err := f.service.Start(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, first.Type)
	assert.Equal(t, at(0), first.Scan.Min)
	assert.Equal(t, at(5), first.Scan.Max)
	assert.Equal(t, Created, first.Scan.State)

	again, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, AlreadyStarted, again.Type)
	assert.Equal(t, first.Scan.ScanID, again.Scan.ScanID)

	_, err = f.service.Start(f.ctx, fakeType, time.Time{})
	assert.ErrorIs(t, err, insights_errors.ErrScanAlreadyStarted)
}

func TestScan_ProcessesEveryLeafAndMovesCursor(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]

	result, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, result.Type)
	f.drain(t, f.scanDone(t, fakeType))

	assert.Equal(t, []string{
		"Alpha/1.0.0/PackageDelete",
		"Alpha/1.0.0/PackageDetails",
		"Alpha/2.0.0/PackageDetails",
		"Beta/1.0.0/PackageDetails",
		"Gamma/1.0.0-beta/PackageDetails",
	}, driver.processed())
	assert.Equal(t, 1, driver.initCount)
	assert.Equal(t, 1, driver.aggregated)
	assert.Equal(t, 1, driver.finalized)

	scan := f.latestScan(t, fakeType)
	assert.Equal(t, Complete, scan.State)
	assert.Equal(t, "Complete", scan.Result)
	require.NotNil(t, scan.Started)
	require.NotNil(t, scan.Completed)
	assert.Equal(t, at(5), f.cursor(t, fakeType))

	exists, err := f.store.TableExists(f.ctx, LeafScanTable(scan.StorageSuffix))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 0, f.queueCount(t, "expand"))
	assert.Equal(t, 0, f.queueCount(t, "work"))

	// the dependent driver may now catch up with the first one
	dep, err := f.service.Update(f.ctx, fakeDepType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, dep.Type)
	assert.Equal(t, at(5), dep.Scan.Max)
	f.drain(t, f.scanDone(t, fakeDepType))
	assert.Len(t, f.drivers[fakeDepType].processed(), 5)
	assert.Equal(t, at(5), f.cursor(t, fakeDepType))
}

func TestScan_NextScanStartsAtCursor(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]

	_, err := f.service.Update(f.ctx, fakeType, at(2))
	require.NoError(t, err)
	f.drain(t, f.scanDone(t, fakeType))
	assert.Equal(t, []string{"Alpha/1.0.0/PackageDetails", "Beta/1.0.0/PackageDetails"}, driver.processed())
	assert.Equal(t, at(2), f.cursor(t, fakeType))

	// the package is published again after its delete
	f.catalog.addPage(fakeLeaf{id: "Alpha", version: "1.0.0", commit: 6})
	result, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, result.Type)
	assert.Equal(t, at(2), result.Scan.Min)
	assert.Equal(t, at(6), result.Scan.Max)
	f.drain(t, f.scanDone(t, fakeType))

	assert.Equal(t, []string{
		"Alpha/1.0.0/PackageDelete",
		"Alpha/1.0.0/PackageDetails",
		"Alpha/1.0.0/PackageDetails",
		"Alpha/2.0.0/PackageDetails",
		"Beta/1.0.0/PackageDetails",
		"Gamma/1.0.0-beta/PackageDetails",
	}, driver.processed())
	assert.Equal(t, at(6), f.cursor(t, fakeType))

	scans, err := f.service.GetLatestScans(f.ctx, fakeType, 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, result.Scan.ScanID, scans[0].ScanID)
}

func TestScan_OnlyLatestLeaves(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()

	_, err := f.service.Update(f.ctx, fakeLatestType, time.Time{})
	require.NoError(t, err)
	f.drain(t, f.scanDone(t, fakeLatestType))

	// the details leaf of Alpha 1.0.0 is in an earlier page than its delete,
	// so both survive
	assert.Equal(t, []string{
		"Alpha/1.0.0/PackageDelete",
		"Alpha/1.0.0/PackageDetails",
		"Alpha/2.0.0/PackageDetails",
		"Beta/1.0.0/PackageDetails",
		"Gamma/1.0.0-beta/PackageDetails",
	}, f.drivers[fakeLatestType].processed())

	f.catalog.addPage(
		fakeLeaf{id: "Delta", version: "1.0.0", commit: 6},
		fakeLeaf{id: "delta", version: "1.0.0", delete: true, commit: 7},
		fakeLeaf{id: "Delta", version: "1.0.0", commit: 8},
	)
	_, err = f.service.Update(f.ctx, fakeLatestType, time.Time{})
	require.NoError(t, err)
	f.drain(t, f.scanDone(t, fakeLatestType))
	processed := f.drivers[fakeLatestType].processed()
	assert.Contains(t, processed, "Delta/1.0.0/PackageDetails")
	assert.NotContains(t, processed, "delta/1.0.0/PackageDelete")
	assert.Len(t, processed, 6)
}

func TestScan_TryAgainLaterDoesNotCountAsAttempt(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]
	driver.laterOnce[leafURL("Beta", "1.0.0", 2)] = true

	_, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	f.drain(t, f.scanDone(t, fakeType))
	assert.Len(t, driver.processed(), 5)
	assert.Equal(t, 0, f.queueCount(t, queues.Work.PoisonName()))
}

func TestScan_FailingLeafIsPoisoned(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]
	driver.fail[leafURL("Beta", "1.0.0", 2)] = true

	_, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	f.drain(t, func() bool {
		return f.queueCount(t, queues.Work.PoisonName()) > 0
	})
	assert.Equal(t, 1, f.queueCount(t, queues.Work.PoisonName()))
	assert.Len(t, driver.processed(), 4)

	// the poisoned leaf holds the scan until it is dealt with
	scan := f.latestScan(t, fakeType)
	assert.Equal(t, Expanded, scan.State)
	n, err := f.service.storage.CountLeafScans(f.ctx, scan.StorageSuffix, scan.ScanID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rows, err := tables.QueryAll(f.ctx, f.store, LeafScanTable(scan.StorageSuffix), tables.Query{PartitionKey: scan.ScanID}, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	var leaf LeafScan
	require.NoError(t, leaf.FromRow(scan.StorageSuffix, &rows[0]))
	assert.Equal(t, "Beta", leaf.PackageID)
	assert.Equal(t, MaxLeafAttempts, leaf.AttemptCount)
	assert.Equal(t, cursors.DefaultValue, f.cursor(t, fakeType))
}

func TestScan_BatchDriverGetsLeavesByID(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()

	_, err := f.service.Update(f.ctx, fakeBatchType, time.Time{})
	require.NoError(t, err)
	f.drain(t, f.scanDone(t, fakeBatchType))

	assert.Len(t, f.batch.processed(), 5)
	for _, group := range f.batch.groups {
		for _, id := range group {
			assert.Equal(t, group[0], id)
		}
	}
	assert.Equal(t, at(5), f.cursor(t, fakeBatchType))
}

func TestAbort_DropsScanAndKeepsCursor(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]

	none, err := f.service.Abort(f.ctx, fakeType)
	require.NoError(t, err)
	assert.Nil(t, none)

	result, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, result.Type)

	aborted, err := f.service.Abort(f.ctx, fakeType)
	require.NoError(t, err)
	require.NotNil(t, aborted)
	assert.Equal(t, result.Scan.ScanID, aborted.ScanID)
	assert.Equal(t, Aborted, aborted.State)
	assert.Equal(t, 1, driver.aborted)

	f.drain(t, func() bool { return f.queueCount(t, "expand") == 0 })
	assert.Empty(t, driver.processed())
	assert.Equal(t, cursors.DefaultValue, f.cursor(t, fakeType))

	again, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, NewStarted, again.Type)
}

func TestDestroy_RefusesRunningScanAndResetsCursor(t *testing.T) {
	f := newFixture(t)
	f.addDefaultPages()
	driver := f.drivers[fakeType]

	result, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, result.Type)

	err = f.service.Destroy(f.ctx, fakeType)
	assert.ErrorIs(t, err, insights_errors.ErrScanAlreadyStarted)
	assert.Equal(t, 0, driver.destroyed)

	f.drain(t, f.scanDone(t, fakeType))
	require.Equal(t, at(5), f.cursor(t, fakeType))

	require.NoError(t, f.service.Destroy(f.ctx, fakeType))
	assert.Equal(t, 1, driver.destroyed)
	c, err := f.service.GetCursor(f.ctx, fakeType)
	require.NoError(t, err)
	assert.Equal(t, cursors.DefaultValue, c.Value)

	again, err := f.service.Update(f.ctx, fakeType, time.Time{})
	require.NoError(t, err)
	require.Equal(t, NewStarted, again.Type)
	assert.Equal(t, at(0), again.Scan.Min)

	err = f.service.Destroy(f.ctx, "Unknown")
	assert.ErrorIs(t, err, insights_errors.ErrUnknownDriver)
}

func TestIndexProcessor_GivesUpOnMissingScan(t *testing.T) {
	f := newFixture(t)
	err := f.service.enqueuer.Enqueue(f.ctx, []any{IndexScanMessage{DriverType: fakeType, ScanID: "missing"}}, 0)
	require.NoError(t, err)

	f.drain(t, func() bool { return f.queueCount(t, "expand") == 0 })
	assert.Equal(t, 0, f.queueCount(t, queues.Expand.PoisonName()))
}

func TestUpdater_UpdatesOnlyWhileHoldingLease(t *testing.T) {
	f := newFixture(t)
	u := NewUpdater(f.service, UpdaterOptions{Interval: time.Hour, LeaseDuration: 30 * time.Second})
	calls := make(chan struct{}, 16)
	u.update = func(ctx context.Context) (map[DriverType]*StartResult, error) {
		calls <- struct{}{}
		return nil, nil
	}
	updated := func() bool {
		select {
		case <-calls:
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan error, 1)
	go func() { done <- u.Run(ctx) }()
	require.Eventually(t, func() bool { return len(calls) == 1 }, 5*time.Second, 10*time.Millisecond)
	<-calls
	row, err := f.store.Get(f.ctx, leases.TableName, "", UpdaterLeaseName)
	require.NoError(t, err)

	// renewal and interval timers
	require.NoError(t, f.clock.WaitAdvance(time.Hour, 5*time.Second, 2))
	require.True(t, updated())
	require.Eventually(t, func() bool {
		renewed, err := f.store.Get(f.ctx, leases.TableName, "", UpdaterLeaseName)
		return err == nil && renewed.ETag != row.ETag
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.service.leases.Break(f.ctx, UpdaterLeaseName))
	other, err := f.service.leases.Acquire(f.ctx, UpdaterLeaseName, 24*time.Hour)
	require.NoError(t, err)
	require.NoError(t, f.clock.WaitAdvance(10*time.Second, 5*time.Second, 2))

	// the abandoned interval timer plus the retry timer
	require.NoError(t, f.clock.WaitAdvance(30*time.Second, 5*time.Second, 2))
	assert.False(t, updated())

	require.NoError(t, f.service.leases.Release(f.ctx, other))
	require.NoError(t, f.clock.WaitAdvance(30*time.Second, 5*time.Second, 2))
	assert.True(t, updated())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("updater did not stop")
	}
}
