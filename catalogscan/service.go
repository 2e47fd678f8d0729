// Package catalogscan runs drivers over windows of the NuGet catalog. A
// scan is an index scan row that message processors move through its
// states: the index is expanded into page scans, pages into leaf scans,
// leaves are handed to the driver, the driver aggregates, and finally the
// driver's cursor moves to the scan's max. Every step is persisted with
// optimistic concurrency, so any worker may pick up any scan after a crash.
package catalogscan

import (
	"context"
	"time"

	"github.com/NuGet/Insights-sub012/catalog"
	"github.com/NuGet/Insights-sub012/cursors"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/leases"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/taskstate"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/juju/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

var UpdateResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "catalogscan",
	Name:      "update_results",
}, []string{"driver", "result"})

// CatalogReader is the part of the catalog client the engine needs.
type CatalogReader interface {
	GetIndex(ctx context.Context) (*catalog.Index, error)
	GetPage(ctx context.Context, url string, atLeast time.Time) (*catalog.Page, error)
}

type StartResultType string

const (
	NewStarted                  StartResultType = "NewStarted"
	AlreadyStarted              StartResultType = "AlreadyStarted"
	Disabled                    StartResultType = "Disabled"
	BlockedByDependency         StartResultType = "BlockedByDependency"
	MinAfterMax                 StartResultType = "MinAfterMax"
	FullyCaughtUpWithMax        StartResultType = "FullyCaughtUpWithMax"
	FullyCaughtUpWithDependency StartResultType = "FullyCaughtUpWithDependency"
	UnavailableLease            StartResultType = "UnavailableLease"
)

type StartResult struct {
	Type StartResultType
	// Scan is the new or the running scan.
	Scan       *IndexScan
	Dependency string
}

type ServiceOptions struct {
	// StartLeaseDuration bounds how long a crashed starter blocks others
	// (default: 1m).
	StartLeaseDuration time.Duration
	// OldScansToKeep is how many finished scans per driver are kept for
	// status display (default: 9).
	OldScansToKeep int
	Clock          clock.Clock
	Logger         utils.Logger
}

func (o *ServiceOptions) SetDefaults() {
	if o.StartLeaseDuration == 0 {
		o.StartLeaseDuration = time.Minute
	}
	if o.OldScansToKeep == 0 {
		o.OldScansToKeep = 9
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	o.Logger = utils.OrDefault(o.Logger)
}

type Service struct {
	registry   *Registry
	storage    *Storage
	cursors    *cursors.Service
	leases     *leases.Service
	taskStates *taskstate.Service
	enqueuer   *queues.Enqueuer
	catalog    CatalogReader
	opts       ServiceOptions
}

type Deps struct {
	Registry   *Registry
	Storage    *Storage
	Cursors    *cursors.Service
	Leases     *leases.Service
	TaskStates *taskstate.Service
	Enqueuer   *queues.Enqueuer
	Catalog    CatalogReader
}

func NewService(deps Deps, opts ServiceOptions) *Service {
	opts.SetDefaults()
	return &Service{
		registry:   deps.Registry,
		storage:    deps.Storage,
		cursors:    deps.Cursors,
		leases:     deps.Leases,
		taskStates: deps.TaskStates,
		enqueuer:   deps.Enqueuer,
		catalog:    deps.Catalog,
		opts:       opts,
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func CursorName(driverType DriverType) string {
	return "CatalogScan-" + string(driverType)
}

func (s *Service) GetCursor(ctx context.Context, driverType DriverType) (*cursors.Cursor, error) {
	if _, err := s.registry.Metadata(driverType); err != nil {
		return nil, err
	}
	return s.cursors.GetOrCreate(ctx, CursorName(driverType))
}

// Start is Update that treats a running scan as an error.
func (s *Service) Start(ctx context.Context, driverType DriverType, maxTs time.Time) (*StartResult, error) {
	result, err := s.Update(ctx, driverType, maxTs)
	if err != nil {
		return nil, err
	}
	if result.Type == AlreadyStarted {
		return result, errors.Wrapf(insights_errors.ErrScanAlreadyStarted, "%s scan %s", driverType, result.Scan.ScanID)
	}
	return result, nil
}

// Update starts a scan of driverType over (min, max], unless there is
// nothing to do. Min is the driver's cursor. A zero max means as far as the
// driver's dependencies have scanned, or up to now for a driver without
// dependencies.
func (s *Service) Update(ctx context.Context, driverType DriverType, maxTs time.Time) (*StartResult, error) {
	result, err := s.update(ctx, driverType, maxTs, false)
	if err != nil {
		return nil, err
	}
	UpdateResults.WithLabelValues(string(driverType), string(result.Type)).Inc()
	return result, nil
}

// UpdateAll runs Update for every driver, dependencies first.
func (s *Service) UpdateAll(ctx context.Context, maxTs time.Time) (map[DriverType]*StartResult, error) {
	results := map[DriverType]*StartResult{}
	for _, t := range s.registry.Types() {
		result, err := s.update(ctx, t, maxTs, true)
		if err != nil {
			return results, err
		}
		UpdateResults.WithLabelValues(string(t), string(result.Type)).Inc()
		results[t] = result
		if result.Type == NewStarted {
			s.opts.Logger.InfoCtx(ctx, "started scan", "driver", t, "scan", result.Scan.ScanID, "max", result.Scan.Max)
		} else {
			s.opts.Logger.InfoCtx(ctx, "scan not started", "driver", t, "result", result.Type)
		}
	}
	return results, nil
}

func (s *Service) update(ctx context.Context, driverType DriverType, maxTs time.Time, continueUpdate bool) (*StartResult, error) {
	md, err := s.registry.Metadata(driverType)
	if err != nil {
		return nil, err
	}
	if result, err := s.checkDisabledOrStarted(ctx, driverType, md); result != nil || err != nil {
		return result, err
	}

	cursor, err := s.cursors.GetOrCreate(ctx, CursorName(driverType))
	if err != nil {
		return nil, err
	}
	minTs := md.DefaultMin
	usedDefaultMin := true
	if cursor.Value.After(cursors.DefaultValue) {
		minTs = cursor.Value
		usedDefaultMin = false
	}

	dependency, dependencyValue, err := s.minDependencyCursor(ctx, md)
	if err != nil {
		return nil, err
	}
	if !dependencyValue.After(cursors.DefaultValue) {
		return &StartResult{Type: BlockedByDependency, Dependency: dependency}, nil
	}
	tookDependencyMax := false
	if maxTs.IsZero() {
		maxTs = dependencyValue
		tookDependencyMax = true
	} else if maxTs.After(dependencyValue) {
		return &StartResult{Type: BlockedByDependency, Dependency: dependency}, nil
	}
	if usedDefaultMin && maxTs.Before(minTs) {
		// lets a short run start from the very beginning
		minTs = cursors.DefaultValue
	}
	if minTs.After(maxTs) {
		return &StartResult{Type: MinAfterMax}, nil
	}
	if !tookDependencyMax && minTs.Equal(maxTs) {
		return &StartResult{Type: FullyCaughtUpWithMax}, nil
	}
	if minTs.Equal(dependencyValue) {
		return &StartResult{Type: FullyCaughtUpWithDependency, Dependency: dependency}, nil
	}

	lease, err := s.leases.TryAcquireAutoRenewing(ctx, "Start-"+string(driverType), s.opts.StartLeaseDuration)
	if err != nil {
		return nil, err
	}
	if lease == nil {
		return &StartResult{Type: UnavailableLease}, nil
	}
	defer lease.Close(ctx)
	ctx = lease.Context()

	if result, err := s.checkDisabledOrStarted(ctx, driverType, md); result != nil || err != nil {
		return result, err
	}

	id := utils.NewDescendingID(s.opts.Clock.Now())
	scan := &IndexScan{
		DriverType:       driverType,
		ScanID:           id.String(),
		StorageSuffix:    id.Unique,
		State:            Created,
		CursorName:       cursor.Name,
		Min:              minTs.UTC(),
		Max:              maxTs.UTC(),
		OnlyLatestLeaves: md.OnlyLatestLeaves,
		ContinueUpdate:   continueUpdate,
	}
	s.opts.Logger.InfoCtx(ctx, "starting scan", "driver", driverType, "scan", scan.ScanID, "min", scan.Min, "max", scan.Max)

	// the index processor waits a while for a row that is not there yet
	err = s.enqueuer.Enqueue(ctx, []any{IndexScanMessage{DriverType: driverType, ScanID: scan.ScanID}}, 0)
	if err != nil {
		return nil, err
	}
	if err := s.storage.InsertIndexScan(ctx, scan); err != nil {
		return nil, err
	}
	return &StartResult{Type: NewStarted, Scan: scan}, nil
}

func (s *Service) checkDisabledOrStarted(ctx context.Context, driverType DriverType, md Metadata) (*StartResult, error) {
	if md.Disabled {
		return &StartResult{Type: Disabled}, nil
	}
	scan, err := s.latestIncompleteScan(ctx, driverType)
	if err != nil {
		return nil, err
	}
	if scan != nil {
		return &StartResult{Type: AlreadyStarted, Scan: scan}, nil
	}
	return nil, nil
}

// minDependencyCursor is the furthest this driver may scan. Without
// dependencies it is now, but never past the catalog's last commit.
func (s *Service) minDependencyCursor(ctx context.Context, md Metadata) (string, time.Time, error) {
	if len(md.Dependencies) == 0 {
		index, err := s.catalog.GetIndex(ctx)
		if err != nil {
			return "", time.Time{}, err
		}
		now := s.opts.Clock.Now().UTC()
		if index.CommitTimestamp.Before(now) {
			return "catalog", index.CommitTimestamp.UTC(), nil
		}
		return "catalog", now, nil
	}
	var (
		name  string
		value time.Time
	)
	for _, dep := range md.Dependencies {
		cs, err := s.cursors.Get(ctx, CursorName(dep))
		if err != nil {
			return "", time.Time{}, err
		}
		if name == "" || cs[0].Value.Before(value) {
			name = string(dep)
			value = cs[0].Value
		}
	}
	return name, value, nil
}

func (s *Service) latestIncompleteScan(ctx context.Context, driverType DriverType) (*IndexScan, error) {
	scans, err := s.storage.GetLatestIndexScans(ctx, driverType, 20)
	if err != nil {
		return nil, err
	}
	for _, scan := range scans {
		if !scan.State.IsTerminal() {
			return scan, nil
		}
	}
	return nil, nil
}

// GetLatestScans returns up to n scans of the driver, newest first.
func (s *Service) GetLatestScans(ctx context.Context, driverType DriverType, n int) ([]*IndexScan, error) {
	if _, err := s.registry.Metadata(driverType); err != nil {
		return nil, err
	}
	return s.storage.GetLatestIndexScans(ctx, driverType, n)
}

// Abort stops the running scan of the driver and drops its scratch state.
// The cursor stays where it was. It returns nil if nothing was running.
func (s *Service) Abort(ctx context.Context, driverType DriverType) (*IndexScan, error) {
	driver, err := s.registry.Create(driverType)
	if err != nil {
		return nil, err
	}
	scan, err := s.latestIncompleteScan(ctx, driverType)
	if err != nil || scan == nil {
		return nil, err
	}
	now := s.opts.Clock.Now().UTC()
	scan.State = Aborted
	scan.Completed = &now
	scan.Result = "Aborted"
	if err := s.storage.ReplaceIndexScan(ctx, scan); err != nil {
		return nil, errors.Wrapf(err, "failed to abort %s scan %s", driverType, scan.ScanID)
	}
	if a, ok := driver.(Aborter); ok {
		if err := a.Abort(ctx, scan); err != nil {
			return scan, err
		}
	}
	if err := s.storage.DeleteChildTables(ctx, scan.StorageSuffix); err != nil {
		return scan, err
	}
	if err := s.taskStates.DeleteTable(ctx, scan.StorageSuffix); err != nil {
		return scan, err
	}
	s.opts.Logger.WarnCtx(ctx, "aborted scan", "driver", driverType, "scan", scan.ScanID)
	return scan, nil
}

// Destroy deletes the driver's output and resets its cursor, so the next
// scan starts over from the driver's default min. It fails with
// ErrScanAlreadyStarted while a scan of the driver is running.
func (s *Service) Destroy(ctx context.Context, driverType DriverType) error {
	driver, err := s.registry.Create(driverType)
	if err != nil {
		return err
	}
	lease, err := s.leases.TryAcquireAutoRenewing(ctx, "Start-"+string(driverType), s.opts.StartLeaseDuration)
	if err != nil {
		return err
	}
	if lease == nil {
		return errors.Wrapf(insights_errors.ErrLeaseNotAcquired, "driver %s is being started", driverType)
	}
	defer lease.Close(ctx)
	ctx = lease.Context()

	scan, err := s.latestIncompleteScan(ctx, driverType)
	if err != nil {
		return err
	}
	if scan != nil {
		return errors.Wrapf(insights_errors.ErrScanAlreadyStarted, "scan %s of %s", scan.ScanID, driverType)
	}
	if err := driver.Destroy(ctx); err != nil {
		return errors.Wrapf(err, "failed to destroy %s output", driverType)
	}
	if err := s.cursors.Delete(ctx, CursorName(driverType)); err != nil {
		return err
	}
	s.opts.Logger.WarnCtx(ctx, "destroyed driver output", "driver", driverType)
	return nil
}
