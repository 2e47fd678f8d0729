package catalogscan

import (
	"context"
	"regexp"
	"slices"
	"sync"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// DriverType names a driver. It is used in table names, so it is
// alphanumeric.
type DriverType string

type ResultKind int

const (
	ResultSuccess ResultKind = iota
	ResultTryAgainLater
	ResultFailure
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "Success"
	case ResultTryAgainLater:
		return "TryAgainLater"
	case ResultFailure:
		return "Failure"
	}
	return "Unknown"
}

// Result is what processing one leaf yields. TryAgainLater is not an
// error: the driver ran out of some local resource and the leaf comes back
// later without counting as a failed attempt.
type Result[T any] struct {
	Kind  ResultKind
	Value T
	Err   error
}

func Success[T any](value T) Result[T] {
	return Result[T]{Kind: ResultSuccess, Value: value}
}

func TryAgainLater[T any]() Result[T] {
	return Result[T]{Kind: ResultTryAgainLater}
}

func Failure[T any](err error) Result[T] {
	return Result[T]{Kind: ResultFailure, Err: err}
}

type DriverResult = Result[struct{}]

// Driver is the engine side contract of a scan type.
type Driver interface {
	// Initialize prepares output storage. It runs once per scan and must be
	// idempotent.
	Initialize(ctx context.Context, scan *IndexScan) error
	ProcessLeaf(ctx context.Context, leaf *LeafScan) DriverResult
	StartAggregate(ctx context.Context, scan *IndexScan) error
	IsAggregateComplete(ctx context.Context, scan *IndexScan) (bool, error)
	Finalize(ctx context.Context, scan *IndexScan) error
	// Destroy tears down output storage when the scan type is removed.
	Destroy(ctx context.Context) error
}

// BatchDriverResult lists the leaves that did not succeed. Leaves not
// listed are done.
type BatchDriverResult struct {
	Failed        []*LeafScan
	TryAgainLater []*LeafScan
}

// BatchDriver processes all leaves of one package id in one call.
type BatchDriver interface {
	Driver
	ProcessLeaves(ctx context.Context, leaves []*LeafScan) (BatchDriverResult, error)
}

// Aborter is implemented by drivers holding per-scan scratch state that
// must go when a scan is aborted.
type Aborter interface {
	Abort(ctx context.Context, scan *IndexScan) error
}

// Compactor is implemented by drivers aggregating through compaction
// messages.
type Compactor interface {
	CompactBucket(ctx context.Context, msg CompactionMessage) error
}

type Metadata struct {
	Factory func() Driver
	// Dependencies must have scanned at least as far as this driver's max.
	Dependencies []DriverType
	// DefaultMin is the min of the first scan.
	DefaultMin       time.Time
	OnlyLatestLeaves bool
	Disabled         bool
}

var driverTypeRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]{0,39}$`)

// Registry maps driver types to their metadata. Drivers are created once
// and shared.
type Registry struct {
	mu        sync.RWMutex
	metadata  map[DriverType]Metadata
	order     []DriverType
	instances *xsync.MapOf[DriverType, Driver]
}

func NewRegistry() *Registry {
	return &Registry{
		metadata:  map[DriverType]Metadata{},
		instances: xsync.NewMapOf[DriverType, Driver](),
	}
}

// Register panics on a malformed or duplicate type, both are wiring bugs.
func (r *Registry) Register(t DriverType, md Metadata) {
	if !driverTypeRe.MatchString(string(t)) {
		panic("catalogscan: malformed driver type " + string(t))
	}
	if md.Factory == nil {
		panic("catalogscan: no factory for driver type " + string(t))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.metadata[t]; ok {
		panic("catalogscan: duplicate driver type " + string(t))
	}
	r.metadata[t] = md
	r.order = append(r.order, t)
}

func (r *Registry) Metadata(t DriverType) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	md, ok := r.metadata[t]
	if !ok {
		return Metadata{}, errors.Wrapf(insights_errors.ErrUnknownDriver, "%q", t)
	}
	return md, nil
}

func (r *Registry) Create(t DriverType) (Driver, error) {
	md, err := r.Metadata(t)
	if err != nil {
		return nil, err
	}
	d, _ := r.instances.LoadOrCompute(t, md.Factory)
	return d, nil
}

func (r *Registry) Dependencies(t DriverType) ([]DriverType, error) {
	md, err := r.Metadata(t)
	if err != nil {
		return nil, err
	}
	return slices.Clone(md.Dependencies), nil
}

// Types lists the registered types, dependencies first.
func (r *Registry) Types() []DriverType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []DriverType
	seen := map[DriverType]bool{}
	var visit func(t DriverType)
	visit = func(t DriverType) {
		if seen[t] {
			return
		}
		seen[t] = true
		for _, dep := range r.metadata[t].Dependencies {
			if _, ok := r.metadata[dep]; ok {
				visit(dep)
			}
		}
		out = append(out, t)
	}
	for _, t := range r.order {
		visit(t)
	}
	return out
}
