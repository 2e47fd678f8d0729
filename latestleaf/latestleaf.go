// Package latestleaf keeps, per entity, only the row with the newest
// commit timestamp. Concurrent writers race through optimistic
// concurrency: inserts conflict and replaces are conditional on the ETag,
// and the loser re-reads and tries again.
package latestleaf

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultMaxAttempts = 5

var RowCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "latestleaf",
	Name:      "rows",
}, []string{"table", "result"})

// Storage maps items of one entity kind onto rows.
type Storage[T any] interface {
	Table() string
	RowKey(item T) string
	CommitTimestamp(item T) time.Time
	Value(item T) ([]byte, error)
	// CommitTimestampOf reads only the commit timestamp of a stored row.
	CommitTimestampOf(value []byte) (time.Time, error)
}

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Clock       clock.Clock
	Logger      utils.Logger
}

func (o *Options) SetDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 10 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	o.Logger = utils.OrDefault(o.Logger)
}

type Service[T any] struct {
	store tables.Store
	opts  Options
}

func NewService[T any](store tables.Store, opts Options) *Service[T] {
	opts.SetDefaults()
	return &Service[T]{store: store, opts: opts}
}

// Add writes the items of one partition, keeping for every row key the
// newest commit timestamp among the stored row and the items. The whole
// read-compare-write sequence is retried on a lost race.
func (s *Service[T]) Add(ctx context.Context, partitionKey string, items []T, storage Storage[T]) error {
	if len(items) == 0 {
		return nil
	}
	latest := dedup(items, storage)
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = s.tryAdd(ctx, partitionKey, latest, storage)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			lost := insights_errors.IsRetryableStorage(err) || errors.Is(err, insights_errors.ErrNotFound)
			return !lost || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			s.opts.Logger.DebugCtx(ctx, "latest leaf upsert lost a race", "table", storage.Table(), "partition", partitionKey, "attempt", attempt, "err", err)
		},
		Attempts: s.opts.MaxAttempts,
		Delay:    s.opts.RetryDelay,
		Clock:    s.opts.Clock,
	})
	if retry.IsAttemptsExceeded(err) {
		return lastErr
	}
	return err
}

// dedup keeps the newest item per row key and sorts by row key.
func dedup[T any](items []T, storage Storage[T]) []T {
	byKey := make(map[string]T, len(items))
	for _, item := range items {
		key := storage.RowKey(item)
		if prev, ok := byKey[key]; !ok || storage.CommitTimestamp(item).After(storage.CommitTimestamp(prev)) {
			byKey[key] = item
		}
	}
	out := make([]T, 0, len(byKey))
	for _, item := range byKey {
		out = append(out, item)
	}
	slices.SortFunc(out, func(a, b T) int {
		return cmp.Compare(storage.RowKey(a), storage.RowKey(b))
	})
	return out
}

func (s *Service[T]) tryAdd(ctx context.Context, partitionKey string, items []T, storage Storage[T]) error {
	table := storage.Table()
	existing, err := tables.QueryAll(ctx, s.store, table, tables.Query{
		PartitionKey: partitionKey,
		MinRowKey:    storage.RowKey(items[0]),
		MaxRowKey:    storage.RowKey(items[len(items)-1]),
	}, 1000)
	if err != nil {
		return err
	}
	type current struct {
		etag   string
		commit time.Time
	}
	stored := make(map[string]current, len(existing))
	for _, row := range existing {
		commit, err := storage.CommitTimestampOf(row.Value)
		if err != nil {
			return errors.Wrapf(err, "row %s/%s of %s", row.PartitionKey, row.RowKey, table)
		}
		stored[row.RowKey] = current{etag: row.ETag, commit: commit}
	}

	var ops []tables.Operation
	ignored := 0
	for _, item := range items {
		key := storage.RowKey(item)
		value, err := storage.Value(item)
		if err != nil {
			return err
		}
		row := tables.Row{PartitionKey: partitionKey, RowKey: key, Value: value}
		cur, ok := stored[key]
		switch {
		case !ok:
			ops = append(ops, tables.Insert(row))
		case storage.CommitTimestamp(item).After(cur.commit):
			row.ETag = cur.etag
			ops = append(ops, tables.Replace(row))
		default:
			ignored++
		}
	}

	for start := 0; start < len(ops); start += tables.MaxBatchSize {
		batch := ops[start:min(start+tables.MaxBatchSize, len(ops))]
		if _, err := s.store.Submit(ctx, table, batch); err != nil {
			return err
		}
		for _, op := range batch {
			if op.Type == tables.OpInsert {
				RowCount.WithLabelValues(table, "added").Inc()
			} else {
				RowCount.WithLabelValues(table, "updated").Inc()
			}
		}
	}
	RowCount.WithLabelValues(table, "ignored").Add(float64(ignored))
	return nil
}
