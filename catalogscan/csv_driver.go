package catalogscan

import (
	"context"
	"strconv"
	"strings"

	"github.com/NuGet/Insights-sub012/appendresults"
	"github.com/NuGet/Insights-sub012/blobs"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/records"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/taskstate"
	"github.com/pkg/errors"
)

// CsvDriver turns catalog leaves into records which end up in compacted
// CSV artifacts, one per bucket, in ResultContainer.
type CsvDriver[T records.Record] interface {
	ResultContainer() string
	BucketCount() int
	NewRecord() T
	Initialize(ctx context.Context) error
	ProcessLeaf(ctx context.Context, leaf *LeafScan) Result[[]T]
	Prune(items []T, isFinal bool) []T
	Destroy(ctx context.Context) error
}

// CsvDeps are the shared services a CSV driver adapter writes through.
type CsvDeps struct {
	Tables     tables.Store
	Blobs      blobs.Store
	TaskStates *taskstate.Service
	Enqueuer   *queues.Enqueuer
	Append     appendresults.Options
}

type csvDriverAdapter[T records.Record] struct {
	driverType DriverType
	driver     CsvDriver[T]
	results    *appendresults.Service[T]
	blobs      blobs.Store
	taskStates *taskstate.Service
	enqueuer   *queues.Enqueuer
}

// NewCsvDriverAdapter wraps a CSV driver into an engine driver. Records are
// appended to a scratch table per scan; aggregation compacts every bucket
// that received records, one compaction message per bucket.
func NewCsvDriverAdapter[T records.Record](driverType DriverType, driver CsvDriver[T], deps CsvDeps) (Driver, error) {
	results, err := appendresults.NewService[T](deps.Tables, deps.Blobs, driver.NewRecord, deps.Append)
	if err != nil {
		return nil, errors.Wrapf(err, "driver %s", driverType)
	}
	return &csvDriverAdapter[T]{
		driverType: driverType,
		driver:     driver,
		results:    results,
		blobs:      deps.Blobs,
		taskStates: deps.TaskStates,
		enqueuer:   deps.Enqueuer,
	}, nil
}

func (a *csvDriverAdapter[T]) appendTable(storageSuffix string) string {
	return "csv" + strings.ToLower(string(a.driverType)) + storageSuffix
}

func (a *csvDriverAdapter[T]) Initialize(ctx context.Context, scan *IndexScan) error {
	if err := a.driver.Initialize(ctx); err != nil {
		return err
	}
	return a.results.Initialize(ctx, a.appendTable(scan.StorageSuffix))
}

func (a *csvDriverAdapter[T]) ProcessLeaf(ctx context.Context, leaf *LeafScan) DriverResult {
	result := a.driver.ProcessLeaf(ctx, leaf)
	switch result.Kind {
	case ResultTryAgainLater:
		return TryAgainLater[struct{}]()
	case ResultFailure:
		return Failure[struct{}](result.Err)
	}
	if len(result.Value) > 0 {
		err := a.results.Append(ctx, a.appendTable(leaf.StorageSuffix), a.driver.BucketCount(), result.Value)
		if err != nil {
			return Failure[struct{}](err)
		}
	}
	return Success(struct{}{})
}

func (a *csvDriverAdapter[T]) StartAggregate(ctx context.Context, scan *IndexScan) error {
	buckets, err := a.results.GetAppendedBuckets(ctx, a.appendTable(scan.StorageSuffix))
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(buckets))
	messages := make([]any, 0, len(buckets))
	for _, b := range buckets {
		keys = append(keys, strconv.Itoa(b))
		messages = append(messages, CompactionMessage{
			DriverType:    a.driverType,
			ScanID:        scan.ScanID,
			StorageSuffix: scan.StorageSuffix,
			Bucket:        b,
		})
	}
	if _, err := a.taskStates.Add(ctx, scan.StorageSuffix, scan.ScanID, keys); err != nil {
		return err
	}
	return a.enqueuer.Enqueue(ctx, messages, 0)
}

func (a *csvDriverAdapter[T]) IsAggregateComplete(ctx context.Context, scan *IndexScan) (bool, error) {
	n, err := a.taskStates.Count(ctx, scan.StorageSuffix, scan.ScanID)
	return n == 0, err
}

func (a *csvDriverAdapter[T]) Finalize(ctx context.Context, scan *IndexScan) error {
	return a.results.DeleteTable(ctx, a.appendTable(scan.StorageSuffix))
}

func (a *csvDriverAdapter[T]) Abort(ctx context.Context, scan *IndexScan) error {
	return a.results.DeleteTable(ctx, a.appendTable(scan.StorageSuffix))
}

// Destroy drops the compacted artifacts along with whatever the driver
// keeps on its own.
func (a *csvDriverAdapter[T]) Destroy(ctx context.Context) error {
	if err := a.blobs.DeleteContainer(ctx, a.driver.ResultContainer()); err != nil {
		return errors.Wrapf(err, "failed to delete %s output", a.driverType)
	}
	return a.driver.Destroy(ctx)
}

// CompactBucket merges the bucket's appended records into the existing
// artifact, so the output accumulates across scans.
func (a *csvDriverAdapter[T]) CompactBucket(ctx context.Context, msg CompactionMessage) error {
	err := a.results.Compact(ctx, a.appendTable(msg.StorageSuffix), a.driver.ResultContainer(), msg.Bucket, true, a.driver.Prune)
	if err != nil {
		return errors.Wrapf(err, "failed to compact bucket %d of %s scan %s", msg.Bucket, msg.DriverType, msg.ScanID)
	}
	return nil
}

// ReadArtifact returns the compacted records of one bucket of a CSV driver.
func ReadArtifact[T records.Record](ctx context.Context, d Driver, bucket int) ([]T, error) {
	a, ok := d.(*csvDriverAdapter[T])
	if !ok {
		return nil, errors.Errorf("driver %T does not produce %T records", d, *new(T))
	}
	return a.results.ReadArtifact(ctx, a.driver.ResultContainer(), bucket)
}
