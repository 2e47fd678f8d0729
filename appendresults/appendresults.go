// Package appendresults stores driver output in two phases. Append writes
// small compressed chunks to a scratch table, spread over buckets by a
// stable hash of each record's bucket key, and never reads. Compact later
// folds one bucket's chunks and the previous compacted artifact into a
// single pruned, sorted CSV blob.
//
// Appending is idempotent under retries because compaction prunes
// duplicates away.
package appendresults

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/NuGet/Insights-sub012/blobs"
	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/records"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/cespare/xxhash"
	"github.com/juju/clock"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	markerPartition = "buckets"
	// chunk row keys are unique, a collision means a broken clock
	maxChunkInsertAttempts = 3
)

var AppendedRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "appendresults",
	Name:      "appended_records",
}, []string{"table"})

var AppendSplits = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "appendresults",
	Name:      "splits",
})

var CompactedRecords = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "insights",
	Subsystem: "appendresults",
	Name:      "compacted_records",
	Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
})

// PruneFunc reduces records to the ones worth keeping. isFinal is set on
// the last call before the artifact is written.
type PruneFunc[T records.Record] func(items []T, isFinal bool) []T

type Options struct {
	// PruneThreshold is the working set size that triggers an intermediate
	// prune while chunks are read (default: 50000).
	PruneThreshold int
	// QueryPageSize is how many chunk rows are read at once (default: 100).
	QueryPageSize int
	Clock         clock.Clock
	Logger        utils.Logger
}

func (o *Options) SetDefaults() {
	if o.PruneThreshold == 0 {
		o.PruneThreshold = 50000
	}
	if o.QueryPageSize == 0 {
		o.QueryPageSize = 100
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	o.Logger = utils.OrDefault(o.Logger)
}

type Service[T records.Record] struct {
	tables    tables.Store
	blobs     blobs.Store
	newRecord func() T
	opts      Options
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

// NewService needs newRecord to allocate empty records for decoding.
func NewService[T records.Record](ts tables.Store, bs blobs.Store, newRecord func() T, opts Options) (*Service[T], error) {
	opts.SetDefaults()
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, errors.Wrap(err, "zstd encoder")
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, errors.Wrap(err, "zstd decoder")
	}
	return &Service[T]{
		tables:    ts,
		blobs:     bs,
		newRecord: newRecord,
		opts:      opts,
		encoder:   encoder,
		decoder:   decoder,
	}, nil
}

// BucketOf maps a bucket key to a bucket with a hash that is stable across
// processes and releases.
func BucketOf(bucketKey string, bucketCount int) int {
	return int(xxhash.Sum64String(bucketKey) % uint64(bucketCount))
}

func CompactBlobName(bucket int) string {
	return fmt.Sprintf("compact_%d.csv.zst", bucket)
}

func bucketRowKey(bucket int) string {
	return fmt.Sprintf("%06d", bucket)
}

func (s *Service[T]) Initialize(ctx context.Context, table string) error {
	return s.tables.CreateTable(ctx, table)
}

func (s *Service[T]) DeleteTable(ctx context.Context, table string) error {
	return s.tables.DeleteTable(ctx, table)
}

// Append writes items to their buckets. A bucket's chunk that is too large
// for one row is split in half until it fits.
func (s *Service[T]) Append(ctx context.Context, table string, bucketCount int, items []T) error {
	if bucketCount <= 0 {
		return errors.Errorf("appendresults: bucket count %d", bucketCount)
	}
	var order []int
	buckets := map[int][]T{}
	for _, item := range items {
		b := BucketOf(item.BucketKey(), bucketCount)
		if _, ok := buckets[b]; !ok {
			order = append(order, b)
		}
		buckets[b] = append(buckets[b], item)
	}
	for _, b := range order {
		if err := s.markBucket(ctx, table, b); err != nil {
			return err
		}
		if err := s.appendChunk(ctx, table, b, buckets[b]); err != nil {
			return err
		}
	}
	AppendedRecords.WithLabelValues(table).Add(float64(len(items)))
	return nil
}

func (s *Service[T]) markBucket(ctx context.Context, table string, bucket int) error {
	_, err := s.tables.Insert(ctx, table, tables.Row{PartitionKey: markerPartition, RowKey: bucketRowKey(bucket)})
	if errors.Is(err, insights_errors.ErrConflict) {
		return nil
	}
	return err
}

func (s *Service[T]) appendChunk(ctx context.Context, table string, bucket int, items []T) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	value := s.encoder.EncodeAll(data, nil)
	for attempt := 1; ; attempt++ {
		row := tables.Row{
			PartitionKey: strconv.Itoa(bucket),
			RowKey:       utils.NewDescendingID(s.opts.Clock.Now()).String(),
			Value:        value,
		}
		_, err = s.tables.Insert(ctx, table, row)
		if errors.Is(err, insights_errors.ErrConflict) && attempt < maxChunkInsertAttempts {
			continue
		}
		break
	}
	if errors.Is(err, insights_errors.ErrTooLarge) && len(items) >= 2 {
		AppendSplits.Inc()
		half := len(items) / 2
		s.opts.Logger.DebugCtx(ctx, "splitting oversized chunk", "table", table, "bucket", bucket, "count", len(items))
		if err := s.appendChunk(ctx, table, bucket, items[:half]); err != nil {
			return err
		}
		return s.appendChunk(ctx, table, bucket, items[half:])
	}
	if err != nil {
		return errors.Wrapf(err, "failed to append %d records to bucket %d of %s", len(items), bucket, table)
	}
	return nil
}

// GetAppendedBuckets lists the buckets that received at least one append.
func (s *Service[T]) GetAppendedBuckets(ctx context.Context, table string) ([]int, error) {
	rows, err := tables.QueryAll(ctx, s.tables, table, tables.Query{PartitionKey: markerPartition}, 1000)
	if err != nil {
		return nil, err
	}
	buckets := make([]int, 0, len(rows))
	for _, row := range rows {
		b, err := strconv.Atoi(row.RowKey)
		if err != nil {
			return nil, errors.Wrapf(err, "bad bucket marker %q", row.RowKey)
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// Compact folds the chunks of one bucket into the CSV artifact in
// container. With mergeExisting the previous artifact is read back first,
// so a scan can extend the result of earlier scans.
func (s *Service[T]) Compact(ctx context.Context, table, container string, bucket int, mergeExisting bool, prune PruneFunc[T]) error {
	var working []T
	if mergeExisting {
		existing, err := s.readArtifact(ctx, container, bucket)
		if err != nil {
			return err
		}
		working = existing
	}

	q := tables.Query{PartitionKey: strconv.Itoa(bucket)}
	for {
		page := q
		page.Limit = s.opts.QueryPageSize
		rows, err := s.tables.Query(ctx, table, page)
		if errors.Is(err, insights_errors.ErrTableNotFound) {
			break
		}
		if err != nil {
			return err
		}
		for _, row := range rows {
			items, err := s.decodeChunk(row.Value)
			if err != nil {
				return errors.Wrapf(err, "chunk %s in bucket %d of %s", row.RowKey, bucket, table)
			}
			working = append(working, items...)
		}
		if len(working) > s.opts.PruneThreshold {
			working = prune(working, false)
		}
		if len(rows) < s.opts.QueryPageSize {
			break
		}
		q.MinRowKey = rows[len(rows)-1].RowKey + "\x01"
	}

	final := prune(working, true)
	data, err := s.encodeCSV(final)
	if err != nil {
		return err
	}
	if err := s.blobs.CreateContainer(ctx, container); err != nil {
		return err
	}
	if err := s.blobs.Put(ctx, container, CompactBlobName(bucket), s.encoder.EncodeAll(data, nil)); err != nil {
		return errors.Wrapf(err, "failed to write %s/%s", container, CompactBlobName(bucket))
	}
	CompactedRecords.Observe(float64(len(final)))
	s.opts.Logger.InfoCtx(ctx, "compacted bucket", "table", table, "container", container, "bucket", bucket, "records", len(final))
	return nil
}

func (s *Service[T]) decodeChunk(value []byte) ([]T, error) {
	data, err := s.decoder.DecodeAll(value, nil)
	if err != nil {
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	items := make([]T, 0, len(raw))
	for _, r := range raw {
		item := s.newRecord()
		if err := json.Unmarshal(r, item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ReadArtifact returns the records of a compacted bucket, or nothing if
// the bucket was never compacted.
func (s *Service[T]) ReadArtifact(ctx context.Context, container string, bucket int) ([]T, error) {
	return s.readArtifact(ctx, container, bucket)
}

func (s *Service[T]) readArtifact(ctx context.Context, container string, bucket int) ([]T, error) {
	compressed, err := s.blobs.Get(ctx, container, CompactBlobName(bucket))
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decompress %s/%s", container, CompactBlobName(bucket))
	}
	r := csv.NewReader(bytes.NewReader(data))
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, err
	}
	var items []T
	for {
		fields, err := r.Read()
		if err == io.EOF {
			return items, nil
		}
		if err != nil {
			return nil, err
		}
		item := s.newRecord()
		if err := item.FromCSV(fields); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
}

func (s *Service[T]) encodeCSV(items []T) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(s.newRecord().CSVHeader()); err != nil {
		return nil, err
	}
	for _, item := range items {
		if err := w.Write(item.CSVFields()); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
