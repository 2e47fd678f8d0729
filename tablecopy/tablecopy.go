// Package tablecopy copies every row of one table into another through the
// work queue, so a large copy is spread over all workers.
package tablecopy

import (
	"context"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/queues"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	RowCopySchema = "trc"
	// MaxRowKeys is how many rows one message copies.
	MaxRowKeys = tables.MaxBatchSize
	pageSize   = 1000
)

var CopiedRows = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "insights",
	Subsystem: "tablecopy",
	Name:      "rows",
}, []string{"destination"})

// RowCopyMessage names rows of one source partition to copy.
type RowCopyMessage struct {
	Source       string   `json:"s"`
	Destination  string   `json:"d"`
	PartitionKey string   `json:"p"`
	RowKeys      []string `json:"r"`
}

func RegisterMessages(s *queues.Serializer) {
	queues.Register[RowCopyMessage](s, RowCopySchema, 1, queues.Work, false)
}

type Service struct {
	store    tables.Store
	enqueuer *queues.Enqueuer
	logger   utils.Logger
}

func NewService(store tables.Store, enqueuer *queues.Enqueuer, logger utils.Logger) *Service {
	return &Service{store: store, enqueuer: enqueuer, logger: utils.OrDefault(logger)}
}

// Enqueue creates dst and sends copy messages covering every row of src.
// It returns how many rows were enqueued. Rows written to src afterwards
// are not copied.
func (s *Service) Enqueue(ctx context.Context, src, dst string) (int, error) {
	if src == dst {
		return 0, errors.Wrapf(insights_errors.ErrInvalidKey, "cannot copy %s onto itself", src)
	}
	exists, err := s.store.TableExists(ctx, src)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Wrapf(insights_errors.ErrTableNotFound, "%s", src)
	}
	if err := s.store.CreateTable(ctx, dst); err != nil {
		return 0, err
	}
	partitions, err := s.store.ListPartitions(ctx, src)
	if err != nil {
		return 0, err
	}
	var messages []any
	total := 0
	for _, pk := range partitions {
		rows, err := tables.QueryAll(ctx, s.store, src, tables.Query{PartitionKey: pk}, pageSize)
		if err != nil {
			return 0, err
		}
		for start := 0; start < len(rows); start += MaxRowKeys {
			end := min(start+MaxRowKeys, len(rows))
			keys := make([]string, 0, end-start)
			for _, row := range rows[start:end] {
				keys = append(keys, row.RowKey)
			}
			messages = append(messages, RowCopyMessage{Source: src, Destination: dst, PartitionKey: pk, RowKeys: keys})
		}
		total += len(rows)
	}
	s.logger.InfoCtx(ctx, "enqueueing table copy", "source", src, "destination", dst,
		"partitions", len(partitions), "rows", total, "messages", len(messages))
	if err := s.enqueuer.Enqueue(ctx, messages, 0); err != nil {
		return 0, err
	}
	return total, nil
}

// RowCopyProcessor upserts the named rows into the destination in one
// batch. Rows deleted from the source since the message was sent are
// skipped.
type RowCopyProcessor struct {
	s *Service
}

func NewRowCopyProcessor(s *Service) *RowCopyProcessor {
	return &RowCopyProcessor{s: s}
}

func (p *RowCopyProcessor) Process(ctx context.Context, msg RowCopyMessage, dequeueCount int) error {
	if len(msg.RowKeys) == 0 {
		return nil
	}
	if len(msg.RowKeys) > MaxRowKeys {
		return errors.Wrapf(insights_errors.ErrBatchTooLarge, "%d row keys", len(msg.RowKeys))
	}
	ops := make([]tables.Operation, 0, len(msg.RowKeys))
	for _, rk := range msg.RowKeys {
		row, err := p.s.store.Get(ctx, msg.Source, msg.PartitionKey, rk)
		if errors.Is(err, insights_errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ops = append(ops, tables.Upsert(tables.Row{PartitionKey: row.PartitionKey, RowKey: row.RowKey, Value: row.Value}))
	}
	if len(ops) == 0 {
		return nil
	}
	if _, err := p.s.store.Submit(ctx, msg.Destination, ops); err != nil {
		return errors.Wrapf(err, "failed to copy %d rows of %s/%s to %s", len(ops), msg.Source, msg.PartitionKey, msg.Destination)
	}
	CopiedRows.WithLabelValues(msg.Destination).Add(float64(len(ops)))
	return nil
}
