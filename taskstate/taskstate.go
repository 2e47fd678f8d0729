// Package taskstate tracks outstanding units of work as table rows. A
// process adds one row per unit, workers delete their row when done, and
// the coordinator polls the count until it drops to zero.
package taskstate

import (
	"context"
	"encoding/json"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/juju/clock"
	"github.com/pkg/errors"
)

const tablePrefix = "taskstate"

func TableName(storageSuffix string) string {
	return tablePrefix + storageSuffix
}

type TaskState struct {
	StorageSuffix string
	PartitionKey  string
	RowKey        string
	Parameters    string
	Started       time.Time
	ETag          string
}

type taskValue struct {
	Parameters string    `json:"p,omitempty"`
	Started    time.Time `json:"s"`
}

func fromRow(suffix string, row *tables.Row) (*TaskState, error) {
	var v taskValue
	if err := json.Unmarshal(row.Value, &v); err != nil {
		return nil, errors.Wrapf(err, "malformed task state %s/%s", row.PartitionKey, row.RowKey)
	}
	return &TaskState{
		StorageSuffix: suffix,
		PartitionKey:  row.PartitionKey,
		RowKey:        row.RowKey,
		Parameters:    v.Parameters,
		Started:       v.Started,
		ETag:          row.ETag,
	}, nil
}

type Options struct {
	Clock  clock.Clock
	Logger utils.Logger
}

type Service struct {
	store  tables.Store
	clock  clock.Clock
	logger utils.Logger
}

func NewService(store tables.Store, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Service{store: store, clock: opts.Clock, logger: utils.OrDefault(opts.Logger)}
}

func (s *Service) Initialize(ctx context.Context, storageSuffix string) error {
	return s.store.CreateTable(ctx, TableName(storageSuffix))
}

func (s *Service) DeleteTable(ctx context.Context, storageSuffix string) error {
	return s.store.DeleteTable(ctx, TableName(storageSuffix))
}

// Add inserts a row for each key that does not have one yet and returns
// how many were inserted. Existing rows are left untouched.
func (s *Service) Add(ctx context.Context, storageSuffix, partitionKey string, rowKeys []string) (int, error) {
	return s.AddWithParameters(ctx, storageSuffix, partitionKey, rowKeys, "")
}

func (s *Service) AddWithParameters(ctx context.Context, storageSuffix, partitionKey string, rowKeys []string, parameters string) (int, error) {
	table := TableName(storageSuffix)
	existing, err := s.GetAll(ctx, storageSuffix, partitionKey)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing)+len(rowKeys))
	for _, t := range existing {
		seen[t.RowKey] = true
	}
	data, _ := json.Marshal(taskValue{Parameters: parameters, Started: s.clock.Now().UTC()})
	var ops []tables.Operation
	for _, rk := range rowKeys {
		if seen[rk] {
			continue
		}
		seen[rk] = true
		ops = append(ops, tables.Insert(tables.Row{PartitionKey: partitionKey, RowKey: rk, Value: data}))
	}

	added := 0
	for start := 0; start < len(ops); start += tables.MaxBatchSize {
		batch := ops[start:min(start+tables.MaxBatchSize, len(ops))]
		_, err := s.store.Submit(ctx, table, batch)
		if err == nil {
			added += len(batch)
			continue
		}
		if !errors.Is(err, insights_errors.ErrConflict) {
			return added, err
		}
		// someone else added some of these rows meanwhile
		for _, op := range batch {
			_, err := s.store.Insert(ctx, table, op.Row)
			if errors.Is(err, insights_errors.ErrConflict) {
				continue
			}
			if err != nil {
				return added, err
			}
			added++
		}
	}
	if added > 0 {
		s.logger.DebugCtx(ctx, "added task states", "table", table, "partition", partitionKey, "count", added)
	}
	return added, nil
}

func (s *Service) Get(ctx context.Context, storageSuffix, partitionKey, rowKey string) (*TaskState, error) {
	row, err := s.store.Get(ctx, TableName(storageSuffix), partitionKey, rowKey)
	if err != nil {
		return nil, err
	}
	return fromRow(storageSuffix, row)
}

func (s *Service) GetAll(ctx context.Context, storageSuffix, partitionKey string) ([]*TaskState, error) {
	rows, err := tables.QueryAll(ctx, s.store, TableName(storageSuffix), tables.Query{PartitionKey: partitionKey}, 1000)
	if err != nil {
		return nil, err
	}
	out := make([]*TaskState, 0, len(rows))
	for i := range rows {
		t, err := fromRow(storageSuffix, &rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete removes the row. A row that is already gone is not an error,
// completion messages may be delivered twice.
func (s *Service) Delete(ctx context.Context, t *TaskState) error {
	err := s.store.Delete(ctx, TableName(t.StorageSuffix), t.PartitionKey, t.RowKey, "")
	if errors.Is(err, insights_errors.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) Count(ctx context.Context, storageSuffix, partitionKey string) (int, error) {
	rows, err := tables.QueryAll(ctx, s.store, TableName(storageSuffix), tables.Query{PartitionKey: partitionKey}, 1000)
	return len(rows), err
}
