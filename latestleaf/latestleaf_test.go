package latestleaf

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/tables"
	"github.com/NuGet/Insights-sub012/testutils"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type leaf struct {
	Version string    `json:"v"`
	Commit  time.Time `json:"c"`
	URL     string    `json:"u"`
}

type leafStorage struct{}

func (leafStorage) Table() string                    { return "latestleaves" }
func (leafStorage) RowKey(l leaf) string             { return l.Version }
func (leafStorage) CommitTimestamp(l leaf) time.Time { return l.Commit }
func (leafStorage) Value(l leaf) ([]byte, error)     { return json.Marshal(l) }
func (leafStorage) CommitTimestampOf(value []byte) (time.Time, error) {
	var l leaf
	err := json.Unmarshal(value, &l)
	return l.Commit, err
}

var base = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

func at(seconds int) time.Time {
	return base.Add(time.Duration(seconds) * time.Second)
}

func newTestService(t *testing.T) (*Service[leaf], tables.Store) {
	store := tables.NewPebbleStore(testutils.OpenMemDB(t), tables.PebbleOptions{})
	require.NoError(t, store.CreateTable(context.Background(), "latestleaves"))
	return NewService[leaf](store, Options{Logger: utils.Discard, RetryDelay: time.Millisecond}), store
}

func stored(t *testing.T, store tables.Store, pk string) map[string]leaf {
	rows, err := store.Query(context.Background(), "latestleaves", tables.Query{PartitionKey: pk})
	require.NoError(t, err)
	out := map[string]leaf{}
	for _, row := range rows {
		var l leaf
		require.NoError(t, json.Unmarshal(row.Value, &l))
		out[row.RowKey] = l
	}
	return out
}

func TestAdd_KeepsNewest(t *testing.T) {
	ctx := context.Background()
	s, store := newTestService(t)

	require.NoError(t, s.Add(ctx, "pkg", []leaf{
		{Version: "1.0.0", Commit: at(10), URL: "a"},
		{Version: "1.0.0", Commit: at(5), URL: "older-in-batch"},
		{Version: "2.0.0", Commit: at(10), URL: "b"},
	}, leafStorage{}))
	require.NoError(t, s.Add(ctx, "pkg", []leaf{
		{Version: "1.0.0", Commit: at(20), URL: "newer"},
		{Version: "2.0.0", Commit: at(1), URL: "stale"},
		{Version: "3.0.0", Commit: at(1), URL: "c"},
	}, leafStorage{}))

	got := stored(t, store, "pkg")
	assert.Equal(t, "newer", got["1.0.0"].URL)
	assert.Equal(t, "b", got["2.0.0"].URL)
	assert.Equal(t, "c", got["3.0.0"].URL)
	assert.Empty(t, stored(t, store, "other"))
}

func TestAdd_ManyRowsSpanBatches(t *testing.T) {
	ctx := context.Background()
	s, store := newTestService(t)

	var items []leaf
	for i := 0; i < 250; i++ {
		items = append(items, leaf{Version: fmt.Sprintf("1.0.%03d", i), Commit: at(i)})
	}
	require.NoError(t, s.Add(ctx, "pkg", items, leafStorage{}))
	assert.Len(t, stored(t, store, "pkg"), 250)
}

func TestAdd_ConcurrentWritersConvergeOnNewest(t *testing.T) {
	ctx := context.Background()
	s, store := newTestService(t)
	s.opts.MaxAttempts = 50

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var items []leaf
			for v := 0; v < 20; v++ {
				items = append(items, leaf{Version: fmt.Sprintf("1.0.%d", v), Commit: at(w*100 + v), URL: fmt.Sprint(w)})
			}
			errs[w] = s.Add(ctx, "pkg", items, leafStorage{})
		}(w)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	got := stored(t, store, "pkg")
	require.Len(t, got, 20)
	for _, l := range got {
		assert.Equal(t, "7", l.URL)
	}
}

type alwaysStale struct {
	tables.Store
	submits int
}

func (a *alwaysStale) Submit(ctx context.Context, table string, ops []tables.Operation) ([]string, error) {
	a.submits++
	return nil, insights_errors.ErrPreconditionFailed
}

func TestAdd_GivesUpAfterMaxAttempts(t *testing.T) {
	_, store := newTestService(t)
	stale := &alwaysStale{Store: store}
	s := NewService[leaf](stale, Options{Logger: utils.Discard, RetryDelay: time.Millisecond})

	err := s.Add(context.Background(), "pkg", []leaf{{Version: "1.0.0", Commit: at(1)}}, leafStorage{})
	assert.ErrorIs(t, err, insights_errors.ErrPreconditionFailed)
	assert.Equal(t, DefaultMaxAttempts, stale.submits)
}
