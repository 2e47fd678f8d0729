package tables

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPebbleStore(t *testing.T) Store {
	return NewPebbleStore(testutils.OpenMemDB(t), PebbleOptions{MaxValueSize: 64})
}

func TestPebbleStore(t *testing.T) {
	runStoreSuite(t, newPebbleStore)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("INSIGHTS_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("INSIGHTS_POSTGRES_DSN is not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn, PostgresOptions{MaxValueSize: 64})
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("MissingTable", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), "nosuchtable", "p", "r")
		assert.ErrorIs(t, err, insights_errors.ErrTableNotFound)
		ok, err := s.TableExists(context.Background(), "nosuchtable")
		assert.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("InsertConflict", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testinsert"))
		require.NoError(t, s.CreateTable(ctx, "testinsert"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testinsert") })

		etag, err := s.Insert(ctx, "testinsert", Row{PartitionKey: "p", RowKey: "r", Value: []byte("a")})
		require.NoError(t, err)
		assert.NotEmpty(t, etag)
		_, err = s.Insert(ctx, "testinsert", Row{PartitionKey: "p", RowKey: "r", Value: []byte("b")})
		assert.ErrorIs(t, err, insights_errors.ErrConflict)

		row, err := s.Get(ctx, "testinsert", "p", "r")
		require.NoError(t, err)
		assert.Equal(t, "a", string(row.Value))
		assert.Equal(t, etag, row.ETag)
	})
	t.Run("ConditionalReplace", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testreplace"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testreplace") })

		_, err := s.Replace(ctx, "testreplace", Row{PartitionKey: "p", RowKey: "r"})
		assert.ErrorIs(t, err, insights_errors.ErrNotFound)

		first, err := s.Insert(ctx, "testreplace", Row{PartitionKey: "p", RowKey: "r", Value: []byte("1")})
		require.NoError(t, err)
		second, err := s.Replace(ctx, "testreplace", Row{PartitionKey: "p", RowKey: "r", ETag: first, Value: []byte("2")})
		require.NoError(t, err)
		assert.NotEqual(t, first, second)

		_, err = s.Replace(ctx, "testreplace", Row{PartitionKey: "p", RowKey: "r", ETag: first, Value: []byte("3")})
		assert.ErrorIs(t, err, insights_errors.ErrPreconditionFailed)
		assert.True(t, insights_errors.IsRetryableStorage(err))

		err = s.Delete(ctx, "testreplace", "p", "r", first)
		assert.ErrorIs(t, err, insights_errors.ErrPreconditionFailed)
		require.NoError(t, s.Delete(ctx, "testreplace", "p", "r", second))
		_, err = s.Get(ctx, "testreplace", "p", "r")
		assert.ErrorIs(t, err, insights_errors.ErrNotFound)
	})
	t.Run("TooLarge", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testlarge"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testlarge") })
		_, err := s.Insert(ctx, "testlarge", Row{PartitionKey: "p", RowKey: "r", Value: []byte(strings.Repeat("x", 65))})
		assert.ErrorIs(t, err, insights_errors.ErrTooLarge)
	})
	t.Run("QueryRange", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testquery"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testquery") })
		var ops []Operation
		for i := 0; i < 10; i++ {
			ops = append(ops, Insert(Row{PartitionKey: "a", RowKey: fmt.Sprintf("r%02d", i)}))
		}
		_, err := s.Submit(ctx, "testquery", ops)
		require.NoError(t, err)
		_, err = s.Insert(ctx, "testquery", Row{PartitionKey: "ab", RowKey: "r05"})
		require.NoError(t, err)
		_, err = s.Insert(ctx, "testquery", Row{PartitionKey: "", RowKey: "marker"})
		require.NoError(t, err)

		rows, err := s.Query(ctx, "testquery", Query{PartitionKey: "a", MinRowKey: "r03", MaxRowKey: "r06"})
		require.NoError(t, err)
		keys := []string{}
		for _, row := range rows {
			assert.Equal(t, "a", row.PartitionKey)
			keys = append(keys, row.RowKey)
		}
		assert.Equal(t, []string{"r03", "r04", "r05", "r06"}, keys)

		rows, err = s.Query(ctx, "testquery", Query{PartitionKey: "a", Limit: 3})
		require.NoError(t, err)
		assert.Len(t, rows, 3)

		all, err := QueryAll(ctx, s, "testquery", Query{PartitionKey: "a"}, 4)
		require.NoError(t, err)
		assert.Len(t, all, 10)

		partitions, err := s.ListPartitions(ctx, "testquery")
		require.NoError(t, err)
		assert.Equal(t, []string{"", "a", "ab"}, partitions)

		require.NoError(t, s.DeleteTable(ctx, "testquery"))
		_, err = s.Query(ctx, "testquery", Query{PartitionKey: "a"})
		assert.ErrorIs(t, err, insights_errors.ErrTableNotFound)
	})
	t.Run("BatchIsAtomic", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testbatch"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testbatch") })
		_, err := s.Insert(ctx, "testbatch", Row{PartitionKey: "p", RowKey: "b"})
		require.NoError(t, err)

		_, err = s.Submit(ctx, "testbatch", []Operation{
			Insert(Row{PartitionKey: "p", RowKey: "a"}),
			Insert(Row{PartitionKey: "p", RowKey: "b"}),
		})
		assert.ErrorIs(t, err, insights_errors.ErrConflict)
		_, err = s.Get(ctx, "testbatch", "p", "a")
		assert.ErrorIs(t, err, insights_errors.ErrNotFound)

		_, err = s.Submit(ctx, "testbatch", []Operation{
			Insert(Row{PartitionKey: "p", RowKey: "a"}),
			Insert(Row{PartitionKey: "q", RowKey: "a"}),
		})
		assert.ErrorIs(t, err, insights_errors.ErrInvalidKey)

		ops := make([]Operation, MaxBatchSize+1)
		for i := range ops {
			ops[i] = Upsert(Row{PartitionKey: "p", RowKey: fmt.Sprint(i)})
		}
		_, err = s.Submit(ctx, "testbatch", ops)
		assert.ErrorIs(t, err, insights_errors.ErrBatchTooLarge)
	})
	t.Run("ConcurrentConditionalWrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateTable(ctx, "testrace"))
		t.Cleanup(func() { _ = s.DeleteTable(ctx, "testrace") })
		etag, err := s.Insert(ctx, "testrace", Row{PartitionKey: "p", RowKey: "r"})
		require.NoError(t, err)

		const N = 8
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < N; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Replace(ctx, "testrace", Row{PartitionKey: "p", RowKey: "r", ETag: etag})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, insights_errors.ErrPreconditionFailed)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}
