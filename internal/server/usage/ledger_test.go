package usage

import (
	"context"
	"errors"
	"testing"

	"sharekeeper/internal/server/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterKey struct {
	org    string
	metric database.UsageMetric
}

type memoryStore struct {
	counters map[counterKey]int64
	err      error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{counters: make(map[counterKey]int64)}
}

func (m *memoryStore) IncrementUsage(_ context.Context, org string, metric database.UsageMetric) error {
	if m.err != nil {
		return m.err
	}
	m.counters[counterKey{org, metric}]++
	return nil
}

func (m *memoryStore) DecrementUsage(_ context.Context, org string, metric database.UsageMetric) error {
	if m.err != nil {
		return m.err
	}
	key := counterKey{org, metric}
	if m.counters[key] > 0 {
		m.counters[key]--
	}
	return nil
}

func (m *memoryStore) SetUsage(_ context.Context, org string, metric database.UsageMetric, value int64) error {
	if m.err != nil {
		return m.err
	}
	m.counters[counterKey{org, metric}] = value
	return nil
}

func (m *memoryStore) GetUsage(_ context.Context, org string, metric database.UsageMetric) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.counters[counterKey{org, metric}], nil
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("increment and decrement", func(t *testing.T) {
		ledger := NewLedger(newMemoryStore())

		require.NoError(t, ledger.Increment(ctx, "o1", database.MetricShares))
		require.NoError(t, ledger.Increment(ctx, "o1", database.MetricShares))
		require.NoError(t, ledger.Decrement(ctx, "o1", database.MetricShares))

		got, err := ledger.GetUsage(ctx, "o1", database.MetricShares)
		require.NoError(t, err)
		assert.EqualValues(t, 1, got.CurrentUsage)
	})

	t.Run("counters are scoped per organization", func(t *testing.T) {
		ledger := NewLedger(newMemoryStore())

		require.NoError(t, ledger.Increment(ctx, "o1", database.MetricShares))

		got, err := ledger.GetUsage(ctx, "o2", database.MetricShares)
		require.NoError(t, err)
		assert.EqualValues(t, 0, got.CurrentUsage)
	})

	t.Run("resync overwrites drift", func(t *testing.T) {
		ledger := NewLedger(newMemoryStore())

		for i := 0; i < 5; i++ {
			require.NoError(t, ledger.Increment(ctx, "o1", database.MetricShares))
		}
		require.NoError(t, ledger.Resync(ctx, "o1", database.MetricShares, 2))

		got, err := ledger.GetUsage(ctx, "o1", database.MetricShares)
		require.NoError(t, err)
		assert.EqualValues(t, 2, got.CurrentUsage)
	})

	t.Run("store errors propagate", func(t *testing.T) {
		store := newMemoryStore()
		store.err = errors.New("db down")
		ledger := NewLedger(store)

		assert.Error(t, ledger.Decrement(ctx, "o1", database.MetricShares))
		_, err := ledger.GetUsage(ctx, "o1", database.MetricShares)
		assert.Error(t, err)
	})
}

func TestCheckThreshold(t *testing.T) {
	limit := func(v int64) *int64 { return &v }

	tests := []struct {
		name       string
		current    int64
		limit      *int64
		status     Status
		percentage float64
	}{
		{"warning at eighty percent", 80, limit(100), StatusWarning, 80},
		{"blocked at limit", 100, limit(100), StatusBlocked, 100},
		{"blocked above limit", 120, limit(100), StatusBlocked, 120},
		{"ok below warning", 50, limit(100), StatusOK, 50},
		{"unlimited", 50, nil, StatusOK, 0},
		{"zero limit blocks", 0, limit(0), StatusBlocked, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckThreshold(tt.current, tt.limit)
			assert.Equal(t, tt.status, got.Status)
			assert.InDelta(t, tt.percentage, got.Percentage, 0.0001)
		})
	}
}
