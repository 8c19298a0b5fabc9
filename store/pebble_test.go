package store

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsync-io/chainsync/interval"
)

func newTestStore(t *testing.T) *PebbleStore {
	t.Helper()
	s, err := NewPebbleStore(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCachedIntervalsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetCachedIntervals("1/log/pool")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.InsertCachedInterval("1/log/pool", interval.Interval{Start: 120, End: 150}))

	got, err = s.GetCachedIntervals("1/log/pool")
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 120, End: 150}}, got)
}

func TestInsertCachedIntervalCoalesces(t *testing.T) {
	s := newTestStore(t)
	id := "1/log/pool"

	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 120, End: 150}))
	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 100, End: 119}))
	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 151, End: 200}))

	got, err := s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 100, End: 200}}, got)
}

func TestInsertCachedIntervalIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := "1/log/pool"

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 10, End: 20}))
	}

	got, err := s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 10, End: 20}}, got)
}

func TestInsertCachedIntervalConcurrent(t *testing.T) {
	s := newTestStore(t)
	id := "1/log/pool"

	var wg sync.WaitGroup
	for i := uint64(0); i < 64; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			iv := interval.Interval{Start: i * 100, End: i*100 + 99}
			assert.NoError(t, s.InsertCachedInterval(id, iv))
		}()
	}
	wg.Wait()

	// Concurrent inserts must not lose rows: the adjacent chunks coalesce
	// into one gap-free range.
	got, err := s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 0, End: 6399}}, got)
}

func TestClipCachedIntervals(t *testing.T) {
	s := newTestStore(t)
	id := "1/log/pool"

	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 0, End: 105}))
	require.NoError(t, s.ClipCachedIntervals(id, 103))

	got, err := s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 0, End: 103}}, got)

	// Clipping above the cached range changes nothing.
	require.NoError(t, s.ClipCachedIntervals(id, 500))
	got, err = s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 0, End: 103}}, got)
}

func TestClipCachedIntervalsDropsWholeRows(t *testing.T) {
	s := newTestStore(t)
	id := "1/log/pool"

	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 0, End: 10}))
	require.NoError(t, s.InsertCachedInterval(id, interval.Interval{Start: 20, End: 30}))
	require.NoError(t, s.ClipCachedIntervals(id, 25))

	got, err := s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 0, End: 10}, {Start: 20, End: 25}}, got)

	require.NoError(t, s.ClipCachedIntervals(id, 15))
	got, err = s.GetCachedIntervals(id)
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 0, End: 10}}, got)
}

func TestIntervalsIsolatedPerSource(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertCachedInterval("1/log/a", interval.Interval{Start: 1, End: 5}))
	require.NoError(t, s.InsertCachedInterval("1/log/ab", interval.Interval{Start: 100, End: 105}))

	got, err := s.GetCachedIntervals("1/log/a")
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 1, End: 5}}, got)
}

func TestHeaderDedup(t *testing.T) {
	s := newTestStore(t)

	header := &types.Header{Number: big.NewInt(42), Time: 1700000000}

	ok, err := s.HasHeader(1, 42)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutHeader(1, header))

	ok, err = s.HasHeader(1, 42)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetHeader(1, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.Number.Uint64())
	assert.Equal(t, uint64(1700000000), got.Time)

	_, err = s.GetHeader(1, 43)
	assert.ErrorIs(t, err, ErrNotFound)

	// Headers are chain-scoped.
	_, err = s.GetHeader(2, 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLogsInRangeOrdering(t *testing.T) {
	s := newTestStore(t)

	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")
	logs := []types.Log{
		{Address: addr, BlockNumber: 105, TxIndex: 1, Index: 3},
		{Address: addr, BlockNumber: 100, TxIndex: 0, Index: 0},
		{Address: addr, BlockNumber: 105, TxIndex: 0, Index: 1},
		{Address: addr, BlockNumber: 200, TxIndex: 0, Index: 0},
	}
	require.NoError(t, s.PutLogs(1, logs))

	got, err := s.LogsInRange(1, 100, 150)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Ascending by (block, txIndex, logIndex), matching checkpoint order.
	assert.Equal(t, uint64(100), got[0].BlockNumber)
	assert.Equal(t, uint64(105), got[1].BlockNumber)
	assert.Equal(t, uint(0), got[1].TxIndex)
	assert.Equal(t, uint64(105), got[2].BlockNumber)
	assert.Equal(t, uint(1), got[2].TxIndex)
}

func TestClosedStoreErrors(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.GetCachedIntervals("x")
	assert.ErrorIs(t, err, ErrClosed)

	err = s.InsertCachedInterval("x", interval.Interval{Start: 1, End: 2})
	assert.ErrorIs(t, err, ErrClosed)

	// Close is idempotent.
	assert.NoError(t, s.Close())
}
