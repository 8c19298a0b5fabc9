package engine

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/backfill"
	"github.com/chainsync-io/chainsync/checkpoint"
	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

var watched = common.HexToAddress("0x1000000000000000000000000000000000000001")

// scriptedClient serves a static chain with per-block timestamps.
type scriptedClient struct {
	mu    sync.Mutex
	head  uint64
	times map[uint64]uint64
	logs  []types.Log
}

func (c *scriptedClient) header(n uint64) *types.Header {
	ts := n * 12
	if t, ok := c.times[n]; ok {
		ts = t
	}
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Time:       ts,
		Difficulty: big.NewInt(1),
	}
}

func (c *scriptedClient) GetHead(ctx context.Context) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header(c.head), nil
}

func (c *scriptedClient) GetHeaderByNumber(ctx context.Context, n uint64) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.header(n), nil
}

func (c *scriptedClient) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	from, to := q.FromBlock.Uint64(), q.ToBlock.Uint64()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Log
	for _, l := range c.logs {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out = append(out, l)
		}
	}
	return out, nil
}

func (c *scriptedClient) GetTraces(ctx context.Context, n uint64) ([]source.Trace, error) {
	return nil, nil
}

func (c *scriptedClient) BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Header, len(numbers))
	for i, n := range numbers {
		out[i] = c.header(n)
	}
	return out, nil
}

func testNetwork(name string, chainID uint64) *source.Network {
	return &source.Network{
		Name:            name,
		ChainID:         chainID,
		PollingInterval: 10 * time.Millisecond,
		FinalityDepth:   5,
		BlockLimit:      1000,
	}
}

func logSource(name, network string, chainID uint64) *source.Source {
	return &source.Source{
		Name:    name,
		Network: network,
		ChainID: chainID,
		Kind:    source.KindLog,
		Address: source.LiteralAddress(watched),
	}
}

func newEngine(t *testing.T, networks []Network) *Engine {
	t.Helper()
	st, err := store.NewPebbleStore(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := backfill.DefaultConfig()
	cfg.MaxAttempts = 1
	e, err := New(networks, Options{
		Store:    st,
		Logger:   zap.NewNop(),
		Backfill: cfg,
	})
	require.NoError(t, err)
	return e
}

// collect reads n block events from the stream, failing on timeout.
func collect(t *testing.T, e *Engine, n int) []*events.BlockEvent {
	t.Helper()
	var out []*events.BlockEvent
	deadline := time.After(10 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-e.Events():
			require.True(t, ok, "stream closed early")
			if be, isBlock := ev.(*events.BlockEvent); isBlock {
				out = append(out, be)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %d block events, got %d", n, len(out))
		}
	}
	return out
}

func TestEngineReplaysHistoryInOrder(t *testing.T) {
	cl := &scriptedClient{
		head: 20,
		logs: []types.Log{
			{Address: watched, BlockNumber: 12, TxIndex: 0, Index: 0},
			{Address: watched, BlockNumber: 5, TxIndex: 0, Index: 0},
		},
	}
	e := newEngine(t, []Network{{
		Network: testNetwork("mainnet", 1),
		Sources: []*source.Source{logSource("pool", "mainnet", 1)},
		Client:  cl,
	}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	got := collect(t, e, 2)
	assert.Equal(t, uint64(5), got[0].Checkpoint.BlockNumber)
	assert.Equal(t, uint64(12), got[1].Checkpoint.BlockNumber)
	for _, be := range got {
		assert.False(t, be.Status.Ready, "replayed blocks precede readiness")
		require.Len(t, be.Events, 1)
		assert.Equal(t, "pool", be.Events[0].SourceName)
	}

	cancel()
	require.NoError(t, <-errCh)

	// The stream closes once the engine has fully stopped.
	for range e.Events() {
	}
}

func TestEngineMergesNetworksByCheckpoint(t *testing.T) {
	one := &scriptedClient{
		head:  20,
		times: map[uint64]uint64{10: 100},
		logs:  []types.Log{{Address: watched, BlockNumber: 10, TxIndex: 0, Index: 0}},
	}
	two := &scriptedClient{
		head:  20,
		times: map[uint64]uint64{3: 50, 6: 150},
		logs: []types.Log{
			{Address: watched, BlockNumber: 3, TxIndex: 0, Index: 0},
			{Address: watched, BlockNumber: 6, TxIndex: 0, Index: 0},
		},
	}
	e := newEngine(t, []Network{
		{Network: testNetwork("one", 1), Sources: []*source.Source{logSource("a", "one", 1)}, Client: one},
		{Network: testNetwork("two", 2), Sources: []*source.Source{logSource("b", "two", 2)}, Client: two},
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	got := collect(t, e, 3)
	cancel()
	require.NoError(t, <-errCh)

	// Timestamp order wins regardless of which chain a block belongs to.
	var order []string
	for _, be := range got {
		order = append(order, be.Network)
	}
	assert.Equal(t, []string{"two", "one", "two"}, order)

	for i := 1; i < len(got); i++ {
		assert.True(t, checkpoint.Less(got[i-1].Checkpoint, got[i].Checkpoint))
	}
}

func TestEngineSurfacesConfigErrors(t *testing.T) {
	cl := &scriptedClient{head: 100}
	src := logSource("pool", "mainnet", 1)
	src.FromBlock = 500
	e := newEngine(t, []Network{{
		Network: testNetwork("mainnet", 1),
		Sources: []*source.Source{src},
		Client:  cl,
	}})

	err := e.Run(context.Background())
	var cfgErr *backfill.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	_, open := <-e.Events()
	assert.False(t, open)

	// The failure also surfaces on the error channel, marked fatal, and
	// the channel closes with the engine.
	engErr, open := <-e.Errors()
	require.True(t, open)
	assert.True(t, engErr.Fatal)
	require.ErrorAs(t, engErr, &cfgErr)
	_, open = <-e.Errors()
	assert.False(t, open)
}

func TestEngineStatusTracksNetworks(t *testing.T) {
	cl := &scriptedClient{head: 20}
	e := newEngine(t, []Network{{
		Network: testNetwork("mainnet", 1),
		Sources: []*source.Source{logSource("pool", "mainnet", 1)},
		Client:  cl,
	}})

	status := e.Status()
	require.Contains(t, status, "mainnet")
	assert.False(t, status["mainnet"].Ready)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return e.Status()["mainnet"].Ready
	}, 10*time.Second, 10*time.Millisecond)

	progress := e.Progress()
	require.Contains(t, progress, "1/log/pool")
	assert.Equal(t, backfill.StateComplete, progress["1/log/pool"].State)

	cancel()
	require.NoError(t, <-errCh)
}
