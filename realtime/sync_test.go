package realtime

import (
	"context"
	"fmt"
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

	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/interval"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

var watchedAddr = common.HexToAddress("0x1000000000000000000000000000000000000001")

// fakeChain is a scripted chain the syncer polls against. Reorgs are
// simulated by replacing canonical headers with a different branch.
type fakeChain struct {
	mu      sync.Mutex
	headers map[uint64]*types.Header
	logs    map[common.Hash][]types.Log
	head    uint64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		headers: make(map[uint64]*types.Header),
		logs:    make(map[common.Hash][]types.Log),
	}
}

// extend builds blocks (from..to] on top of the current header at from,
// varying seed to give each branch distinct hashes.
func (f *fakeChain) extend(from, to, seed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parent := common.Hash{}
	if h, ok := f.headers[from]; ok {
		parent = h.Hash()
	}
	for n := from + 1; n <= to; n++ {
		h := &types.Header{
			Number:     new(big.Int).SetUint64(n),
			Time:       n*12 + seed,
			ParentHash: parent,
			Difficulty: big.NewInt(1),
		}
		f.headers[n] = h
		parent = h.Hash()
	}
	f.head = to
}

// replace swaps the header at n for one from a foreign branch, leaving its
// neighbors untouched so the parent linkage breaks.
func (f *fakeChain) replace(n, seed uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers[n] = &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Time:       n*12 + seed,
		ParentHash: common.Hash{byte(seed)},
		Difficulty: big.NewInt(1),
	}
}

func (f *fakeChain) addLog(number uint64, txIndex, logIndex uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.headers[number]
	f.logs[h.Hash()] = append(f.logs[h.Hash()], types.Log{
		Address:     watchedAddr,
		BlockNumber: number,
		BlockHash:   h.Hash(),
		TxIndex:     txIndex,
		Index:       logIndex,
	})
}

func (f *fakeChain) GetHead(ctx context.Context) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[f.head], nil
}

func (f *fakeChain) GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.headers[number]
	if !ok {
		return nil, fmt.Errorf("unknown block %d", number)
	}
	return h, nil
}

func (f *fakeChain) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := q.FromBlock.Uint64()
	h, ok := f.headers[n]
	if !ok {
		return nil, nil
	}
	return f.logs[h.Hash()], nil
}

func (f *fakeChain) GetTraces(ctx context.Context, number uint64) ([]source.Trace, error) {
	return nil, nil
}

func testNetwork(finality uint64) *source.Network {
	return &source.Network{
		Name:          "mainnet",
		ChainID:       1,
		FinalityDepth: finality,
		BlockLimit:    1000,
	}
}

func newTestSyncer(t *testing.T, chain *fakeChain, finality uint64) (*Syncer, *events.Stream, store.Store) {
	t.Helper()
	st, err := store.NewPebbleStore(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	sources := []*source.Source{{
		Name:    "pool",
		Network: "mainnet",
		ChainID: 1,
		Kind:    source.KindLog,
		Address: source.LiteralAddress(watchedAddr),
	}}
	network := testNetwork(finality)
	stream := events.NewStream(256)

	s, err := New(Config{
		Network:   network,
		Sources:   sources,
		Client:    chain,
		Store:     st,
		Extractor: events.NewExtractor(1, sources),
		Stream:    stream,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	return s, stream, st
}

func drain(stream *events.Stream) []events.StreamEvent {
	var out []events.StreamEvent
	for {
		select {
		case ev := <-stream.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPollEmitsNewBlocksAscending(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, _ := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	chain.extend(100, 103, 0)
	chain.addLog(102, 0, 0)
	require.NoError(t, s.poll(context.Background()))

	var blocks []uint64
	var matched int
	for _, ev := range drain(stream) {
		be, ok := ev.(*events.BlockEvent)
		if !ok {
			continue
		}
		blocks = append(blocks, be.Checkpoint.BlockNumber)
		matched += len(be.Events)
		assert.True(t, be.Status.Ready)
	}
	assert.Equal(t, []uint64{101, 102, 103}, blocks)
	assert.Equal(t, 1, matched)
	assert.Equal(t, uint64(103), s.Status().BlockNumber)
}

func TestReorgWalksBackToCommonAncestor(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, st := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	chain.extend(100, 105, 0)
	chain.addLog(105, 0, 0)
	require.NoError(t, s.poll(context.Background()))
	drain(stream)

	ancestor, err := chain.GetHeaderByNumber(context.Background(), 103)
	require.NoError(t, err)

	// Blocks 104 and 105 get replaced by a longer branch.
	chain.extend(103, 106, 7)
	require.NoError(t, s.poll(context.Background()))

	evs := drain(stream)
	require.NotEmpty(t, evs)

	reorg, ok := evs[0].(*events.ReorgEvent)
	require.True(t, ok, "first event after a reorg must invalidate")
	assert.Equal(t, uint64(103), reorg.Checkpoint.BlockNumber)
	assert.Equal(t, events.MaxForBlock(1, ancestor), reorg.Checkpoint)

	var blocks []uint64
	for _, ev := range evs[1:] {
		if be, ok := ev.(*events.BlockEvent); ok {
			blocks = append(blocks, be.Checkpoint.BlockNumber)
		}
	}
	assert.Equal(t, []uint64{104, 105, 106}, blocks)

	// The orphaned log at block 105 is gone from the cache.
	logs, err := st.LogsInRange(1, 104, 200)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestReorgClipsCachedIntervals(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, st := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	chain.extend(100, 105, 0)
	require.NoError(t, s.poll(context.Background()))
	drain(stream)

	// The backfill recorded blocks up to the old head as cached.
	require.NoError(t, st.InsertCachedInterval("1/log/pool", interval.Interval{Start: 0, End: 105}))

	// Blocks 104 and 105 get replaced.
	chain.extend(103, 106, 7)
	require.NoError(t, s.poll(context.Background()))
	drain(stream)

	// The cache must not claim blocks whose data was just deleted: a crash
	// before re-processing would otherwise skip them forever.
	cached, err := st.GetCachedIntervals("1/log/pool")
	require.NoError(t, err)
	require.NotEmpty(t, cached)
	for _, iv := range cached {
		assert.LessOrEqual(t, iv.End, uint64(103))
	}
}

func TestGapFillStopsAtBranchSwitch(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, _ := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	// The branch switches mid-gap: 105 no longer links to 104.
	chain.extend(100, 106, 0)
	chain.replace(105, 3)
	require.NoError(t, s.poll(context.Background()))

	var blocks []uint64
	sawReorg := false
	for _, ev := range drain(stream) {
		switch e := ev.(type) {
		case *events.BlockEvent:
			assert.False(t, sawReorg || e.Checkpoint.BlockNumber > 104,
				"no block from the stale branch may leak past the break")
			blocks = append(blocks, e.Checkpoint.BlockNumber)
		case *events.ReorgEvent:
			sawReorg = true
			assert.Equal(t, uint64(104), e.Checkpoint.BlockNumber)
		}
	}
	assert.Equal(t, []uint64{101, 102, 103, 104}, blocks)
	assert.True(t, sawReorg)

	// Once the branch relinks, the next poll resumes normally.
	chain.extend(104, 106, 5)
	require.NoError(t, s.poll(context.Background()))
	blocks = nil
	for _, ev := range drain(stream) {
		if be, ok := ev.(*events.BlockEvent); ok {
			blocks = append(blocks, be.Checkpoint.BlockNumber)
		}
	}
	assert.Equal(t, []uint64{105, 106}, blocks)
}

func TestShallowReorgOfAnchorRecovers(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, _ := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	// The anchor block itself gets replaced right after bootstrap. That is
	// one block deep, well inside the finality window, and must reconcile
	// like any other reorg.
	chain.extend(99, 103, 4)
	require.NoError(t, s.poll(context.Background()))

	evs := drain(stream)
	require.NotEmpty(t, evs)
	reorg, ok := evs[0].(*events.ReorgEvent)
	require.True(t, ok, "first event must invalidate the replaced anchor")
	assert.Equal(t, uint64(99), reorg.Checkpoint.BlockNumber)

	var blocks []uint64
	for _, ev := range evs[1:] {
		if be, ok := ev.(*events.BlockEvent); ok {
			blocks = append(blocks, be.Checkpoint.BlockNumber)
		}
	}
	assert.Equal(t, []uint64{100, 101, 102, 103}, blocks)
}

type erroringChain struct {
	err error
}

func (e *erroringChain) GetHead(ctx context.Context) (*types.Header, error) { return nil, e.err }
func (e *erroringChain) GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error) {
	return nil, e.err
}
func (e *erroringChain) GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return nil, e.err
}
func (e *erroringChain) GetTraces(ctx context.Context, number uint64) ([]source.Trace, error) {
	return nil, e.err
}

func TestConsecutiveFailuresReportDegraded(t *testing.T) {
	st, err := store.NewPebbleStore(store.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	pollErr := fmt.Errorf("endpoint down")
	degraded := make(chan error, 1)

	network := testNetwork(5)
	network.PollingInterval = time.Millisecond
	sources := []*source.Source{{
		Name:    "pool",
		Network: "mainnet",
		ChainID: 1,
		Kind:    source.KindLog,
		Address: source.LiteralAddress(watchedAddr),
	}}

	s, err := New(Config{
		Network:    network,
		Sources:    sources,
		Client:     &erroringChain{err: pollErr},
		Store:      st,
		Extractor:  events.NewExtractor(1, sources),
		Stream:     events.NewStream(16),
		Logger:     zap.NewNop(),
		AlertAfter: 3,
		OnDegraded: func(err error) {
			select {
			case degraded <- err:
			default:
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	anchor := &types.Header{Number: big.NewInt(100), Time: 1200, Difficulty: big.NewInt(1)}
	go func() {
		_ = s.Run(ctx, anchor)
		close(done)
	}()

	select {
	case err := <-degraded:
		assert.ErrorContains(t, err, "endpoint down")
	case <-time.After(5 * time.Second):
		t.Fatal("degradation was never reported")
	}
	cancel()
	<-done
}

func TestDeepReorgKillsSync(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 100, 0)
	s, stream, _ := newTestSyncer(t, chain, 2)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 100)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	chain.extend(100, 105, 0)
	require.NoError(t, s.poll(context.Background()))
	drain(stream)

	// Replace everything back to block 101: deeper than finality depth 2.
	chain.extend(100, 106, 9)
	err = s.poll(context.Background())

	var deep *DeepReorgError
	require.ErrorAs(t, err, &deep)
	assert.Equal(t, "mainnet", deep.Network)
}

func TestFinalizeStaysBehindFinalityWindow(t *testing.T) {
	chain := newFakeChain()
	chain.extend(0, 10, 0)
	s, stream, st := newTestSyncer(t, chain, 5)

	anchor, err := chain.GetHeaderByNumber(context.Background(), 10)
	require.NoError(t, err)
	s.bootstrap(context.Background(), anchor)

	chain.extend(10, 20, 0)
	require.NoError(t, s.poll(context.Background()))

	var finalized []uint64
	for _, ev := range drain(stream) {
		if fe, ok := ev.(*events.FinalizeEvent); ok {
			finalized = append(finalized, fe.Checkpoint.BlockNumber)
		}
	}
	// Head 20, depth 5: nothing above block 15 may finalize.
	require.Equal(t, []uint64{15}, finalized)

	// Finalized blocks become cached intervals for the next restart.
	cached, err := st.GetCachedIntervals("1/log/pool")
	require.NoError(t, err)
	assert.Equal(t, []interval.Interval{{Start: 11, End: 15}}, cached)

	// A quiet poll does not re-finalize.
	require.NoError(t, s.poll(context.Background()))
	for _, ev := range drain(stream) {
		_, isFinalize := ev.(*events.FinalizeEvent)
		assert.False(t, isFinalize)
	}
}
