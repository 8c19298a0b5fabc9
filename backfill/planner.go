// Package backfill plans and executes the historical sync of every
// configured source: it diffs the requested block range against the cached
// intervals, splits the missing ranges into chunks, and drains them through
// bounded worker queues into the cache store.
package backfill

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/interval"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

// ChainClient is the RPC surface the planner consumes.
type ChainClient interface {
	GetHead(ctx context.Context) (*types.Header, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	GetTraces(ctx context.Context, number uint64) ([]source.Trace, error)
	BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error)
}

// State tracks where a source is in its historical sync.
type State int

const (
	StatePlanned State = iota + 1
	StateDiffing
	StateQueued
	StateDraining
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePlanned:
		return "planned"
	case StateDiffing:
		return "diffing"
	case StateQueued:
		return "queued"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Progress is a snapshot of one source's historical sync.
type Progress struct {
	State       State
	TotalBlocks uint64
	DoneBlocks  uint64
}

// Config holds backfill tuning parameters.
type Config struct {
	// LogWorkers bounds concurrent range-fetch tasks per source.
	LogWorkers int

	// BlockWorkers bounds concurrent header-fetch tasks per source.
	BlockWorkers int

	// MaxAttempts bounds retries of a single task.
	MaxAttempts uint64

	// HeaderBatchSize is the number of headers fetched per batch call.
	HeaderBatchSize int
}

// DefaultConfig returns the default backfill tuning.
func DefaultConfig() Config {
	return Config{
		LogWorkers:      8,
		BlockWorkers:    4,
		MaxAttempts:     4,
		HeaderBatchSize: 100,
	}
}

func (c *Config) normalize() {
	if c.LogWorkers < 1 {
		c.LogWorkers = 1
	}
	if c.BlockWorkers < 1 {
		c.BlockWorkers = 1
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.HeaderBatchSize < 1 {
		c.HeaderBatchSize = 100
	}
}

// Planner drives the historical sync of one network's sources.
type Planner struct {
	network   *source.Network
	sources   []*source.Source
	client    ChainClient
	store     store.Store
	extractor *events.Extractor
	cfg       Config
	logger    *zap.Logger
	metrics   *Metrics

	mu       sync.Mutex
	progress map[string]*Progress
}

// NewPlanner builds a planner for one network. The extractor is shared with
// the replay and realtime paths so factory addresses discovered here stay
// matchable later.
func NewPlanner(network *source.Network, sources []*source.Source, cl ChainClient, st store.Store, extractor *events.Extractor, cfg Config, logger *zap.Logger, metrics *Metrics) *Planner {
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	progress := make(map[string]*Progress, len(sources))
	for _, src := range sources {
		progress[src.ID()] = &Progress{State: StatePlanned}
	}
	return &Planner{
		network:   network,
		sources:   sources,
		client:    cl,
		store:     st,
		extractor: extractor,
		cfg:       cfg,
		logger:    logger.With(zap.String("network", network.Name)),
		metrics:   metrics,
		progress:  progress,
	}
}

// Progress returns a snapshot of one source's progress.
func (p *Planner) Progress(sourceID string) Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.progress[sourceID]; ok {
		return *pr
	}
	return Progress{}
}

func (p *Planner) setState(sourceID string, state State) {
	p.mu.Lock()
	if pr, ok := p.progress[sourceID]; ok {
		pr.State = state
	}
	p.mu.Unlock()
}

func (p *Planner) setTotal(sourceID string, total uint64) {
	p.mu.Lock()
	if pr, ok := p.progress[sourceID]; ok {
		pr.TotalBlocks = total
	}
	p.mu.Unlock()
}

func (p *Planner) addDone(sourceID string, blocks uint64) {
	p.mu.Lock()
	if pr, ok := p.progress[sourceID]; ok {
		pr.DoneBlocks += blocks
	}
	p.mu.Unlock()
}

// Run backfills every source of the network up to the current head and
// returns the head block number the plan was anchored at. It returns once
// all sources are complete, or on the first failure.
func (p *Planner) Run(ctx context.Context) (uint64, error) {
	head, err := p.client.GetHead(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve chain head: %w", err)
	}
	headNum := head.Number.Uint64()

	for _, src := range p.sources {
		if err := p.runSource(ctx, src, headNum); err != nil {
			p.setState(src.ID(), StateFailed)
			return 0, err
		}
	}
	return headNum, nil
}

func (p *Planner) runSource(ctx context.Context, src *source.Source, head uint64) error {
	id := src.ID()
	log := p.logger.With(zap.String("source", src.Name))

	if src.FromBlock > head {
		return &ConfigError{
			Source: src.Name,
			Msg:    fmt.Sprintf("start block %d is beyond chain head %d", src.FromBlock, head),
		}
	}
	end := head
	if src.ToBlock != 0 && src.ToBlock < end {
		end = src.ToBlock
	}

	p.setState(id, StateDiffing)
	cached, err := p.store.GetCachedIntervals(id)
	if err != nil {
		return fmt.Errorf("failed to load cached intervals for %s: %w", id, err)
	}
	required := interval.Difference(interval.Interval{Start: src.FromBlock, End: end}, cached)

	if err := p.seedFactories(ctx, src, end); err != nil {
		return err
	}

	if len(required) == 0 {
		p.setState(id, StateComplete)
		log.Info("source fully cached, nothing to backfill")
		return nil
	}

	var chunks []interval.Interval
	for _, iv := range required {
		chunks = append(chunks, interval.Chunk(iv, p.network.BlockLimit)...)
	}
	total := interval.Total(required)
	p.setTotal(id, total)
	p.metrics.recordPlanned(p.network.Name, src.Name, len(chunks))
	log.Info("backfill planned",
		zap.Uint64("blocks", total),
		zap.Int("chunks", len(chunks)))

	p.setState(id, StateQueued)
	rangeQueue := NewQueue(ctx, p.cfg.LogWorkers, p.cfg.MaxAttempts, p.logger)
	headerQueue := NewQueue(ctx, p.cfg.BlockWorkers, p.cfg.MaxAttempts, p.logger)
	seen := &blockSet{m: make(map[uint64]struct{})}

	for _, c := range chunks {
		c := c
		name := fmt.Sprintf("%s[%d,%d]", id, c.Start, c.End)
		rangeQueue.Submit(name, func(tctx context.Context) error {
			return p.fetchChunk(tctx, src, c, seen, headerQueue)
		})
	}

	p.setState(id, StateDraining)
	if err := rangeQueue.Drain(); err != nil {
		_ = headerQueue.Drain()
		return err
	}
	if err := headerQueue.Drain(); err != nil {
		return err
	}

	p.setState(id, StateComplete)
	log.Info("backfill complete", zap.Uint64("blocks", total))
	return nil
}

// seedFactories replays factory discovery events over the source's full
// range. The registry lives in memory only, so discovery covers the whole
// range even when data chunks are already cached.
func (p *Planner) seedFactories(ctx context.Context, src *source.Source, end uint64) error {
	var factories []*source.Factory
	for _, spec := range []source.AddressSpec{src.Address, src.FromAddress, src.ToAddress} {
		if spec.Kind == source.AddressFactory {
			factories = append(factories, spec.Factory)
		}
	}
	if len(factories) == 0 {
		return nil
	}

	reg := p.extractor.Registry(src.Name)
	queue := NewQueue(ctx, p.cfg.LogWorkers, p.cfg.MaxAttempts, p.logger)
	chunks := interval.Chunk(interval.Interval{Start: src.FromBlock, End: end}, p.network.BlockLimit)

	for _, f := range factories {
		f := f
		for _, c := range chunks {
			c := c
			name := fmt.Sprintf("factory/%s/%s[%d,%d]", src.ID(), f.Address.Hex(), c.Start, c.End)
			queue.Submit(name, func(tctx context.Context) error {
				logs, err := p.client.GetLogs(tctx, ethereum.FilterQuery{
					FromBlock: new(big.Int).SetUint64(c.Start),
					ToBlock:   new(big.Int).SetUint64(c.End),
					Addresses: []common.Address{f.Address},
					Topics:    [][]common.Hash{{f.EventSelector}},
				})
				if err != nil {
					return err
				}
				reg.Collect(f, logs)
				return nil
			})
		}
	}

	if err := queue.Drain(); err != nil {
		return fmt.Errorf("factory discovery for %s failed: %w", src.ID(), err)
	}
	p.logger.Debug("factory discovery complete",
		zap.String("source", src.Name),
		zap.Int("addresses", reg.Len()))
	return nil
}

func (p *Planner) fetchChunk(ctx context.Context, src *source.Source, c interval.Interval, seen *blockSet, headerQueue *Queue) error {
	var matchedBlocks []uint64
	var matchedCount int

	switch src.Kind {
	case source.KindLog:
		blocks, n, err := p.fetchLogChunk(ctx, src, c)
		if err != nil {
			return err
		}
		matchedBlocks, matchedCount = blocks, n

	case source.KindTrace, source.KindTransfer, source.KindTransaction:
		blocks, n, err := p.fetchTraceChunk(ctx, src, c)
		if err != nil {
			return err
		}
		matchedBlocks, matchedCount = blocks, n

	case source.KindBlock:
		for n := c.Start; n <= c.End; n++ {
			if src.MatchBlockNumber(n) {
				matchedBlocks = append(matchedBlocks, n)
			}
		}
		matchedCount = len(matchedBlocks)
	}

	p.enqueueHeaders(headerQueue, seen, matchedBlocks)

	// Recording the interval last keeps the write idempotent under retries:
	// a chunk is only marked cached once its data landed.
	if err := p.store.InsertCachedInterval(src.ID(), c); err != nil {
		return fmt.Errorf("failed to record interval for %s: %w", src.ID(), err)
	}

	p.addDone(src.ID(), c.Len())
	p.metrics.recordCompleted(p.network.Name, src.Name)
	p.metrics.recordMatched(p.network.Name, src.Name, matchedCount)
	return nil
}

func (p *Planner) fetchLogChunk(ctx context.Context, src *source.Source, c interval.Interval) ([]uint64, int, error) {
	logs, err := p.client.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(c.Start),
		ToBlock:   new(big.Int).SetUint64(c.End),
		Addresses: queryAddresses(src.Address),
		Topics:    queryTopics(src),
	})
	if err != nil {
		return nil, 0, err
	}

	reg := p.extractor.Registry(src.Name)
	var matched []types.Log
	for i := range logs {
		if src.MatchLog(&logs[i], reg) {
			matched = append(matched, logs[i])
		}
	}
	if err := p.store.PutLogs(p.network.ChainID, matched); err != nil {
		return nil, 0, fmt.Errorf("failed to cache logs for %s: %w", src.ID(), err)
	}

	blocks := make([]uint64, 0, len(matched))
	for i := range matched {
		blocks = append(blocks, matched[i].BlockNumber)
	}
	return blocks, len(matched), nil
}

func (p *Planner) fetchTraceChunk(ctx context.Context, src *source.Source, c interval.Interval) ([]uint64, int, error) {
	reg := p.extractor.Registry(src.Name)
	var matched []source.Trace

	for n := c.Start; n <= c.End; n++ {
		traces, err := p.client.GetTraces(ctx, n)
		if err != nil {
			return nil, 0, err
		}
		matched = append(matched, matchBlockTraces(src, reg, traces)...)
	}

	if err := p.store.PutTraces(p.network.ChainID, matched); err != nil {
		return nil, 0, fmt.Errorf("failed to cache traces for %s: %w", src.ID(), err)
	}

	blocks := make([]uint64, 0, len(matched))
	for i := range matched {
		blocks = append(blocks, matched[i].BlockNumber)
	}
	return blocks, len(matched), nil
}

// matchBlockTraces filters one block's traces down to the rows the source
// matches. Transaction sources match on the top-level call of each
// transaction and keep that trace row.
func matchBlockTraces(src *source.Source, reg *source.Registry, traces []source.Trace) []source.Trace {
	var matched []source.Trace
	switch src.Kind {
	case source.KindTrace:
		for i := range traces {
			if src.MatchTrace(&traces[i], reg) {
				matched = append(matched, traces[i])
			}
		}
	case source.KindTransfer:
		for i := range traces {
			if src.MatchTransfer(&traces[i], reg) {
				matched = append(matched, traces[i])
			}
		}
	case source.KindTransaction:
		top := make(map[uint64]int, len(traces))
		for i := range traces {
			if _, ok := top[traces[i].TransactionIndex]; !ok {
				top[traces[i].TransactionIndex] = i
			}
		}
		for _, tx := range source.TransactionsFromTraces(traces) {
			tx := tx
			if src.MatchTransaction(&tx, reg) {
				matched = append(matched, traces[top[tx.Index]])
			}
		}
		sort.Slice(matched, func(i, j int) bool {
			return matched[i].TransactionIndex < matched[j].TransactionIndex
		})
	}
	return matched
}

// enqueueHeaders schedules header fetches for blocks not yet queued. The
// dedup set spans the whole source run so a block referenced by several
// chunks is fetched once.
func (p *Planner) enqueueHeaders(queue *Queue, seen *blockSet, numbers []uint64) {
	fresh := seen.addNew(numbers)
	for start := 0; start < len(fresh); start += p.cfg.HeaderBatchSize {
		stop := start + p.cfg.HeaderBatchSize
		if stop > len(fresh) {
			stop = len(fresh)
		}
		batch := fresh[start:stop]
		name := fmt.Sprintf("headers/%s/%d", p.network.Name, batch[0])
		queue.Submit(name, func(tctx context.Context) error {
			return p.fetchHeaders(tctx, batch)
		})
	}
}

func (p *Planner) fetchHeaders(ctx context.Context, numbers []uint64) error {
	missing := make([]uint64, 0, len(numbers))
	for _, n := range numbers {
		ok, err := p.store.HasHeader(p.network.ChainID, n)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	headers, err := p.client.BatchGetHeaders(ctx, missing)
	if err != nil {
		return err
	}
	for _, h := range headers {
		if h == nil {
			continue
		}
		if err := p.store.PutHeader(p.network.ChainID, h); err != nil {
			return fmt.Errorf("failed to cache header %d: %w", h.Number.Uint64(), err)
		}
	}
	p.metrics.recordHeaders(p.network.Name, len(missing))
	return nil
}

func queryAddresses(spec source.AddressSpec) []common.Address {
	if spec.Kind == source.AddressLiteral || spec.Kind == source.AddressSet {
		return spec.Addresses
	}
	// Factory and wildcard specs fetch unfiltered and match locally.
	return nil
}

func queryTopics(src *source.Source) [][]common.Hash {
	last := -1
	for slot := 0; slot < 4; slot++ {
		if len(src.Topics[slot]) > 0 {
			last = slot
		}
	}
	if last < 0 {
		return nil
	}
	topics := make([][]common.Hash, last+1)
	for slot := 0; slot <= last; slot++ {
		topics[slot] = src.Topics[slot]
	}
	return topics
}

// blockSet deduplicates header fetches across chunks.
type blockSet struct {
	mu sync.Mutex
	m  map[uint64]struct{}
}

func (b *blockSet) addNew(numbers []uint64) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var fresh []uint64
	for _, n := range numbers {
		if _, ok := b.m[n]; ok {
			continue
		}
		b.m[n] = struct{}{}
		fresh = append(fresh, n)
	}
	return fresh
}
