// Package realtime follows a chain's head block by block: it polls for new
// headers, fills gaps ascending, detects reorgs through parent-hash linkage,
// and advances the finality watermark. Every processed block is emitted on
// the shared event stream.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/interval"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

// ChainClient is the RPC surface the syncer consumes.
type ChainClient interface {
	GetHead(ctx context.Context) (*types.Header, error)
	GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	GetTraces(ctx context.Context, number uint64) ([]source.Trace, error)
}

// DeepReorgError reports a reorg that reaches past the finality window.
// Local state can no longer be reconciled automatically; the network's sync
// is killed and operator intervention is required.
type DeepReorgError struct {
	Network string
	Block   uint64
}

func (e *DeepReorgError) Error() string {
	return fmt.Sprintf("network %s: reorg deeper than finality window at block %d", e.Network, e.Block)
}

// Config assembles a realtime syncer's collaborators.
type Config struct {
	Network   *source.Network
	Sources   []*source.Source
	Client    ChainClient
	Store     store.Store
	Extractor *events.Extractor
	Stream    *events.Stream
	Logger    *zap.Logger

	// AlertAfter is the number of consecutive poll failures before the
	// syncer escalates its log level. Zero means 5.
	AlertAfter int

	// OnDegraded, when set, is invoked once per outage when AlertAfter
	// consecutive poll failures have accumulated. The syncer keeps
	// retrying; the callback lets an operator surface react.
	OnDegraded func(err error)
}

// Syncer follows one network's head. Not safe for concurrent Run calls.
type Syncer struct {
	network   *source.Network
	sources   []*source.Source
	client    ChainClient
	store     store.Store
	extractor *events.Extractor
	stream    *events.Stream
	logger    *zap.Logger

	alertAfter int
	onDegraded func(err error)
	needTraces bool
	needTxs    bool

	// chain holds the local unfinalized headers, ascending, always
	// non-empty once Run has started.
	chain []*types.Header

	finalized       uint64
	recordedThrough uint64

	status statusTracker
}

// New builds a syncer.
func New(cfg Config) (*Syncer, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if cfg.Client == nil || cfg.Store == nil || cfg.Extractor == nil || cfg.Stream == nil {
		return nil, fmt.Errorf("client, store, extractor and stream are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	alertAfter := cfg.AlertAfter
	if alertAfter <= 0 {
		alertAfter = 5
	}

	s := &Syncer{
		network:    cfg.Network,
		sources:    cfg.Sources,
		client:     cfg.Client,
		store:      cfg.Store,
		extractor:  cfg.Extractor,
		stream:     cfg.Stream,
		logger:     logger.With(zap.String("network", cfg.Network.Name)),
		alertAfter: alertAfter,
		onDegraded: cfg.OnDegraded,
	}
	for _, src := range cfg.Sources {
		switch src.Kind {
		case source.KindTrace, source.KindTransfer:
			s.needTraces = true
		case source.KindTransaction:
			s.needTraces = true
			s.needTxs = true
		}
	}
	return s, nil
}

// Status returns the network's current sync status.
func (s *Syncer) Status() events.Status {
	return s.status.get()
}

// Run follows the head until the context is canceled or an unrecoverable
// failure occurs. anchor is the last block the historical phase covered;
// realtime processing starts at anchor+1.
func (s *Syncer) Run(ctx context.Context, anchor *types.Header) error {
	s.bootstrap(ctx, anchor)

	s.logger.Info("realtime sync started",
		zap.Uint64("anchor", anchor.Number.Uint64()),
		zap.Uint64("finality_depth", s.network.FinalityDepth))

	ticker := time.NewTicker(s.network.PollingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var deep *DeepReorgError
			if errors.As(err, &deep) {
				s.logger.Error("realtime sync killed", zap.Error(err))
				return err
			}

			// Transient: keep polling forever, escalate when the
			// endpoint stays down.
			failures++
			if failures >= s.alertAfter {
				s.logger.Error("realtime sync degraded",
					zap.Int("consecutive_failures", failures),
					zap.Error(err))
				if failures == s.alertAfter && s.onDegraded != nil {
					s.onDegraded(err)
				}
			} else {
				s.logger.Warn("poll failed, will retry", zap.Error(err))
			}
			continue
		}
		failures = 0
	}
}

// bootstrap seeds the local chain with the anchor and, best effort, the
// FinalityDepth headers below it. Without the window a reorg replacing the
// anchor block itself would look deeper than it is.
func (s *Syncer) bootstrap(ctx context.Context, anchor *types.Header) {
	s.chain = []*types.Header{anchor}
	for uint64(len(s.chain)) <= s.network.FinalityDepth {
		lowest := s.chain[0]
		n := lowest.Number.Uint64()
		if n == 0 {
			break
		}
		h, err := s.client.GetHeaderByNumber(ctx, n-1)
		if err != nil || h.Hash() != lowest.ParentHash {
			// A short window only narrows reorg tolerance until the
			// chain refills; the poll loop copes.
			s.logger.Debug("bootstrap window cut short", zap.Uint64("block", n-1))
			break
		}
		s.chain = append([]*types.Header{h}, s.chain...)
	}

	anchorNum := anchor.Number.Uint64()
	s.recordedThrough = anchorNum
	if anchorNum > s.network.FinalityDepth {
		s.finalized = anchorNum - s.network.FinalityDepth
	}
	s.status.set(anchorNum, anchor.Time, true)
}

// poll performs one polling round: fetch the head, reconcile the local
// chain against it, process new blocks ascending, then advance finality.
func (s *Syncer) poll(ctx context.Context) error {
	head, err := s.client.GetHead(ctx)
	if err != nil {
		return err
	}

	tip := s.chain[len(s.chain)-1]
	headNum := head.Number.Uint64()
	tipNum := tip.Number.Uint64()

	switch {
	case headNum == tipNum && head.Hash() == tip.Hash():
		// No new block.
		return s.finalize(ctx)
	case headNum <= tipNum:
		// The head moved sideways or backwards: the remote branch
		// replaced blocks we already processed.
		if err := s.reconcile(ctx, headNum); err != nil {
			return err
		}
		return s.finalize(ctx)
	}

	// Fill the gap ascending so events stay ordered. Every header must
	// link to the one before it; a branch switch mid-fill must not leak a
	// mixed-branch block onto the stream.
	headers := make([]*types.Header, 0, headNum-tipNum)
	for n := tipNum + 1; n < headNum; n++ {
		h, err := s.client.GetHeaderByNumber(ctx, n)
		if err != nil {
			return err
		}
		headers = append(headers, h)
	}
	headers = append(headers, head)

	prev := tip
	for _, h := range headers {
		if h.ParentHash != prev.Hash() {
			if err := s.reconcile(ctx, headNum); err != nil {
				return err
			}
			return s.finalize(ctx)
		}
		if err := s.processBlock(ctx, h); err != nil {
			return err
		}
		prev = h
	}
	return s.finalize(ctx)
}

// reconcile walks the local chain backwards against the remote branch until
// the hashes agree, emits the reorg, prunes local state and re-processes the
// canonical branch.
func (s *Syncer) reconcile(ctx context.Context, headNum uint64) error {
	tipNum := s.chain[len(s.chain)-1].Number.Uint64()

	ancestorIdx := -1
	for i := len(s.chain) - 1; i >= 0; i-- {
		local := s.chain[i]
		if local.Number.Uint64() > headNum {
			continue
		}
		remote, err := s.client.GetHeaderByNumber(ctx, local.Number.Uint64())
		if err != nil {
			return err
		}
		if remote.Hash() == local.Hash() {
			ancestorIdx = i
			break
		}
	}
	if ancestorIdx < 0 {
		// The divergence reaches below the blocks we still hold, which
		// means it crossed the finality window.
		return &DeepReorgError{Network: s.network.Name, Block: s.chain[0].Number.Uint64()}
	}

	ancestor := s.chain[ancestorIdx]
	ancestorNum := ancestor.Number.Uint64()
	if tipNum >= ancestorNum && tipNum-ancestorNum > s.network.FinalityDepth {
		return &DeepReorgError{Network: s.network.Name, Block: ancestorNum}
	}

	s.logger.Warn("reorg detected",
		zap.Uint64("tip", tipNum),
		zap.Uint64("common_ancestor", ancestorNum))

	if err := s.store.DeleteAbove(s.network.ChainID, ancestorNum); err != nil {
		return err
	}
	// The cached-interval records must shrink with the data, or a crash
	// here would leave the next backfill trusting ranges that no longer
	// hold their blocks.
	for _, src := range s.sources {
		if err := s.store.ClipCachedIntervals(src.ID(), ancestorNum); err != nil {
			return err
		}
	}
	if s.recordedThrough > ancestorNum {
		s.recordedThrough = ancestorNum
	}
	s.chain = s.chain[:ancestorIdx+1]
	s.status.set(ancestorNum, ancestor.Time, true)

	if err := s.stream.Send(ctx, &events.ReorgEvent{
		Network:    s.network.Name,
		ChainID:    s.network.ChainID,
		Checkpoint: events.MaxForBlock(s.network.ChainID, ancestor),
	}); err != nil {
		return err
	}

	// Re-process the canonical branch above the ancestor, ascending.
	for n := ancestorNum + 1; n <= headNum; n++ {
		h, err := s.client.GetHeaderByNumber(ctx, n)
		if err != nil {
			return err
		}
		if h.ParentHash != s.chain[len(s.chain)-1].Hash() {
			// The branch moved again mid-walk; the next poll picks it up.
			s.logger.Warn("branch changed during reorg recovery", zap.Uint64("block", n))
			return nil
		}
		if err := s.processBlock(ctx, h); err != nil {
			return err
		}
	}
	return nil
}

// processBlock fetches the block's raw objects, extracts matched events,
// persists them and emits the block on the stream.
func (s *Syncer) processBlock(ctx context.Context, header *types.Header) error {
	number := header.Number.Uint64()

	logs, err := s.client.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(number),
		ToBlock:   new(big.Int).SetUint64(number),
	})
	if err != nil {
		return err
	}

	var traces []source.Trace
	if s.needTraces {
		traces, err = s.client.GetTraces(ctx, number)
		if err != nil {
			return err
		}
	}
	var txs []source.Transaction
	if s.needTxs {
		txs = source.TransactionsFromTraces(traces)
	}

	evs := s.extractor.Extract(header, logs, traces, txs)

	if err := s.persist(header, evs); err != nil {
		return err
	}

	s.chain = append(s.chain, header)
	s.trimChain()
	s.status.set(number, header.Time, true)

	return s.stream.Send(ctx, &events.BlockEvent{
		Network:    s.network.Name,
		ChainID:    s.network.ChainID,
		Checkpoint: events.MaxForBlock(s.network.ChainID, header),
		Events:     evs,
		Status:     s.status.get(),
	})
}

// persist writes the block's matched data so finalized ranges can later be
// recorded as cached.
func (s *Syncer) persist(header *types.Header, evs []events.Event) error {
	var logs []types.Log
	var traces []source.Trace
	hasMatch := false
	for i := range evs {
		hasMatch = true
		switch {
		case evs[i].Log != nil:
			logs = append(logs, *evs[i].Log)
		case evs[i].Trace != nil:
			traces = append(traces, *evs[i].Trace)
		}
	}

	if len(logs) > 0 {
		if err := s.store.PutLogs(s.network.ChainID, logs); err != nil {
			return err
		}
	}
	if len(traces) > 0 {
		if err := s.store.PutTraces(s.network.ChainID, traces); err != nil {
			return err
		}
	}
	if hasMatch {
		if err := s.store.PutHeader(s.network.ChainID, header); err != nil {
			return err
		}
	}
	return nil
}

// trimChain drops local headers that can no longer participate in a
// non-deep reorg, keeping one block of slack below the finality window.
func (s *Syncer) trimChain() {
	keep := s.network.FinalityDepth + 2
	if uint64(len(s.chain)) > keep {
		s.chain = s.chain[uint64(len(s.chain))-keep:]
	}
}

// finalize advances the finality watermark. A block is never finalized
// while it is still within the finality window of the current tip.
func (s *Syncer) finalize(ctx context.Context) error {
	tip := s.chain[len(s.chain)-1]
	tipNum := tip.Number.Uint64()
	if tipNum <= s.network.FinalityDepth {
		return nil
	}
	target := tipNum - s.network.FinalityDepth
	if target <= s.finalized {
		return nil
	}

	var finalHeader *types.Header
	for _, h := range s.chain {
		if h.Number.Uint64() == target {
			finalHeader = h
			break
		}
	}
	if finalHeader == nil {
		h, err := s.client.GetHeaderByNumber(ctx, target)
		if err != nil {
			return err
		}
		finalHeader = h
	}

	// Finalized blocks become cache-eligible: record them so a restart
	// backfills past them.
	for _, src := range s.sources {
		lo := s.recordedThrough + 1
		if src.FromBlock > lo {
			lo = src.FromBlock
		}
		hi := target
		if src.ToBlock != 0 && src.ToBlock < hi {
			hi = src.ToBlock
		}
		if lo > hi {
			continue
		}
		if err := s.store.InsertCachedInterval(src.ID(), interval.Interval{Start: lo, End: hi}); err != nil {
			return err
		}
	}

	s.finalized = target
	s.recordedThrough = target
	s.logger.Debug("finality advanced", zap.Uint64("finalized", target))

	return s.stream.Send(ctx, &events.FinalizeEvent{
		Network:    s.network.Name,
		ChainID:    s.network.ChainID,
		Checkpoint: events.MaxForBlock(s.network.ChainID, finalHeader),
	})
}
