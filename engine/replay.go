package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/checkpoint"
	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

// replay re-emits the cached history of every network as one stream ordered
// by checkpoint. Per-network producers yield blocks ascending; the merge
// picks the globally smallest checkpoint each round, so events interleave
// across chains exactly as their timestamps dictate.
func (e *Engine) replay(ctx context.Context, heads []uint64) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type producer struct {
		ch  chan *events.BlockEvent
		err error
	}

	producers := make([]*producer, len(e.runtimes))
	done := make(chan struct{})
	var pending int
	for i, rt := range e.runtimes {
		p := &producer{ch: make(chan *events.BlockEvent, 64)}
		producers[i] = p
		pending++
		go func(rt *runtime, head uint64, p *producer) {
			p.err = rt.replayBlocks(ctx, e.store, head, e.replayChunk, e.logger)(p.ch)
			done <- struct{}{}
		}(rt, heads[i], p)
	}

	// Merge: hold the next block of each network, emit the smallest.
	current := make([]*events.BlockEvent, len(producers))
	open := make([]bool, len(producers))
	for i, p := range producers {
		if be, ok := <-p.ch; ok {
			current[i] = be
			open[i] = true
		}
	}

	var mergeErr error
	for {
		min := -1
		for i := range current {
			if current[i] == nil {
				continue
			}
			if min < 0 || checkpoint.Less(current[i].Checkpoint, current[min].Checkpoint) {
				min = i
			}
		}
		if min < 0 {
			break
		}

		if err := e.stream.Send(ctx, current[min]); err != nil {
			mergeErr = err
			cancel()
			break
		}

		if be, ok := <-producers[min].ch; ok {
			current[min] = be
		} else {
			current[min] = nil
			open[min] = false
		}
	}

	// Drain remaining producer output so their goroutines can exit.
	for i, p := range producers {
		if open[i] || current[i] != nil {
			for range p.ch {
			}
		}
	}
	for ; pending > 0; pending-- {
		<-done
	}

	if mergeErr != nil {
		return mergeErr
	}
	for _, p := range producers {
		if p.err != nil && !errors.Is(p.err, context.Canceled) {
			return p.err
		}
	}
	return nil
}

// replayBlocks returns a function streaming the network's cached blocks
// ascending into out, closing it when done.
func (rt *runtime) replayBlocks(ctx context.Context, st store.Store, head uint64, chunk uint64, logger *zap.Logger) func(chan<- *events.BlockEvent) error {
	return func(out chan<- *events.BlockEvent) error {
		defer close(out)

		lo, ok := rt.replayStart()
		if !ok || lo > head {
			return nil
		}
		for start := lo; ; {
			end := start + chunk - 1
			if end > head || end < start {
				end = head
			}
			if err := rt.replayRange(ctx, st, start, end, out, logger); err != nil {
				return err
			}
			if end >= head {
				return nil
			}
			start = end + 1
		}
	}
}

// replayStart returns the lowest block any source wants.
func (rt *runtime) replayStart() (uint64, bool) {
	if len(rt.sources) == 0 {
		return 0, false
	}
	lo := rt.sources[0].FromBlock
	for _, src := range rt.sources[1:] {
		if src.FromBlock < lo {
			lo = src.FromBlock
		}
	}
	return lo, true
}

func (rt *runtime) replayRange(ctx context.Context, st store.Store, from, to uint64, out chan<- *events.BlockEvent, logger *zap.Logger) error {
	chainID := rt.network.ChainID

	logs, err := st.LogsInRange(chainID, from, to)
	if err != nil {
		return err
	}
	traces, err := st.TracesInRange(chainID, from, to)
	if err != nil {
		return err
	}

	numbers := rt.blockNumbers(from, to, logs, traces)

	logIdx, traceIdx := 0, 0
	for _, n := range numbers {
		header, err := st.GetHeader(chainID, n)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// Data without its header cannot be sequenced; skip
				// rather than stall the replay.
				logger.Warn("missing cached header, skipping block",
					zap.String("network", rt.network.Name),
					zap.Uint64("block", n))
				continue
			}
			return err
		}

		blockLogs := takeBlock(logs, &logIdx, n, func(l *types.Log) uint64 { return l.BlockNumber })
		blockTraces := takeBlock(traces, &traceIdx, n, func(t *source.Trace) uint64 { return t.BlockNumber })

		var txs []source.Transaction
		if rt.hasTransactionSources() {
			txs = source.TransactionsFromTraces(blockTraces)
		}

		evs := rt.extractor.Extract(header, blockLogs, blockTraces, txs)
		if len(evs) == 0 {
			continue
		}

		be := &events.BlockEvent{
			Network:    rt.network.Name,
			ChainID:    chainID,
			Checkpoint: events.MaxForBlock(chainID, header),
			Events:     evs,
			Status: events.Status{
				BlockNumber:    n,
				BlockTimestamp: header.Time,
			},
		}
		select {
		case out <- be:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// blockNumbers collects the ascending distinct block numbers that have
// cached data or are selected by a block-interval source within [from, to].
func (rt *runtime) blockNumbers(from, to uint64, logs []types.Log, traces []source.Trace) []uint64 {
	set := make(map[uint64]struct{})
	for i := range logs {
		set[logs[i].BlockNumber] = struct{}{}
	}
	for i := range traces {
		set[traces[i].BlockNumber] = struct{}{}
	}
	for _, src := range rt.sources {
		if src.Kind != source.KindBlock {
			continue
		}
		lo, hi := from, to
		if src.FromBlock > lo {
			lo = src.FromBlock
		}
		if src.ToBlock != 0 && src.ToBlock < hi {
			hi = src.ToBlock
		}
		for n := lo; n <= hi; n++ {
			if src.MatchBlockNumber(n) {
				set[n] = struct{}{}
			}
		}
	}

	numbers := make([]uint64, 0, len(set))
	for n := range set {
		numbers = append(numbers, n)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	return numbers
}

func (rt *runtime) hasTransactionSources() bool {
	for _, src := range rt.sources {
		if src.Kind == source.KindTransaction {
			return true
		}
	}
	return false
}

// takeBlock advances idx through rows sorted by block number and returns the
// rows belonging to block n.
func takeBlock[T any](rows []T, idx *int, n uint64, blockOf func(*T) uint64) []T {
	for *idx < len(rows) && blockOf(&rows[*idx]) < n {
		*idx++
	}
	start := *idx
	for *idx < len(rows) && blockOf(&rows[*idx]) == n {
		*idx++
	}
	return rows[start:*idx]
}
