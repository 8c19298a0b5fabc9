// Package engine orchestrates the full sync lifecycle: historical backfill
// of every network, a checkpoint-ordered replay of the cached history, and
// per-network realtime head following. Consumers read one ordered stream of
// block, reorg and finalize events.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/chainsync-io/chainsync/backfill"
	"github.com/chainsync-io/chainsync/events"
	"github.com/chainsync-io/chainsync/realtime"
	"github.com/chainsync-io/chainsync/source"
	"github.com/chainsync-io/chainsync/store"
)

// Client is the full RPC surface the engine needs per network.
type Client interface {
	GetHead(ctx context.Context) (*types.Header, error)
	GetHeaderByNumber(ctx context.Context, number uint64) (*types.Header, error)
	GetLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	GetTraces(ctx context.Context, number uint64) ([]source.Trace, error)
	BatchGetHeaders(ctx context.Context, numbers []uint64) ([]*types.Header, error)
}

// Network bundles one chain's configuration with its RPC client.
type Network struct {
	Network *source.Network
	Sources []*source.Source
	Client  Client
}

// Options holds engine-wide collaborators and tuning.
type Options struct {
	Store  store.Store
	Logger *zap.Logger

	// Metrics is the Prometheus registerer; nil disables metrics.
	Metrics prometheus.Registerer

	// StreamBuffer is the event stream capacity. Zero means 1024.
	StreamBuffer int

	// ReplayChunk is the block span loaded per replay round.
	// Zero means 10000.
	ReplayChunk uint64

	Backfill backfill.Config
}

// runtime is one network's wiring.
type runtime struct {
	network   *source.Network
	sources   []*source.Source
	client    Client
	extractor *events.Extractor
	planner   *backfill.Planner
	syncer    *realtime.Syncer
}

// Error is one failure surfaced on the engine's error channel. Fatal errors
// stop the engine; reloadable ones report a degraded network that the engine
// keeps retrying.
type Error struct {
	Network string
	Err     error
	Fatal   bool
}

func (e Error) Error() string {
	if e.Network == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("network %s: %s", e.Network, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

// Engine drives every configured network to completion and keeps them live.
type Engine struct {
	runtimes    []*runtime
	store       store.Store
	stream      *events.Stream
	logger      *zap.Logger
	replayChunk uint64
	errs        chan Error
}

// New validates the configuration and wires every network's runtime.
func New(networks []Network, opts Options) (*Engine, error) {
	if len(networks) == 0 {
		return nil, fmt.Errorf("at least one network is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	streamBuffer := opts.StreamBuffer
	if streamBuffer <= 0 {
		streamBuffer = 1024
	}
	replayChunk := opts.ReplayChunk
	if replayChunk == 0 {
		replayChunk = 10000
	}

	stream := events.NewStream(streamBuffer)
	var backfillMetrics *backfill.Metrics
	if opts.Metrics != nil {
		stream.SetMetrics(events.NewMetrics(opts.Metrics))
		backfillMetrics = backfill.NewMetrics(opts.Metrics)
	}

	e := &Engine{
		store:       opts.Store,
		stream:      stream,
		logger:      logger,
		replayChunk: replayChunk,
		errs:        make(chan Error, 32),
	}

	for _, n := range networks {
		if n.Client == nil {
			return nil, fmt.Errorf("network %s: client is required", n.Network.Name)
		}
		if err := n.Network.Validate(); err != nil {
			return nil, err
		}
		for _, src := range n.Sources {
			if err := src.Validate(); err != nil {
				return nil, err
			}
			if src.Network != n.Network.Name {
				return nil, fmt.Errorf("source %s belongs to network %s, not %s", src.Name, src.Network, n.Network.Name)
			}
		}

		extractor := events.NewExtractor(n.Network.ChainID, n.Sources)
		planner := backfill.NewPlanner(n.Network, n.Sources, n.Client, opts.Store, extractor, opts.Backfill, logger, backfillMetrics)
		networkName := n.Network.Name
		syncer, err := realtime.New(realtime.Config{
			Network:   n.Network,
			Sources:   n.Sources,
			Client:    n.Client,
			Store:     opts.Store,
			Extractor: extractor,
			Stream:    stream,
			Logger:    logger,
			OnDegraded: func(err error) {
				e.report(networkName, err, false)
			},
		})
		if err != nil {
			return nil, err
		}

		e.runtimes = append(e.runtimes, &runtime{
			network:   n.Network,
			sources:   n.Sources,
			client:    n.Client,
			extractor: extractor,
			planner:   planner,
			syncer:    syncer,
		})
	}
	return e, nil
}

// Events returns the ordered event stream. The channel closes once Run has
// fully stopped.
func (e *Engine) Events() <-chan events.StreamEvent {
	return e.stream.Events()
}

// Errors returns the error channel. Reloadable errors report degraded
// networks the engine keeps retrying; a fatal error precedes Run returning
// it. The channel closes when Run stops.
func (e *Engine) Errors() <-chan Error {
	return e.errs
}

// report pushes onto the error channel without ever blocking the sync path.
func (e *Engine) report(network string, err error, fatal bool) {
	select {
	case e.errs <- Error{Network: network, Err: err, Fatal: fatal}:
	default:
		e.logger.Warn("error channel full, dropping report",
			zap.String("network", network), zap.Error(err))
	}
}

// Status returns the per-network sync status, keyed by network name.
func (e *Engine) Status() map[string]events.Status {
	out := make(map[string]events.Status, len(e.runtimes))
	for _, rt := range e.runtimes {
		out[rt.network.Name] = rt.syncer.Status()
	}
	return out
}

// Progress returns the backfill progress of every source, keyed by source id.
func (e *Engine) Progress() map[string]backfill.Progress {
	out := make(map[string]backfill.Progress)
	for _, rt := range e.runtimes {
		for _, src := range rt.sources {
			out[src.ID()] = rt.planner.Progress(src.ID())
		}
	}
	return out
}

// Run executes the three phases. It returns on the first unrecoverable
// failure or, with a nil error, once the context is canceled. The event
// stream and error channel close before Run returns; stopping is idempotent
// across phases.
func (e *Engine) Run(ctx context.Context) error {
	err := e.run(ctx)
	if err != nil {
		e.report("", err, true)
	}
	close(e.errs)
	return err
}

func (e *Engine) run(ctx context.Context) error {
	defer e.stream.Close()

	// Phase 1: backfill every network to its current head.
	heads := make([]uint64, len(e.runtimes))
	err := e.parallel(ctx, func(ctx context.Context, i int) error {
		head, err := e.runtimes[i].planner.Run(ctx)
		if err != nil {
			return err
		}
		heads[i] = head
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("backfill phase complete")

	// Phase 2: replay cached history in checkpoint order across networks.
	if err := e.replay(ctx, heads); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	e.logger.Info("historical replay complete")

	// Phase 3: follow every head until shutdown.
	return e.parallel(ctx, func(ctx context.Context, i int) error {
		rt := e.runtimes[i]
		anchor, err := rt.client.GetHeaderByNumber(ctx, heads[i])
		if err != nil {
			return err
		}
		return rt.syncer.Run(ctx, anchor)
	})
}

// parallel runs fn once per network and returns the first failure, treating
// context cancellation as a clean stop. A failure cancels the siblings.
func (e *Engine) parallel(ctx context.Context, fn func(ctx context.Context, i int) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, len(e.runtimes))
	var wg sync.WaitGroup
	for i := range e.runtimes {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx, i); err != nil {
				errCh <- err
				cancel()
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}
