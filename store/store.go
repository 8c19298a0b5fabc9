// Package store persists the sync engine's cache: which block ranges each
// source has already fetched, deduplicated block headers, and raw logs for
// historical replay.
package store

import (
	"errors"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsync-io/chainsync/interval"
	"github.com/chainsync-io/chainsync/source"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store: closed")

	// ErrReadOnly indicates a write was attempted on a read-only store.
	ErrReadOnly = errors.New("store: read-only")
)

// Store is the cache store collaborator of the sync engine. Writes are
// idempotent: re-inserting an interval or header that already exists is a
// no-op, so retried backfill tasks cannot duplicate data.
type Store interface {
	// GetCachedIntervals returns the coalesced block ranges already
	// fetched for a source, sorted ascending.
	GetCachedIntervals(sourceID string) ([]interval.Interval, error)

	// InsertCachedInterval records that a range has been fetched,
	// merging with adjacent or overlapping cached ranges.
	InsertCachedInterval(sourceID string, iv interval.Interval) error

	// ClipCachedIntervals drops cached-range claims above max, so reorged
	// blocks get refetched after a restart.
	ClipCachedIntervals(sourceID string, max uint64) error

	// PutHeader stores a block header; at most one copy per block number.
	PutHeader(chainID uint64, header *types.Header) error

	// GetHeader returns a cached header or ErrNotFound.
	GetHeader(chainID, number uint64) (*types.Header, error)

	// HasHeader reports whether a header is already cached.
	HasHeader(chainID, number uint64) (bool, error)

	// PutLogs stores raw logs keyed in checkpoint order.
	PutLogs(chainID uint64, logs []types.Log) error

	// LogsInRange returns cached logs for blocks in [from, to],
	// ascending by (block, txIndex, logIndex).
	LogsInRange(chainID, from, to uint64) ([]types.Log, error)

	// PutTraces stores call traces keyed in checkpoint order.
	PutTraces(chainID uint64, traces []source.Trace) error

	// TracesInRange returns cached traces for blocks in [from, to],
	// ascending by (block, txIndex, traceIndex).
	TracesInRange(chainID, from, to uint64) ([]source.Trace, error)

	// DeleteAbove removes cached logs, traces and headers for blocks
	// strictly above number. Used to invalidate reorged data.
	DeleteAbove(chainID, number uint64) error

	Close() error
}
