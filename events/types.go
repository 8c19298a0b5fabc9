// Package events defines the ordered event stream the sync engine emits and
// the extraction step that turns raw chain data into checkpoint-ordered
// events.
package events

import (
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsync-io/chainsync/checkpoint"
	"github.com/chainsync-io/chainsync/source"
)

// Status describes how far a network's sync has progressed.
type Status struct {
	// BlockNumber is the latest locally processed block.
	BlockNumber uint64 `json:"blockNumber"`

	// BlockTimestamp is the timestamp of that block.
	BlockTimestamp uint64 `json:"blockTimestamp"`

	// Ready is true once the historical phase has completed and the
	// network is in realtime sync.
	Ready bool `json:"ready"`
}

// Event is a single matched occurrence attributed to one source. Exactly one
// of the payload pointers is set, according to the source kind.
type Event struct {
	Checkpoint checkpoint.Checkpoint

	// SourceName identifies the configured source that matched.
	SourceName string

	Kind source.Kind

	Log         *types.Log
	Trace       *source.Trace
	Transaction *source.Transaction
	Header      *types.Header
}

// StreamEvent is implemented by everything that flows on the stream.
type StreamEvent interface {
	// EventCheckpoint returns the checkpoint the event is keyed at.
	EventCheckpoint() checkpoint.Checkpoint

	// EventNetwork returns the emitting network's name.
	EventNetwork() string
}

// BlockEvent carries every matched event of one block, sorted by checkpoint.
type BlockEvent struct {
	Network    string
	ChainID    uint64
	Checkpoint checkpoint.Checkpoint
	Events     []Event
	Status     Status
}

func (e *BlockEvent) EventCheckpoint() checkpoint.Checkpoint { return e.Checkpoint }
func (e *BlockEvent) EventNetwork() string                   { return e.Network }

// ReorgEvent announces that everything above Checkpoint has been invalidated.
// Checkpoint is the maximal checkpoint of the common ancestor block.
type ReorgEvent struct {
	Network    string
	ChainID    uint64
	Checkpoint checkpoint.Checkpoint
}

func (e *ReorgEvent) EventCheckpoint() checkpoint.Checkpoint { return e.Checkpoint }
func (e *ReorgEvent) EventNetwork() string                   { return e.Network }

// FinalizeEvent announces that everything at or below Checkpoint is immutable.
type FinalizeEvent struct {
	Network    string
	ChainID    uint64
	Checkpoint checkpoint.Checkpoint
}

func (e *FinalizeEvent) EventCheckpoint() checkpoint.Checkpoint { return e.Checkpoint }
func (e *FinalizeEvent) EventNetwork() string                   { return e.Network }
