// Package source defines the configured event sources and the pure
// filter-matching engine that decides which raw chain objects belong to
// which source.
package source

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Network describes one chain the engine synchronizes. Immutable after
// construction.
type Network struct {
	// Name is the unique configuration name of the network.
	Name string

	// ChainID is the numeric chain identifier.
	ChainID uint64

	// PollingInterval is the realtime head poll period.
	PollingInterval time.Duration

	// MaxRPS caps outgoing RPC requests per second.
	MaxRPS float64

	// FinalityDepth is the number of blocks behind head after which a
	// block is assumed immutable.
	FinalityDepth uint64

	// BlockLimit is the maximum block span of a single log-fetch call.
	BlockLimit uint64
}

// Validate checks the network parameters.
func (n *Network) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("network name is required")
	}
	if n.ChainID == 0 {
		return fmt.Errorf("network %s: chain id is required", n.Name)
	}
	if n.PollingInterval <= 0 {
		return fmt.Errorf("network %s: polling interval must be positive", n.Name)
	}
	if n.FinalityDepth == 0 {
		return fmt.Errorf("network %s: finality depth must be positive", n.Name)
	}
	if n.BlockLimit == 0 {
		return fmt.Errorf("network %s: block limit must be positive", n.Name)
	}
	return nil
}

// Kind discriminates the source variants.
type Kind int

const (
	KindLog Kind = iota + 1
	KindTrace
	KindTransaction
	KindTransfer
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindTrace:
		return "trace"
	case KindTransaction:
		return "transaction"
	case KindTransfer:
		return "transfer"
	case KindBlock:
		return "block"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Source is one configured logical event source. Immutable once built.
type Source struct {
	// Name is the unique configuration name of the source.
	Name string

	// Network is the owning network's name.
	Network string

	// ChainID mirrors the owning network's chain id.
	ChainID uint64

	Kind Kind

	// FromBlock and ToBlock bound the source's block range.
	// ToBlock == 0 means unbounded.
	FromBlock uint64
	ToBlock   uint64

	// Address constrains the log emitter (log sources).
	Address AddressSpec

	// Topics holds up to four topic slots. A nil slot matches anything,
	// otherwise any value in the slot matches.
	Topics [4][]common.Hash

	// FromAddress and ToAddress constrain call participants
	// (trace, transaction and transfer sources).
	FromAddress AddressSpec
	ToAddress   AddressSpec

	// CallType restricts traces to a call type ("call", "delegatecall", ...).
	// Empty matches any.
	CallType string

	// Interval and Offset select block numbers for block sources:
	// (number - Offset) % Interval == 0.
	Interval uint64
	Offset   uint64
}

// ID returns the stable identity used for cached interval records.
func (s *Source) ID() string {
	return fmt.Sprintf("%d/%s/%s", s.ChainID, s.Kind, s.Name)
}

// Validate checks the source definition against its kind.
func (s *Source) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name is required")
	}
	if s.Network == "" {
		return fmt.Errorf("source %s: network is required", s.Name)
	}
	if s.ToBlock != 0 && s.FromBlock > s.ToBlock {
		return fmt.Errorf("source %s: fromBlock %d greater than toBlock %d", s.Name, s.FromBlock, s.ToBlock)
	}

	switch s.Kind {
	case KindLog, KindTrace, KindTransaction, KindTransfer:
	case KindBlock:
		if s.Interval == 0 {
			return fmt.Errorf("source %s: block interval must be positive", s.Name)
		}
		if s.Offset >= s.Interval {
			return fmt.Errorf("source %s: offset %d must be less than interval %d", s.Name, s.Offset, s.Interval)
		}
	default:
		return fmt.Errorf("source %s: unknown kind %d", s.Name, int(s.Kind))
	}
	return nil
}

// InRange applies the block-range gate common to every source kind.
func (s *Source) InRange(blockNumber uint64) bool {
	if blockNumber < s.FromBlock {
		return false
	}
	if s.ToBlock != 0 && blockNumber > s.ToBlock {
		return false
	}
	return true
}

// Trace is the flattened view of a call trace the matcher operates on.
type Trace struct {
	BlockNumber      uint64
	TransactionIndex uint64
	TraceIndex       uint64
	From             common.Address
	To               *common.Address
	CallType         string
	Input            []byte
	Value            *big.Int
}

// Transaction is the flattened view of a transaction the matcher operates on.
type Transaction struct {
	BlockNumber uint64
	Index       uint64
	From        common.Address
	To          *common.Address
	Input       []byte
	Value       *big.Int
}

// TransactionsFromTraces projects the top-level call trace of each
// transaction into the transaction view. Traces must be ordered by
// (block, transaction index, trace index); the first trace seen for a
// transaction is its top-level call.
func TransactionsFromTraces(traces []Trace) []Transaction {
	type txKey struct {
		block uint64
		index uint64
	}
	seen := make(map[txKey]struct{})
	var out []Transaction
	for i := range traces {
		tr := &traces[i]
		key := txKey{block: tr.BlockNumber, index: tr.TransactionIndex}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, Transaction{
			BlockNumber: tr.BlockNumber,
			Index:       tr.TransactionIndex,
			From:        tr.From,
			To:          tr.To,
			Input:       tr.Input,
			Value:       tr.Value,
		})
	}
	return out
}
