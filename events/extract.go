package events

import (
	"sort"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainsync-io/chainsync/checkpoint"
	"github.com/chainsync-io/chainsync/source"
)

// MaxForBlock returns the maximal checkpoint attributable to a block. Every
// event inside the block orders at or below it, and every event of any later
// block orders strictly above it.
func MaxForBlock(chainID uint64, header *types.Header) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		BlockTimestamp:   header.Time,
		ChainID:          chainID,
		BlockNumber:      header.Number.Uint64(),
		TransactionIndex: ^uint64(0),
		EventType:        ^checkpoint.EventType(0),
		EventIndex:       ^uint64(0),
	}
}

// Extractor turns one block's raw objects into checkpoint-ordered events for
// the sources of a single network. It owns the factory address registries
// those sources discover children into.
type Extractor struct {
	chainID    uint64
	sources    []*source.Source
	registries map[string]*source.Registry
}

// NewExtractor builds an extractor for the given sources. All sources must
// belong to the same chain.
func NewExtractor(chainID uint64, sources []*source.Source) *Extractor {
	registries := make(map[string]*source.Registry)
	for _, src := range sources {
		if src.Address.Kind == source.AddressFactory ||
			src.FromAddress.Kind == source.AddressFactory ||
			src.ToAddress.Kind == source.AddressFactory {
			registries[src.Name] = source.NewRegistry()
		}
	}
	return &Extractor{
		chainID:    chainID,
		sources:    sources,
		registries: registries,
	}
}

// Registry returns the factory registry of a source, or nil when the source
// has no factory-bound address.
func (x *Extractor) Registry(name string) *source.Registry {
	return x.registries[name]
}

// Collect feeds logs through every factory spec so newly created child
// addresses become matchable. Children created earlier in a block match
// events later in the same block.
func (x *Extractor) Collect(logs []types.Log) {
	for _, src := range x.sources {
		reg := x.registries[src.Name]
		if reg == nil {
			continue
		}
		for _, spec := range []source.AddressSpec{src.Address, src.FromAddress, src.ToAddress} {
			if spec.Kind == source.AddressFactory {
				reg.Collect(spec.Factory, logs)
			}
		}
	}
}

// Extract matches the block's raw objects against every source and returns
// the resulting events sorted by checkpoint. Nil slices are fine for object
// kinds the caller did not fetch.
func (x *Extractor) Extract(header *types.Header, logs []types.Log, traces []source.Trace, txs []source.Transaction) []Event {
	x.Collect(logs)

	number := header.Number.Uint64()
	ts := header.Time
	var out []Event

	for _, src := range x.sources {
		reg := x.registries[src.Name]

		switch src.Kind {
		case source.KindLog:
			for i := range logs {
				log := &logs[i]
				if !src.MatchLog(log, reg) {
					continue
				}
				out = append(out, Event{
					Checkpoint: checkpoint.Checkpoint{
						BlockTimestamp:   ts,
						ChainID:          x.chainID,
						BlockNumber:      log.BlockNumber,
						TransactionIndex: uint64(log.TxIndex),
						EventType:        checkpoint.EventTypeLog,
						EventIndex:       uint64(log.Index),
					},
					SourceName: src.Name,
					Kind:       src.Kind,
					Log:        log,
				})
			}

		case source.KindTrace:
			for i := range traces {
				tr := &traces[i]
				if !src.MatchTrace(tr, reg) {
					continue
				}
				out = append(out, Event{
					Checkpoint: checkpoint.Checkpoint{
						BlockTimestamp:   ts,
						ChainID:          x.chainID,
						BlockNumber:      tr.BlockNumber,
						TransactionIndex: tr.TransactionIndex,
						EventType:        checkpoint.EventTypeTrace,
						EventIndex:       tr.TraceIndex,
					},
					SourceName: src.Name,
					Kind:       src.Kind,
					Trace:      tr,
				})
			}

		case source.KindTransfer:
			et := sideEventType(src, checkpoint.EventTypeTransferFrom, checkpoint.EventTypeTransferTo)
			for i := range traces {
				tr := &traces[i]
				if !src.MatchTransfer(tr, reg) {
					continue
				}
				out = append(out, Event{
					Checkpoint: checkpoint.Checkpoint{
						BlockTimestamp:   ts,
						ChainID:          x.chainID,
						BlockNumber:      tr.BlockNumber,
						TransactionIndex: tr.TransactionIndex,
						EventType:        et,
						EventIndex:       tr.TraceIndex,
					},
					SourceName: src.Name,
					Kind:       src.Kind,
					Trace:      tr,
				})
			}

		case source.KindTransaction:
			et := sideEventType(src, checkpoint.EventTypeTransactionFrom, checkpoint.EventTypeTransactionTo)
			for i := range txs {
				tx := &txs[i]
				if !src.MatchTransaction(tx, reg) {
					continue
				}
				out = append(out, Event{
					Checkpoint: checkpoint.Checkpoint{
						BlockTimestamp:   ts,
						ChainID:          x.chainID,
						BlockNumber:      tx.BlockNumber,
						TransactionIndex: tx.Index,
						EventType:        et,
						EventIndex:       0,
					},
					SourceName:  src.Name,
					Kind:        src.Kind,
					Transaction: tx,
				})
			}

		case source.KindBlock:
			if !src.MatchBlockNumber(number) {
				continue
			}
			out = append(out, Event{
				Checkpoint: checkpoint.Checkpoint{
					BlockTimestamp: ts,
					ChainID:        x.chainID,
					BlockNumber:    number,
					EventType:      checkpoint.EventTypeBlock,
				},
				SourceName: src.Name,
				Kind:       src.Kind,
				Header:     header,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return checkpoint.Less(out[i].Checkpoint, out[j].Checkpoint)
	})
	return out
}

// sideEventType picks the from- or to-side event type, preferring the side
// the source actually constrains.
func sideEventType(src *source.Source, from, to checkpoint.EventType) checkpoint.EventType {
	if src.FromAddress.Kind == source.AddressAny && src.ToAddress.Kind != source.AddressAny {
		return to
	}
	return from
}
