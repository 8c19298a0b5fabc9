package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/chainsync-io/chainsync/source"
)

const prefixTraces = "/cache/traces/"

// TraceKey returns the key for a cached call trace, ordered like LogKey.
// Format: /cache/traces/{chainID:be64}/{block:be64}/{txIndex:be64}/{traceIndex:be64}
func TraceKey(chainID, block, txIndex, traceIndex uint64) []byte {
	key := make([]byte, 0, len(prefixTraces)+4*8+3)
	key = append(key, prefixTraces...)
	key = append(key, EncodeUint64(chainID)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(block)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(txIndex)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(traceIndex)...)
	return key
}

// TraceKeyRange returns [start, end) bounds covering blocks from..to
// inclusive for one chain.
func TraceKeyRange(chainID, from, to uint64) ([]byte, []byte) {
	start := make([]byte, 0, len(prefixTraces)+2*8+1)
	start = append(start, prefixTraces...)
	start = append(start, EncodeUint64(chainID)...)
	start = append(start, '/')
	start = append(start, EncodeUint64(from)...)

	end := make([]byte, 0, len(prefixTraces)+2*8+1)
	end = append(end, prefixTraces...)
	end = append(end, EncodeUint64(chainID)...)
	end = append(end, '/')
	end = append(end, EncodeUint64(to+1)...)
	return start, end
}

// PutTraces stores call traces keyed in checkpoint order.
func (s *PebbleStore) PutTraces(chainID uint64, traces []source.Trace) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	if len(traces) == 0 {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for i := range traces {
		tr := &traces[i]
		key := TraceKey(chainID, tr.BlockNumber, tr.TransactionIndex, tr.TraceIndex)
		data, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("failed to encode trace %d/%d: %w", tr.BlockNumber, tr.TraceIndex, err)
		}
		if err := batch.Set(key, data, nil); err != nil {
			return fmt.Errorf("failed to write trace %d/%d: %w", tr.BlockNumber, tr.TraceIndex, err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit traces: %w", err)
	}
	return nil
}

// TracesInRange returns cached traces for blocks in [from, to], ascending
// by (block, txIndex, traceIndex).
func (s *PebbleStore) TracesInRange(chainID, from, to uint64) ([]source.Trace, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lower, upper := TraceKeyRange(chainID, from, to)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var out []source.Trace
	for iter.First(); iter.Valid(); iter.Next() {
		var tr source.Trace
		if err := json.Unmarshal(iter.Value(), &tr); err != nil {
			return nil, fmt.Errorf("corrupt cached trace: %w", err)
		}
		out = append(out, tr)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("trace iteration failed: %w", err)
	}
	return out, nil
}
