package store

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes for the cached sync data.
const (
	prefixIntervals = "/cache/intervals/"
	prefixHeaders   = "/cache/headers/"
	prefixLogs      = "/cache/logs/"
)

// EncodeUint64 encodes a uint64 big-endian so byte order equals numeric order.
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes a big-endian uint64.
func DecodeUint64(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("invalid uint64 data length: %d", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// IntervalKey returns the key for a cached interval row.
// Format: /cache/intervals/{sourceID}\x00{start:be64}
// The NUL separator keeps one source id from being a prefix of another.
func IntervalKey(sourceID string, start uint64) []byte {
	key := make([]byte, 0, len(prefixIntervals)+len(sourceID)+1+8)
	key = append(key, prefixIntervals...)
	key = append(key, sourceID...)
	key = append(key, 0x00)
	key = append(key, EncodeUint64(start)...)
	return key
}

// IntervalKeyPrefix returns the iteration prefix for one source's intervals.
func IntervalKeyPrefix(sourceID string) []byte {
	key := make([]byte, 0, len(prefixIntervals)+len(sourceID)+1)
	key = append(key, prefixIntervals...)
	key = append(key, sourceID...)
	key = append(key, 0x00)
	return key
}

// HeaderKey returns the key for a cached block header.
// Format: /cache/headers/{chainID:be64}/{number:be64}
func HeaderKey(chainID, number uint64) []byte {
	key := make([]byte, 0, len(prefixHeaders)+8+1+8)
	key = append(key, prefixHeaders...)
	key = append(key, EncodeUint64(chainID)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(number)...)
	return key
}

// LogKey returns the key for a cached log. The component order matches
// checkpoint order so prefix iteration replays logs in checkpoint order.
// Format: /cache/logs/{chainID:be64}/{block:be64}/{txIndex:be64}/{logIndex:be64}
func LogKey(chainID, block, txIndex, logIndex uint64) []byte {
	key := make([]byte, 0, len(prefixLogs)+4*8+3)
	key = append(key, prefixLogs...)
	key = append(key, EncodeUint64(chainID)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(block)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(txIndex)...)
	key = append(key, '/')
	key = append(key, EncodeUint64(logIndex)...)
	return key
}

// LogKeyRange returns [start, end) bounds covering blocks from..to inclusive
// for one chain.
func LogKeyRange(chainID, from, to uint64) ([]byte, []byte) {
	start := make([]byte, 0, len(prefixLogs)+2*8+1)
	start = append(start, prefixLogs...)
	start = append(start, EncodeUint64(chainID)...)
	start = append(start, '/')
	start = append(start, EncodeUint64(from)...)

	end := make([]byte, 0, len(prefixLogs)+2*8+1)
	end = append(end, prefixLogs...)
	end = append(end, EncodeUint64(chainID)...)
	end = append(end, '/')
	end = append(end, EncodeUint64(to+1)...)
	return start, end
}

// PrefixUpperBound returns the exclusive upper bound for prefix iteration.
func PrefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
