// Package checkpoint defines the total-order key used to sequence events
// originating from any number of chains. A checkpoint encodes to a
// fixed-width byte string whose lexicographic order equals the in-memory
// order, so range scans over persisted checkpoints agree with Compare.
package checkpoint

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// EventType is a stable tie-breaker for events sharing the same
// timestamp, chain, block and transaction index.
type EventType uint8

const (
	EventTypeBlock EventType = iota + 1
	EventTypeLog
	EventTypeTransactionFrom
	EventTypeTransactionTo
	EventTypeTransferFrom
	EventTypeTransferTo
	EventTypeTrace
)

// EncodedLen is the length of an encoded checkpoint in bytes:
// five uint64 fields plus one byte for the event type.
const EncodedLen = 5*8 + 1

// Checkpoint imposes a total order over cross-chain events.
// Fields compare lexicographically in declaration order.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          uint64
	BlockNumber      uint64
	TransactionIndex uint64
	EventType        EventType
	EventIndex       uint64
}

// Zero is the minimum checkpoint, denoting the beginning of time.
var Zero = Checkpoint{}

// MaxValue is the maximum representable checkpoint.
var MaxValue = Checkpoint{
	BlockTimestamp:   ^uint64(0),
	ChainID:          ^uint64(0),
	BlockNumber:      ^uint64(0),
	TransactionIndex: ^uint64(0),
	EventType:        ^EventType(0),
	EventIndex:       ^uint64(0),
}

// DecodeError reports a malformed encoded checkpoint.
type DecodeError struct {
	Len int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("checkpoint: invalid encoded length %d, want %d", e.Len, EncodedLen)
}

// Encode serializes the checkpoint to a fixed-width big-endian byte string.
// The encoding is injective and order-preserving under bytes.Compare.
func (c Checkpoint) Encode() []byte {
	buf := make([]byte, EncodedLen)
	binary.BigEndian.PutUint64(buf[0:8], c.BlockTimestamp)
	binary.BigEndian.PutUint64(buf[8:16], c.ChainID)
	binary.BigEndian.PutUint64(buf[16:24], c.BlockNumber)
	binary.BigEndian.PutUint64(buf[24:32], c.TransactionIndex)
	buf[32] = byte(c.EventType)
	binary.BigEndian.PutUint64(buf[33:41], c.EventIndex)
	return buf
}

// Decode parses a checkpoint produced by Encode.
func Decode(data []byte) (Checkpoint, error) {
	if len(data) != EncodedLen {
		return Checkpoint{}, &DecodeError{Len: len(data)}
	}
	return Checkpoint{
		BlockTimestamp:   binary.BigEndian.Uint64(data[0:8]),
		ChainID:          binary.BigEndian.Uint64(data[8:16]),
		BlockNumber:      binary.BigEndian.Uint64(data[16:24]),
		TransactionIndex: binary.BigEndian.Uint64(data[24:32]),
		EventType:        EventType(data[32]),
		EventIndex:       binary.BigEndian.Uint64(data[33:41]),
	}, nil
}

// Compare returns -1, 0 or 1 ordering a relative to b.
func Compare(a, b Checkpoint) int {
	switch {
	case a.BlockTimestamp != b.BlockTimestamp:
		return cmpUint64(a.BlockTimestamp, b.BlockTimestamp)
	case a.ChainID != b.ChainID:
		return cmpUint64(a.ChainID, b.ChainID)
	case a.BlockNumber != b.BlockNumber:
		return cmpUint64(a.BlockNumber, b.BlockNumber)
	case a.TransactionIndex != b.TransactionIndex:
		return cmpUint64(a.TransactionIndex, b.TransactionIndex)
	case a.EventType != b.EventType:
		return cmpUint64(uint64(a.EventType), uint64(b.EventType))
	case a.EventIndex != b.EventIndex:
		return cmpUint64(a.EventIndex, b.EventIndex)
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

// Less reports whether a orders strictly before b.
func Less(a, b Checkpoint) bool {
	return Compare(a, b) < 0
}

// Min returns the smaller of two checkpoints.
func Min(a, b Checkpoint) Checkpoint {
	if Compare(a, b) <= 0 {
		return a
	}
	return b
}

// Max returns the larger of two checkpoints.
func Max(a, b Checkpoint) Checkpoint {
	if Compare(a, b) >= 0 {
		return a
	}
	return b
}

// String returns the hex form of the encoded checkpoint, used in logs.
func (c Checkpoint) String() string {
	return hex.EncodeToString(c.Encode())
}
