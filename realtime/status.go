package realtime

import (
	"sync"

	"github.com/chainsync-io/chainsync/events"
)

// statusTracker guards the network's sync status for concurrent readers.
type statusTracker struct {
	mu     sync.RWMutex
	status events.Status
}

func (t *statusTracker) set(blockNumber, blockTimestamp uint64, ready bool) {
	t.mu.Lock()
	t.status = events.Status{
		BlockNumber:    blockNumber,
		BlockTimestamp: blockTimestamp,
		Ready:          ready,
	}
	t.mu.Unlock()
}

func (t *statusTracker) get() events.Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}
