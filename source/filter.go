package source

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TopicFragment is one concrete topic combination of a log source. A source
// with value sets in its topic slots expands into the cartesian product of
// those values; the source matches a log iff any fragment matches. This
// mirrors how the RPC layer splits one logical filter into several
// eth_getLogs fragments that must be reunified into a single decision.
type TopicFragment [4]*common.Hash

// TopicFragments expands the source's topic slots into concrete fragments.
// A source with no topic constraints yields a single all-wildcard fragment.
func (s *Source) TopicFragments() []TopicFragment {
	fragments := []TopicFragment{{}}
	for slot := 0; slot < 4; slot++ {
		values := s.Topics[slot]
		if len(values) == 0 {
			continue
		}
		expanded := make([]TopicFragment, 0, len(fragments)*len(values))
		for _, frag := range fragments {
			for i := range values {
				next := frag
				next[slot] = &values[i]
				expanded = append(expanded, next)
			}
		}
		fragments = expanded
	}
	return fragments
}

func (f TopicFragment) match(topics []common.Hash) bool {
	for slot := 0; slot < 4; slot++ {
		want := f[slot]
		if want == nil {
			continue
		}
		if len(topics) <= slot || topics[slot] != *want {
			return false
		}
	}
	return true
}

// MatchLog reports whether a raw log belongs to this log source. Factory
// address specs delegate to reg, the registry of discovered addresses.
func (s *Source) MatchLog(log *types.Log, reg *Registry) bool {
	if s.Kind != KindLog {
		return false
	}
	if !s.InRange(log.BlockNumber) {
		return false
	}
	if !s.Address.Match(log.Address, reg) {
		return false
	}
	for _, frag := range s.TopicFragments() {
		if frag.match(log.Topics) {
			return true
		}
	}
	return false
}

// MatchTrace reports whether a call trace belongs to this trace source.
func (s *Source) MatchTrace(tr *Trace, reg *Registry) bool {
	if s.Kind != KindTrace {
		return false
	}
	if !s.InRange(tr.BlockNumber) {
		return false
	}
	if s.CallType != "" && s.CallType != tr.CallType {
		return false
	}
	return s.matchParticipants(tr.From, tr.To, reg)
}

// MatchTransaction reports whether a transaction belongs to this
// transaction source.
func (s *Source) MatchTransaction(tx *Transaction, reg *Registry) bool {
	if s.Kind != KindTransaction {
		return false
	}
	if !s.InRange(tx.BlockNumber) {
		return false
	}
	return s.matchParticipants(tx.From, tx.To, reg)
}

// MatchTransfer reports whether a trace is a native-currency transfer
// belonging to this transfer source. Transfers carry no call input data;
// a trace with input is a contract call, not a transfer.
func (s *Source) MatchTransfer(tr *Trace, reg *Registry) bool {
	if s.Kind != KindTransfer {
		return false
	}
	if !s.InRange(tr.BlockNumber) {
		return false
	}
	if len(tr.Input) != 0 {
		return false
	}
	return s.matchParticipants(tr.From, tr.To, reg)
}

// MatchBlockNumber reports whether a block number is selected by this
// block-interval source: (number - offset) % interval == 0.
func (s *Source) MatchBlockNumber(number uint64) bool {
	if s.Kind != KindBlock {
		return false
	}
	if !s.InRange(number) {
		return false
	}
	if number < s.Offset {
		return false
	}
	return (number-s.Offset)%s.Interval == 0
}

func (s *Source) matchParticipants(from common.Address, to *common.Address, reg *Registry) bool {
	if !s.FromAddress.Match(from, reg) {
		return false
	}
	if s.ToAddress.Kind == AddressAny {
		return true
	}
	if to == nil {
		// Contract creation has no recipient.
		return false
	}
	return s.ToAddress.Match(*to, reg)
}
