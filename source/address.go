package source

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// AddressKind tags the address specification variants. Matching logic
// branches on this tag explicitly rather than via dynamic dispatch, so the
// matcher stays a pure function.
type AddressKind int

const (
	// AddressAny matches every address.
	AddressAny AddressKind = iota

	// AddressLiteral matches exactly one address.
	AddressLiteral

	// AddressSet matches any address in a configured set.
	AddressSet

	// AddressFactory matches addresses discovered dynamically from a
	// parent factory event, looked up in a Registry.
	AddressFactory
)

// Factory describes how child addresses are discovered from a parent event.
type Factory struct {
	// Address is the factory contract emitting the discovery events.
	Address common.Address

	// EventSelector is topic0 of the discovery event.
	EventSelector common.Hash

	// TopicIndex is the indexed topic (1..3) carrying the child address.
	// Zero means the address lives in the data section instead.
	TopicIndex int

	// DataWord is the 32-byte word offset into the event data holding the
	// child address, used when TopicIndex is zero.
	DataWord int
}

// AddressSpec constrains which addresses a source applies to.
type AddressSpec struct {
	Kind      AddressKind
	Addresses []common.Address
	Factory   *Factory
}

// LiteralAddress builds a single-address spec.
func LiteralAddress(addr common.Address) AddressSpec {
	return AddressSpec{Kind: AddressLiteral, Addresses: []common.Address{addr}}
}

// AddressesOf builds a set spec, or AddressAny for an empty list.
func AddressesOf(addrs ...common.Address) AddressSpec {
	if len(addrs) == 0 {
		return AddressSpec{Kind: AddressAny}
	}
	if len(addrs) == 1 {
		return LiteralAddress(addrs[0])
	}
	return AddressSpec{Kind: AddressSet, Addresses: addrs}
}

// FactoryAddress builds a factory spec.
func FactoryAddress(f Factory) AddressSpec {
	return AddressSpec{Kind: AddressFactory, Factory: &f}
}

// Validate checks internal consistency of the spec.
func (a AddressSpec) Validate() error {
	switch a.Kind {
	case AddressAny:
		return nil
	case AddressLiteral:
		if len(a.Addresses) != 1 {
			return fmt.Errorf("literal address spec requires exactly one address, got %d", len(a.Addresses))
		}
	case AddressSet:
		if len(a.Addresses) == 0 {
			return fmt.Errorf("address set spec requires at least one address")
		}
	case AddressFactory:
		if a.Factory == nil {
			return fmt.Errorf("factory address spec requires factory parameters")
		}
		if a.Factory.TopicIndex < 0 || a.Factory.TopicIndex > 3 {
			return fmt.Errorf("factory topic index %d out of range", a.Factory.TopicIndex)
		}
	default:
		return fmt.Errorf("unknown address spec kind %d", int(a.Kind))
	}
	return nil
}

// Match reports whether addr satisfies the spec. Factory specs consult the
// registry of discovered addresses; a nil registry matches nothing.
func (a AddressSpec) Match(addr common.Address, reg *Registry) bool {
	switch a.Kind {
	case AddressAny:
		return true
	case AddressLiteral, AddressSet:
		for _, want := range a.Addresses {
			if addr == want {
				return true
			}
		}
		return false
	case AddressFactory:
		return reg != nil && reg.Has(addr)
	default:
		return false
	}
}

// Extract pulls the child address out of a factory discovery log.
// The second return is false when the log is not a discovery event of this
// factory or the address parameter is missing.
func (f *Factory) Extract(log *types.Log) (common.Address, bool) {
	if log.Address != f.Address {
		return common.Address{}, false
	}
	if len(log.Topics) == 0 || log.Topics[0] != f.EventSelector {
		return common.Address{}, false
	}

	if f.TopicIndex > 0 {
		if len(log.Topics) <= f.TopicIndex {
			return common.Address{}, false
		}
		return common.BytesToAddress(log.Topics[f.TopicIndex].Bytes()), true
	}

	start := f.DataWord * 32
	if len(log.Data) < start+32 {
		return common.Address{}, false
	}
	return common.BytesToAddress(log.Data[start : start+32]), true
}

// Registry holds addresses discovered from factory events. One registry
// exists per factory source; the backfill and realtime paths both feed it.
type Registry struct {
	mu    sync.RWMutex
	addrs map[common.Address]struct{}
}

// NewRegistry creates an empty address registry.
func NewRegistry() *Registry {
	return &Registry{addrs: make(map[common.Address]struct{})}
}

// Collect scans logs for discovery events of the given factory and records
// every extracted child address. Returns the number of new addresses.
func (r *Registry) Collect(f *Factory, logs []types.Log) int {
	added := 0
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range logs {
		addr, ok := f.Extract(&logs[i])
		if !ok {
			continue
		}
		if _, exists := r.addrs[addr]; !exists {
			r.addrs[addr] = struct{}{}
			added++
		}
	}
	return added
}

// Add records a single discovered address.
func (r *Registry) Add(addr common.Address) {
	r.mu.Lock()
	r.addrs[addr] = struct{}{}
	r.mu.Unlock()
}

// Has reports whether addr was discovered.
func (r *Registry) Has(addr common.Address) bool {
	r.mu.RLock()
	_, ok := r.addrs[addr]
	r.mu.RUnlock()
	return ok
}

// Len returns the number of discovered addresses.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.addrs)
}
