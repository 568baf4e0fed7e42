package advertiser

import (
	"sync"

	"github.com/btstack/hci/hcidef"
)

// handleMap is the AdvertisingHandleMap of spec.md §3: a bidirectional
// {address <-> advertising handle} mapping over [0, capacity), allocating
// the next free handle on first use and allowing reuse after removal.
type handleMap struct {
	mu       sync.Mutex
	capacity int
	byAddr   map[hcidef.Address]uint8
	byHandle map[uint8]hcidef.Address
}

func newHandleMap(capacity int) *handleMap {
	return &handleMap{
		capacity: capacity,
		byAddr:   make(map[hcidef.Address]uint8),
		byHandle: make(map[uint8]hcidef.Address),
	}
}

// Allocate returns the handle for addr, allocating one if addr has none yet.
// ok is false if the map is at capacity (spec.md "AdvertisingHandlesExhausted").
func (m *handleMap) Allocate(addr hcidef.Address) (handle uint8, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, found := m.byAddr[addr]; found {
		return h, true
	}
	for h := 0; h < m.capacity; h++ {
		if _, used := m.byHandle[uint8(h)]; !used {
			m.byAddr[addr] = uint8(h)
			m.byHandle[uint8(h)] = addr
			return uint8(h), true
		}
	}
	return 0, false
}

// Remove releases addr's handle, if any, for reuse.
func (m *handleMap) Remove(addr hcidef.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, found := m.byAddr[addr]; found {
		delete(m.byAddr, addr)
		delete(m.byHandle, h)
	}
}

// AddressForHandle looks up the address owning handle.
func (m *handleMap) AddressForHandle(handle uint8) (hcidef.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byHandle[handle]
	return a, ok
}

// Addresses returns every address with an allocated handle.
func (m *handleMap) Addresses() []hcidef.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hcidef.Address, 0, len(m.byAddr))
	for a := range m.byAddr {
		out = append(out, a)
	}
	return out
}
