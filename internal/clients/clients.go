// Package clients tracks registered resource clients by id.
//
// The executing side allocates ids from the table; the calling side binds the
// ids the executing side hands back so local handles resolve without a scan.
package clients

import (
	"fmt"
	"slices"
	"sync"

	"github.com/danmuck/rmbridge/internal/protocol"
	"github.com/juju/errors"
	"github.com/samber/lo"
)

const (
	ErrTableFull     = errors.ConstError("clients: table full")
	ErrUnknownClient = errors.ConstError("clients: unknown client")
	ErrInvalidCap    = errors.ConstError("clients: capacity must be positive")
)

// Info is what a client declared at registration.
type Info struct {
	Type     uint32
	Priority uint32
	Desc     protocol.ClientDesc
	Owner    string
}

// Slot is one occupied table entry.
type Slot struct {
	ID    uint32
	Info  Info
	Value protocol.ResValue
}

// Table is a fixed-capacity id -> Slot map with a sorted free-id set.
type Table struct {
	mu    sync.Mutex
	cap   int
	slots map[uint32]*Slot
	free  []uint32
}

func NewTable(capacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCap, capacity)
	}
	free := make([]uint32, capacity)
	for i := range free {
		free[i] = uint32(i)
	}
	return &Table{cap: capacity, slots: make(map[uint32]*Slot, capacity), free: free}, nil
}

// Allocate claims the lowest free id for info.
func (t *Table) Allocate(info Info) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.slots) >= t.cap || len(t.free) == 0 {
		return Slot{}, ErrTableFull
	}
	id := t.free[0]
	t.free = t.free[1:]
	s := &Slot{ID: id, Info: info}
	t.slots[id] = s
	return *s, nil
}

// Bind returns the slot for an id assigned elsewhere, claiming one if the id
// is not yet known.
func (t *Table) Bind(id uint32, info Info) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.slots[id]; ok {
		return *s, nil
	}
	if len(t.slots) >= t.cap {
		return Slot{}, fmt.Errorf("%w: binding id %d", ErrTableFull, id)
	}
	if i, found := slices.BinarySearch(t.free, id); found {
		t.free = slices.Delete(t.free, i, i+1)
	}
	s := &Slot{ID: id, Info: info}
	t.slots[id] = s
	return *s, nil
}

func (t *Table) Lookup(id uint32) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	return *s, nil
}

// Update applies fn to the slot for id under the table lock.
func (t *Table) Update(id uint32, fn func(*Slot)) (Slot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[id]
	if !ok {
		return Slot{}, fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	fn(s)
	s.ID = id
	return *s, nil
}

func (t *Table) Free(id uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[id]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownClient, id)
	}
	delete(t.slots, id)
	if int(id) < t.cap {
		if i, found := slices.BinarySearch(t.free, id); !found {
			t.free = slices.Insert(t.free, i, id)
		}
	}
	return nil
}

// Reset frees every slot.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.slots)
	t.free = t.free[:0]
	for i := 0; i < t.cap; i++ {
		t.free = append(t.free, uint32(i))
	}
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

func (t *Table) Cap() int { return t.cap }

// Snapshot returns all occupied slots ordered by id.
func (t *Table) Snapshot() []Slot {
	t.mu.Lock()
	out := lo.Map(lo.Values(t.slots), func(s *Slot, _ int) Slot { return *s })
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b Slot) int { return int(a.ID) - int(b.ID) })
	return out
}
