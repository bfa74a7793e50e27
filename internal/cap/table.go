// Package cap implements per-task capability tables.
//
// A capability handle names a slot in one task's table. A slot is allocated
// first and published later; only published slots are visible to lookups.
// Unpublishing hides a slot again and hands its kobject reference back to the
// caller, who must either republish or release it. Handles carry the slot's
// generation, so a handle that outlived its slot is rejected instead of
// silently naming whatever reused the slot.
package cap

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/kobject"
	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// Handle names a capability slot: generation in the upper half, slot index
// plus one in the lower half.
type Handle uint64

// Nil is the handle value that never names a slot.
const Nil Handle = 0

func makeHandle(gen uint32, index int) Handle {
	return Handle(uint64(gen)<<32 | uint64(index+1))
}

func (h Handle) split() (uint32, int) {
	return uint32(h >> 32), int(uint32(h)) - 1
}

// Valid reports whether h could name a slot at all.
func (h Handle) Valid() bool {
	return h != Nil && uint32(h) != 0
}

func (h Handle) String() string {
	if !h.Valid() {
		return "cap(nil)"
	}
	gen, idx := h.split()
	return fmt.Sprintf("cap(%d@%d)", idx, gen)
}

type slotState uint8

const (
	slotFree slotState = iota
	slotAllocated
	slotPublished
)

type slot struct {
	gen   uint32
	state slotState
	obj   *kobject.Kobject
}

// Table is a task's capability table.
type Table struct {
	mu    sync.Mutex
	slots []slot
	free  []int
	max   int
	used  int
}

// NewTable creates an empty table holding at most max capabilities.
func NewTable(max int) *Table {
	return &Table{max: max}
}

// lookup returns the slot named by h or nil. Caller holds t.mu.
func (t *Table) lookup(h Handle) *slot {
	if !h.Valid() {
		return nil
	}
	gen, idx := h.split()
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if s.gen != gen || s.state == slotFree {
		return nil
	}
	return s
}

// Alloc reserves a slot. The slot stays invisible until published.
func (t *Table) Alloc() (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.used >= t.max {
		return Nil, errno.ENOMEM
	}

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot{})
		idx = len(t.slots) - 1
	}

	s := &t.slots[idx]
	s.gen++
	s.state = slotAllocated
	t.used++
	return makeHandle(s.gen, idx), nil
}

// Free releases an allocated, unpublished slot.
func (t *Table) Free(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil || s.state != slotAllocated {
		panic(fmt.Sprintf("cap: free of %s which is not an allocated slot", h))
	}
	_, idx := h.split()
	s.state = slotFree
	s.obj = nil
	t.free = append(t.free, idx)
	t.used--
}

// Publish makes k visible under h. The table takes over one reference.
func (t *Table) Publish(h Handle, k *kobject.Kobject) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil || s.state != slotAllocated {
		panic(fmt.Sprintf("cap: publish to %s which is not an allocated slot", h))
	}
	s.obj = k
	s.state = slotPublished
}

// Unpublish hides h and returns its kobject together with the table's
// reference. The slot stays allocated until freed.
func (t *Table) Unpublish(h Handle, typ kobject.Type) (*kobject.Kobject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil || s.state != slotPublished || s.obj.Type() != typ {
		return nil, errno.ENOENT
	}
	k := s.obj
	s.obj = nil
	s.state = slotAllocated
	return k, nil
}

// Get returns the kobject published under h with an extra reference, which
// the caller must put.
func (t *Table) Get(h Handle, typ kobject.Type) (*kobject.Kobject, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil || s.state != slotPublished || s.obj.Type() != typ {
		return nil, errno.ENOENT
	}
	s.obj.AddRef()
	return s.obj, nil
}

// Apply calls fn for every handle that was published with an object of type
// typ when Apply started. The table lock is not held while fn runs, so fn may
// unpublish and free the handle it is given. Iteration stops when fn returns
// false.
func (t *Table) Apply(typ kobject.Type, fn func(h Handle) bool) {
	t.mu.Lock()
	var handles []Handle
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == slotPublished && s.obj.Type() == typ {
			handles = append(handles, makeHandle(s.gen, i))
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		if !fn(h) {
			return
		}
	}
}

// Count returns the number of slots in use, published or not.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}
