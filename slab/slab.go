// Package slab implements a generation-checked arena.
//
// A Table hands out Handles instead of pointers. A Handle stays valid until
// the entry it names is removed; after that, the slot may be reused for a new
// entry, but the old Handle is stale and every lookup through it fails.
package slab

import (
	"fmt"
	"sync"
)

// Handle identifies an entry of a Table. The zero Handle is never issued.
type Handle struct {
	index      uint32
	generation uint32
}

// IsZero returns true for the zero Handle
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d#%d", h.index, h.generation)
}

type slot[T any] struct {
	value      T
	generation uint32
	occupied   bool
}

// Table is an arena of values of type T addressed by Handles.
//
// Table is safe for concurrent use.
type Table[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	count int
}

// Insert stores the value and returns its Handle
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var index uint32
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = uint32(len(t.slots))
		t.slots = append(t.slots, slot[T]{})
	}

	s := &t.slots[index]
	s.generation++
	if s.generation == 0 { // wrapped around; 0 is reserved for the zero Handle
		s.generation = 1
	}
	s.value = v
	s.occupied = true
	t.count++
	return Handle{index: index, generation: s.generation}
}

func (t *Table[T]) lookup(h Handle) *slot[T] {
	if h.IsZero() || int(h.index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[h.index]
	if !s.occupied || s.generation != h.generation {
		return nil
	}
	return s
}

// Get returns the value named by the Handle. The second return value is false
// if the Handle is stale or was never issued by this Table.
func (t *Table[T]) Get(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.lookup(h)
	if s == nil {
		var zero T
		return zero, false
	}
	return s.value, true
}

// Remove deletes the entry named by the Handle and returns its value. Any
// copies of the Handle become stale.
func (t *Table[T]) Remove(h Handle) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero T
	s := t.lookup(h)
	if s == nil {
		return zero, false
	}
	v := s.value
	s.value = zero
	s.occupied = false
	t.free = append(t.free, h.index)
	t.count--
	return v, true
}

// Len returns the number of live entries
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}
