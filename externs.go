package fabric

import (
	"sync"

	"github.com/fabricwasm/fabric/api"
)

// Externs is an arena of host values handed to guests as externref handles. Guests can only pass the handles
// around, so the values themselves never cross into guest memory.
//
// A handle is the slot index plus one in its low 32 bits and the slot generation in its high 32 bits. Taking a value
// bumps the generation of its slot, so a stale handle is detected rather than aliasing the value stored next.
// Externs is safe for concurrent use.
type Externs[T any] struct {
	mux   sync.RWMutex
	slots []externSlot[T]
	free  []uint32
	count int
}

type externSlot[T any] struct {
	generation uint32
	used       bool
	value      T
}

// NewExterns returns an empty arena.
func NewExterns[T any]() *Externs[T] {
	return &Externs[T]{}
}

// Put stores v and returns its handle, which is never null.
func (e *Externs[T]) Put(v T) api.ExternRef {
	e.mux.Lock()
	defer e.mux.Unlock()

	var idx uint32
	if n := len(e.free); n > 0 {
		idx = e.free[n-1]
		e.free = e.free[:n-1]
	} else {
		idx = uint32(len(e.slots))
		e.slots = append(e.slots, externSlot[T]{})
	}
	s := &e.slots[idx]
	s.used, s.value = true, v
	e.count++
	return api.NewExternRef(uint64(s.generation)<<32 | uint64(idx+1))
}

// slot returns the index of the live slot of the handle.
func (e *Externs[T]) slot(ref api.ExternRef) (uint32, bool) {
	h := ref.Handle()
	low := uint32(h)
	if low == 0 || low > uint32(len(e.slots)) {
		return 0, false
	}
	idx := low - 1
	if s := &e.slots[idx]; !s.used || s.generation != uint32(h>>32) {
		return 0, false
	}
	return idx, true
}

// Get returns the value of the handle, or false if the handle is null, unknown or was taken.
func (e *Externs[T]) Get(ref api.ExternRef) (v T, ok bool) {
	e.mux.RLock()
	defer e.mux.RUnlock()
	idx, ok := e.slot(ref)
	if !ok {
		return v, false
	}
	return e.slots[idx].value, true
}

// Take removes and returns the value of the handle, or false if the handle is null, unknown or was taken.
func (e *Externs[T]) Take(ref api.ExternRef) (v T, ok bool) {
	e.mux.Lock()
	defer e.mux.Unlock()
	idx, ok := e.slot(ref)
	if !ok {
		return v, false
	}
	s := &e.slots[idx]
	v = s.value
	var zero T
	s.value, s.used = zero, false
	s.generation++
	e.free = append(e.free, idx)
	e.count--
	return v, true
}

// Len returns the count of stored values.
func (e *Externs[T]) Len() int {
	e.mux.RLock()
	defer e.mux.RUnlock()
	return e.count
}
