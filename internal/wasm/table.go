package internalwasm

import (
	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
)

// TableInstance is the funcref table of an instance. It is filled by element segments during instantiation and is
// read-only afterwards, so lookups don't synchronize.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	// elements are a function index plus one. Zero is an unfilled slot.
	elements []uint32
}

// NewTableInstance returns a table of size unfilled slots. Tables don't grow.
func NewTableInstance(size uint32) *TableInstance {
	return &TableInstance{elements: make([]uint32, size)}
}

// Len returns the count of slots.
func (t *TableInstance) Len() uint32 {
	return uint32(len(t.elements))
}

// set fills a slot during instantiation.
func (t *TableInstance) set(slot uint32, funcIdx uint32) {
	t.elements[slot] = funcIdx + 1
}

// Get is table.get: the funcref in slot, or a trap if the slot is out of range.
func (t *TableInstance) Get(slot uint32) uint64 {
	if slot >= uint32(len(t.elements)) {
		fabricir.Trap(api.TrapKindTableOutOfBounds)
	}
	return uint64(t.elements[slot])
}

// Lookup returns the function index in slot, or the kind of trap an indirect call through it raises.
func (t *TableInstance) Lookup(slot uint32) (uint32, api.TrapKind) {
	if slot >= uint32(len(t.elements)) {
		return 0, api.TrapKindTableOutOfBounds
	}
	e := t.elements[slot]
	if e == 0 {
		return 0, api.TrapKindUninitializedElement
	}
	return e - 1, 0
}
