package internalwasm

import (
	"bytes"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
	"github.com/fabricwasm/fabric/wasm"
)

// MemoryInstance is the linear memory of an instance.
//
// The backing array is allocated once at the maximum size, so growing never relocates it and a guest access that
// passed its bounds check can't be invalidated by a concurrent grow. The accessible size is published with one atomic
// store, and read with one atomic load per access.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
type MemoryInstance struct {
	buffer []byte
	// size is the accessible length of buffer, in bytes.
	size atomic.Uint64
	// Min and Max are in pages. Max is the effective maximum the buffer was reserved for.
	Min, Max uint32
	growMux  sync.Mutex
}

// compile-time check to ensure MemoryInstance implements api.Memory
var _ api.Memory = &MemoryInstance{}

// NewMemoryInstance reserves max pages and makes the first min pages accessible.
func NewMemoryInstance(min, max uint32) *MemoryInstance {
	m := &MemoryInstance{
		buffer: make([]byte, MemoryPagesToBytesNum(max)),
		Min:    min,
		Max:    max,
	}
	m.size.Store(MemoryPagesToBytesNum(min))
	return m
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) uint64 {
	return uint64(pages) * uint64(wasm.MemoryPageSize)
}

// Size implements api.Memory Size
func (m *MemoryInstance) Size() uint32 {
	return uint32(m.size.Load())
}

// PageSize returns the accessible size in pages.
func (m *MemoryInstance) PageSize() uint32 {
	return uint32(m.size.Load() / uint64(wasm.MemoryPageSize))
}

// Grow implements api.Memory Grow
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	m.growMux.Lock()
	defer m.growMux.Unlock()

	current := m.size.Load() / uint64(wasm.MemoryPageSize)
	if next := current + uint64(deltaPages); next > uint64(m.Max) {
		return uint32(current), false
	} else if deltaPages > 0 {
		m.size.Store(MemoryPagesToBytesNum(uint32(next)))
	}
	return uint32(current), true
}

// GrowOrFail is memory.grow: the previous page count, or 0xffffffff (-1) on failure.
func (m *MemoryInstance) GrowOrFail(deltaPages uint32) uint32 {
	if prev, ok := m.Grow(deltaPages); ok {
		return prev
	}
	return 0xffffffff
}

// hasSize returns true if byteCount bytes at offset are accessible.
func (m *MemoryInstance) hasSize(offset uint64, byteCount uint64) bool {
	return offset+byteCount <= m.size.Load()
}

// ReadUint8 implements api.Memory ReadUint8
func (m *MemoryInstance) ReadUint8(offset uint32) (byte, bool) {
	if !m.hasSize(uint64(offset), 1) {
		return 0, false
	}
	return m.buffer[offset], true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(uint64(offset), 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.buffer[offset:]), true
}

// ReadUint64Le implements api.Memory ReadUint64Le
func (m *MemoryInstance) ReadUint64Le(offset uint32) (uint64, bool) {
	if !m.hasSize(uint64(offset), 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.buffer[offset:]), true
}

// Read implements api.Memory Read
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(uint64(offset), uint64(byteCount)) {
		return nil, false
	}
	return m.buffer[offset : offset+byteCount : offset+byteCount], true
}

// ReadCString implements api.Memory ReadCString
func (m *MemoryInstance) ReadCString(offset uint32) (string, bool) {
	size := m.size.Load()
	if uint64(offset) >= size {
		return "", false
	}
	window := m.buffer[offset:size]
	end := bytes.IndexByte(window, 0)
	if end < 0 {
		return "", false
	}
	return string(window[:end]), true
}

// WriteUint8 implements api.Memory WriteUint8
func (m *MemoryInstance) WriteUint8(offset uint32, v byte) bool {
	if !m.hasSize(uint64(offset), 1) {
		return false
	}
	m.buffer[offset] = v
	return true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(uint64(offset), 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.buffer[offset:], v)
	return true
}

// WriteUint64Le implements api.Memory WriteUint64Le
func (m *MemoryInstance) WriteUint64Le(offset uint32, v uint64) bool {
	if !m.hasSize(uint64(offset), 8) {
		return false
	}
	binary.LittleEndian.PutUint64(m.buffer[offset:], v)
	return true
}

// Write implements api.Memory Write
func (m *MemoryInstance) Write(offset uint32, v []byte) bool {
	if !m.hasSize(uint64(offset), uint64(len(v))) {
		return false
	}
	copy(m.buffer[offset:], v)
	return true
}

// effectiveAddress returns addr+offset, or traps if width bytes there aren't accessible.
func (m *MemoryInstance) effectiveAddress(addr uint32, offset uint64, width uint64) uint64 {
	ea := uint64(addr) + offset
	if ea+width > m.size.Load() {
		fabricir.Trap(api.TrapKindMemoryOutOfBounds)
	}
	return ea
}

// Load8 is the guest load of one byte at addr+offset.
func (m *MemoryInstance) Load8(addr uint32, offset uint64) byte {
	return m.buffer[m.effectiveAddress(addr, offset, 1)]
}

// Load16 is the guest load of two little-endian bytes at addr+offset.
func (m *MemoryInstance) Load16(addr uint32, offset uint64) uint16 {
	return binary.LittleEndian.Uint16(m.buffer[m.effectiveAddress(addr, offset, 2):])
}

// Load32 is the guest load of four little-endian bytes at addr+offset.
func (m *MemoryInstance) Load32(addr uint32, offset uint64) uint32 {
	return binary.LittleEndian.Uint32(m.buffer[m.effectiveAddress(addr, offset, 4):])
}

// Load64 is the guest load of eight little-endian bytes at addr+offset.
func (m *MemoryInstance) Load64(addr uint32, offset uint64) uint64 {
	return binary.LittleEndian.Uint64(m.buffer[m.effectiveAddress(addr, offset, 8):])
}

// Store8 is the guest store of one byte at addr+offset.
func (m *MemoryInstance) Store8(addr uint32, offset uint64, v byte) {
	m.buffer[m.effectiveAddress(addr, offset, 1)] = v
}

// Store16 is the guest store of two little-endian bytes at addr+offset.
func (m *MemoryInstance) Store16(addr uint32, offset uint64, v uint16) {
	binary.LittleEndian.PutUint16(m.buffer[m.effectiveAddress(addr, offset, 2):], v)
}

// Store32 is the guest store of four little-endian bytes at addr+offset.
func (m *MemoryInstance) Store32(addr uint32, offset uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.buffer[m.effectiveAddress(addr, offset, 4):], v)
}

// Store64 is the guest store of eight little-endian bytes at addr+offset.
func (m *MemoryInstance) Store64(addr uint32, offset uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.buffer[m.effectiveAddress(addr, offset, 8):], v)
}

// Load executes the load instruction op at addr+offset, returning the value extended to a slot.
func (m *MemoryInstance) Load(op wasm.Opcode, addr uint32, offset uint64) uint64 {
	switch op {
	case wasm.OpcodeI32Load, wasm.OpcodeF32Load, wasm.OpcodeI64Load32U:
		return uint64(m.Load32(addr, offset))
	case wasm.OpcodeI64Load, wasm.OpcodeF64Load:
		return m.Load64(addr, offset)
	case wasm.OpcodeI32Load8S:
		return uint64(uint32(int32(int8(m.Load8(addr, offset)))))
	case wasm.OpcodeI32Load8U, wasm.OpcodeI64Load8U:
		return uint64(m.Load8(addr, offset))
	case wasm.OpcodeI32Load16S:
		return uint64(uint32(int32(int16(m.Load16(addr, offset)))))
	case wasm.OpcodeI32Load16U, wasm.OpcodeI64Load16U:
		return uint64(m.Load16(addr, offset))
	case wasm.OpcodeI64Load8S:
		return uint64(int64(int8(m.Load8(addr, offset))))
	case wasm.OpcodeI64Load16S:
		return uint64(int64(int16(m.Load16(addr, offset))))
	case wasm.OpcodeI64Load32S:
		return uint64(int64(int32(m.Load32(addr, offset))))
	}
	panic("BUG: not a load: " + wasm.OpcodeName(op))
}

// Store executes the store instruction op of v at addr+offset.
func (m *MemoryInstance) Store(op wasm.Opcode, addr uint32, offset uint64, v uint64) {
	switch op {
	case wasm.OpcodeI32Store, wasm.OpcodeF32Store, wasm.OpcodeI64Store32:
		m.Store32(addr, offset, uint32(v))
	case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		m.Store64(addr, offset, v)
	case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		m.Store8(addr, offset, byte(v))
	case wasm.OpcodeI32Store16, wasm.OpcodeI64Store16:
		m.Store16(addr, offset, uint16(v))
	default:
		panic("BUG: not a store: " + wasm.OpcodeName(op))
	}
}
