package internalwasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

// requireTrap runs fn, which must raise a trap of the kind.
func requireTrap(t *testing.T, kind api.TrapKind, fn func()) {
	defer func() {
		trap, ok := recover().(*api.TrapError)
		require.True(t, ok, "expected a trap")
		require.Equal(t, kind, trap.Kind)
	}()
	fn()
}

func TestMemoryPagesToBytesNum(t *testing.T) {
	for _, pages := range []uint32{0, 1, 5, 65536} {
		require.Equal(t, uint64(pages)*uint64(wasm.MemoryPageSize), MemoryPagesToBytesNum(pages))
	}
}

func TestMemoryInstance_Grow(t *testing.T) {
	m := NewMemoryInstance(1, 4)
	require.Equal(t, uint32(1), m.PageSize())
	require.Equal(t, uint32(65536), m.Size())

	prev, ok := m.Grow(2)
	require.True(t, ok)
	require.Equal(t, uint32(1), prev)
	require.Equal(t, uint32(3), m.PageSize())

	// Zero page grow is well-defined, returning the current page count.
	prev, ok = m.Grow(0)
	require.True(t, ok)
	require.Equal(t, uint32(3), prev)

	// Exceeding the maximum leaves the size unchanged.
	prev, ok = m.Grow(2)
	require.False(t, ok)
	require.Equal(t, uint32(3), prev)
	require.Equal(t, uint32(0xffffffff), m.GrowOrFail(2))
	require.Equal(t, uint32(3), m.GrowOrFail(1))
	require.Equal(t, uint32(4), m.PageSize())

	// The buffer was reserved at the maximum, so growing never moved it.
	require.Equal(t, MemoryPagesToBytesNum(4), uint64(len(m.buffer)))
}

func TestMemoryInstance_ReadWrite(t *testing.T) {
	m := NewMemoryInstance(1, 2)
	end := m.Size()

	require.True(t, m.WriteUint8(end-1, 0xff))
	require.False(t, m.WriteUint8(end, 0xff))
	b, ok := m.ReadUint8(end - 1)
	require.True(t, ok)
	require.Equal(t, byte(0xff), b)
	_, ok = m.ReadUint8(end)
	require.False(t, ok)

	require.True(t, m.WriteUint32Le(end-4, 0xdeadbeef))
	require.False(t, m.WriteUint32Le(end-3, 0))
	v32, ok := m.ReadUint32Le(end - 4)
	require.True(t, ok)
	require.Equal(t, uint32(0xdeadbeef), v32)
	_, ok = m.ReadUint32Le(end - 3)
	require.False(t, ok)

	require.True(t, m.WriteUint64Le(0, 0x0102030405060708))
	require.False(t, m.WriteUint64Le(end-7, 0))
	v64, ok := m.ReadUint64Le(0)
	require.True(t, ok)
	require.Equal(t, uint64(0x0102030405060708), v64)
	_, ok = m.ReadUint64Le(end - 7)
	require.False(t, ok)

	require.True(t, m.Write(10, []byte("hello")))
	require.False(t, m.Write(end-1, []byte("hello")))
	s, ok := m.Read(10, 5)
	require.True(t, ok)
	require.Equal(t, "hello", string(s))
	_, ok = m.Read(end-4, 5)
	require.False(t, ok)

	// The bytes above the size are reserved, but not accessible until grown.
	_, ok = m.ReadUint8(end + 1)
	require.False(t, ok)
	_, ok = m.Grow(1)
	require.True(t, ok)
	_, ok = m.ReadUint8(end + 1)
	require.True(t, ok)
}

func TestMemoryInstance_ReadCString(t *testing.T) {
	m := NewMemoryInstance(1, 1)
	require.True(t, m.Write(0, []byte("game\x00over")))

	s, ok := m.ReadCString(0)
	require.True(t, ok)
	require.Equal(t, "game", s)

	s, ok = m.ReadCString(4)
	require.True(t, ok)
	require.Equal(t, "", s)

	// No terminator before the end of memory.
	require.True(t, m.Write(m.Size()-2, []byte("ab")))
	_, ok = m.ReadCString(m.Size() - 2)
	require.False(t, ok)

	_, ok = m.ReadCString(m.Size())
	require.False(t, ok)
}

func TestMemoryInstance_LoadStore(t *testing.T) {
	m := NewMemoryInstance(1, 1)
	m.Store(wasm.OpcodeI64Store, 0, 0, 0xffffffff_fffffff0)

	tests := []struct {
		op       wasm.Opcode
		expected uint64
	}{
		{op: wasm.OpcodeI32Load8S, expected: 0xfffffff0},
		{op: wasm.OpcodeI32Load8U, expected: 0xf0},
		{op: wasm.OpcodeI32Load16S, expected: 0xfffffff0},
		{op: wasm.OpcodeI32Load16U, expected: 0xfff0},
		{op: wasm.OpcodeI32Load, expected: 0xfffffff0},
		{op: wasm.OpcodeI64Load8S, expected: 0xffffffff_fffffff0},
		{op: wasm.OpcodeI64Load8U, expected: 0xf0},
		{op: wasm.OpcodeI64Load16S, expected: 0xffffffff_fffffff0},
		{op: wasm.OpcodeI64Load32S, expected: 0xffffffff_fffffff0},
		{op: wasm.OpcodeI64Load32U, expected: 0xfffffff0},
		{op: wasm.OpcodeI64Load, expected: 0xffffffff_fffffff0},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(wasm.OpcodeName(tc.op), func(t *testing.T) {
			require.Equal(t, tc.expected, m.Load(tc.op, 0, 0))
		})
	}

	m.Store(wasm.OpcodeI32Store8, 100, 0, 0x1234)
	require.Equal(t, uint64(0x34), m.Load(wasm.OpcodeI32Load, 100, 0))
	m.Store(wasm.OpcodeI64Store16, 100, 0, 0x12345678)
	require.Equal(t, uint64(0x5678), m.Load(wasm.OpcodeI32Load, 100, 0))
	m.Store(wasm.OpcodeI64Store32, 96, 4, 0x1_12345678)
	require.Equal(t, uint64(0x12345678), m.Load(wasm.OpcodeI64Load, 100, 0))
}

func TestMemoryInstance_effectiveAddress(t *testing.T) {
	m := NewMemoryInstance(1, 1)

	// Exactly at the end is in range.
	require.Equal(t, uint64(65532), m.effectiveAddress(65528, 4, 4))
	requireTrap(t, api.TrapKindMemoryOutOfBounds, func() { m.effectiveAddress(65529, 4, 4) })
	// addr+offset doesn't wrap around 32 bits.
	requireTrap(t, api.TrapKindMemoryOutOfBounds, func() { m.Load32(0xffffffff, 1) })
	requireTrap(t, api.TrapKindMemoryOutOfBounds, func() { m.Store64(65529, 0, 1) })
}
