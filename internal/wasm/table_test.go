package internalwasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

func TestTableInstance(t *testing.T) {
	table := NewTableInstance(3)
	require.Equal(t, uint32(3), table.Len())
	table.set(1, 0)
	table.set(2, 7)

	_, trap := table.Lookup(0)
	require.Equal(t, api.TrapKindUninitializedElement, trap)
	funcIdx, trap := table.Lookup(1)
	require.Zero(t, trap)
	require.Equal(t, uint32(0), funcIdx)
	funcIdx, trap = table.Lookup(2)
	require.Zero(t, trap)
	require.Equal(t, uint32(7), funcIdx)
	_, trap = table.Lookup(3)
	require.Equal(t, api.TrapKindTableOutOfBounds, trap)

	// Get returns the funcref form: the function index plus one, or zero for null.
	require.Equal(t, uint64(0), table.Get(0))
	require.Equal(t, uint64(1), table.Get(1))
	requireTrap(t, api.TrapKindTableOutOfBounds, func() { table.Get(3) })
}

func TestGlobalInstance(t *testing.T) {
	tests := []struct {
		name     string
		typ      *wasm.GlobalType
		value    uint64
		expected string
	}{
		{name: "i32", typ: &wasm.GlobalType{ValType: wasm.ValueTypeI32}, value: api.EncodeI32(-1), expected: "global(-1)"},
		{name: "i64", typ: &wasm.GlobalType{ValType: wasm.ValueTypeI64}, value: api.EncodeI64(-2), expected: "global(-2)"},
		{name: "f32", typ: &wasm.GlobalType{ValType: wasm.ValueTypeF32}, value: api.EncodeF32(1.5), expected: "global(1.500000)"},
		{name: "f64", typ: &wasm.GlobalType{ValType: wasm.ValueTypeF64}, value: api.EncodeF64(2.5), expected: "global(2.500000)"},
		{name: "null funcref", typ: &wasm.GlobalType{ValType: wasm.ValueTypeFuncref}, expected: "global(funcref(null))"},
		{name: "funcref", typ: &wasm.GlobalType{ValType: wasm.ValueTypeFuncref}, value: 4, expected: "global(funcref(3))"},
		{name: "mutable i32", typ: &wasm.GlobalType{ValType: wasm.ValueTypeI32, Mutable: true}, value: 3, expected: "global(3)"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			g := exportGlobal(NewGlobalInstance(tc.typ, tc.value))
			require.Equal(t, tc.typ.ValType, g.Type())
			require.Equal(t, tc.value, g.Get())
			require.Equal(t, tc.expected, g.String())

			mutable, ok := g.(api.MutableGlobal)
			require.Equal(t, tc.typ.Mutable, ok)
			if ok {
				mutable.Set(42)
				require.Equal(t, uint64(42), g.Get())
			}
		})
	}
}
