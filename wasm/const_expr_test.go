package wasm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConstantExpression_Eval(t *testing.T) {
	globalValue := func(idx Index) uint64 { return uint64(idx) + 100 }

	tests := []struct {
		name     string
		expr     *ConstantExpression
		expected uint64
	}{
		{name: "i32.const", expr: ConstI32(-1), expected: 0xffffffff},
		{name: "i64.const", expr: ConstI64(-1), expected: math.MaxUint64},
		{name: "f32.const", expr: ConstF32(1.5), expected: uint64(math.Float32bits(1.5))},
		{name: "f64.const", expr: ConstF64(-2), expected: math.Float64bits(-2)},
		{name: "global.get", expr: ConstGlobalGet(2), expected: 102},
		{name: "ref.null", expr: ConstRefNull(ValueTypeExternref), expected: 0},
		{name: "ref.func", expr: ConstRefFunc(0), expected: 1},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.expr.Eval(globalValue))
		})
	}
}

func TestConstantExpression_validate(t *testing.T) {
	globals := []*GlobalType{{ValType: ValueTypeI32}, {ValType: ValueTypeI64, Mutable: true}, {ValType: ValueTypeF32}}
	const importedGlobals, functionCount = 2, 3

	tests := []struct {
		name        string
		expr        *ConstantExpression
		expected    ValueType
		expectedErr string
	}{
		{name: "i32", expr: ConstI32(5), expected: ValueTypeI32},
		{name: "f64", expr: ConstF64(5), expected: ValueTypeF64},
		{name: "imported immutable global", expr: ConstGlobalGet(0), expected: ValueTypeI32},
		{name: "ref.func", expr: ConstRefFunc(2), expected: ValueTypeFuncref},
		{name: "ref.null", expr: ConstRefNull(ValueTypeFuncref), expected: ValueTypeFuncref},
		{name: "nil", expectedErr: "missing expression"},
		{name: "mutable global", expr: ConstGlobalGet(1), expectedErr: "global[1] is mutable"},
		{name: "local global", expr: ConstGlobalGet(2), expectedErr: "global index 2 is not an imported global"},
		{name: "ref.func out of range", expr: ConstRefFunc(3), expectedErr: "function index 3 out of range"},
		{name: "ref.null numeric", expr: ConstRefNull(ValueTypeI32), expectedErr: "ref.null of non-reference type"},
		{name: "truncated f32", expr: &ConstantExpression{Opcode: OpcodeF32Const, Data: []byte{1}}, expectedErr: "read f32: expected 4 bytes, but was 1"},
		{name: "not constant", expr: &ConstantExpression{Opcode: OpcodeI32Add}, expectedErr: "i32.add is not a constant instruction"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			vt, err := tc.expr.validate(globals, importedGlobals, functionCount)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, vt)
		})
	}
}

func TestConstantExpression_IsConstant(t *testing.T) {
	require.True(t, ConstI32(1).IsConstant())
	require.False(t, ConstGlobalGet(0).IsConstant())
}
