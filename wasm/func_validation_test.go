package wasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// singleFunction returns a module with a memory, a table and one function of the type and body.
func singleFunction(ft *FunctionType, locals []ValueType, in ...Instruction) *Module {
	return &Module{
		TypeSection:     []*FunctionType{ft, v_v},
		FunctionSection: []Index{0},
		CodeSection:     []*Code{{LocalTypes: locals, Body: in}},
		MemorySection:   &Memory{Min: 1},
		TableSection:    &Table{Min: 1},
		GlobalSection: []*Global{
			{Type: &GlobalType{ValType: ValueTypeI32}, Init: ConstI32(0)},
			{Type: &GlobalType{ValType: ValueTypeI64, Mutable: true}, Init: ConstI64(0)},
		},
	}
}

func TestFuncValidation_Valid(t *testing.T) {
	i32, i64, f64 := ValueTypeI32, ValueTypeI64, ValueTypeF64
	i32_i32 := &FunctionType{Params: []ValueType{i32}, Results: []ValueType{i32}}

	tests := []struct {
		name   string
		ft     *FunctionType
		locals []ValueType
		body   []Instruction
	}{
		{name: "empty", ft: v_v, body: []Instruction{End()}},
		{name: "identity", ft: i32_i32, body: []Instruction{LocalGet(0), End()}},
		{
			name:   "factorial loop",
			ft:     i32_i32,
			locals: []ValueType{i32},
			body: []Instruction{
				I32Const(1), LocalSet(1),
				Block(), Loop(),
				LocalGet(0), Op(OpcodeI32Eqz), BrIf(1),
				LocalGet(1), LocalGet(0), Op(OpcodeI32Mul), LocalSet(1),
				LocalGet(0), I32Const(1), Op(OpcodeI32Sub), LocalSet(0),
				Br(0),
				End(), End(),
				LocalGet(1),
				End(),
			},
		},
		{
			name: "if else with result",
			ft:   i32_i32,
			body: []Instruction{LocalGet(0), If(i64), I64Const(1), Else(), I64Const(2), End(), Op(OpcodeI32WrapI64), End()},
		},
		{
			name: "unreachable is polymorphic",
			ft:   i32_i32,
			body: []Instruction{Unreachable(), Op(OpcodeI32Add), End()},
		},
		{
			name: "return makes the rest unreachable",
			ft:   i32_i32,
			body: []Instruction{LocalGet(0), Return(), Drop(), End()},
		},
		{
			name: "br_table",
			ft:   i32_i32,
			body: []Instruction{
				Block(i32), Block(i32),
				I32Const(7), LocalGet(0), BrTable([]Index{0}, 1),
				End(), End(),
				End(),
			},
		},
		{
			name: "memory access",
			ft:   &FunctionType{Params: []ValueType{i32}, Results: []ValueType{f64}},
			body: []Instruction{LocalGet(0), LocalGet(0), Mem(OpcodeI32Load8U, 1), Mem(OpcodeI32Store16, 0), LocalGet(0), Mem(OpcodeF64Load, 8), End()},
		},
		{
			name: "memory size and grow",
			ft:   &FunctionType{Results: []ValueType{i32}},
			body: []Instruction{MemorySize(), MemoryGrow(), End()},
		},
		{
			name: "globals",
			ft:   v_v,
			body: []Instruction{GlobalGet(0), Op(OpcodeI64ExtendI32U), GlobalSet(1), End()},
		},
		{
			name: "call_indirect",
			ft:   v_v,
			body: []Instruction{I32Const(0), CallIndirect(1), End()},
		},
		{
			name: "references",
			ft:   &FunctionType{Params: []ValueType{ValueTypeExternref}, Results: []ValueType{i32}},
			body: []Instruction{LocalGet(0), RefIsNull(), I32Const(0), TableGet(), RefIsNull(), Op(OpcodeI32And), End()},
		},
		{
			name: "select",
			ft:   i32_i32,
			body: []Instruction{I32Const(1), I32Const(2), LocalGet(0), Op(OpcodeSelect), End()},
		},
		{
			name: "sign extension",
			ft:   i32_i32,
			body: []Instruction{LocalGet(0), Op(OpcodeI32Extend8S), End()},
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, singleFunction(tc.ft, tc.locals, tc.body...).Validate())
		})
	}
}

func TestFuncValidation_Invalid(t *testing.T) {
	i32, i64 := ValueTypeI32, ValueTypeI64
	i32_i32 := &FunctionType{Params: []ValueType{i32}, Results: []ValueType{i32}}

	tests := []struct {
		name         string
		ft           *FunctionType
		body         []Instruction
		expectedKind ValidationErrorKind
		expectedErr  string
	}{
		{
			name:         "missing end",
			ft:           v_v,
			body:         []Instruction{Op(OpcodeNop)},
			expectedKind: ValidationErrorInvalidInstruction,
			expectedErr:  "invalid function[0] at instruction 1: invalid instruction: function body must end with end",
		},
		{
			name:         "instruction after end",
			ft:           v_v,
			body:         []Instruction{End(), Op(OpcodeNop)},
			expectedKind: ValidationErrorInvalidInstruction,
		},
		{
			name:         "missing result",
			ft:           i32_i32,
			body:         []Instruction{End()},
			expectedKind: ValidationErrorTypeMismatch,
			expectedErr:  "invalid function[0] at instruction 0: type mismatch: operand stack is empty",
		},
		{
			name:         "extra value",
			ft:           v_v,
			body:         []Instruction{I32Const(1), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "operand type",
			ft:           i32_i32,
			body:         []Instruction{LocalGet(0), I64Const(1), Op(OpcodeI32Add), End()},
			expectedKind: ValidationErrorTypeMismatch,
			expectedErr:  "invalid function[0] at instruction 2: type mismatch: expected i32, but was i64",
		},
		{
			name:         "arithmetic on a reference",
			ft:           v_v,
			body:         []Instruction{RefNull(ValueTypeExternref), Op(OpcodeI32Eqz), Drop(), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "select of references",
			ft:           v_v,
			body:         []Instruction{RefNull(ValueTypeFuncref), RefNull(ValueTypeFuncref), I32Const(0), Op(OpcodeSelect), Drop(), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "local out of range",
			ft:           i32_i32,
			body:         []Instruction{LocalGet(1), End()},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name:         "set immutable global",
			ft:           v_v,
			body:         []Instruction{I32Const(1), GlobalSet(0), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "branch too deep",
			ft:           v_v,
			body:         []Instruction{Br(1), End()},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name:         "else without if",
			ft:           v_v,
			body:         []Instruction{Block(), Else(), End(), End()},
			expectedKind: ValidationErrorInvalidInstruction,
		},
		{
			name:         "if with result without else",
			ft:           i32_i32,
			body:         []Instruction{LocalGet(0), If(i32), I32Const(1), End(), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "br_table of different arity",
			ft:           i32_i32,
			body:         []Instruction{Block(i32), Block(), LocalGet(0), BrTable([]Index{0}, 1), End(), I32Const(0), End(), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "over aligned",
			ft:           v_v,
			body:         []Instruction{I32Const(0), {Opcode: OpcodeI32Load, Align: 3}, Drop(), End()},
			expectedKind: ValidationErrorInvalidAlignment,
		},
		{
			name:         "call out of range",
			ft:           v_v,
			body:         []Instruction{Call(9), End()},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name:         "call_indirect type out of range",
			ft:           v_v,
			body:         []Instruction{I32Const(0), CallIndirect(5), End()},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name:         "unsupported opcode",
			ft:           v_v,
			body:         []Instruction{{Opcode: 0xfc}, End()},
			expectedKind: ValidationErrorInvalidInstruction,
		},
		{
			name:         "i64 result of i32 function",
			ft:           i32_i32,
			body:         []Instruction{I64Const(0), End()},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "ref.null of numeric type",
			ft:           v_v,
			body:         []Instruction{RefNull(i64), Drop(), End()},
			expectedKind: ValidationErrorInvalidType,
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := singleFunction(tc.ft, nil, tc.body...).Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "%v", err)
			require.Equal(t, tc.expectedKind, ve.Kind, err.Error())
			require.Equal(t, SectionIDCode, ve.Section)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
			}
		})
	}
}

func TestFuncValidation_RequiresMemory(t *testing.T) {
	m := singleFunction(v_v, nil, I32Const(0), Mem(OpcodeI32Load, 0), Drop(), End())
	m.MemorySection = nil
	err := m.Validate()
	require.EqualError(t, err, "invalid function[0] at instruction 1: invalid instruction: i32.load requires a memory")
}

func TestFuncValidation_ImportedFunctionIndex(t *testing.T) {
	// The function index in errors counts imported functions.
	m := &Module{
		TypeSection:     []*FunctionType{v_v},
		ImportSection:   []*Import{{Type: ExternTypeFunc, Module: "env", Name: "f"}},
		FunctionSection: []Index{0},
		CodeSection:     []*Code{{Body: []Instruction{Call(0), Call(1), Drop(), End()}}},
	}
	err := m.Validate()
	require.EqualError(t, err, "invalid function[1] at instruction 2: type mismatch: operand stack is empty")
}
