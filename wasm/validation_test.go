package wasm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var v_v = &FunctionType{}

func body(in ...Instruction) *Code {
	return &Code{Body: append(in, End())}
}

func TestModule_Validate_Sections(t *testing.T) {
	zero, one, two := uint32(0), uint32(1), uint32(2)

	tests := []struct {
		name         string
		module       *Module
		expectedKind ValidationErrorKind
		expectedErr  string
	}{
		{
			name:         "multiple results",
			module:       &Module{TypeSection: []*FunctionType{{Results: []ValueType{ValueTypeI32, ValueTypeI32}}}},
			expectedKind: ValidationErrorInvalidType,
			expectedErr:  "invalid type[0]: invalid type: multiple results are not supported: v_i32i32",
		},
		{
			name:         "unknown value type",
			module:       &Module{TypeSection: []*FunctionType{{Params: []ValueType{0x7b}}}},
			expectedKind: ValidationErrorInvalidType,
			expectedErr:  "invalid type[0]: invalid type: invalid value type: 0x7b",
		},
		{
			name: "memory import",
			module: &Module{ImportSection: []*Import{
				{Type: ExternTypeMemory, Module: "env", Name: "mem"},
			}},
			expectedKind: ValidationErrorUnsupportedImport,
			expectedErr:  "invalid import[0]: unsupported import: env.mem: memory imports are not supported",
		},
		{
			name: "import of unknown type",
			module: &Module{ImportSection: []*Import{
				{Type: ExternTypeFunc, Module: "env", Name: "f", DescFunc: 1},
			}},
			expectedKind: ValidationErrorInvalidIndex,
			expectedErr:  "invalid import[0]: invalid index: env.f: type index 1 out of range",
		},
		{
			name:         "function without code",
			module:       &Module{TypeSection: []*FunctionType{v_v}, FunctionSection: []Index{0}},
			expectedKind: ValidationErrorSectionMismatch,
		},
		{
			name:         "memory min over max",
			module:       &Module{MemorySection: &Memory{Min: 2, Max: &one}},
			expectedKind: ValidationErrorInvalidLimits,
			expectedErr:  "invalid memory[0]: invalid limits: min 2 pages > max 1 pages",
		},
		{
			name:         "memory over 4GiB",
			module:       &Module{MemorySection: &Memory{Min: MemoryMaxPages + 1}},
			expectedKind: ValidationErrorInvalidLimits,
		},
		{
			name:         "table min over max",
			module:       &Module{TableSection: &Table{Min: 2, Max: &one}},
			expectedKind: ValidationErrorInvalidLimits,
		},
		{
			name: "global initializer type",
			module: &Module{GlobalSection: []*Global{
				{Type: &GlobalType{ValType: ValueTypeI64}, Init: ConstI32(1)},
			}},
			expectedKind: ValidationErrorTypeMismatch,
			expectedErr:  "invalid global[0]: type mismatch: initializer of type i32 for global of type i64",
		},
		{
			name: "global reads local global",
			module: &Module{GlobalSection: []*Global{
				{Type: &GlobalType{ValType: ValueTypeI32}, Init: ConstI32(1)},
				{Type: &GlobalType{ValType: ValueTypeI32}, Init: ConstGlobalGet(0)},
			}},
			expectedKind: ValidationErrorInvalidConstExpr,
		},
		{
			name: "duplicate export",
			module: &Module{
				MemorySection: &Memory{},
				ExportSection: []*Export{
					{Type: ExternTypeMemory, Name: "m"},
					{Type: ExternTypeMemory, Name: "m"},
				},
			},
			expectedKind: ValidationErrorDuplicateExport,
			expectedErr:  `invalid export[1]: duplicate export: "m" already exported`,
		},
		{
			name:         "export of missing table",
			module:       &Module{ExportSection: []*Export{{Type: ExternTypeTable, Name: "t"}}},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name: "start with params",
			module: &Module{
				TypeSection:     []*FunctionType{{Params: []ValueType{ValueTypeI32}}},
				FunctionSection: []Index{0},
				CodeSection:     []*Code{body()},
				StartSection:    &zero,
			},
			expectedKind: ValidationErrorTypeMismatch,
			expectedErr:  "invalid start[0]: type mismatch: start function must have type v_v, but was i32_v",
		},
		{
			name:         "start out of range",
			module:       &Module{StartSection: &two},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name: "element without table",
			module: &Module{
				TypeSection:     []*FunctionType{v_v},
				FunctionSection: []Index{0},
				CodeSection:     []*Code{body()},
				ElementSection:  []*ElementSegment{{OffsetExpr: ConstI32(0), Init: []Index{0}}},
			},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name: "element past table",
			module: &Module{
				TypeSection:     []*FunctionType{v_v},
				FunctionSection: []Index{0},
				CodeSection:     []*Code{body()},
				TableSection:    &Table{Min: 2},
				ElementSection:  []*ElementSegment{{OffsetExpr: ConstI32(1), Init: []Index{0, 0}}},
			},
			expectedKind: ValidationErrorSegmentOutOfRange,
			expectedErr:  "invalid element[0]: segment out of range: offset 1 and length 2 exceed table size 2",
		},
		{
			name: "element of unknown function",
			module: &Module{
				TableSection:   &Table{Min: 2},
				ElementSection: []*ElementSegment{{OffsetExpr: ConstI32(0), Init: []Index{0}}},
			},
			expectedKind: ValidationErrorInvalidIndex,
		},
		{
			name: "element offset of wrong type",
			module: &Module{
				TableSection:   &Table{Min: 2},
				ElementSection: []*ElementSegment{{OffsetExpr: ConstI64(0)}},
			},
			expectedKind: ValidationErrorTypeMismatch,
		},
		{
			name:         "data without memory",
			module:       &Module{DataSection: []*DataSegment{{OffsetExpression: ConstI32(0), Init: []byte{1}}}},
			expectedKind: ValidationErrorInvalidIndex,
			expectedErr:  "invalid data[0]: invalid index: memory index 0 out of range",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			err := tc.module.Validate()
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "%v", err)
			require.Equal(t, tc.expectedKind, ve.Kind)
			if tc.expectedErr != "" {
				require.EqualError(t, err, tc.expectedErr)
			}
			require.False(t, tc.module.Validated())
		})
	}
}

func TestModule_Validate_ElementFitsTable(t *testing.T) {
	// A segment ending exactly at the table size is valid.
	m := &Module{
		TypeSection:     []*FunctionType{v_v},
		FunctionSection: []Index{0},
		CodeSection:     []*Code{body()},
		TableSection:    &Table{Min: 2},
		ElementSection:  []*ElementSegment{{OffsetExpr: ConstI32(1), Init: []Index{0}}},
	}
	require.NoError(t, m.Validate())
	require.True(t, m.IsIndirectTarget(0))
}

func TestModule_Validate_ElementOffsetFromGlobal(t *testing.T) {
	// The range check of a global offset is deferred to instantiation.
	m := &Module{
		ImportSection:   []*Import{{Type: ExternTypeGlobal, Module: "env", Name: "offset", DescGlobal: &GlobalType{ValType: ValueTypeI32}}},
		TypeSection:     []*FunctionType{v_v},
		FunctionSection: []Index{0},
		CodeSection:     []*Code{body()},
		TableSection:    &Table{Min: 1},
		ElementSection:  []*ElementSegment{{OffsetExpr: ConstGlobalGet(0), Init: []Index{0, 0, 0}}},
	}
	require.NoError(t, m.Validate())
}

func TestModule_Validate_IndirectTargets(t *testing.T) {
	m := &Module{
		TypeSection:     []*FunctionType{v_v, {Results: []ValueType{ValueTypeFuncref}}},
		FunctionSection: []Index{0, 0, 0, 1},
		CodeSection:     []*Code{body(), body(), body(), body(RefFunc(2))},
		GlobalSection:   []*Global{{Type: &GlobalType{ValType: ValueTypeFuncref}, Init: ConstRefFunc(1)}},
	}
	require.NoError(t, m.Validate())
	require.False(t, m.IsIndirectTarget(0))
	require.True(t, m.IsIndirectTarget(1))
	require.True(t, m.IsIndirectTarget(2))
	require.False(t, m.IsIndirectTarget(3))

	// Validating twice is a no-op.
	require.NoError(t, m.Validate())
}
