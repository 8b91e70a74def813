package wasm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fabricwasm/fabric/internal/leb128"
)

// ConstantExpression is an initializer of a global or segment offset, in its binary encoding minus the trailing end.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#constant-expressions%E2%91%A0
type ConstantExpression struct {
	Opcode Opcode
	// Data is the immediate: LEB128 for integers and indexes, little-endian IEEE 754 for floats, and the reference
	// type for ref.null.
	Data []byte
}

// ConstI32 returns an i32.const expression.
func ConstI32(v int32) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeI32Const, Data: leb128.EncodeInt32(v)}
}

// ConstI64 returns an i64.const expression.
func ConstI64(v int64) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeI64Const, Data: leb128.EncodeInt64(v)}
}

// ConstF32 returns an f32.const expression.
func ConstF32(v float32) *ConstantExpression {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	return &ConstantExpression{Opcode: OpcodeF32Const, Data: data}
}

// ConstF64 returns an f64.const expression.
func ConstF64(v float64) *ConstantExpression {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(v))
	return &ConstantExpression{Opcode: OpcodeF64Const, Data: data}
}

// ConstGlobalGet returns a global.get expression. Only imported immutable globals can be read.
func ConstGlobalGet(globalIdx Index) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeGlobalGet, Data: leb128.EncodeUint32(globalIdx)}
}

// ConstRefNull returns a ref.null expression of the reference type.
func ConstRefNull(refType ValueType) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeRefNull, Data: []byte{refType}}
}

// ConstRefFunc returns a ref.func expression.
func ConstRefFunc(funcIdx Index) *ConstantExpression {
	return &ConstantExpression{Opcode: OpcodeRefFunc, Data: leb128.EncodeUint32(funcIdx)}
}

// validate returns the type of the expression, given the global index namespace.
func (c *ConstantExpression) validate(globals []*GlobalType, importedGlobals, functionCount uint32) (ValueType, error) {
	if c == nil {
		return 0, fmt.Errorf("missing expression")
	}
	switch c.Opcode {
	case OpcodeI32Const:
		if _, n, err := leb128.LoadInt32(c.Data); err != nil || n != uint64(len(c.Data)) {
			return 0, fmt.Errorf("read i32: %v", err)
		}
		return ValueTypeI32, nil
	case OpcodeI64Const:
		if _, n, err := leb128.LoadInt64(c.Data); err != nil || n != uint64(len(c.Data)) {
			return 0, fmt.Errorf("read i64: %v", err)
		}
		return ValueTypeI64, nil
	case OpcodeF32Const:
		if len(c.Data) != 4 {
			return 0, fmt.Errorf("read f32: expected 4 bytes, but was %d", len(c.Data))
		}
		return ValueTypeF32, nil
	case OpcodeF64Const:
		if len(c.Data) != 8 {
			return 0, fmt.Errorf("read f64: expected 8 bytes, but was %d", len(c.Data))
		}
		return ValueTypeF64, nil
	case OpcodeGlobalGet:
		idx, _, err := leb128.LoadUint32(c.Data)
		if err != nil {
			return 0, fmt.Errorf("read global index: %v", err)
		}
		if idx >= importedGlobals {
			return 0, fmt.Errorf("global index %d is not an imported global", idx)
		}
		if globals[idx].Mutable {
			return 0, fmt.Errorf("global[%d] is mutable", idx)
		}
		return globals[idx].ValType, nil
	case OpcodeRefNull:
		if len(c.Data) != 1 || !isReferenceType(c.Data[0]) {
			return 0, fmt.Errorf("ref.null of non-reference type")
		}
		return c.Data[0], nil
	case OpcodeRefFunc:
		idx, _, err := leb128.LoadUint32(c.Data)
		if err != nil {
			return 0, fmt.Errorf("read function index: %v", err)
		}
		if idx >= functionCount {
			return 0, fmt.Errorf("function index %d out of range", idx)
		}
		return ValueTypeFuncref, nil
	}
	return 0, fmt.Errorf("%s is not a constant instruction", OpcodeName(c.Opcode))
}

// refFunc returns the function index of a ref.func expression.
func (c *ConstantExpression) refFunc() (Index, bool) {
	if c == nil || c.Opcode != OpcodeRefFunc {
		return 0, false
	}
	return leb128.MustLoadUint32(c.Data), true
}

// Eval returns the value of a validated expression, encoded as in api.EncodeI32 etc. A funcref is encoded as its
// function index plus one, so zero is null.
//
// globalValue returns the current value of an imported global.
func (c *ConstantExpression) Eval(globalValue func(Index) uint64) uint64 {
	switch c.Opcode {
	case OpcodeI32Const:
		v, _, _ := leb128.LoadInt32(c.Data)
		return uint64(uint32(v))
	case OpcodeI64Const:
		v, _, _ := leb128.LoadInt64(c.Data)
		return uint64(v)
	case OpcodeF32Const:
		return uint64(binary.LittleEndian.Uint32(c.Data))
	case OpcodeF64Const:
		return binary.LittleEndian.Uint64(c.Data)
	case OpcodeGlobalGet:
		return globalValue(leb128.MustLoadUint32(c.Data))
	case OpcodeRefFunc:
		return uint64(leb128.MustLoadUint32(c.Data)) + 1
	}
	// ref.null
	return 0
}

// IsConstant returns true if the expression doesn't read a global, so it can be evaluated without an instance.
func (c *ConstantExpression) IsConstant() bool {
	return c.Opcode != OpcodeGlobalGet
}

func isReferenceType(vt ValueType) bool {
	return vt == ValueTypeFuncref || vt == ValueTypeExternref
}

func isValueType(vt ValueType) bool {
	switch vt {
	case ValueTypeI32, ValueTypeI64, ValueTypeF32, ValueTypeF64, ValueTypeFuncref, ValueTypeExternref:
		return true
	}
	return false
}
