package wasm

import (
	"fmt"
)

// valueTypeUnknown is the type of an operand popped from the polymorphic stack of unreachable code.
const valueTypeUnknown ValueType = 0

type funcValidator struct {
	m             *Module
	globals       []*GlobalType
	functionCount uint32
	// refFuncs records functions named by ref.func, indexed by function index.
	refFuncs []bool

	// per-function state
	funcIdx Index
	pc      int
	locals  []ValueType
	stack   []ValueType
	frames  []*controlFrame
}

// controlFrame is a block, loop, if or the function body itself, which is the bottom frame.
type controlFrame struct {
	opcode      Opcode
	result      ValueType
	height      int
	unreachable bool
	elseSeen    bool
}

// labelTypes are the values a branch to the frame carries: loops are entered with no values.
func (f *controlFrame) labelTypes() []ValueType {
	if f.opcode == OpcodeLoop || f.result == valueTypeUnknown {
		return nil
	}
	return []ValueType{f.result}
}

func (v *funcValidator) errorf(kind ValidationErrorKind, format string, args ...interface{}) error {
	return &ValidationError{
		Kind:              kind,
		Section:           SectionIDCode,
		FunctionIndex:     v.funcIdx,
		InstructionOffset: v.pc,
		Msg:               fmt.Sprintf(format, args...),
	}
}

func (v *funcValidator) push(vt ValueType) {
	v.stack = append(v.stack, vt)
}

func (v *funcValidator) pop() (ValueType, error) {
	frame := v.frames[len(v.frames)-1]
	if len(v.stack) == frame.height {
		if frame.unreachable {
			return valueTypeUnknown, nil
		}
		return 0, v.errorf(ValidationErrorTypeMismatch, "operand stack is empty")
	}
	vt := v.stack[len(v.stack)-1]
	v.stack = v.stack[:len(v.stack)-1]
	return vt, nil
}

func (v *funcValidator) popExpect(expected ValueType) error {
	actual, err := v.pop()
	if err != nil {
		return err
	}
	if actual != expected && actual != valueTypeUnknown && expected != valueTypeUnknown {
		return v.errorf(ValidationErrorTypeMismatch, "expected %s, but was %s", ValueTypeName(expected), ValueTypeName(actual))
	}
	return nil
}

func (v *funcValidator) popAll(types []ValueType) error {
	for i := len(types) - 1; i >= 0; i-- {
		if err := v.popExpect(types[i]); err != nil {
			return err
		}
	}
	return nil
}

func (v *funcValidator) pushAll(types []ValueType) {
	v.stack = append(v.stack, types...)
}

func (v *funcValidator) setUnreachable() {
	frame := v.frames[len(v.frames)-1]
	v.stack = v.stack[:frame.height]
	frame.unreachable = true
}

// popFrame checks the frame left exactly its result on the stack and removes it.
func (v *funcValidator) popFrame() (*controlFrame, error) {
	frame := v.frames[len(v.frames)-1]
	if frame.result != valueTypeUnknown {
		if err := v.popExpect(frame.result); err != nil {
			return nil, err
		}
	}
	if len(v.stack) != frame.height {
		return nil, v.errorf(ValidationErrorTypeMismatch, "%d values remain on the stack at end of %s",
			len(v.stack)-frame.height, OpcodeName(frame.opcode))
	}
	v.frames = v.frames[:len(v.frames)-1]
	return frame, nil
}

func (v *funcValidator) label(depth Index) (*controlFrame, error) {
	if int(depth) >= len(v.frames) {
		return nil, v.errorf(ValidationErrorInvalidIndex, "label depth %d out of range", depth)
	}
	return v.frames[len(v.frames)-1-int(depth)], nil
}

func (v *funcValidator) validate(funcIdx Index, typ *FunctionType, code *Code) error {
	v.funcIdx, v.pc = funcIdx, 0
	v.locals = append(append(v.locals[:0], typ.Params...), code.LocalTypes...)
	for _, lt := range code.LocalTypes {
		if !isValueType(lt) {
			return v.errorf(ValidationErrorInvalidType, "invalid local type: %#x", lt)
		}
	}
	v.stack = v.stack[:0]
	var result ValueType
	if len(typ.Results) == 1 {
		result = typ.Results[0]
	}
	v.frames = append(v.frames[:0], &controlFrame{opcode: OpcodeBlock, result: result})

	for pc, in := range code.Body {
		v.pc = pc
		if len(v.frames) == 0 {
			return v.errorf(ValidationErrorInvalidInstruction, "%s after the end of the function", OpcodeName(in.Opcode))
		}
		if err := v.instruction(typ, in); err != nil {
			return err
		}
	}
	if len(v.frames) != 0 {
		v.pc = len(code.Body)
		return v.errorf(ValidationErrorInvalidInstruction, "function body must end with end")
	}
	return nil
}

func (v *funcValidator) instruction(typ *FunctionType, in Instruction) error {
	m := v.m
	switch op := in.Opcode; op {
	case OpcodeUnreachable:
		v.setUnreachable()
	case OpcodeNop:
	case OpcodeBlock, OpcodeLoop, OpcodeIf:
		var result ValueType
		if in.HasBlockResult() {
			if !isValueType(in.Type) {
				return v.errorf(ValidationErrorInvalidType, "invalid block type: %#x", in.Type)
			}
			result = in.Type
		}
		if op == OpcodeIf {
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		v.frames = append(v.frames, &controlFrame{opcode: op, result: result, height: len(v.stack)})
	case OpcodeElse:
		frame := v.frames[len(v.frames)-1]
		if frame.opcode != OpcodeIf || frame.elseSeen {
			return v.errorf(ValidationErrorInvalidInstruction, "else without matching if")
		}
		if _, err := v.popFrame(); err != nil {
			return err
		}
		frame.unreachable, frame.elseSeen = false, true
		v.frames = append(v.frames, frame)
	case OpcodeEnd:
		frame, err := v.popFrame()
		if err != nil {
			return err
		}
		if frame.opcode == OpcodeIf && !frame.elseSeen && frame.result != valueTypeUnknown {
			return v.errorf(ValidationErrorTypeMismatch, "if with a result must have an else")
		}
		if frame.result != valueTypeUnknown && len(v.frames) > 0 {
			v.push(frame.result)
		}
	case OpcodeBr:
		frame, err := v.label(in.Index)
		if err != nil {
			return err
		}
		if err = v.popAll(frame.labelTypes()); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeBrIf:
		frame, err := v.label(in.Index)
		if err != nil {
			return err
		}
		if err = v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err = v.popAll(frame.labelTypes()); err != nil {
			return err
		}
		v.pushAll(frame.labelTypes())
	case OpcodeBrTable:
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		defaultFrame, err := v.label(in.Index)
		if err != nil {
			return err
		}
		expected := defaultFrame.labelTypes()
		for _, depth := range in.Labels {
			frame, err := v.label(depth)
			if err != nil {
				return err
			}
			if !equalValueTypes(frame.labelTypes(), expected) {
				return v.errorf(ValidationErrorTypeMismatch, "br_table targets carry different values")
			}
		}
		if err = v.popAll(expected); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeReturn:
		if err := v.popAll(typ.Results); err != nil {
			return err
		}
		v.setUnreachable()
	case OpcodeCall:
		if in.Index >= v.functionCount {
			return v.errorf(ValidationErrorInvalidIndex, "function index %d out of range", in.Index)
		}
		ft := m.TypeOfFunction(in.Index)
		if err := v.popAll(ft.Params); err != nil {
			return err
		}
		v.pushAll(ft.Results)
	case OpcodeCallIndirect:
		if m.TableSection == nil {
			return v.errorf(ValidationErrorInvalidInstruction, "call_indirect requires a table")
		}
		if in.Index >= uint32(len(m.TypeSection)) {
			return v.errorf(ValidationErrorInvalidIndex, "type index %d out of range", in.Index)
		}
		ft := m.TypeSection[in.Index]
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		if err := v.popAll(ft.Params); err != nil {
			return err
		}
		v.pushAll(ft.Results)
	case OpcodeDrop:
		if _, err := v.pop(); err != nil {
			return err
		}
	case OpcodeSelect:
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		t1, err := v.pop()
		if err != nil {
			return err
		}
		t2, err := v.pop()
		if err != nil {
			return err
		}
		if isReferenceType(t1) || isReferenceType(t2) {
			return v.errorf(ValidationErrorTypeMismatch, "select operands must be numeric")
		}
		if t1 != t2 && t1 != valueTypeUnknown && t2 != valueTypeUnknown {
			return v.errorf(ValidationErrorTypeMismatch, "select operands of type %s and %s", ValueTypeName(t2), ValueTypeName(t1))
		}
		if t1 == valueTypeUnknown {
			t1 = t2
		}
		v.push(t1)
	case OpcodeLocalGet, OpcodeLocalSet, OpcodeLocalTee:
		if in.Index >= uint32(len(v.locals)) {
			return v.errorf(ValidationErrorInvalidIndex, "local index %d out of range", in.Index)
		}
		lt := v.locals[in.Index]
		if op == OpcodeLocalGet {
			v.push(lt)
			break
		}
		if err := v.popExpect(lt); err != nil {
			return err
		}
		if op == OpcodeLocalTee {
			v.push(lt)
		}
	case OpcodeGlobalGet:
		if in.Index >= uint32(len(v.globals)) {
			return v.errorf(ValidationErrorInvalidIndex, "global index %d out of range", in.Index)
		}
		v.push(v.globals[in.Index].ValType)
	case OpcodeGlobalSet:
		if in.Index >= uint32(len(v.globals)) {
			return v.errorf(ValidationErrorInvalidIndex, "global index %d out of range", in.Index)
		}
		gt := v.globals[in.Index]
		if !gt.Mutable {
			return v.errorf(ValidationErrorTypeMismatch, "global[%d] is immutable", in.Index)
		}
		if err := v.popExpect(gt.ValType); err != nil {
			return err
		}
	case OpcodeTableGet:
		if m.TableSection == nil {
			return v.errorf(ValidationErrorInvalidInstruction, "table.get requires a table")
		}
		if err := v.popExpect(ValueTypeI32); err != nil {
			return err
		}
		v.push(ValueTypeFuncref)
	case OpcodeMemorySize, OpcodeMemoryGrow:
		if m.MemorySection == nil {
			return v.errorf(ValidationErrorInvalidInstruction, "%s requires a memory", OpcodeName(op))
		}
		if op == OpcodeMemoryGrow {
			if err := v.popExpect(ValueTypeI32); err != nil {
				return err
			}
		}
		v.push(ValueTypeI32)
	case OpcodeI32Const:
		v.push(ValueTypeI32)
	case OpcodeI64Const:
		v.push(ValueTypeI64)
	case OpcodeF32Const:
		v.push(ValueTypeF32)
	case OpcodeF64Const:
		v.push(ValueTypeF64)
	case OpcodeRefNull:
		if !isReferenceType(in.Type) {
			return v.errorf(ValidationErrorInvalidType, "ref.null of non-reference type %#x", in.Type)
		}
		v.push(in.Type)
	case OpcodeRefIsNull:
		vt, err := v.pop()
		if err != nil {
			return err
		}
		if vt != valueTypeUnknown && !isReferenceType(vt) {
			return v.errorf(ValidationErrorTypeMismatch, "ref.is_null of non-reference type %s", ValueTypeName(vt))
		}
		v.push(ValueTypeI32)
	case OpcodeRefFunc:
		if in.Index >= v.functionCount {
			return v.errorf(ValidationErrorInvalidIndex, "function index %d out of range", in.Index)
		}
		v.refFuncs[in.Index] = true
		v.push(ValueTypeFuncref)
	default:
		if size, ok := MemoryAccessSize(op); ok {
			return v.memoryAccess(in, size)
		}
		sig := numericSignatures[op]
		if sig == nil {
			return v.errorf(ValidationErrorInvalidInstruction, "unsupported opcode %s", OpcodeName(op))
		}
		if err := v.popAll(sig.params); err != nil {
			return err
		}
		v.push(sig.result)
	}
	return nil
}

func (v *funcValidator) memoryAccess(in Instruction, size uint32) error {
	if v.m.MemorySection == nil {
		return v.errorf(ValidationErrorInvalidInstruction, "%s requires a memory", OpcodeName(in.Opcode))
	}
	if in.Align >= 32 || 1<<in.Align > size {
		return v.errorf(ValidationErrorInvalidAlignment, "alignment 2^%d exceeds natural alignment %d", in.Align, size)
	}
	vt := memoryValueType(in.Opcode)
	if IsStore(in.Opcode) {
		if err := v.popExpect(vt); err != nil {
			return err
		}
		return v.popExpect(ValueTypeI32)
	}
	if err := v.popExpect(ValueTypeI32); err != nil {
		return err
	}
	v.push(vt)
	return nil
}
