package fabricir

import (
	"fmt"

	"github.com/fabricwasm/fabric/wasm"
)

type controlFrameKind byte

const (
	controlFrameKindFunction controlFrameKind = iota
	controlFrameKindBlock
	controlFrameKindLoop
	controlFrameKindIf
)

// patch is a forward branch waiting for the end of its frame: the Target of the operation when target is -1,
// otherwise Targets[target].
type patch struct {
	pc, target int
}

type controlFrame struct {
	kind controlFrameKind
	// height is the operand stack height at entry, excluding the condition of if.
	height uint32
	// arity is the count of values the frame produces: zero or one.
	arity uint32
	// header is the first operation of a loop, the target of branches to it.
	header int
	// patches are the forward branches to the end of the frame.
	patches []patch
	// elseBranch is the operation of an if skipping to else, or -1 once patched.
	elseBranch int
}

type lowering struct {
	m     *wasm.Module
	fn    *Function
	ops   []Operation
	h     uint32
	max   uint32
	local uint32

	frames []*controlFrame

	unreachableState struct {
		on    bool
		depth int
	}
}

// Lower lowers the body of a function defined in the module, given its index in the function index namespace.
//
// Note: The module must be validated: instructions are not checked again.
func Lower(m *wasm.Module, funcIdx wasm.Index) (*Function, error) {
	importedFuncs := m.ImportFuncCount()
	if funcIdx < importedFuncs || funcIdx >= m.FunctionCount() {
		return nil, fmt.Errorf("function[%d] is not defined in the module", funcIdx)
	}
	code := m.CodeSection[funcIdx-importedFuncs]
	ft := m.TypeOfFunction(funcIdx)

	l := &lowering{
		m: m,
		fn: &Function{
			Index:       funcIdx,
			Type:        ft,
			ParamSlots:  uint32(len(ft.Params)),
			LocalSlots:  uint32(len(ft.Params) + len(code.LocalTypes)),
			ResultCount: uint32(len(ft.Results)),
		},
	}
	l.local = l.fn.LocalSlots
	l.frames = append(l.frames, &controlFrame{kind: controlFrameKindFunction, arity: l.fn.ResultCount, elseBranch: -1})

	for pc, in := range code.Body {
		if len(l.frames) == 0 {
			return nil, fmt.Errorf("function[%d]: instruction %d after the end", funcIdx, pc)
		}
		if err := l.instruction(in); err != nil {
			return nil, fmt.Errorf("function[%d]: instruction %d (%s): %w", funcIdx, pc, in, err)
		}
	}
	if len(l.frames) != 0 {
		return nil, fmt.Errorf("function[%d]: missing end", funcIdx)
	}
	l.fn.FrameSize = l.local + l.max
	l.fn.Operations = l.ops
	return l.fn, nil
}

// slot returns the slot of the operand at the height.
func (l *lowering) slot(height uint32) uint32 {
	return l.local + height
}

// top returns the slot of the operand at the top of the stack.
func (l *lowering) top() uint32 {
	return l.slot(l.h - 1)
}

func (l *lowering) push() uint32 {
	s := l.slot(l.h)
	l.h++
	if l.h > l.max {
		l.max = l.h
	}
	return s
}

func (l *lowering) pop() uint32 {
	l.h--
	return l.slot(l.h)
}

func (l *lowering) emit(op Operation) int {
	l.ops = append(l.ops, op)
	return len(l.ops) - 1
}

// branch resolves a branch to the label depth from the current stack height. A forward branch is recorded so
// that its PC is patched at the end of the frame: target is as in patch.
func (l *lowering) branch(depth wasm.Index, pc, target int) Branch {
	frame := l.frames[len(l.frames)-1-int(depth)]
	switch frame.kind {
	case controlFrameKindLoop:
		return Branch{PC: frame.header}
	case controlFrameKindFunction:
		if frame.arity == 0 {
			return Branch{PC: ReturnPC}
		}
		return Branch{PC: ReturnPC, HasMove: true, Src: l.top(), Dst: 0}
	}
	frame.patches = append(frame.patches, patch{pc: pc, target: target})
	if frame.arity == 0 {
		return Branch{}
	}
	return Branch{HasMove: true, Src: l.top(), Dst: l.slot(frame.height)}
}

func (l *lowering) setUnreachable() {
	l.unreachableState.on = true
	l.unreachableState.depth = 0
}

func blockArity(in wasm.Instruction) uint32 {
	if in.HasBlockResult() {
		return 1
	}
	return 0
}

func (l *lowering) instruction(in wasm.Instruction) error {
	if l.unreachableState.on {
		switch in.Opcode {
		case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
			l.unreachableState.depth++
			return nil
		case wasm.OpcodeElse:
			if l.unreachableState.depth > 0 {
				return nil
			}
		case wasm.OpcodeEnd:
			if l.unreachableState.depth > 0 {
				l.unreachableState.depth--
				return nil
			}
		default:
			return nil
		}
		// else or end of the frame which became unreachable: the stack height is reset by the frame.
		l.unreachableState.on = false
		return l.control(in, true)
	}

	switch op := in.Opcode; op {
	case wasm.OpcodeNop:
	case wasm.OpcodeUnreachable:
		l.emit(Operation{Kind: OperationKindUnreachable})
		l.setUnreachable()
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf, wasm.OpcodeElse, wasm.OpcodeEnd:
		return l.control(in, false)
	case wasm.OpcodeBr:
		pc := len(l.ops)
		l.emit(Operation{Kind: OperationKindBr, Target: l.branch(in.Index, pc, -1)})
		l.setUnreachable()
	case wasm.OpcodeBrIf:
		cond := l.pop()
		pc := len(l.ops)
		l.emit(Operation{Kind: OperationKindBrIf, A: cond, Target: l.branch(in.Index, pc, -1)})
	case wasm.OpcodeBrTable:
		index := l.pop()
		pc := len(l.ops)
		targets := make([]Branch, len(in.Labels))
		for i, depth := range in.Labels {
			targets[i] = l.branch(depth, pc, i)
		}
		l.emit(Operation{Kind: OperationKindBrTable, A: index, Targets: targets, Target: l.branch(in.Index, pc, -1)})
		l.setUnreachable()
	case wasm.OpcodeReturn:
		pc := len(l.ops)
		l.emit(Operation{Kind: OperationKindBr, Target: l.branch(wasm.Index(len(l.frames)-1), pc, -1)})
		l.setUnreachable()
	case wasm.OpcodeCall:
		ft := l.m.TypeOfFunction(in.Index)
		l.h -= uint32(len(ft.Params))
		l.emit(Operation{Kind: OperationKindCall, Imm: uint64(in.Index), A: l.slot(l.h)})
		l.pushResults(ft)
	case wasm.OpcodeCallIndirect:
		ft := l.m.TypeSection[in.Index]
		index := l.pop()
		l.h -= uint32(len(ft.Params))
		l.emit(Operation{Kind: OperationKindCallIndirect, Imm: uint64(in.Index), A: l.slot(l.h), B: index})
		l.pushResults(ft)
	case wasm.OpcodeDrop:
		l.h--
	case wasm.OpcodeSelect:
		cond, b := l.pop(), l.pop()
		a := l.top()
		l.emit(Operation{Kind: OperationKindSelect, Dst: a, A: a, B: b, C: cond})
	case wasm.OpcodeLocalGet:
		l.emit(Operation{Kind: OperationKindCopy, A: in.Index, Dst: l.push()})
	case wasm.OpcodeLocalSet:
		l.emit(Operation{Kind: OperationKindCopy, A: l.pop(), Dst: in.Index})
	case wasm.OpcodeLocalTee:
		l.emit(Operation{Kind: OperationKindCopy, A: l.top(), Dst: in.Index})
	case wasm.OpcodeGlobalGet:
		l.emit(Operation{Kind: OperationKindGlobalGet, Imm: uint64(in.Index), Dst: l.push()})
	case wasm.OpcodeGlobalSet:
		l.emit(Operation{Kind: OperationKindGlobalSet, Imm: uint64(in.Index), A: l.pop()})
	case wasm.OpcodeTableGet:
		l.emit(Operation{Kind: OperationKindTableGet, A: l.top(), Dst: l.top()})
	case wasm.OpcodeMemorySize:
		l.emit(Operation{Kind: OperationKindMemorySize, Dst: l.push()})
	case wasm.OpcodeMemoryGrow:
		l.emit(Operation{Kind: OperationKindMemoryGrow, A: l.top(), Dst: l.top()})
	case wasm.OpcodeI32Const, wasm.OpcodeI64Const, wasm.OpcodeF32Const, wasm.OpcodeF64Const:
		l.emit(Operation{Kind: OperationKindConst, Imm: in.Value, Dst: l.push()})
	case wasm.OpcodeRefNull:
		l.emit(Operation{Kind: OperationKindConst, Imm: 0, Dst: l.push()})
	case wasm.OpcodeRefFunc:
		l.emit(Operation{Kind: OperationKindConst, Imm: uint64(in.Index) + 1, Dst: l.push()})
	case wasm.OpcodeRefIsNull:
		l.emit(Operation{Kind: OperationKindUnary, Opcode: op, A: l.top(), Dst: l.top()})
	default:
		if _, ok := wasm.MemoryAccessSize(op); ok {
			if wasm.IsStore(op) {
				value, addr := l.pop(), l.pop()
				l.emit(Operation{Kind: OperationKindStore, Opcode: op, A: addr, B: value, Imm: uint64(in.Offset)})
			} else {
				l.emit(Operation{Kind: OperationKindLoad, Opcode: op, A: l.top(), Dst: l.top(), Imm: uint64(in.Offset)})
			}
			return nil
		}
		switch wasm.NumericArity(op) {
		case 1:
			l.emit(Operation{Kind: OperationKindUnary, Opcode: op, A: l.top(), Dst: l.top()})
		case 2:
			b := l.pop()
			a := l.top()
			l.emit(Operation{Kind: OperationKindBinary, Opcode: op, A: a, B: b, Dst: a})
		default:
			return fmt.Errorf("unsupported opcode %s", wasm.OpcodeName(op))
		}
	}
	return nil
}

func (l *lowering) pushResults(ft *wasm.FunctionType) {
	for range ft.Results {
		l.push()
	}
}

// control handles block, loop, if, else and end. wasUnreachable is true when the code before else or end was
// unreachable, so nothing falls through it.
func (l *lowering) control(in wasm.Instruction, wasUnreachable bool) error {
	switch in.Opcode {
	case wasm.OpcodeBlock:
		l.frames = append(l.frames, &controlFrame{kind: controlFrameKindBlock, height: l.h, arity: blockArity(in), elseBranch: -1})
	case wasm.OpcodeLoop:
		l.frames = append(l.frames, &controlFrame{kind: controlFrameKindLoop, height: l.h, arity: blockArity(in), header: len(l.ops), elseBranch: -1})
	case wasm.OpcodeIf:
		cond := l.pop()
		pc := l.emit(Operation{Kind: OperationKindBrIfNot, A: cond})
		l.frames = append(l.frames, &controlFrame{kind: controlFrameKindIf, height: l.h, arity: blockArity(in), elseBranch: pc})
	case wasm.OpcodeElse:
		frame := l.frames[len(l.frames)-1]
		if frame.kind != controlFrameKindIf || frame.elseBranch < 0 {
			return fmt.Errorf("else without if")
		}
		if !wasUnreachable {
			// The then branch jumps over the else branch. Its result is already in place.
			pc := l.emit(Operation{Kind: OperationKindBr})
			frame.patches = append(frame.patches, patch{pc: pc, target: -1})
		}
		l.ops[frame.elseBranch].Target.PC = len(l.ops)
		frame.elseBranch = -1
		l.h = frame.height
	case wasm.OpcodeEnd:
		frame := l.frames[len(l.frames)-1]
		l.frames = l.frames[:len(l.frames)-1]
		end := len(l.ops)
		if frame.kind == controlFrameKindFunction {
			if wasUnreachable {
				// Only reachable through branches, which already returned.
				return nil
			}
			ret := Branch{PC: ReturnPC}
			if frame.arity == 1 {
				ret.HasMove, ret.Src = true, l.top()
			}
			l.emit(Operation{Kind: OperationKindBr, Target: ret})
			return nil
		}
		if frame.elseBranch >= 0 {
			l.ops[frame.elseBranch].Target.PC = end
		}
		for _, p := range frame.patches {
			if p.target < 0 {
				l.ops[p.pc].Target.PC = end
			} else {
				l.ops[p.pc].Targets[p.target].PC = end
			}
		}
		l.h = frame.height + frame.arity
		if l.h > l.max {
			l.max = l.h
		}
	}
	return nil
}
