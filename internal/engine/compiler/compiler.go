// Package compiler compiles lowered operations ahead of time into threaded code: one pre-bound closure per
// operation, with frame slots, constants, branch targets and numeric semantics fixed at compile time. Nothing is
// decoded when the code runs.
package compiler

import (
	"fmt"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// Name is the engine name of the compiler.
const Name = "compiler"

// closure executes one operation in the frame at ce.Stack[base] and returns the next pc, or fabricir.ReturnPC.
type closure func(ce *internalwasm.CallEngine, base int) int

type backend struct{}

// NewBackend returns an internalwasm.Backend compiling functions into closures.
func NewBackend() internalwasm.Backend {
	return backend{}
}

// Name implements internalwasm.Backend Name
func (backend) Name() string {
	return Name
}

// Compile implements internalwasm.Backend Compile
func (backend) Compile(m *wasm.Module, f *fabricir.Function) (internalwasm.Code, error) {
	code := &compiledFunction{body: make([]closure, len(f.Operations))}
	for pc := range f.Operations {
		op := &f.Operations[pc]
		c, err := compileOperation(m, op, pc+1)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", pc, op, err)
		}
		code.body[pc] = c
	}
	return code, nil
}

type compiledFunction struct {
	body []closure
}

// Run implements internalwasm.Code Run
func (f *compiledFunction) Run(ce *internalwasm.CallEngine, base int) {
	body := f.body
	for pc := 0; pc != fabricir.ReturnPC; {
		pc = body[pc](ce, base)
	}
}

// compileOperation returns the closure of op. next is the pc following op.
func compileOperation(m *wasm.Module, op *fabricir.Operation, next int) (closure, error) {
	dst, a, b := int(op.Dst), int(op.A), int(op.B)
	switch op.Kind {
	case fabricir.OperationKindUnreachable:
		return func(*internalwasm.CallEngine, int) int {
			fabricir.Trap(api.TrapKindUnreachable)
			return fabricir.ReturnPC
		}, nil
	case fabricir.OperationKindConst:
		imm := op.Imm
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.Stack[base+dst] = imm
			return next
		}, nil
	case fabricir.OperationKindCopy:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = s[a]
			return next
		}, nil
	case fabricir.OperationKindUnary:
		return compileUnary(op.Opcode, dst, a, next)
	case fabricir.OperationKindBinary:
		return compileBinary(op.Opcode, dst, a, b, next)
	case fabricir.OperationKindSelect:
		c := int(op.C)
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			if s[c] != 0 {
				s[dst] = s[a]
			} else {
				s[dst] = s[b]
			}
			return next
		}, nil
	case fabricir.OperationKindGlobalGet:
		idx := op.Imm
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.Stack[base+dst] = ce.Globals[idx].Get()
			return next
		}, nil
	case fabricir.OperationKindGlobalSet:
		idx := op.Imm
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.Globals[idx].Set(ce.Stack[base+a])
			return next
		}, nil
	case fabricir.OperationKindLoad:
		return compileLoad(op.Opcode, dst, a, op.Imm, next), nil
	case fabricir.OperationKindStore:
		return compileStore(op.Opcode, a, b, op.Imm, next), nil
	case fabricir.OperationKindMemorySize:
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.Stack[base+dst] = uint64(ce.Memory.PageSize())
			return next
		}, nil
	case fabricir.OperationKindMemoryGrow:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = uint64(ce.Memory.GrowOrFail(uint32(s[a])))
			return next
		}, nil
	case fabricir.OperationKindBr:
		return compileBranch(op.Target), nil
	case fabricir.OperationKindBrIf, fabricir.OperationKindBrIfNot:
		return compileConditionalBranch(op.Kind == fabricir.OperationKindBrIf, a, op.Target, next), nil
	case fabricir.OperationKindBrTable:
		return compileBranchTable(a, op.Targets, op.Target), nil
	case fabricir.OperationKindCall:
		funcIdx := uint32(op.Imm)
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.Call(funcIdx, base+a)
			return next
		}, nil
	case fabricir.OperationKindCallIndirect:
		typeID := m.CanonicalTypeID(uint32(op.Imm))
		return func(ce *internalwasm.CallEngine, base int) int {
			ce.CallIndirect(typeID, uint32(ce.Stack[base+b]), base+a)
			return next
		}, nil
	case fabricir.OperationKindTableGet:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = ce.Table.Get(uint32(s[a]))
			return next
		}, nil
	}
	return nil, fmt.Errorf("unsupported operation %s", op.Kind)
}
