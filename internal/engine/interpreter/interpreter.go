// Package interpreter runs lowered operations with a switch loop. It compiles faster than the compiler and is used
// where start-up latency matters more than throughput.
package interpreter

import (
	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// Name is the engine name of the interpreter.
const Name = "interpreter"

type backend struct{}

// NewBackend returns an internalwasm.Backend which interprets lowered operations.
func NewBackend() internalwasm.Backend {
	return backend{}
}

// Name implements internalwasm.Backend Name
func (backend) Name() string {
	return Name
}

// Compile implements internalwasm.Backend Compile
//
// The operations are kept as lowered, except call_indirect, whose type index is replaced by its canonical type ID.
func (backend) Compile(m *wasm.Module, f *fabricir.Function) (internalwasm.Code, error) {
	ops := make([]fabricir.Operation, len(f.Operations))
	copy(ops, f.Operations)
	for i := range ops {
		if ops[i].Kind == fabricir.OperationKindCallIndirect {
			ops[i].Imm = uint64(m.CanonicalTypeID(uint32(ops[i].Imm)))
		}
	}
	return &interpreterFunction{ops: ops}, nil
}

type interpreterFunction struct {
	ops []fabricir.Operation
}

// Run implements internalwasm.Code Run
func (f *interpreterFunction) Run(ce *internalwasm.CallEngine, base int) {
	ops := f.ops
	pc := 0
	for pc != fabricir.ReturnPC {
		op := &ops[pc]
		// The stack is re-sliced per operation since calls may grow it.
		s := ce.Stack[base:]
		switch op.Kind {
		case fabricir.OperationKindUnreachable:
			fabricir.Trap(api.TrapKindUnreachable)
		case fabricir.OperationKindConst:
			s[op.Dst] = op.Imm
			pc++
		case fabricir.OperationKindCopy:
			s[op.Dst] = s[op.A]
			pc++
		case fabricir.OperationKindUnary:
			s[op.Dst] = fabricir.UnaryOps[op.Opcode](s[op.A])
			pc++
		case fabricir.OperationKindBinary:
			s[op.Dst] = fabricir.BinaryOps[op.Opcode](s[op.A], s[op.B])
			pc++
		case fabricir.OperationKindSelect:
			if s[op.C] != 0 {
				s[op.Dst] = s[op.A]
			} else {
				s[op.Dst] = s[op.B]
			}
			pc++
		case fabricir.OperationKindGlobalGet:
			s[op.Dst] = ce.Globals[op.Imm].Get()
			pc++
		case fabricir.OperationKindGlobalSet:
			ce.Globals[op.Imm].Set(s[op.A])
			pc++
		case fabricir.OperationKindLoad:
			s[op.Dst] = ce.Memory.Load(op.Opcode, uint32(s[op.A]), op.Imm)
			pc++
		case fabricir.OperationKindStore:
			ce.Memory.Store(op.Opcode, uint32(s[op.A]), op.Imm, s[op.B])
			pc++
		case fabricir.OperationKindMemorySize:
			s[op.Dst] = uint64(ce.Memory.PageSize())
			pc++
		case fabricir.OperationKindMemoryGrow:
			s[op.Dst] = uint64(ce.Memory.GrowOrFail(uint32(s[op.A])))
			pc++
		case fabricir.OperationKindBr:
			pc = branch(s, &op.Target)
		case fabricir.OperationKindBrIf:
			if s[op.A] != 0 {
				pc = branch(s, &op.Target)
			} else {
				pc++
			}
		case fabricir.OperationKindBrIfNot:
			if s[op.A] == 0 {
				pc = branch(s, &op.Target)
			} else {
				pc++
			}
		case fabricir.OperationKindBrTable:
			if i := uint32(s[op.A]); i < uint32(len(op.Targets)) {
				pc = branch(s, &op.Targets[i])
			} else {
				pc = branch(s, &op.Target)
			}
		case fabricir.OperationKindCall:
			ce.Call(uint32(op.Imm), base+int(op.A))
			pc++
		case fabricir.OperationKindCallIndirect:
			ce.CallIndirect(uint32(op.Imm), uint32(s[op.B]), base+int(op.A))
			pc++
		case fabricir.OperationKindTableGet:
			s[op.Dst] = ce.Table.Get(uint32(s[op.A]))
			pc++
		default:
			panic("BUG: unknown operation " + op.Kind.String())
		}
	}
}

// branch applies the move of a taken branch and returns its target.
func branch(s []uint64, b *fabricir.Branch) int {
	if b.HasMove {
		s[b.Dst] = s[b.Src]
	}
	return b.PC
}
