// Package fabricir lowers WebAssembly function bodies into slot-addressed operations shared by every engine.
//
// A function frame is a window of 64-bit slots laid out as [params | locals | operands]. The operand at stack
// height h lives in slot LocalSlots+h, so every operand of an Operation is a slot index known at lowering time and
// engines never maintain an operand stack at run time.
package fabricir

import (
	"fmt"
	"strings"

	"github.com/fabricwasm/fabric/wasm"
)

// OperationKind is the kind of an Operation.
type OperationKind byte

const (
	// OperationKindUnreachable traps with api.TrapKindUnreachable.
	OperationKindUnreachable OperationKind = iota
	// OperationKindConst writes Imm to Dst.
	OperationKindConst
	// OperationKindCopy copies A to Dst.
	OperationKindCopy
	// OperationKindUnary writes UnaryOps[Opcode](A) to Dst.
	OperationKindUnary
	// OperationKindBinary writes BinaryOps[Opcode](A, B) to Dst.
	OperationKindBinary
	// OperationKindSelect writes A to Dst if C is not zero, otherwise B.
	OperationKindSelect
	// OperationKindGlobalGet writes the global Imm to Dst.
	OperationKindGlobalGet
	// OperationKindGlobalSet writes A to the global Imm.
	OperationKindGlobalSet
	// OperationKindLoad writes the memory at A+Imm to Dst, with the width and extension of Opcode.
	OperationKindLoad
	// OperationKindStore writes B to the memory at A+Imm, with the width of Opcode.
	OperationKindStore
	// OperationKindMemorySize writes the page count of the memory to Dst.
	OperationKindMemorySize
	// OperationKindMemoryGrow grows the memory by A pages and writes the previous page count, or -1, to Dst.
	OperationKindMemoryGrow
	// OperationKindBr jumps to Target.
	OperationKindBr
	// OperationKindBrIf jumps to Target if A is not zero.
	OperationKindBrIf
	// OperationKindBrIfNot jumps to Target if A is zero. It is the condition of if.
	OperationKindBrIfNot
	// OperationKindBrTable jumps to Targets[A], or Target when A is out of range.
	OperationKindBrTable
	// OperationKindCall calls the function Imm with a frame starting at slot A.
	OperationKindCall
	// OperationKindCallIndirect calls the function in table slot B, expecting the type Imm, with a frame starting
	// at slot A.
	//
	// Note: B is the first slot after the params, so it must be read before the callee frame is initialized.
	OperationKindCallIndirect
	// OperationKindTableGet writes the funcref in table slot A to Dst.
	OperationKindTableGet

	operationKindEnd
)

var operationKindNames = [operationKindEnd]string{
	OperationKindUnreachable:  "unreachable",
	OperationKindConst:        "const",
	OperationKindCopy:         "copy",
	OperationKindUnary:        "unary",
	OperationKindBinary:       "binary",
	OperationKindSelect:       "select",
	OperationKindGlobalGet:    "global.get",
	OperationKindGlobalSet:    "global.set",
	OperationKindLoad:         "load",
	OperationKindStore:        "store",
	OperationKindMemorySize:   "memory.size",
	OperationKindMemoryGrow:   "memory.grow",
	OperationKindBr:           "br",
	OperationKindBrIf:         "br_if",
	OperationKindBrIfNot:      "br_if_not",
	OperationKindBrTable:      "br_table",
	OperationKindCall:         "call",
	OperationKindCallIndirect: "call_indirect",
	OperationKindTableGet:     "table.get",
}

// String implements fmt.Stringer
func (k OperationKind) String() string {
	if k < operationKindEnd {
		return operationKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ReturnPC is the Branch.PC of a branch out of the function.
const ReturnPC = -1

// Branch is a resolved branch target. A taken branch first copies Src to Dst when HasMove is set: this carries the
// result of a block, or the function result into slot zero.
type Branch struct {
	PC      int
	HasMove bool
	Src     uint32
	Dst     uint32
}

// IsReturn returns true if the branch leaves the function.
func (b Branch) IsReturn() bool {
	return b.PC == ReturnPC
}

// String implements fmt.Stringer
func (b Branch) String() string {
	var target string
	if b.IsReturn() {
		target = "return"
	} else {
		target = fmt.Sprintf("@%d", b.PC)
	}
	if b.HasMove {
		return fmt.Sprintf("%s (s%d->s%d)", target, b.Src, b.Dst)
	}
	return target
}

// Operation is a non-interface union of all operations. Only the fields documented on its Kind are used.
type Operation struct {
	Kind OperationKind
	// Opcode is the numeric, load or store instruction of OperationKindUnary, OperationKindBinary,
	// OperationKindLoad and OperationKindStore.
	Opcode       wasm.Opcode
	Dst, A, B, C uint32
	Imm          uint64
	Target       Branch
	Targets      []Branch
}

// String implements fmt.Stringer
func (o *Operation) String() string {
	switch o.Kind {
	case OperationKindMemorySize:
		return fmt.Sprintf("s%d = memory.size", o.Dst)
	case OperationKindConst:
		return fmt.Sprintf("s%d = %#x", o.Dst, o.Imm)
	case OperationKindCopy:
		return fmt.Sprintf("s%d = s%d", o.Dst, o.A)
	case OperationKindUnary:
		return fmt.Sprintf("s%d = %s s%d", o.Dst, wasm.OpcodeName(o.Opcode), o.A)
	case OperationKindBinary:
		return fmt.Sprintf("s%d = %s s%d s%d", o.Dst, wasm.OpcodeName(o.Opcode), o.A, o.B)
	case OperationKindSelect:
		return fmt.Sprintf("s%d = select s%d s%d s%d", o.Dst, o.A, o.B, o.C)
	case OperationKindGlobalGet:
		return fmt.Sprintf("s%d = global[%d]", o.Dst, o.Imm)
	case OperationKindGlobalSet:
		return fmt.Sprintf("global[%d] = s%d", o.Imm, o.A)
	case OperationKindLoad:
		return fmt.Sprintf("s%d = %s s%d+%d", o.Dst, wasm.OpcodeName(o.Opcode), o.A, o.Imm)
	case OperationKindStore:
		return fmt.Sprintf("%s s%d+%d s%d", wasm.OpcodeName(o.Opcode), o.A, o.Imm, o.B)
	case OperationKindMemoryGrow, OperationKindTableGet:
		return fmt.Sprintf("s%d = %s s%d", o.Dst, o.Kind, o.A)
	case OperationKindBr:
		return fmt.Sprintf("br %s", o.Target)
	case OperationKindBrIf, OperationKindBrIfNot:
		return fmt.Sprintf("%s s%d %s", o.Kind, o.A, o.Target)
	case OperationKindBrTable:
		targets := make([]string, len(o.Targets))
		for i, t := range o.Targets {
			targets[i] = t.String()
		}
		return fmt.Sprintf("br_table s%d [%s] %s", o.A, strings.Join(targets, ", "), o.Target)
	case OperationKindCall:
		return fmt.Sprintf("call %d s%d", o.Imm, o.A)
	case OperationKindCallIndirect:
		return fmt.Sprintf("call_indirect type=%d s%d table[s%d]", o.Imm, o.A, o.B)
	}
	return o.Kind.String()
}

// Function is the lowered form of a function defined in a module.
type Function struct {
	Index wasm.Index
	Type  *wasm.FunctionType
	// ParamSlots is the count of params, which the caller writes into the first slots of the frame.
	ParamSlots uint32
	// LocalSlots is the count of params and locals. Locals are zero on entry.
	LocalSlots uint32
	// FrameSize is LocalSlots plus the maximum operand stack height.
	FrameSize uint32
	// ResultCount is zero or one. The result is in slot zero on return.
	ResultCount uint32
	Operations  []Operation
}

// String returns one operation per line, for debugging.
func (f *Function) String() string {
	var b strings.Builder
	for pc := range f.Operations {
		fmt.Fprintf(&b, "%d: %s\n", pc, &f.Operations[pc])
	}
	return b.String()
}
