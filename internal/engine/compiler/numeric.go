package compiler

import (
	"fmt"

	"github.com/fabricwasm/fabric/internal/fabricir"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// compileUnary specializes i32.eqz and i64.eqz, which usually feed a branch, and binds everything else to its
// shared semantics.
func compileUnary(opcode wasm.Opcode, dst, a, next int) (closure, error) {
	switch opcode {
	case wasm.OpcodeI32Eqz:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			if uint32(s[a]) == 0 {
				s[dst] = 1
			} else {
				s[dst] = 0
			}
			return next
		}, nil
	case wasm.OpcodeI64Eqz:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			if s[a] == 0 {
				s[dst] = 1
			} else {
				s[dst] = 0
			}
			return next
		}, nil
	}
	fn := fabricir.UnaryOps[opcode]
	if fn == nil {
		return nil, fmt.Errorf("unsupported unary opcode %s", wasm.OpcodeName(opcode))
	}
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		s[dst] = fn(s[a])
		return next
	}, nil
}

// compileBinary specializes integer arithmetic and comparisons that can't trap. Everything else, including
// division and all float operations, is bound to its shared semantics, which carry the trap guards.
func compileBinary(opcode wasm.Opcode, dst, a, b, next int) (closure, error) {
	var fn func(x, y uint64) uint64
	switch opcode {
	case wasm.OpcodeI32Add:
		fn = func(x, y uint64) uint64 { return uint64(uint32(x) + uint32(y)) }
	case wasm.OpcodeI32Sub:
		fn = func(x, y uint64) uint64 { return uint64(uint32(x) - uint32(y)) }
	case wasm.OpcodeI32Mul:
		fn = func(x, y uint64) uint64 { return uint64(uint32(x) * uint32(y)) }
	case wasm.OpcodeI32And:
		fn = func(x, y uint64) uint64 { return x & y }
	case wasm.OpcodeI32Or:
		fn = func(x, y uint64) uint64 { return x | y }
	case wasm.OpcodeI32Xor:
		fn = func(x, y uint64) uint64 { return x ^ y }
	case wasm.OpcodeI32Shl:
		fn = func(x, y uint64) uint64 { return uint64(uint32(x) << (uint32(y) & 31)) }
	case wasm.OpcodeI32ShrU:
		fn = func(x, y uint64) uint64 { return uint64(uint32(x) >> (uint32(y) & 31)) }
	case wasm.OpcodeI32Eq:
		fn = func(x, y uint64) uint64 { return b2u(uint32(x) == uint32(y)) }
	case wasm.OpcodeI32Ne:
		fn = func(x, y uint64) uint64 { return b2u(uint32(x) != uint32(y)) }
	case wasm.OpcodeI32LtS:
		fn = func(x, y uint64) uint64 { return b2u(int32(x) < int32(y)) }
	case wasm.OpcodeI32LtU:
		fn = func(x, y uint64) uint64 { return b2u(uint32(x) < uint32(y)) }
	case wasm.OpcodeI32GtS:
		fn = func(x, y uint64) uint64 { return b2u(int32(x) > int32(y)) }
	case wasm.OpcodeI32LeS:
		fn = func(x, y uint64) uint64 { return b2u(int32(x) <= int32(y)) }
	case wasm.OpcodeI32GeS:
		fn = func(x, y uint64) uint64 { return b2u(int32(x) >= int32(y)) }
	case wasm.OpcodeI64Add:
		fn = func(x, y uint64) uint64 { return x + y }
	case wasm.OpcodeI64Sub:
		fn = func(x, y uint64) uint64 { return x - y }
	case wasm.OpcodeI64Mul:
		fn = func(x, y uint64) uint64 { return x * y }
	case wasm.OpcodeI64LtS:
		fn = func(x, y uint64) uint64 { return b2u(int64(x) < int64(y)) }
	case wasm.OpcodeI64Eq:
		fn = func(x, y uint64) uint64 { return b2u(x == y) }
	default:
		if fn = fabricir.BinaryOps[opcode]; fn == nil {
			return nil, fmt.Errorf("unsupported binary opcode %s", wasm.OpcodeName(opcode))
		}
	}
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		s[dst] = fn(s[a], s[b])
		return next
	}, nil
}

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
