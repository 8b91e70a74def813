package compiler

import (
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

func compileLoad(opcode wasm.Opcode, dst, addr int, offset uint64, next int) closure {
	switch opcode {
	case wasm.OpcodeI32Load, wasm.OpcodeF32Load, wasm.OpcodeI64Load32U:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = uint64(ce.Memory.Load32(uint32(s[addr]), offset))
			return next
		}
	case wasm.OpcodeI64Load, wasm.OpcodeF64Load:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = ce.Memory.Load64(uint32(s[addr]), offset)
			return next
		}
	case wasm.OpcodeI32Load8U, wasm.OpcodeI64Load8U:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			s[dst] = uint64(ce.Memory.Load8(uint32(s[addr]), offset))
			return next
		}
	}
	// Sign-extending loads.
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		s[dst] = ce.Memory.Load(opcode, uint32(s[addr]), offset)
		return next
	}
}

func compileStore(opcode wasm.Opcode, addr, value int, offset uint64, next int) closure {
	switch opcode {
	case wasm.OpcodeI32Store, wasm.OpcodeF32Store, wasm.OpcodeI64Store32:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			ce.Memory.Store32(uint32(s[addr]), offset, uint32(s[value]))
			return next
		}
	case wasm.OpcodeI64Store, wasm.OpcodeF64Store:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			ce.Memory.Store64(uint32(s[addr]), offset, s[value])
			return next
		}
	case wasm.OpcodeI32Store8, wasm.OpcodeI64Store8:
		return func(ce *internalwasm.CallEngine, base int) int {
			s := ce.Stack[base:]
			ce.Memory.Store8(uint32(s[addr]), offset, byte(s[value]))
			return next
		}
	}
	return func(ce *internalwasm.CallEngine, base int) int {
		s := ce.Stack[base:]
		ce.Memory.Store(opcode, uint32(s[addr]), offset, s[value])
		return next
	}
}
