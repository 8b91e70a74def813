package binary

import (
	"encoding/binary"
	"fmt"

	"github.com/fabricwasm/fabric/internal/leb128"
	"github.com/fabricwasm/fabric/wasm"
)

// encodeCodeSection encodes a SectionIDCode for the module's function bodies.
//
// See https://www.w3.org/TR/wasm-core-1/#code-section%E2%91%A0
func encodeCodeSection(code []*wasm.Code) []byte {
	var contents []byte
	for _, c := range code {
		contents = append(contents, encodeCode(c)...)
	}
	return encodeSection(wasm.SectionIDCode, encodeVector(len(code), contents))
}

// encodeCode returns the wasm.Code encoded in WebAssembly 1.0 (MVP) Binary Format: its size in bytes, the locals
// grouped by runs of the same type, then the body.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-code
func encodeCode(c *wasm.Code) []byte {
	var locals []byte
	var groups int
	for i := 0; i < len(c.LocalTypes); {
		vt, count := c.LocalTypes[i], uint32(1)
		for i+int(count) < len(c.LocalTypes) && c.LocalTypes[i+int(count)] == vt {
			count++
		}
		locals = append(locals, leb128.EncodeUint32(count)...)
		locals = append(locals, vt)
		groups++
		i += int(count)
	}
	body := encodeVector(groups, locals)
	for _, in := range c.Body {
		body = append(body, EncodeInstruction(in)...)
	}
	return append(leb128.EncodeUint32(uint32(len(body))), body...)
}

// EncodeInstruction encodes the opcode followed by its immediates.
//
// Note: This panics on an opcode the runtime doesn't support, as such an instruction cannot have been validated.
func EncodeInstruction(in wasm.Instruction) []byte {
	ret := []byte{in.Opcode}
	switch in.Opcode {
	case wasm.OpcodeBlock, wasm.OpcodeLoop, wasm.OpcodeIf:
		blockType := in.Type
		if blockType == 0 {
			blockType = wasm.BlockTypeEmpty
		}
		return append(ret, blockType)
	case wasm.OpcodeBr, wasm.OpcodeBrIf, wasm.OpcodeCall,
		wasm.OpcodeLocalGet, wasm.OpcodeLocalSet, wasm.OpcodeLocalTee,
		wasm.OpcodeGlobalGet, wasm.OpcodeGlobalSet, wasm.OpcodeRefFunc:
		return append(ret, leb128.EncodeUint32(in.Index)...)
	case wasm.OpcodeBrTable:
		var labels []byte
		for _, l := range in.Labels {
			labels = append(labels, leb128.EncodeUint32(l)...)
		}
		ret = append(ret, encodeVector(len(in.Labels), labels)...)
		return append(ret, leb128.EncodeUint32(in.Index)...)
	case wasm.OpcodeCallIndirect:
		// The table index is always zero.
		return append(append(ret, leb128.EncodeUint32(in.Index)...), 0x00)
	case wasm.OpcodeTableGet, wasm.OpcodeMemorySize, wasm.OpcodeMemoryGrow:
		return append(ret, 0x00)
	case wasm.OpcodeI32Const:
		return append(ret, leb128.EncodeInt32(int32(uint32(in.Value)))...)
	case wasm.OpcodeI64Const:
		return append(ret, leb128.EncodeInt64(int64(in.Value))...)
	case wasm.OpcodeF32Const:
		return binary.LittleEndian.AppendUint32(ret, uint32(in.Value))
	case wasm.OpcodeF64Const:
		return binary.LittleEndian.AppendUint64(ret, in.Value)
	case wasm.OpcodeRefNull:
		return append(ret, in.Type)
	}
	if _, ok := wasm.MemoryAccessSize(in.Opcode); ok {
		ret = append(ret, leb128.EncodeUint32(in.Align)...)
		return append(ret, leb128.EncodeUint32(in.Offset)...)
	}
	if wasm.NumericArity(in.Opcode) > 0 {
		return ret
	}
	switch in.Opcode {
	case wasm.OpcodeUnreachable, wasm.OpcodeNop, wasm.OpcodeElse, wasm.OpcodeEnd, wasm.OpcodeReturn,
		wasm.OpcodeDrop, wasm.OpcodeSelect, wasm.OpcodeRefIsNull:
		return ret
	}
	panic(fmt.Errorf("BUG: unsupported opcode %s", wasm.OpcodeName(in.Opcode)))
}
