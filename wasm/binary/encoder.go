// Package binary encodes a wasm.Module in the WebAssembly 1.0 (20191205) Binary Format, extended with the reference
// instructions the runtime supports.
//
// The runtime itself never reads this format: the encoding exists to hand the same module to other engines and to
// write modules to disk.
package binary

import (
	"github.com/fabricwasm/fabric/internal/leb128"
	"github.com/fabricwasm/fabric/wasm"
)

var (
	magic   = []byte{0x00, 0x61, 0x73, 0x6D}
	version = []byte{0x01, 0x00, 0x00, 0x00}
)

var sizePrefixedName = []byte{4, 'n', 'a', 'm', 'e'}

// EncodeModule encodes the module in the Binary Format.
// Note: If saving to a file, the conventional extension is wasm
// See https://www.w3.org/TR/wasm-core-1/#binary-format%E2%91%A0
func EncodeModule(m *wasm.Module) (bytes []byte) {
	bytes = append(append([]byte{}, magic...), version...)
	if len(m.TypeSection) > 0 {
		bytes = append(bytes, encodeTypeSection(m.TypeSection)...)
	}
	if len(m.ImportSection) > 0 {
		bytes = append(bytes, encodeImportSection(m.ImportSection)...)
	}
	if len(m.FunctionSection) > 0 {
		bytes = append(bytes, encodeFunctionSection(m.FunctionSection)...)
	}
	if m.TableSection != nil {
		bytes = append(bytes, encodeTableSection(m.TableSection)...)
	}
	if m.MemorySection != nil {
		bytes = append(bytes, encodeMemorySection(m.MemorySection)...)
	}
	if len(m.GlobalSection) > 0 {
		bytes = append(bytes, encodeGlobalSection(m.GlobalSection)...)
	}
	if len(m.ExportSection) > 0 {
		bytes = append(bytes, encodeExportSection(m.ExportSection)...)
	}
	if m.StartSection != nil {
		bytes = append(bytes, encodeSection(wasm.SectionIDStart, leb128.EncodeUint32(*m.StartSection))...)
	}
	if len(m.ElementSection) > 0 {
		bytes = append(bytes, encodeElementSection(m.ElementSection)...)
	}
	if len(m.CodeSection) > 0 {
		bytes = append(bytes, encodeCodeSection(m.CodeSection)...)
	}
	if len(m.DataSection) > 0 {
		bytes = append(bytes, encodeDataSection(m.DataSection)...)
	}
	// >> The name section should appear only once in a module, and only after the data section.
	// See https://www.w3.org/TR/wasm-core-1/#binary-namesec
	if m.NameSection != nil {
		nameSection := append(append([]byte{}, sizePrefixedName...), encodeNameSectionData(m.NameSection)...)
		bytes = append(bytes, encodeSection(wasm.SectionIDCustom, nameSection)...)
	}
	return
}

// encodeSection encodes the sectionID, the size of its contents in bytes, followed by the contents.
// See https://www.w3.org/TR/wasm-core-1/#sections%E2%91%A0
func encodeSection(sectionID wasm.SectionID, contents []byte) []byte {
	return append(append([]byte{sectionID}, leb128.EncodeUint32(uint32(len(contents)))...), contents...)
}

// encodeVector prefixes the already encoded elements with their count.
func encodeVector(count int, elements []byte) []byte {
	return append(leb128.EncodeUint32(uint32(count)), elements...)
}

func encodeName(name string) []byte {
	return append(leb128.EncodeUint32(uint32(len(name))), name...)
}

func encodeValueTypes(vt []wasm.ValueType) []byte {
	return encodeVector(len(vt), vt)
}

// encodeTypeSection encodes a SectionIDType for the given imports in WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#type-section%E2%91%A0
func encodeTypeSection(types []*wasm.FunctionType) []byte {
	var contents []byte
	for _, t := range types {
		contents = append(contents, 0x60)
		contents = append(contents, encodeValueTypes(t.Params)...)
		contents = append(contents, encodeValueTypes(t.Results)...)
	}
	return encodeSection(wasm.SectionIDType, encodeVector(len(types), contents))
}

// encodeImportSection encodes a SectionIDImport for the given imports in WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#import-section%E2%91%A0
func encodeImportSection(imports []*wasm.Import) []byte {
	var contents []byte
	for _, i := range imports {
		contents = append(contents, encodeName(i.Module)...)
		contents = append(contents, encodeName(i.Name)...)
		contents = append(contents, i.Type)
		switch i.Type {
		case wasm.ExternTypeFunc:
			contents = append(contents, leb128.EncodeUint32(i.DescFunc)...)
		case wasm.ExternTypeGlobal:
			contents = append(contents, encodeGlobalType(i.DescGlobal)...)
		}
	}
	return encodeSection(wasm.SectionIDImport, encodeVector(len(imports), contents))
}

// encodeFunctionSection encodes a SectionIDFunction for the type indices of each function.
//
// See https://www.w3.org/TR/wasm-core-1/#function-section%E2%91%A0
func encodeFunctionSection(typeIndices []wasm.Index) []byte {
	var contents []byte
	for _, index := range typeIndices {
		contents = append(contents, leb128.EncodeUint32(index)...)
	}
	return encodeSection(wasm.SectionIDFunction, encodeVector(len(typeIndices), contents))
}

// encodeLimits encodes min and an optional max.
//
// See https://www.w3.org/TR/wasm-core-1/#limits%E2%91%A6
func encodeLimits(min uint32, max *uint32) []byte {
	if max == nil {
		return append([]byte{0x00}, leb128.EncodeUint32(min)...)
	}
	return append(append([]byte{0x01}, leb128.EncodeUint32(min)...), leb128.EncodeUint32(*max)...)
}

// See https://www.w3.org/TR/wasm-core-1/#table-section%E2%91%A0
func encodeTableSection(t *wasm.Table) []byte {
	contents := append([]byte{wasm.ValueTypeFuncref}, encodeLimits(t.Min, t.Max)...)
	return encodeSection(wasm.SectionIDTable, encodeVector(1, contents))
}

// See https://www.w3.org/TR/wasm-core-1/#memory-section%E2%91%A0
func encodeMemorySection(mem *wasm.Memory) []byte {
	return encodeSection(wasm.SectionIDMemory, encodeVector(1, encodeLimits(mem.Min, mem.Max)))
}

func encodeGlobalType(gt *wasm.GlobalType) []byte {
	if gt.Mutable {
		return []byte{gt.ValType, 0x01}
	}
	return []byte{gt.ValType, 0x00}
}

func encodeConstantExpression(expr *wasm.ConstantExpression) []byte {
	return append(append([]byte{expr.Opcode}, expr.Data...), wasm.OpcodeEnd)
}

// See https://www.w3.org/TR/wasm-core-1/#global-section%E2%91%A0
func encodeGlobalSection(globals []*wasm.Global) []byte {
	var contents []byte
	for _, g := range globals {
		contents = append(contents, encodeGlobalType(g.Type)...)
		contents = append(contents, encodeConstantExpression(g.Init)...)
	}
	return encodeSection(wasm.SectionIDGlobal, encodeVector(len(globals), contents))
}

// encodeExportSection encodes a SectionIDExport for the given exports in WebAssembly 1.0 (MVP) Binary Format.
//
// See https://www.w3.org/TR/wasm-core-1/#export-section%E2%91%A0
func encodeExportSection(exports []*wasm.Export) []byte {
	var contents []byte
	for _, e := range exports {
		contents = append(contents, encodeName(e.Name)...)
		contents = append(contents, e.Type)
		contents = append(contents, leb128.EncodeUint32(e.Index)...)
	}
	return encodeSection(wasm.SectionIDExport, encodeVector(len(exports), contents))
}

// encodeElementSection uses the active form of table zero with a vector of function indexes.
//
// See https://www.w3.org/TR/wasm-core-1/#element-section%E2%91%A0
func encodeElementSection(elements []*wasm.ElementSegment) []byte {
	var contents []byte
	for _, e := range elements {
		contents = append(contents, 0x00)
		contents = append(contents, encodeConstantExpression(e.OffsetExpr)...)
		var indices []byte
		for _, idx := range e.Init {
			indices = append(indices, leb128.EncodeUint32(idx)...)
		}
		contents = append(contents, encodeVector(len(e.Init), indices)...)
	}
	return encodeSection(wasm.SectionIDElement, encodeVector(len(elements), contents))
}

// See https://www.w3.org/TR/wasm-core-1/#data-section%E2%91%A0
func encodeDataSection(data []*wasm.DataSegment) []byte {
	var contents []byte
	for _, d := range data {
		contents = append(contents, 0x00)
		contents = append(contents, encodeConstantExpression(d.OffsetExpression)...)
		contents = append(contents, encodeVector(len(d.Init), d.Init)...)
	}
	return encodeSection(wasm.SectionIDData, encodeVector(len(data), contents))
}
