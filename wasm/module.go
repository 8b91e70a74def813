// Package wasm is the in-memory representation of a WebAssembly module as handed to the runtime by a decoder.
//
// A Module is plain data. Module.Validate checks every structural and typing rule the runtime relies on, and
// caches data derived from the module (canonical type IDs and indirect call targets). A Module must not be
// modified after it was validated.
package wasm

import (
	"strconv"
	"strings"

	"github.com/fabricwasm/fabric/api"
)

// Module is a WebAssembly binary representation.
// See https://www.w3.org/TR/wasm-core-1/#modules%E2%91%A8
//
// Differences from WebAssembly Core 1.0:
//   - Function bodies are typed instruction sequences rather than bytes.
//   - At most one table and one memory are defined, and neither can be imported.
type Module struct {
	// TypeSection contains the FunctionType of functions imported or defined in this module.
	//
	// See https://www.w3.org/TR/wasm-core-1/#types%E2%91%A0%E2%91%A0
	TypeSection []*FunctionType

	// ImportSection contains imported functions and globals required for instantiation.
	//
	// Note: the import index namespace is shared, but function and global index namespaces only count imports of
	// their own kind.
	//
	// See https://www.w3.org/TR/wasm-core-1/#import-section%E2%91%A0
	ImportSection []*Import

	// FunctionSection contains the index in TypeSection of each function defined in this module.
	//
	// Note: The function Index namespace begins with imported functions and ends with those defined in this module.
	// For example, if there are two imported functions and one defined in this module, the function Index 2 is
	// defined in this module at FunctionSection[0].
	//
	// See https://www.w3.org/TR/wasm-core-1/#function-section%E2%91%A0
	FunctionSection []Index

	// TableSection is the only table of this module, or nil.
	//
	// See https://www.w3.org/TR/wasm-core-1/#table-section%E2%91%A0
	TableSection *Table

	// MemorySection is the only memory of this module, or nil.
	//
	// See https://www.w3.org/TR/wasm-core-1/#memory-section%E2%91%A0
	MemorySection *Memory

	// GlobalSection contains each global defined in this module.
	//
	// Global indexes are offset by any imported globals because the global index space begins with imports,
	// followed by ones defined in this module.
	//
	// See https://www.w3.org/TR/wasm-core-1/#global-section%E2%91%A0
	GlobalSection []*Global

	// ExportSection contains each export defined in this module, in declaration order.
	//
	// See https://www.w3.org/TR/wasm-core-1/#exports%E2%91%A0
	ExportSection []*Export

	// StartSection is the index of a function to call before instantiation returns.
	//
	// See https://www.w3.org/TR/wasm-core-1/#start-section%E2%91%A0
	StartSection *Index

	// ElementSection initializes the table.
	//
	// See https://www.w3.org/TR/wasm-core-1/#element-section%E2%91%A0
	ElementSection []*ElementSegment

	// CodeSection is index-correlated with FunctionSection and contains each function's locals and body.
	//
	// See https://www.w3.org/TR/wasm-core-1/#code-section%E2%91%A0
	CodeSection []*Code

	// DataSection initializes the memory.
	//
	// See https://www.w3.org/TR/wasm-core-1/#data-section%E2%91%A0
	DataSection []*DataSegment

	// NameSection holds debug names, used in trap backtraces. This can be nil.
	//
	// See https://www.w3.org/TR/wasm-core-1/#name-section%E2%91%A0
	NameSection *NameSection

	// validated is set by a successful Validate.
	validated bool

	// typeIDs are index-correlated with TypeSection: the index of the first structurally equal type.
	typeIDs []uint32

	// indirectTargets are the functions named by element segments or ref.func, indexed by function index.
	indirectTargets []bool
}

// Index is the offset in an index namespace, not necessarily an absolute position in a Module section. This is
// because index namespaces are often preceded by a corresponding type in the Module.ImportSection.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-index
type Index = uint32

// ValueType is an alias of api.ValueType, so that modules can be built without importing api.
type ValueType = api.ValueType

const (
	ValueTypeI32       = api.ValueTypeI32
	ValueTypeI64       = api.ValueTypeI64
	ValueTypeF32       = api.ValueTypeF32
	ValueTypeF64       = api.ValueTypeF64
	ValueTypeFuncref   = api.ValueTypeFuncref
	ValueTypeExternref = api.ValueTypeExternref
)

// ValueTypeName is an alias of api.ValueTypeName
func ValueTypeName(vt ValueType) string {
	return api.ValueTypeName(vt)
}

// ExternType is an alias of api.ExternType.
type ExternType = api.ExternType

const (
	ExternTypeFunc   = api.ExternTypeFunc
	ExternTypeTable  = api.ExternTypeTable
	ExternTypeMemory = api.ExternTypeMemory
	ExternTypeGlobal = api.ExternTypeGlobal
)

// ExternTypeName is an alias of api.ExternTypeName
func ExternTypeName(et ExternType) string {
	return api.ExternTypeName(et)
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/wasm-core-1/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: there can be at most one result.
	Results []ValueType
}

// String returns the signature in the form "i32i64_f32", where "v" stands for no values.
func (t *FunctionType) String() string {
	var b strings.Builder
	writeValueTypes(&b, t.Params)
	b.WriteByte('_')
	writeValueTypes(&b, t.Results)
	return b.String()
}

func writeValueTypes(b *strings.Builder, types []ValueType) {
	if len(types) == 0 {
		b.WriteByte('v')
		return
	}
	for _, vt := range types {
		b.WriteString(api.ValueTypeName(vt))
	}
}

// EqualsSignature returns true if the function type has the same parameters and results.
func (t *FunctionType) EqualsSignature(params []ValueType, results []ValueType) bool {
	return equalValueTypes(t.Params, params) && equalValueTypes(t.Results, results)
}

func equalValueTypes(a, b []ValueType) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Import is the binary representation of an import indicated by Type
// See https://www.w3.org/TR/wasm-core-1/#binary-import
type Import struct {
	Type ExternType
	// Module is the possibly empty primary namespace of this import
	Module string
	// Name is the possibly empty secondary namespace of this import
	Name string
	// DescFunc is the index in Module.TypeSection when Type equals ExternTypeFunc
	DescFunc Index
	// DescGlobal is the inlined GlobalType when Type equals ExternTypeGlobal
	DescGlobal *GlobalType
}

// Table is the only table of a module. Its elements are always funcref.
//
// Note: tables never grow, so Max only bounds Min.
type Table struct {
	Min uint32
	Max *uint32
}

// Memory describes the limits of the memory, in pages.
type Memory struct {
	Min uint32
	Max *uint32
}

// GlobalType is the value type and mutability of a global.
type GlobalType struct {
	ValType ValueType
	Mutable bool
}

// Global is a global defined in the module.
type Global struct {
	Type *GlobalType
	Init *ConstantExpression
}

// Export is the binary representation of an export indicated by Type
// See https://www.w3.org/TR/wasm-core-1/#binary-export
type Export struct {
	Type ExternType
	// Name is what the host refers to this definition as.
	Name string
	// Index is the index of the definition to export, the index namespace is by Type
	Index Index
}

// ElementSegment writes function references into the table at the offset, when instantiated.
type ElementSegment struct {
	OffsetExpr *ConstantExpression
	// Init are function indexes written into consecutive slots.
	Init []Index
}

// Code is an entry in the Module.CodeSection containing the locals and body of the function.
// See https://www.w3.org/TR/wasm-core-1/#binary-code
type Code struct {
	// LocalTypes are any function-scoped variables in insertion order.
	// See https://www.w3.org/TR/wasm-core-1/#binary-local
	LocalTypes []ValueType
	// Body is a sequence of instructions ending in OpcodeEnd
	// See https://www.w3.org/TR/wasm-core-1/#binary-expr
	Body []Instruction
}

// DataSegment writes bytes into the memory at the offset, when instantiated.
type DataSegment struct {
	OffsetExpression *ConstantExpression
	Init             []byte
}

// NameSection represent the known custom name subsections defined in the WebAssembly Binary Format
//
// See https://www.w3.org/TR/wasm-core-1/#name-section%E2%91%A0
type NameSection struct {
	// ModuleName is the symbolic identifier for a module. Ex. math
	ModuleName string

	// FunctionNames is an association of a function index to its symbolic identifier. Ex. add
	//
	// Note: This must be ordered by NameAssoc.Index
	FunctionNames NameMap
}

// NameMap associates an index with any associated names.
//
// See https://www.w3.org/TR/wasm-core-1/#binary-namemap
type NameMap []*NameAssoc

type NameAssoc struct {
	Index Index
	Name  string
}

// ImportFuncCount returns the count of imported functions, which precede local ones in the function index
// namespace.
func (m *Module) ImportFuncCount() uint32 {
	return m.importCount(ExternTypeFunc)
}

// ImportGlobalCount returns the count of imported globals, which precede local ones in the global index namespace.
func (m *Module) ImportGlobalCount() uint32 {
	return m.importCount(ExternTypeGlobal)
}

func (m *Module) importCount(et ExternType) (res uint32) {
	for _, im := range m.ImportSection {
		if im.Type == et {
			res++
		}
	}
	return
}

// FunctionCount returns the size of the function index namespace.
func (m *Module) FunctionCount() uint32 {
	return m.ImportFuncCount() + uint32(len(m.FunctionSection))
}

// TypeOfFunction returns the FunctionType for the given function namespace index or nil.
// Note: The function index namespace is preceded by imported functions.
func (m *Module) TypeOfFunction(funcIdx Index) *FunctionType {
	typeIdx, ok := m.typeIndexOfFunction(funcIdx)
	if !ok || typeIdx >= uint32(len(m.TypeSection)) {
		return nil
	}
	return m.TypeSection[typeIdx]
}

func (m *Module) typeIndexOfFunction(funcIdx Index) (Index, bool) {
	funcImportCount := Index(0)
	for _, im := range m.ImportSection {
		if im.Type == ExternTypeFunc {
			if funcIdx == funcImportCount {
				return im.DescFunc, true
			}
			funcImportCount++
		}
	}
	funcSectionIdx := funcIdx - funcImportCount
	if funcSectionIdx >= uint32(len(m.FunctionSection)) {
		return 0, false
	}
	return m.FunctionSection[funcSectionIdx], true
}

// AllGlobalTypes returns the types of the global index namespace: imported globals followed by local ones.
func (m *Module) AllGlobalTypes() []*GlobalType {
	ret := make([]*GlobalType, 0, len(m.GlobalSection))
	for _, im := range m.ImportSection {
		if im.Type == ExternTypeGlobal {
			ret = append(ret, im.DescGlobal)
		}
	}
	for _, g := range m.GlobalSection {
		ret = append(ret, g.Type)
	}
	return ret
}

// FunctionName returns the debug name of the function, or "$" followed by its index when there is none.
func (m *Module) FunctionName(funcIdx Index) string {
	if m.NameSection != nil {
		for _, na := range m.NameSection.FunctionNames {
			if na.Index == funcIdx {
				return na.Name
			}
		}
	}
	return "$" + strconv.FormatUint(uint64(funcIdx), 10)
}

// ExportedFunction returns the export of the function with the given name or nil.
func (m *Module) ExportedFunction(name string) *Export {
	return m.export(ExternTypeFunc, name)
}

func (m *Module) export(et ExternType, name string) *Export {
	for _, e := range m.ExportSection {
		if e.Type == et && e.Name == name {
			return e
		}
	}
	return nil
}

// Validated returns true if Validate succeeded.
func (m *Module) Validated() bool {
	return m.validated
}

// CanonicalTypeID returns an identifier shared by all structurally equal types of TypeSection. Two functions
// have the same signature exactly when their types have the same ID.
//
// Note: This panics if the module was not validated.
func (m *Module) CanonicalTypeID(typeIdx Index) uint32 {
	return m.typeIDs[typeIdx]
}

// FunctionTypeID returns CanonicalTypeID for the type of the function.
func (m *Module) FunctionTypeID(funcIdx Index) uint32 {
	typeIdx, _ := m.typeIndexOfFunction(funcIdx)
	return m.typeIDs[typeIdx]
}

// IsIndirectTarget returns true if the function is named by an element segment or ref.func, so it may be called
// through the table or a funcref.
//
// Note: This panics if the module was not validated.
func (m *Module) IsIndirectTarget(funcIdx Index) bool {
	return m.indirectTargets[funcIdx]
}

// SectionID identifies the sections of a Module in the WebAssembly 1.0 (20191205) Binary Format.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
type SectionID = byte

const (
	// SectionIDCustom includes the standard defined NameSection and possibly others not defined in the standard.
	SectionIDCustom SectionID = iota // don't add anything not in https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
	SectionIDType
	SectionIDImport
	SectionIDFunction
	SectionIDTable
	SectionIDMemory
	SectionIDGlobal
	SectionIDExport
	SectionIDStart
	SectionIDElement
	SectionIDCode
	SectionIDData
)

// SectionIDName returns the canonical name of a module section.
// https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#sections%E2%91%A0
func SectionIDName(sectionID SectionID) string {
	switch sectionID {
	case SectionIDCustom:
		return "custom"
	case SectionIDType:
		return "type"
	case SectionIDImport:
		return "import"
	case SectionIDFunction:
		return "function"
	case SectionIDTable:
		return "table"
	case SectionIDMemory:
		return "memory"
	case SectionIDGlobal:
		return "global"
	case SectionIDExport:
		return "export"
	case SectionIDStart:
		return "start"
	case SectionIDElement:
		return "element"
	case SectionIDCode:
		return "code"
	case SectionIDData:
		return "data"
	}
	return "unknown"
}

// MemoryPageSize is the unit of memory length in WebAssembly, and is defined as 2^16 = 65536.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
const MemoryPageSize = uint32(65536)

// MemoryMaxPages is the maximum number of pages a memory can declare: 4GiB.
const MemoryMaxPages = uint32(65536)
