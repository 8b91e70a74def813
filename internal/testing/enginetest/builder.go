package enginetest

import "github.com/fabricwasm/fabric/wasm"

const (
	i32, i64, f32, f64 = wasm.ValueTypeI32, wasm.ValueTypeI64, wasm.ValueTypeF32, wasm.ValueTypeF64
	funcref, externref = wasm.ValueTypeFuncref, wasm.ValueTypeExternref
)

// FuncType returns a function type of the params and results.
func FuncType(params []wasm.ValueType, results ...wasm.ValueType) *wasm.FunctionType {
	return &wasm.FunctionType{Params: params, Results: results}
}

// ModuleBuilder builds modules by hand for tests. Function imports must be added before functions, so the function
// index of each is known when it is added.
type ModuleBuilder struct {
	m *wasm.Module
}

// NewModuleBuilder returns a builder of an empty module named name.
func NewModuleBuilder(name string) *ModuleBuilder {
	return &ModuleBuilder{m: &wasm.Module{NameSection: &wasm.NameSection{ModuleName: name}}}
}

func (b *ModuleBuilder) typeIndex(t *wasm.FunctionType) wasm.Index {
	b.m.TypeSection = append(b.m.TypeSection, t)
	return wasm.Index(len(b.m.TypeSection) - 1)
}

func (b *ModuleBuilder) nextFunctionIndex() wasm.Index {
	return b.m.ImportFuncCount() + wasm.Index(len(b.m.FunctionSection))
}

func (b *ModuleBuilder) name(funcIdx wasm.Index, name string) {
	b.m.NameSection.FunctionNames = append(b.m.NameSection.FunctionNames, &wasm.NameAssoc{Index: funcIdx, Name: name})
}

// ImportFunction imports namespace.symbol with the type t.
func (b *ModuleBuilder) ImportFunction(namespace, symbol string, t *wasm.FunctionType) *ModuleBuilder {
	idx := b.nextFunctionIndex()
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type: wasm.ExternTypeFunc, Module: namespace, Name: symbol, DescFunc: b.typeIndex(t),
	})
	b.name(idx, namespace+"."+symbol)
	return b
}

// ImportGlobal imports namespace.symbol as a global of the type.
func (b *ModuleBuilder) ImportGlobal(namespace, symbol string, vt wasm.ValueType, mutable bool) *ModuleBuilder {
	b.m.ImportSection = append(b.m.ImportSection, &wasm.Import{
		Type: wasm.ExternTypeGlobal, Module: namespace, Name: symbol, DescGlobal: &wasm.GlobalType{ValType: vt, Mutable: mutable},
	})
	return b
}

// Function defines a function exported as name, unless name is empty. The final end is appended to body.
func (b *ModuleBuilder) Function(name string, t *wasm.FunctionType, locals []wasm.ValueType, body ...wasm.Instruction) *ModuleBuilder {
	idx := b.nextFunctionIndex()
	b.m.FunctionSection = append(b.m.FunctionSection, b.typeIndex(t))
	b.m.CodeSection = append(b.m.CodeSection, &wasm.Code{LocalTypes: locals, Body: append(body, wasm.End())})
	if name != "" {
		b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeFunc, Name: name, Index: idx})
		b.name(idx, name)
	}
	return b
}

// Type adds a type not used by any function, such as one only call_indirect names, and returns its index.
func (b *ModuleBuilder) Type(t *wasm.FunctionType) wasm.Index {
	return b.typeIndex(t)
}

// Memory declares a memory exported as "memory". A nil max leaves it undeclared.
func (b *ModuleBuilder) Memory(min uint32, max *uint32) *ModuleBuilder {
	b.m.MemorySection = &wasm.Memory{Min: min, Max: max}
	b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeMemory, Name: "memory"})
	return b
}

// Data adds an active data segment.
func (b *ModuleBuilder) Data(offset *wasm.ConstantExpression, init []byte) *ModuleBuilder {
	b.m.DataSection = append(b.m.DataSection, &wasm.DataSegment{OffsetExpression: offset, Init: init})
	return b
}

// Table declares a funcref table of size slots.
func (b *ModuleBuilder) Table(size uint32) *ModuleBuilder {
	b.m.TableSection = &wasm.Table{Min: size}
	return b
}

// Elements adds an element segment.
func (b *ModuleBuilder) Elements(offset *wasm.ConstantExpression, funcIdx ...wasm.Index) *ModuleBuilder {
	b.m.ElementSection = append(b.m.ElementSection, &wasm.ElementSegment{OffsetExpr: offset, Init: funcIdx})
	return b
}

// Global defines a global, exported as name unless name is empty.
func (b *ModuleBuilder) Global(name string, vt wasm.ValueType, mutable bool, init *wasm.ConstantExpression) *ModuleBuilder {
	idx := b.m.ImportGlobalCount() + wasm.Index(len(b.m.GlobalSection))
	b.m.GlobalSection = append(b.m.GlobalSection, &wasm.Global{Type: &wasm.GlobalType{ValType: vt, Mutable: mutable}, Init: init})
	if name != "" {
		b.m.ExportSection = append(b.m.ExportSection, &wasm.Export{Type: wasm.ExternTypeGlobal, Name: name, Index: idx})
	}
	return b
}

// Start makes the function the start function.
func (b *ModuleBuilder) Start(funcIdx wasm.Index) *ModuleBuilder {
	b.m.StartSection = &funcIdx
	return b
}

// Build returns the module, which is not validated yet.
func (b *ModuleBuilder) Build() *wasm.Module {
	return b.m
}
