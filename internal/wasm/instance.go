package internalwasm

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

// DefaultMemoryLimitPages is the default effective maximum of a memory that declares none: 16 MiB.
const DefaultMemoryLimitPages = uint32(256)

// FunctionInstance is a function in the function index namespace of an instance: either a host function it
// imports, or one it defines.
type FunctionInstance struct {
	Index wasm.Index
	// Name is used in backtraces.
	Name   string
	Type   *wasm.FunctionType
	TypeID uint32

	// Host is set for imported functions, and Compiled for defined ones.
	Host     *HostFunction
	Compiled *CompiledFunction

	Module *ModuleInstance
}

// InstanceConfig are the runtime settings an instance is created with.
type InstanceConfig struct {
	// MemoryLimitPages is the effective maximum of a memory that declares none, and caps one that does.
	MemoryLimitPages uint32
	// CallStackCeiling is the maximum count of guest frames of a call.
	CallStackCeiling int
	Logger           *zap.Logger
	// OnClose is called once, when the instance is closed.
	OnClose func(*ModuleInstance)
}

// ModuleInstance is an instantiated module. Besides the state compiled code uses, it is the api.Instance given to
// the host and the api.Caller given to host functions.
//
// Everything but the memory contents and mutable globals is immutable after Instantiate, so calls run concurrently
// without locking.
type ModuleInstance struct {
	name     string
	Module   *wasm.Module
	Compiled *CompiledModule

	// Functions is the function index namespace: imports, then defined functions.
	Functions []*FunctionInstance
	// Globals is the global index namespace: imports, then defined globals.
	Globals        []*GlobalInstance
	MemoryInstance *MemoryInstance
	TableInstance  *TableInstance

	exports map[string]*wasm.Export
	ceiling int

	poisoned, closed atomic.Bool
	onClose          func(*ModuleInstance)
	logger           *zap.Logger
}

// compile-time check to ensure ModuleInstance is an api.Instance and an api.Caller
var (
	_ api.Instance = &ModuleInstance{}
	_ api.Caller   = &ModuleInstance{}
)

// Instantiate creates an instance of the compiled module, linked to the resolved imports.
//
// All segment offsets are evaluated and bounds checked before anything is written, so a failing segment fails with a
// *api.InstantiationError and no partial state. Then memory is allocated and data written, the table allocated and
// elements written, globals initialized and finally the start function, if any, is run. A trap in the start function
// fails instantiation.
func Instantiate(ctx context.Context, compiled *CompiledModule, imports *ResolvedImports, name string, config *InstanceConfig) (*ModuleInstance, error) {
	m := compiled.Module
	if imports == nil {
		imports = &ResolvedImports{}
	}
	if uint32(len(imports.Functions)) != m.ImportFuncCount() || uint32(len(imports.Globals)) != m.ImportGlobalCount() {
		return nil, fmt.Errorf("module[%s]: resolved imports don't match the import section", name)
	}
	if config == nil {
		config = &InstanceConfig{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ceiling := config.CallStackCeiling
	if ceiling <= 0 {
		ceiling = DefaultCallStackCeiling
	}

	inst := &ModuleInstance{
		name:     name,
		Module:   m,
		Compiled: compiled,
		exports:  make(map[string]*wasm.Export, len(m.ExportSection)),
		ceiling:  ceiling,
		onClose:  config.OnClose,
		logger:   logger.With(zap.String("component", "instance"), zap.String("module", name)),
	}
	for _, e := range m.ExportSection {
		inst.exports[e.Name] = e
	}
	importedGlobal := func(idx wasm.Index) uint64 { return imports.Globals[idx].Get() }

	var memMin, memMax uint32
	if mem := m.MemorySection; mem != nil {
		memMin, memMax = mem.Min, effectiveMemoryMax(mem, config.MemoryLimitPages)
		if memMin > memMax {
			return nil, &api.InstantiationError{Section: "memory",
				Msg: fmt.Sprintf("min %d pages over limit of %d pages", memMin, memMax)}
		}
	}
	dataOffsets := make([]uint32, len(m.DataSection))
	for i, d := range m.DataSection {
		offset := uint32(d.OffsetExpression.Eval(importedGlobal))
		if end := uint64(offset) + uint64(len(d.Init)); end > MemoryPagesToBytesNum(memMin) {
			return nil, &api.InstantiationError{Section: "data", Index: uint32(i),
				Msg: fmt.Sprintf("offset %d and length %d exceed memory size %d", offset, len(d.Init), MemoryPagesToBytesNum(memMin))}
		}
		dataOffsets[i] = offset
	}
	elementOffsets := make([]uint32, len(m.ElementSection))
	for i, e := range m.ElementSection {
		offset := uint32(e.OffsetExpr.Eval(importedGlobal))
		if end := uint64(offset) + uint64(len(e.Init)); end > uint64(m.TableSection.Min) {
			return nil, &api.InstantiationError{Section: "element", Index: uint32(i),
				Msg: fmt.Sprintf("offset %d and length %d exceed table size %d", offset, len(e.Init), m.TableSection.Min)}
		}
		elementOffsets[i] = offset
	}

	if m.MemorySection != nil {
		inst.MemoryInstance = NewMemoryInstance(memMin, memMax)
		for i, d := range m.DataSection {
			copy(inst.MemoryInstance.buffer[dataOffsets[i]:], d.Init)
		}
	}

	if m.TableSection != nil {
		inst.TableInstance = NewTableInstance(m.TableSection.Min)
		for i, e := range m.ElementSection {
			for j, funcIdx := range e.Init {
				inst.TableInstance.set(elementOffsets[i]+uint32(j), funcIdx)
			}
		}
	}

	inst.Globals = make([]*GlobalInstance, 0, len(imports.Globals)+len(m.GlobalSection))
	inst.Globals = append(inst.Globals, imports.Globals...)
	for _, g := range m.GlobalSection {
		inst.Globals = append(inst.Globals, NewGlobalInstance(g.Type, g.Init.Eval(importedGlobal)))
	}

	inst.Functions = make([]*FunctionInstance, 0, m.FunctionCount())
	for i, hf := range imports.Functions {
		idx := wasm.Index(i)
		inst.Functions = append(inst.Functions, &FunctionInstance{
			Index: idx, Name: hf.Name(), Type: m.TypeOfFunction(idx), TypeID: m.FunctionTypeID(idx), Host: hf, Module: inst,
		})
	}
	for _, cf := range compiled.Functions {
		inst.Functions = append(inst.Functions, &FunctionInstance{
			Index: cf.Index, Name: m.FunctionName(cf.Index), Type: m.TypeOfFunction(cf.Index), TypeID: cf.TypeID, Compiled: cf, Module: inst,
		})
	}

	if m.StartSection != nil {
		start := inst.Functions[*m.StartSection]
		if _, err := inst.call(ctx, start, nil); err != nil {
			inst.closed.Store(true)
			return nil, &api.InstantiationError{Section: "start", Index: start.Index, Err: err}
		}
	}

	inst.logger.Debug("instantiated",
		zap.String("engine", compiled.EngineName),
		zap.Int("functions", len(inst.Functions)),
		zap.Uint32("memory_pages", memMin))
	return inst, nil
}

// effectiveMemoryMax is the declared maximum capped by the limit, or the limit when there's none.
func effectiveMemoryMax(mem *wasm.Memory, limit uint32) uint32 {
	if limit == 0 {
		limit = DefaultMemoryLimitPages
	}
	if mem.Max != nil && *mem.Max < limit {
		return *mem.Max
	}
	return limit
}

// call is the outermost call of f from the host.
func (m *ModuleInstance) call(ctx context.Context, f *FunctionInstance, params []uint64) ([]uint64, error) {
	if m.closed.Load() {
		return nil, fmt.Errorf("module[%s]: %w", m.name, api.ErrInstanceClosed)
	}
	if m.poisoned.Load() {
		return nil, fmt.Errorf("module[%s]: %w", m.name, api.ErrPoisonedInstance)
	}
	if len(params) != len(f.Type.Params) {
		return nil, &api.ValueTypeError{Function: f.Name, Index: -1, ExpectedCount: len(f.Type.Params), ActualCount: len(params)}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return m.newCallEngine(ctx).invoke(f, params)
}

func (m *ModuleInstance) poison(cause error) {
	if m.poisoned.CompareAndSwap(false, true) {
		m.logger.Warn("instance poisoned", zap.Error(cause))
	}
}

// Name implements api.Instance Name
func (m *ModuleInstance) Name() string {
	return m.name
}

// String implements fmt.Stringer
func (m *ModuleInstance) String() string {
	return fmt.Sprintf("Module[%s]", m.name)
}

// Instance implements api.Caller Instance
func (m *ModuleInstance) Instance() api.Instance {
	return m
}

// Memory implements api.Instance Memory. A poisoned instance keeps its memory readable until closed.
func (m *ModuleInstance) Memory() api.Memory {
	if m.MemoryInstance == nil || m.closed.Load() {
		return nil
	}
	return m.MemoryInstance
}

// ExportedFunction implements api.Instance ExportedFunction
func (m *ModuleInstance) ExportedFunction(name string) api.Function {
	e, ok := m.exports[name]
	if !ok || e.Type != wasm.ExternTypeFunc {
		return nil
	}
	return &function{name: name, f: m.Functions[e.Index]}
}

// ExportedMemory implements api.Instance ExportedMemory
func (m *ModuleInstance) ExportedMemory(name string) api.Memory {
	if e, ok := m.exports[name]; !ok || e.Type != wasm.ExternTypeMemory {
		return nil
	}
	return m.Memory()
}

// ExportedGlobal implements api.Instance ExportedGlobal
func (m *ModuleInstance) ExportedGlobal(name string) api.Global {
	e, ok := m.exports[name]
	if !ok || e.Type != wasm.ExternTypeGlobal {
		return nil
	}
	return exportGlobal(m.Globals[e.Index])
}

// InvokeExport implements api.Instance InvokeExport
func (m *ModuleInstance) InvokeExport(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	e, ok := m.exports[name]
	if !ok || e.Type != wasm.ExternTypeFunc {
		return nil, fmt.Errorf("module[%s]: %q is not an exported function", m.name, name)
	}
	return m.call(ctx, m.Functions[e.Index], params)
}

// TableSlotTarget implements api.Instance TableSlotTarget
func (m *ModuleInstance) TableSlotTarget(slot uint32) (uint32, error) {
	if m.TableInstance == nil {
		return 0, &api.TrapError{Kind: api.TrapKindTableOutOfBounds}
	}
	funcIdx, trap := m.TableInstance.Lookup(slot)
	if trap != 0 {
		return 0, &api.TrapError{Kind: trap}
	}
	return funcIdx, nil
}

// CallIndirect implements api.Instance CallIndirect
func (m *ModuleInstance) CallIndirect(ctx context.Context, slot uint32, params ...uint64) ([]uint64, error) {
	funcIdx, err := m.TableSlotTarget(slot)
	if err != nil {
		return nil, err
	}
	return m.call(ctx, m.Functions[funcIdx], params)
}

// Function implements api.Instance Function
func (m *ModuleInstance) Function(ref api.FuncRef) (api.Function, error) {
	if ref.IsNull() {
		return nil, fmt.Errorf("module[%s]: null funcref", m.name)
	}
	if ref.Instance != api.Instance(m) {
		return nil, api.ErrForeignFuncRef
	}
	if ref.Index >= uint32(len(m.Functions)) {
		return nil, fmt.Errorf("module[%s]: function index %d out of range", m.name, ref.Index)
	}
	return &function{f: m.Functions[ref.Index]}, nil
}

// FuncRef implements api.Instance FuncRef
func (m *ModuleInstance) FuncRef(index uint32) (api.FuncRef, error) {
	if index >= uint32(len(m.Functions)) {
		return api.FuncRef{}, fmt.Errorf("module[%s]: function index %d out of range", m.name, index)
	}
	return api.FuncRef{Instance: m, Index: index}, nil
}

// Poisoned implements api.Instance Poisoned
func (m *ModuleInstance) Poisoned() bool {
	return m.poisoned.Load()
}

// Close implements api.Instance Close
func (m *ModuleInstance) Close(context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("module[%s]: %w", m.name, api.ErrInstanceClosed)
	}
	if m.onClose != nil {
		m.onClose(m)
	}
	m.logger.Debug("closed")
	return nil
}

// function is the api.Function of a FunctionInstance.
type function struct {
	// name is the export name, if exported.
	name string
	f    *FunctionInstance
}

// compile-time check to ensure function is an api.Function
var _ api.Function = &function{}

// Name implements api.Function Name
func (f *function) Name() string {
	if f.name != "" {
		return f.name
	}
	return f.f.Name
}

// ParamTypes implements api.Function ParamTypes
func (f *function) ParamTypes() []api.ValueType {
	return f.f.Type.Params
}

// ResultTypes implements api.Function ResultTypes
func (f *function) ResultTypes() []api.ValueType {
	return f.f.Type.Results
}

// Call implements api.Function Call
func (f *function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	return f.f.Module.call(ctx, f.f, params)
}

// Invoke implements api.Function Invoke
func (f *function) Invoke(ctx context.Context, params ...api.Value) ([]api.Value, error) {
	m, ft := f.f.Module, f.f.Type
	if len(params) != len(ft.Params) {
		return nil, &api.ValueTypeError{Function: f.Name(), Index: -1, ExpectedCount: len(ft.Params), ActualCount: len(params)}
	}
	raw := make([]uint64, len(params))
	for i, p := range params {
		if p.Type != ft.Params[i] {
			return nil, &api.ValueTypeError{Function: f.Name(), Index: i, Expected: ft.Params[i], Actual: p.Type}
		}
		if p.Type != wasm.ValueTypeFuncref {
			raw[i] = p.Bits
			continue
		}
		if p.Func.IsNull() {
			continue
		}
		if p.Func.Instance != api.Instance(m) {
			return nil, fmt.Errorf("%s: param[%d]: %w", f.Name(), i, api.ErrForeignFuncRef)
		}
		if p.Func.Index >= uint32(len(m.Functions)) {
			return nil, fmt.Errorf("%s: param[%d]: function index %d out of range", f.Name(), i, p.Func.Index)
		}
		raw[i] = uint64(p.Func.Index) + 1
	}

	results, err := m.call(ctx, f.f, raw)
	if err != nil {
		return nil, err
	}
	ret := make([]api.Value, len(results))
	for i, r := range results {
		vt := ft.Results[i]
		if vt == wasm.ValueTypeFuncref {
			ret[i] = api.ValueFuncRef(decodeFuncRef(m, r))
		} else {
			ret[i] = api.Value{Type: vt, Bits: r}
		}
	}
	return ret, nil
}
