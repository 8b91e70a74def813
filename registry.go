package fabric

import (
	"github.com/fabricwasm/fabric/api"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// HostRegistry holds the host functions and values guests import, keyed by namespace and symbol.
//
// Registration and resolution are safe for concurrent use. A namespace and symbol can be registered only once.
type HostRegistry struct {
	bindings *internalwasm.Bindings
}

// NewHostRegistry returns an empty registry.
func NewHostRegistry() *HostRegistry {
	return &HostRegistry{bindings: internalwasm.NewBindings()}
}

// RegisterFunction registers fn as namespace.symbol with the signature sig. fn reads params from the stack window it
// is passed and writes its result, if any, into slot zero.
//
// Ex. A function adding two i32 values:
//
//	sig := &wasm.FunctionType{Params: []wasm.ValueType{wasm.ValueTypeI32, wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI32}}
//	_ = r.RegisterFunction("env", "add", sig, func(_ context.Context, _ api.Caller, stack []uint64) {
//		stack[0] = api.EncodeI32(api.DecodeI32(stack[0]) + api.DecodeI32(stack[1]))
//	})
func (r *HostRegistry) RegisterFunction(namespace, symbol string, sig *wasm.FunctionType, fn api.GoFunction) error {
	return r.bindings.AddFunction(namespace, symbol, sig, fn)
}

// RegisterGoFunction registers a Go func as namespace.symbol, deriving the signature from its Go types.
//
// Params and the result may be int32, uint32, int64, uint64, float32, float64, api.ExternRef or api.FuncRef. Params
// may start with a context.Context, an api.Caller or both in that order.
//
// A trailing error result is allowed: a *api.TrapError traps the guest, while other errors fail the call with a
// *api.HostFunctionError and leave the instance usable. A panic poisons the instance.
//
// Ex.
//
//	_ = r.RegisterGoFunction("env", "add", func(x, y int32) int32 { return x + y })
func (r *HostRegistry) RegisterGoFunction(namespace, symbol string, fn interface{}) error {
	return r.bindings.AddGoFunction(namespace, symbol, fn)
}

// RegisterGlobal registers a global of type typ holding value, encoded as in api.EncodeI32 etc. Every instance
// importing it shares the value, so a mutable global written by one guest is seen by the others.
func (r *HostRegistry) RegisterGlobal(namespace, symbol string, typ wasm.ValueType, value uint64, mutable bool) error {
	return r.bindings.AddGlobal(namespace, symbol, &wasm.GlobalType{ValType: typ, Mutable: mutable}, value)
}

// RegisterExternalValue registers an immutable externref global holding ref. This is how host constants, such as
// an enum of log levels, are handed to guests as opaque handles.
func (r *HostRegistry) RegisterExternalValue(namespace, symbol string, ref api.ExternRef) error {
	return r.RegisterGlobal(namespace, symbol, wasm.ValueTypeExternref, api.EncodeExternRef(ref), false)
}

// Names returns the registered "namespace.symbol" names, sorted.
func (r *HostRegistry) Names() []string {
	return r.bindings.Names()
}

// ResolvedImports are the host values a module imports, ready for Runtime.InstantiateResolved.
type ResolvedImports struct {
	module  *wasm.Module
	imports *internalwasm.ResolvedImports
}

// FunctionCount returns the count of resolved function imports.
func (i *ResolvedImports) FunctionCount() int {
	return len(i.imports.Functions)
}

// GlobalCount returns the count of resolved global imports.
func (i *ResolvedImports) GlobalCount() int {
	return len(i.imports.Globals)
}

// Resolve matches every import of the module, in declaration order, to a registered value by namespace, symbol,
// kind and type. The module is validated first if it wasn't. The first import that doesn't match fails with a
// *api.LinkError naming it.
func (r *HostRegistry) Resolve(m *wasm.Module) (*ResolvedImports, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	imports, err := r.bindings.Resolve(m)
	if err != nil {
		return nil, err
	}
	return &ResolvedImports{module: m, imports: imports}, nil
}
