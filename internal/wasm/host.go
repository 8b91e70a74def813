package internalwasm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

// HostFunction is a function the host registered for guests to import.
type HostFunction struct {
	Namespace, Symbol string
	Type              *wasm.FunctionType
	// Fn reads params from the stack window it is passed and writes results into it.
	Fn api.GoFunction
}

// Name returns the namespace and symbol joined by a dot, as used in backtraces.
func (f *HostFunction) Name() string {
	return f.Namespace + "." + f.Symbol
}

type bindingKey struct {
	namespace, symbol string
}

// binding is one registered import value: exactly one of the fields is set.
type binding struct {
	function *HostFunction
	global   *GlobalInstance
}

// Bindings is a registry of host values guests import by namespace and symbol. Registration and resolution are safe
// for concurrent use.
type Bindings struct {
	mux      sync.RWMutex
	bindings map[bindingKey]binding
}

// NewBindings returns an empty registry.
func NewBindings() *Bindings {
	return &Bindings{bindings: map[bindingKey]binding{}}
}

// AddFunction registers a function with a flat calling convention.
func (b *Bindings) AddFunction(namespace, symbol string, typ *wasm.FunctionType, fn api.GoFunction) error {
	if typ == nil || fn == nil {
		return fmt.Errorf("%s.%s: nil function or type", namespace, symbol)
	}
	if len(typ.Results) > 1 {
		return fmt.Errorf("%s.%s: multiple results are not supported: %s", namespace, symbol, typ)
	}
	for _, vt := range append(typ.Params[:len(typ.Params):len(typ.Params)], typ.Results...) {
		if api.ValueTypeName(vt) == "unknown" {
			return fmt.Errorf("%s.%s: invalid value type: %#x", namespace, symbol, vt)
		}
	}
	return b.add(namespace, symbol, binding{function: &HostFunction{Namespace: namespace, Symbol: symbol, Type: typ, Fn: fn}})
}

// AddGoFunction registers a Go func, deriving its signature by reflection. See NewGoFunction.
func (b *Bindings) AddGoFunction(namespace, symbol string, goFunc interface{}) error {
	typ, fn, err := NewGoFunction(namespace+"."+symbol, goFunc)
	if err != nil {
		return err
	}
	return b.add(namespace, symbol, binding{function: &HostFunction{Namespace: namespace, Symbol: symbol, Type: typ, Fn: fn}})
}

// AddGlobal registers a global initialized to v. Every instance importing it shares the same value.
func (b *Bindings) AddGlobal(namespace, symbol string, typ *wasm.GlobalType, v uint64) error {
	if typ == nil || api.ValueTypeName(typ.ValType) == "unknown" {
		return fmt.Errorf("%s.%s: invalid global type", namespace, symbol)
	}
	return b.add(namespace, symbol, binding{global: NewGlobalInstance(typ, v)})
}

func (b *Bindings) add(namespace, symbol string, v binding) error {
	key := bindingKey{namespace, symbol}
	b.mux.Lock()
	defer b.mux.Unlock()
	if _, ok := b.bindings[key]; ok {
		return fmt.Errorf("%s.%s is already registered", namespace, symbol)
	}
	b.bindings[key] = v
	return nil
}

// Names returns the registered "namespace.symbol" names, sorted.
func (b *Bindings) Names() []string {
	b.mux.RLock()
	defer b.mux.RUnlock()
	names := make([]string, 0, len(b.bindings))
	for k := range b.bindings {
		names = append(names, k.namespace+"."+k.symbol)
	}
	sort.Strings(names)
	return names
}

// ResolvedImports are the host values of a module's imports, in the order of the import section per kind.
type ResolvedImports struct {
	Functions []*HostFunction
	Globals   []*GlobalInstance
}

// Resolve matches every import of the validated module to a binding by namespace, symbol, kind and type. The first
// import that doesn't match fails with a *api.LinkError.
func (b *Bindings) Resolve(m *wasm.Module) (*ResolvedImports, error) {
	if !m.Validated() {
		return nil, fmt.Errorf("module must be validated before resolution")
	}
	b.mux.RLock()
	defer b.mux.RUnlock()

	ret := &ResolvedImports{}
	for i, im := range m.ImportSection {
		linkErr := func(reason api.LinkErrorReason, format string, args ...interface{}) error {
			return &api.LinkError{
				ImportIndex: uint32(i),
				Namespace:   im.Module,
				Symbol:      im.Name,
				Reason:      reason,
				Detail:      fmt.Sprintf(format, args...),
			}
		}

		v, ok := b.bindings[bindingKey{im.Module, im.Name}]
		if !ok {
			return nil, linkErr(api.LinkErrorMissing, "")
		}
		switch im.Type {
		case wasm.ExternTypeFunc:
			if v.function == nil {
				return nil, linkErr(api.LinkErrorKindMismatch, "imported as func, but registered as global")
			}
			expected := m.TypeSection[im.DescFunc]
			if !v.function.Type.EqualsSignature(expected.Params, expected.Results) {
				return nil, linkErr(api.LinkErrorSignatureMismatch, "imported as %s, but registered as %s", expected, v.function.Type)
			}
			ret.Functions = append(ret.Functions, v.function)
		case wasm.ExternTypeGlobal:
			if v.global == nil {
				return nil, linkErr(api.LinkErrorKindMismatch, "imported as global, but registered as func")
			}
			expected, actual := im.DescGlobal, v.global.Type
			if expected.ValType != actual.ValType || expected.Mutable != actual.Mutable {
				return nil, linkErr(api.LinkErrorGlobalTypeMismatch, "imported as %s, but registered as %s",
					globalTypeString(expected), globalTypeString(actual))
			}
			ret.Globals = append(ret.Globals, v.global)
		default:
			return nil, linkErr(api.LinkErrorUnsupportedKind, "%s", wasm.ExternTypeName(im.Type))
		}
	}
	return ret, nil
}

func globalTypeString(t *wasm.GlobalType) string {
	if t.Mutable {
		return "mut " + wasm.ValueTypeName(t.ValType)
	}
	return wasm.ValueTypeName(t.ValType)
}
