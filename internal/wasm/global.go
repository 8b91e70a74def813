package internalwasm

import (
	"fmt"
	"sync/atomic"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

// GlobalInstance is a global of an instance, or a global registered by the host and shared by every instance
// importing it. The value is loaded and stored atomically since concurrent calls may read a global another call
// writes.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#global-instances%E2%91%A0
type GlobalInstance struct {
	Type *wasm.GlobalType
	val  atomic.Uint64
}

// NewGlobalInstance returns a global of the type holding v.
func NewGlobalInstance(typ *wasm.GlobalType, v uint64) *GlobalInstance {
	g := &GlobalInstance{Type: typ}
	g.val.Store(v)
	return g
}

// Get returns the current value.
func (g *GlobalInstance) Get() uint64 {
	return g.val.Load()
}

// Set replaces the current value. Validation ensures guests only set mutable globals.
func (g *GlobalInstance) Set(v uint64) {
	g.val.Store(v)
}

// constGlobal exposes an immutable global.
type constGlobal struct {
	g *GlobalInstance
}

// compile-time check to ensure constGlobal is an api.Global
var _ api.Global = constGlobal{}

// Type implements api.Global Type
func (c constGlobal) Type() api.ValueType {
	return c.g.Type.ValType
}

// Get implements api.Global Get
func (c constGlobal) Get() uint64 {
	return c.g.Get()
}

// String implements fmt.Stringer
func (c constGlobal) String() string {
	return globalString(c.g)
}

// mutableGlobal exposes a mutable global.
type mutableGlobal struct {
	constGlobal
}

// compile-time check to ensure mutableGlobal is an api.MutableGlobal
var _ api.MutableGlobal = mutableGlobal{}

// Set implements api.MutableGlobal Set
func (m mutableGlobal) Set(v uint64) {
	m.g.Set(v)
}

func exportGlobal(g *GlobalInstance) api.Global {
	if g.Type.Mutable {
		return mutableGlobal{constGlobal{g}}
	}
	return constGlobal{g}
}

func globalString(g *GlobalInstance) string {
	v := g.Get()
	switch g.Type.ValType {
	case wasm.ValueTypeI32:
		return fmt.Sprintf("global(%d)", api.DecodeI32(v))
	case wasm.ValueTypeI64:
		return fmt.Sprintf("global(%d)", int64(v))
	case wasm.ValueTypeF32:
		return fmt.Sprintf("global(%f)", api.DecodeF32(v))
	case wasm.ValueTypeF64:
		return fmt.Sprintf("global(%f)", api.DecodeF64(v))
	case wasm.ValueTypeExternref:
		return fmt.Sprintf("global(%s)", api.DecodeExternRef(v))
	case wasm.ValueTypeFuncref:
		if v == 0 {
			return "global(funcref(null))"
		}
		return fmt.Sprintf("global(funcref(%d))", v-1)
	}
	panic(fmt.Errorf("BUG: unknown value type %X", g.Type.ValType))
}
