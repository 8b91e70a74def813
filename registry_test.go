package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/testing/enginetest"
	"github.com/fabricwasm/fabric/wasm"
)

func TestHostRegistry_Register(t *testing.T) {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterFunction("env", "add", enginetest.FuncType([]wasm.ValueType{i32, i32}, i32),
		func(_ context.Context, _ api.Caller, stack []uint64) {
			stack[0] = api.EncodeI32(api.DecodeI32(stack[0]) + api.DecodeI32(stack[1]))
		}))
	require.NoError(t, r.RegisterGoFunction("env", "neg", func(x int32) int32 { return -x }))
	require.NoError(t, r.RegisterGlobal("env", "counter", i32, 0, true))
	require.NoError(t, r.RegisterExternalValue("Level", "Info", api.NewExternRef(2)))

	require.Equal(t, []string{"Level.Info", "env.add", "env.counter", "env.neg"}, r.Names())
	require.EqualError(t, r.RegisterGoFunction("env", "neg", func() {}), "env.neg is already registered")
}

func TestHostRegistry_Resolve(t *testing.T) {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterGoFunction("env", "neg", func(x int32) int32 { return -x }))
	require.NoError(t, r.RegisterExternalValue("Level", "Info", api.NewExternRef(2)))

	m := enginetest.NewModuleBuilder("resolve").
		ImportFunction("env", "neg", enginetest.FuncType([]wasm.ValueType{i32}, i32)).
		ImportGlobal("Level", "Info", wasm.ValueTypeExternref, false).
		Function("info", enginetest.FuncType(nil, wasm.ValueTypeExternref), nil, wasm.GlobalGet(0)).
		Function("neg", enginetest.FuncType([]wasm.ValueType{i32}, i32), nil, wasm.LocalGet(0), wasm.Call(0)).
		Build()

	imports, err := r.Resolve(m)
	require.NoError(t, err)
	require.Equal(t, 1, imports.FunctionCount())
	require.Equal(t, 1, imports.GlobalCount())

	rt := newTestRuntime(t, NewRuntimeConfig())
	compiled, err := rt.CompileModule(testCtx, m)
	require.NoError(t, err)
	inst, err := rt.InstantiateResolved(testCtx, compiled, imports, "resolve")
	require.NoError(t, err)

	results, err := inst.InvokeExport(testCtx, "info")
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
	results, err = inst.InvokeExport(testCtx, "neg", 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{api.EncodeI32(-5)}, results)
}

func TestHostRegistry_Resolve_Invalid(t *testing.T) {
	_, err := NewHostRegistry().Resolve(&wasm.Module{FunctionSection: []wasm.Index{0}})
	var validationErr *wasm.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestHostRegistry_SharedMutableGlobal(t *testing.T) {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterGlobal("env", "counter", i32, 0, true))
	m := enginetest.NewModuleBuilder("counter").
		ImportGlobal("env", "counter", i32, true).
		Function("inc", enginetest.FuncType(nil, i32), nil,
			wasm.GlobalGet(0), wasm.I32Const(1), wasm.Op(wasm.OpcodeI32Add), wasm.GlobalSet(0), wasm.GlobalGet(0)).
		Build()

	rt := newTestRuntime(t, NewRuntimeConfig())
	compiled, err := rt.CompileModule(testCtx, m)
	require.NoError(t, err)
	a, err := rt.Instantiate(testCtx, compiled, r, "a")
	require.NoError(t, err)
	b, err := rt.Instantiate(testCtx, compiled, r, "b")
	require.NoError(t, err)

	// Both instances import the same global.
	results, err := a.InvokeExport(testCtx, "inc")
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)
	results, err = b.InvokeExport(testCtx, "inc")
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}
