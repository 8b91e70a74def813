package fabric

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/testing/enginetest"
	"github.com/fabricwasm/fabric/internal/testing/hammer"
	"github.com/fabricwasm/fabric/wasm"
)

type arbitrary struct{}

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), arbitrary{}, "arbitrary")

var i32 = wasm.ValueTypeI32

// addOneModule imports env.add_one and exports "add_two", which calls it twice.
func addOneModule() *wasm.Module {
	return enginetest.NewModuleBuilder("add").
		ImportFunction("env", "add_one", enginetest.FuncType([]wasm.ValueType{i32}, i32)).
		Function("add_two", enginetest.FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.Call(0), wasm.Call(0)).
		Build()
}

func addOneRegistry(t *testing.T) *HostRegistry {
	r := NewHostRegistry()
	require.NoError(t, r.RegisterGoFunction("env", "add_one", func(x int32) int32 { return x + 1 }))
	return r
}

func newTestRuntime(t *testing.T, config *RuntimeConfig) Runtime {
	r := NewRuntimeWithConfig(config.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = r.Close(testCtx) })
	return r
}

func TestRuntime_Instantiate(t *testing.T) {
	for _, config := range []*RuntimeConfig{NewRuntimeConfigCompiler(), NewRuntimeConfigInterpreter()} {
		rc := config
		t.Run(rc.Engine(), func(t *testing.T) {
			r := newTestRuntime(t, rc)
			compiled, err := r.CompileModule(testCtx, addOneModule())
			require.NoError(t, err)
			require.Equal(t, rc.Engine(), compiled.Engine())
			require.True(t, compiled.Module().Validated())

			inst, err := r.Instantiate(testCtx, compiled, addOneRegistry(t), "plugin")
			require.NoError(t, err)
			require.Equal(t, inst, r.Instance("plugin"))

			results, err := inst.InvokeExport(testCtx, "add_two", 40)
			require.NoError(t, err)
			require.Equal(t, []uint64{42}, results)
		})
	}
}

func TestRuntime_CompileModule_Errors(t *testing.T) {
	r := newTestRuntime(t, NewRuntimeConfig())

	_, err := r.CompileModule(testCtx, nil)
	require.EqualError(t, err, "module == nil")

	invalid := &wasm.Module{FunctionSection: []wasm.Index{0}}
	_, err = r.CompileModule(testCtx, invalid)
	var validationErr *wasm.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

func TestRuntime_InstanceNames(t *testing.T) {
	r := newTestRuntime(t, NewRuntimeConfig())
	compiled, err := r.CompileModule(testCtx, addOneModule())
	require.NoError(t, err)
	registry := addOneRegistry(t)

	inst, err := r.Instantiate(testCtx, compiled, registry, "a")
	require.NoError(t, err)

	_, err = r.Instantiate(testCtx, compiled, registry, "a")
	require.EqualError(t, err, "module[a] has already been instantiated")

	// Closing an instance frees its name.
	require.NoError(t, inst.Close(testCtx))
	require.Nil(t, r.Instance("a"))
	_, err = r.Instantiate(testCtx, compiled, registry, "a")
	require.NoError(t, err)

	// Failing to link doesn't take the name.
	_, err = r.Instantiate(testCtx, compiled, NewHostRegistry(), "b")
	var linkErr *api.LinkError
	require.ErrorAs(t, err, &linkErr)
	require.Equal(t, "add_one", linkErr.Symbol)
	require.Nil(t, r.Instance("b"))
	_, err = r.Instantiate(testCtx, compiled, registry, "b")
	require.NoError(t, err)
}

func TestRuntime_Instantiate_StartTrapReleasesName(t *testing.T) {
	r := newTestRuntime(t, NewRuntimeConfig())
	m := enginetest.NewModuleBuilder("start").
		Function("", enginetest.FuncType(nil), nil, wasm.Unreachable()).
		Start(0).
		Build()
	compiled, err := r.CompileModule(testCtx, m)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = r.Instantiate(testCtx, compiled, nil, "start")
		var instErr *api.InstantiationError
		require.ErrorAs(t, err, &instErr)
		require.Equal(t, "start", instErr.Section)
		require.Nil(t, r.Instance("start"))
	}
}

func TestRuntime_Instantiate_ConcurrentSameName(t *testing.T) {
	r := newTestRuntime(t, NewRuntimeConfig())
	compiled, err := r.CompileModule(testCtx, addOneModule())
	require.NoError(t, err)
	registry := addOneRegistry(t)

	var succeeded atomic.Int32
	hammer.NewHammer(t, 8, 1).Run(func(p, n int) {
		if _, err := r.Instantiate(testCtx, compiled, registry, "contended"); err == nil {
			succeeded.Add(1)
		}
	}, nil)
	require.Equal(t, int32(1), succeeded.Load())
}

func TestRuntime_EngineMismatch(t *testing.T) {
	compiled, err := newTestRuntime(t, NewRuntimeConfigInterpreter()).CompileModule(testCtx, addOneModule())
	require.NoError(t, err)

	_, err = newTestRuntime(t, NewRuntimeConfigCompiler()).Instantiate(testCtx, compiled, addOneRegistry(t), "x")
	require.EqualError(t, err, "module was compiled by the interpreter engine, but this runtime uses compiler")
}

func TestRuntime_InstantiateResolved(t *testing.T) {
	r := newTestRuntime(t, NewRuntimeConfig())
	m := addOneModule()
	compiled, err := r.CompileModule(testCtx, m)
	require.NoError(t, err)

	imports, err := addOneRegistry(t).Resolve(m)
	require.NoError(t, err)
	require.Equal(t, 1, imports.FunctionCount())
	require.Equal(t, 0, imports.GlobalCount())

	// Resolved imports can be reused by many instances.
	for _, name := range []string{"x", "y"} {
		inst, err := r.InstantiateResolved(testCtx, compiled, imports, name)
		require.NoError(t, err)
		results, err := inst.InvokeExport(testCtx, "add_two", 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{3}, results)
	}

	other, err := addOneRegistry(t).Resolve(addOneModule())
	require.NoError(t, err)
	_, err = r.InstantiateResolved(testCtx, compiled, other, "z")
	require.EqualError(t, err, "imports were not resolved for this module")
}

func TestRuntime_Close(t *testing.T) {
	r := NewRuntimeWithConfig(NewRuntimeConfig().WithLogger(zaptest.NewLogger(t)))
	compiled, err := r.CompileModule(testCtx, addOneModule())
	require.NoError(t, err)
	registry := addOneRegistry(t)

	a, err := r.Instantiate(testCtx, compiled, registry, "a")
	require.NoError(t, err)
	b, err := r.Instantiate(testCtx, compiled, registry, "b")
	require.NoError(t, err)

	require.NoError(t, r.Close(testCtx))
	for _, inst := range []api.Instance{a, b} {
		_, err = inst.InvokeExport(testCtx, "add_two", 1)
		require.ErrorIs(t, err, api.ErrInstanceClosed)
	}

	// Closing twice is fine, but the runtime can't be used anymore.
	require.NoError(t, r.Close(testCtx))
	_, err = r.CompileModule(testCtx, addOneModule())
	require.EqualError(t, err, "runtime is closed")
	_, err = r.Instantiate(testCtx, compiled, registry, "c")
	require.EqualError(t, err, "runtime is closed")
}

func TestRuntime_CloseDuringInstantiate(t *testing.T) {
	r := NewRuntimeWithConfig(NewRuntimeConfig().WithLogger(zaptest.NewLogger(t)))

	// The start function closes the runtime before the instance is registered.
	var started api.Instance
	registry := NewHostRegistry()
	require.NoError(t, registry.RegisterGoFunction("env", "close_runtime", func(ctx context.Context, caller api.Caller) {
		started = caller.Instance()
		require.NoError(t, r.Close(ctx))
	}))
	m := enginetest.NewModuleBuilder("closer").
		ImportFunction("env", "close_runtime", enginetest.FuncType(nil)).
		Function("start", enginetest.FuncType(nil), nil, wasm.Call(0)).
		Function("noop", enginetest.FuncType(nil), nil).
		Start(1).
		Build()
	compiled, err := r.CompileModule(testCtx, m)
	require.NoError(t, err)

	inst, err := r.Instantiate(testCtx, compiled, registry, "closer")
	require.EqualError(t, err, "runtime is closed")
	require.Nil(t, inst)
	require.Nil(t, r.Instance("closer"))

	require.NotNil(t, started)
	_, err = started.InvokeExport(testCtx, "noop")
	require.ErrorIs(t, err, api.ErrInstanceClosed)
}

func TestRuntime_MemoryLimit(t *testing.T) {
	m := enginetest.NewModuleBuilder("memory").Memory(4, nil).Build()

	r := newTestRuntime(t, NewRuntimeConfig().WithMemoryLimitPages(8))
	compiled, err := r.CompileModule(testCtx, m)
	require.NoError(t, err)
	inst, err := r.Instantiate(testCtx, compiled, nil, "ok")
	require.NoError(t, err)
	_, ok := inst.Memory().Grow(4)
	require.True(t, ok)
	_, ok = inst.Memory().Grow(1)
	require.False(t, ok)

	r = newTestRuntime(t, NewRuntimeConfig().WithMemoryLimitPages(2))
	compiled, err = r.CompileModule(testCtx, m)
	require.NoError(t, err)
	_, err = r.Instantiate(testCtx, compiled, nil, "too big")
	var instErr *api.InstantiationError
	require.ErrorAs(t, err, &instErr)
	require.Equal(t, "memory", instErr.Section)
}
