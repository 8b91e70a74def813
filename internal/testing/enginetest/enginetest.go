// Package enginetest contains tests common to any internalwasm.Backend implementation. Defining these as top-level
// functions is less burden than copy/pasting the implementations, while still allowing test caching to operate.
//
// In simplest case, dispatch:
//
//	func TestEngine_Traps(t *testing.T) {
//		enginetest.RunTestTraps(t, NewBackend)
//	}
package enginetest

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/demo"
	"github.com/fabricwasm/fabric/internal/testing/hammer"
	internalwasm "github.com/fabricwasm/fabric/internal/wasm"
	"github.com/fabricwasm/fabric/wasm"
)

// NewBackend returns the backend under test.
type NewBackend func() internalwasm.Backend

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// Compile validates and compiles the module with the backend.
func Compile(t testing.TB, newBackend NewBackend, m *wasm.Module) *internalwasm.CompiledModule {
	require.NoError(t, m.Validate())
	compiled, err := internalwasm.NewEngine(newBackend(), 0, zaptest.NewLogger(t)).CompileModule(testCtx, m)
	require.NoError(t, err)
	return compiled
}

// InstantiateCompiled resolves the imports of the compiled module with bindings, which may be nil, and instantiates it.
func InstantiateCompiled(t testing.TB, compiled *internalwasm.CompiledModule, bindings *internalwasm.Bindings, name string, config *internalwasm.InstanceConfig) (*internalwasm.ModuleInstance, error) {
	if bindings == nil {
		bindings = internalwasm.NewBindings()
	}
	imports, err := bindings.Resolve(compiled.Module)
	require.NoError(t, err)
	if config == nil {
		config = &internalwasm.InstanceConfig{}
	}
	config.Logger = zaptest.NewLogger(t)
	return internalwasm.Instantiate(testCtx, compiled, imports, name, config)
}

// Instantiate compiles and instantiates the module, failing the test on error.
func Instantiate(t testing.TB, newBackend NewBackend, m *wasm.Module, bindings *internalwasm.Bindings) *internalwasm.ModuleInstance {
	inst, err := InstantiateCompiled(t, Compile(t, newBackend, m), bindings, t.Name(), nil)
	require.NoError(t, err)
	return inst
}

func requireTrap(t testing.TB, err error, kind api.TrapKind) *api.TrapError {
	var trap *api.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, kind, trap.Kind, err.Error())
	return trap
}

// Factorial returns a module exporting "fac" of type (i64) -> i64, which recurses.
func Factorial() *wasm.Module {
	return demo.Factorial()
}

// RunTestNumeric ensures arithmetic, locals, select and floats.
func RunTestNumeric(t *testing.T, newBackend NewBackend) {
	m := NewModuleBuilder("numeric").
		Function("add", FuncType([]wasm.ValueType{i32, i32}, i32), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Op(wasm.OpcodeI32Add)).
		Function("select", FuncType([]wasm.ValueType{i32, i32, i32}, i32), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.LocalGet(2), wasm.Op(wasm.OpcodeSelect)).
		Function("mul_f64", FuncType([]wasm.ValueType{f64, f64}, f64), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Op(wasm.OpcodeF64Mul)).
		Function("tee", FuncType([]wasm.ValueType{i32}, i32), []wasm.ValueType{i32},
			wasm.LocalGet(0), wasm.LocalTee(1), wasm.LocalGet(1), wasm.Op(wasm.OpcodeI32Mul)).
		Function("extend", FuncType([]wasm.ValueType{i32}, i64), nil,
			wasm.LocalGet(0), wasm.Op(wasm.OpcodeI64ExtendI32S)).
		Function("fac", FuncType([]wasm.ValueType{i64}, i64), nil,
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64LeS),
			wasm.If(i64),
			wasm.I64Const(1),
			wasm.Else(),
			wasm.LocalGet(0),
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64Sub),
			wasm.Call(5),
			wasm.Op(wasm.OpcodeI64Mul),
			wasm.End()).
		Build()
	inst := Instantiate(t, newBackend, m, nil)

	tests := []struct {
		name     string
		params   []uint64
		expected uint64
	}{
		{name: "add", params: []uint64{3, 4}, expected: 7},
		{name: "add", params: []uint64{math.MaxInt32, 1}, expected: 0x80000000},
		{name: "add", params: []uint64{api.EncodeI32(-1), api.EncodeI32(-1)}, expected: api.EncodeI32(-2)},
		{name: "select", params: []uint64{1, 2, 1}, expected: 1},
		{name: "select", params: []uint64{1, 2, 0}, expected: 2},
		{name: "mul_f64", params: []uint64{api.EncodeF64(1.5), api.EncodeF64(2)}, expected: api.EncodeF64(3)},
		{name: "tee", params: []uint64{12}, expected: 144},
		{name: "extend", params: []uint64{api.EncodeI32(-5)}, expected: api.EncodeI64(-5)},
		{name: "fac", params: []uint64{0}, expected: 1},
		{name: "fac", params: []uint64{20}, expected: 2432902008176640000},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := inst.InvokeExport(testCtx, tc.name, tc.params...)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}
}

// RunTestControlFlow ensures blocks, loops and branches carry their results.
func RunTestControlFlow(t *testing.T, newBackend NewBackend) {
	m := NewModuleBuilder("control").
		// sum returns 1+2+...+n with a loop.
		Function("sum", FuncType([]wasm.ValueType{i32}, i32), []wasm.ValueType{i32},
			wasm.Block(), wasm.Loop(),
			wasm.LocalGet(0), wasm.Op(wasm.OpcodeI32Eqz), wasm.BrIf(1),
			wasm.LocalGet(1), wasm.LocalGet(0), wasm.Op(wasm.OpcodeI32Add), wasm.LocalSet(1),
			wasm.LocalGet(0), wasm.I32Const(1), wasm.Op(wasm.OpcodeI32Sub), wasm.LocalSet(0),
			wasm.Br(0),
			wasm.End(), wasm.End(),
			wasm.LocalGet(1)).
		// switch maps 0 to 100, 1 to 101 and anything else to 102.
		Function("switch", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.Block(), wasm.Block(), wasm.Block(),
			wasm.LocalGet(0), wasm.BrTable([]wasm.Index{0, 1}, 2),
			wasm.End(), wasm.I32Const(100), wasm.Return(),
			wasm.End(), wasm.I32Const(101), wasm.Return(),
			wasm.End(), wasm.I32Const(102)).
		// block_result returns 7 through a br_if carrying the block result, unless the param is zero.
		Function("block_result", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.Block(i32),
			wasm.I32Const(7), wasm.LocalGet(0), wasm.BrIf(0),
			wasm.Drop(), wasm.I32Const(9),
			wasm.End()).
		// abs uses if/else with a result.
		Function("abs", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.I32Const(0), wasm.Op(wasm.OpcodeI32LtS),
			wasm.If(i32),
			wasm.I32Const(0), wasm.LocalGet(0), wasm.Op(wasm.OpcodeI32Sub),
			wasm.Else(),
			wasm.LocalGet(0),
			wasm.End()).
		// early returns from within nested blocks.
		Function("early", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.Block(), wasm.Block(),
			wasm.LocalGet(0), wasm.If(), wasm.I32Const(1), wasm.Return(), wasm.End(),
			wasm.End(), wasm.End(),
			wasm.I32Const(2)).
		Build()
	inst := Instantiate(t, newBackend, m, nil)

	tests := []struct {
		name     string
		param    uint64
		expected uint64
	}{
		{name: "sum", param: 0, expected: 0},
		{name: "sum", param: 100, expected: 5050},
		{name: "switch", param: 0, expected: 100},
		{name: "switch", param: 1, expected: 101},
		{name: "switch", param: 2, expected: 102},
		{name: "switch", param: api.EncodeI32(-1), expected: 102},
		{name: "block_result", param: 1, expected: 7},
		{name: "block_result", param: 0, expected: 9},
		{name: "abs", param: api.EncodeI32(-42), expected: 42},
		{name: "abs", param: 42, expected: 42},
		{name: "early", param: 1, expected: 1},
		{name: "early", param: 0, expected: 2},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			results, err := inst.InvokeExport(testCtx, tc.name, tc.param)
			require.NoError(t, err)
			require.Equal(t, []uint64{tc.expected}, results)
		})
	}

	t.Run("fibonacci", func(t *testing.T) {
		fib := Instantiate(t, newBackend, demo.Fibonacci(), nil)
		for n, expected := range map[uint64]uint64{0: 0, 1: 1, 2: 1, 10: 55, 90: 2880067194370816120} {
			results, err := fib.InvokeExport(testCtx, "fib", n)
			require.NoError(t, err)
			require.Equal(t, []uint64{expected}, results, "fib(%d)", n)
		}
	})
}

// RunTestTraps ensures each trap kind is raised with a backtrace, and that a trap leaves the instance usable.
func RunTestTraps(t *testing.T, newBackend NewBackend) {
	m := NewModuleBuilder("traps").
		Function("div_s", FuncType([]wasm.ValueType{i32, i32}, i32), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Op(wasm.OpcodeI32DivS)).
		Function("rem_s", FuncType([]wasm.ValueType{i32, i32}, i32), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Op(wasm.OpcodeI32RemS)).
		Function("trunc", FuncType([]wasm.ValueType{f64}, i32), nil,
			wasm.LocalGet(0), wasm.Op(wasm.OpcodeI32TruncF64S)).
		Function("inner", FuncType(nil), nil, wasm.Unreachable()).
		Function("outer", FuncType(nil), nil, wasm.Call(3)).
		Function("add", FuncType([]wasm.ValueType{i32, i32}, i32), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Op(wasm.OpcodeI32Add)).
		Build()
	inst := Instantiate(t, newBackend, m, nil)

	tests := []struct {
		name     string
		export   string
		params   []uint64
		expected api.TrapKind
	}{
		{name: "divide by zero", export: "div_s", params: []uint64{1, 0}, expected: api.TrapKindIntegerDivideByZero},
		{name: "signed overflow", export: "div_s", params: []uint64{api.EncodeI32(math.MinInt32), api.EncodeI32(-1)}, expected: api.TrapKindIntegerOverflow},
		{name: "remainder by zero", export: "rem_s", params: []uint64{1, 0}, expected: api.TrapKindIntegerDivideByZero},
		{name: "NaN", export: "trunc", params: []uint64{api.EncodeF64(math.NaN())}, expected: api.TrapKindInvalidConversionToInteger},
		{name: "out of range", export: "trunc", params: []uint64{api.EncodeF64(3e9)}, expected: api.TrapKindIntegerOverflow},
		{name: "unreachable", export: "inner", expected: api.TrapKindUnreachable},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := inst.InvokeExport(testCtx, tc.export, tc.params...)
			trap := requireTrap(t, err, tc.expected)
			require.Equal(t, []string{tc.export}, trap.Backtrace)

			// A trap doesn't poison the instance: an unrelated call still succeeds.
			require.False(t, inst.Poisoned())
			results, err := inst.InvokeExport(testCtx, "add", 2, 3)
			require.NoError(t, err)
			require.Equal(t, []uint64{5}, results)
		})
	}

	t.Run("remainder of MIN by -1", func(t *testing.T) {
		results, err := inst.InvokeExport(testCtx, "rem_s", api.EncodeI32(math.MinInt32), api.EncodeI32(-1))
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
	})

	t.Run("backtrace", func(t *testing.T) {
		_, err := inst.InvokeExport(testCtx, "outer")
		trap := requireTrap(t, err, api.TrapKindUnreachable)
		require.Equal(t, []string{"inner", "outer"}, trap.Backtrace)
		require.ErrorIs(t, err, api.ErrTrapUnreachable)
		require.Equal(t, "wasm trap: unreachable\nwasm backtrace:\n\t0: inner\n\t1: outer", err.Error())
	})
}

// RunTestMemory ensures bounds checks at the exact boundary, data segments and memory.grow.
func RunTestMemory(t *testing.T, newBackend NewBackend) {
	max := uint32(2)
	m := NewModuleBuilder("memory").
		Memory(1, &max).
		Data(wasm.ConstI32(0), []byte{1, 2, 3, 4, 0xff}).
		Function("load", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.Mem(wasm.OpcodeI32Load, 0)).
		Function("load_offset", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.Mem(wasm.OpcodeI32Load, 65532)).
		Function("load8_s", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.Mem(wasm.OpcodeI32Load8S, 0)).
		Function("load64", FuncType([]wasm.ValueType{i32}, i64), nil,
			wasm.LocalGet(0), wasm.Mem(wasm.OpcodeI64Load, 0)).
		Function("store", FuncType([]wasm.ValueType{i32, i32}), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Mem(wasm.OpcodeI32Store, 0)).
		Function("store16", FuncType([]wasm.ValueType{i32, i32}), nil,
			wasm.LocalGet(0), wasm.LocalGet(1), wasm.Mem(wasm.OpcodeI32Store16, 0)).
		Function("grow", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.MemoryGrow()).
		Function("size", FuncType(nil, i32), nil, wasm.MemorySize()).
		Build()
	inst := Instantiate(t, newBackend, m, nil)
	mem := inst.ExportedMemory("memory")
	require.NotNil(t, mem)
	require.Equal(t, uint32(65536), mem.Size())

	call := func(name string, params ...uint64) ([]uint64, error) {
		return inst.InvokeExport(testCtx, name, params...)
	}

	results, err := call("load", 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x04030201}, results)

	results, err = call("load8_s", 4)
	require.NoError(t, err)
	require.Equal(t, []uint64{api.EncodeI32(-1)}, results)

	// The last four bytes are accessible: offset + width == size.
	_, err = call("load", 65532)
	require.NoError(t, err)
	_, err = call("load", 65533)
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)
	_, err = call("load_offset", 0)
	require.NoError(t, err)
	_, err = call("load_offset", 1)
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)
	_, err = call("load64", 65528)
	require.NoError(t, err)
	_, err = call("load64", 65529)
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)
	// The effective address doesn't wrap.
	_, err = call("load_offset", api.EncodeI32(-1))
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)

	_, err = call("store", 65532, 7)
	require.NoError(t, err)
	v, ok := mem.ReadUint32Le(65532)
	require.True(t, ok)
	require.Equal(t, uint32(7), v)
	_, err = call("store", 65533, 7)
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)
	_, err = call("store16", 65534, 0xabcd)
	require.NoError(t, err)
	b, ok := mem.Read(65534, 2)
	require.True(t, ok)
	require.Equal(t, []byte{0xcd, 0xab}, b)

	results, err = call("grow", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, results)
	results, err = call("size")
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
	require.Equal(t, uint32(2*65536), mem.Size())

	// A load across the old end now succeeds: bytes 65533..65535 were written above, 65536 is new.
	results, err = call("load", 65533)
	require.NoError(t, err)
	require.Equal(t, []uint64{0x00abcd00}, results)

	// The new page is zero and accessible up to its last byte.
	results, err = call("load", 65536)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)
	results, err = call("load", 2*65536-4)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, results)
	_, err = call("load", 2*65536-3)
	requireTrap(t, err, api.TrapKindMemoryOutOfBounds)

	// Growing past the maximum fails with -1 and leaves the size alone.
	results, err = call("grow", 1)
	require.NoError(t, err)
	require.Equal(t, []uint64{api.EncodeI32(-1)}, results)
	results, err = call("grow", 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, results)
}

// RunTestCallIndirect ensures table dispatch checks the slot range, the slot and the signature.
func RunTestCallIndirect(t *testing.T, newBackend NewBackend) {
	b := NewModuleBuilder("indirect").
		Table(3).
		Function("ten", FuncType(nil, i32), nil, wasm.I32Const(10)).
		Function("double", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.I32Const(2), wasm.Op(wasm.OpcodeI32Mul))
	// Structurally equal to the types of ten and double, but not the same type index.
	v_i32 := b.Type(FuncType(nil, i32))
	i32_i32 := b.Type(FuncType([]wasm.ValueType{i32}, i32))
	m := b.
		Function("dispatch", FuncType([]wasm.ValueType{i32}, i32), nil,
			wasm.LocalGet(0), wasm.CallIndirect(v_i32)).
		Function("dispatch_arg", FuncType([]wasm.ValueType{i32, i32}, i32), nil,
			wasm.LocalGet(1), wasm.LocalGet(0), wasm.CallIndirect(i32_i32)).
		Elements(wasm.ConstI32(0), 0, 1).
		Build()
	inst := Instantiate(t, newBackend, m, nil)

	results, err := inst.InvokeExport(testCtx, "dispatch", 0)
	require.NoError(t, err)
	require.Equal(t, []uint64{10}, results)

	_, err = inst.InvokeExport(testCtx, "dispatch", 1)
	trap := requireTrap(t, err, api.TrapKindIndirectCallTypeMismatch)
	require.Equal(t, []string{"dispatch"}, trap.Backtrace)

	_, err = inst.InvokeExport(testCtx, "dispatch", 2)
	requireTrap(t, err, api.TrapKindUninitializedElement)

	_, err = inst.InvokeExport(testCtx, "dispatch", 3)
	requireTrap(t, err, api.TrapKindTableOutOfBounds)

	results, err = inst.InvokeExport(testCtx, "dispatch_arg", 1, 21)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	t.Run("TableSlotTarget", func(t *testing.T) {
		idx, err := inst.TableSlotTarget(0)
		require.NoError(t, err)
		require.Equal(t, uint32(0), idx)
		idx, err = inst.TableSlotTarget(1)
		require.NoError(t, err)
		require.Equal(t, uint32(1), idx)
		_, err = inst.TableSlotTarget(2)
		require.ErrorIs(t, err, api.ErrTrapUninitializedElement)
		_, err = inst.TableSlotTarget(3)
		require.ErrorIs(t, err, api.ErrTrapTableOutOfBounds)
	})

	t.Run("CallIndirect from the host", func(t *testing.T) {
		results, err := inst.CallIndirect(testCtx, 1, 8)
		require.NoError(t, err)
		require.Equal(t, []uint64{16}, results)
		_, err = inst.CallIndirect(testCtx, 2)
		require.ErrorIs(t, err, api.ErrTrapUninitializedElement)
	})

	t.Run("single slot", func(t *testing.T) {
		single := Instantiate(t, newBackend, NewModuleBuilder("single").
			Table(1).
			Function("", FuncType(nil, i32), nil, wasm.I32Const(7)).
			Elements(wasm.ConstI32(0), 0).
			Build(), nil)

		results, err := single.CallIndirect(testCtx, 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{7}, results)

		_, err = single.CallIndirect(testCtx, 1)
		require.ErrorIs(t, err, api.ErrTrapTableOutOfBounds)
	})
}

// RunTestHostFunctions ensures imported host functions are called directly and through the table, with access to
// the calling instance, and that their failures are attributed correctly.
func RunTestHostFunctions(t *testing.T, newBackend NewBackend) {
	bindings := internalwasm.NewBindings()
	require.NoError(t, bindings.AddGoFunction("env", "add_one", func(x int32) int32 { return x + 1 }))
	require.NoError(t, bindings.AddGoFunction("env", "forty_two", func() int32 { return 42 }))
	require.NoError(t, bindings.AddFunction("env", "mem_write", FuncType([]wasm.ValueType{i32}),
		func(_ context.Context, caller api.Caller, stack []uint64) {
			caller.Memory().WriteUint32Le(0, uint32(stack[0]))
		}))
	require.NoError(t, bindings.AddGoFunction("env", "trap", func() error { return api.ErrTrapUnreachable }))
	require.NoError(t, bindings.AddGoFunction("env", "fail", func() error { return errors.New("failed") }))
	require.NoError(t, bindings.AddGoFunction("env", "panic", func() { panic("boom") }))
	// foreign is set by the test to a funcref of another instance.
	var foreign api.FuncRef
	require.NoError(t, bindings.AddGoFunction("env", "foreign", func() api.FuncRef { return foreign }))

	b := NewModuleBuilder("host").
		ImportFunction("env", "add_one", FuncType([]wasm.ValueType{i32}, i32)).
		ImportFunction("env", "forty_two", FuncType(nil, i32)).
		ImportFunction("env", "mem_write", FuncType([]wasm.ValueType{i32})).
		ImportFunction("env", "trap", FuncType(nil)).
		ImportFunction("env", "fail", FuncType(nil)).
		ImportFunction("env", "panic", FuncType(nil)).
		ImportFunction("env", "foreign", FuncType(nil, funcref)).
		Memory(1, nil).
		Table(1).
		Elements(wasm.ConstI32(0), 1)
	v_i32 := b.Type(FuncType(nil, i32))
	m := b.
		Function("call_add_one", FuncType([]wasm.ValueType{i32}, i32), nil, wasm.LocalGet(0), wasm.Call(0)).
		Function("indirect_host", FuncType(nil, i32), nil, wasm.I32Const(0), wasm.CallIndirect(v_i32)).
		Function("write", FuncType([]wasm.ValueType{i32}), nil, wasm.LocalGet(0), wasm.Call(2)).
		Function("trap", FuncType(nil), nil, wasm.Call(3)).
		Function("fail", FuncType(nil), nil, wasm.Call(4)).
		Function("panic", FuncType(nil), nil, wasm.Call(5)).
		Function("foreign", FuncType(nil, funcref), nil, wasm.Call(6)).
		Build()

	compiled := Compile(t, newBackend, m)

	t.Run("calls", func(t *testing.T) {
		inst, err := InstantiateCompiled(t, compiled, bindings, t.Name(), nil)
		require.NoError(t, err)

		results, err := inst.InvokeExport(testCtx, "call_add_one", 41)
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, results)

		results, err = inst.InvokeExport(testCtx, "indirect_host")
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, results)

		_, err = inst.InvokeExport(testCtx, "write", 7)
		require.NoError(t, err)
		v, ok := inst.Memory().ReadUint32Le(0)
		require.True(t, ok)
		require.Equal(t, uint32(7), v)
	})

	t.Run("trap from host", func(t *testing.T) {
		inst, err := InstantiateCompiled(t, compiled, bindings, t.Name(), nil)
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "trap")
		trap := requireTrap(t, err, api.TrapKindUnreachable)
		require.Equal(t, []string{"env.trap", "trap"}, trap.Backtrace)
		require.False(t, inst.Poisoned())
	})

	t.Run("error from host", func(t *testing.T) {
		inst, err := InstantiateCompiled(t, compiled, bindings, t.Name(), nil)
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "fail")
		var hostErr *api.HostFunctionError
		require.ErrorAs(t, err, &hostErr)
		require.Equal(t, "env.fail", hostErr.Function)
		require.EqualError(t, err, "host function env.fail failed: failed")
		require.False(t, inst.Poisoned())

		results, err := inst.InvokeExport(testCtx, "call_add_one", 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{2}, results)
	})

	t.Run("foreign funcref from host", func(t *testing.T) {
		other, err := InstantiateCompiled(t, compiled, bindings, t.Name()+"_other", nil)
		require.NoError(t, err)
		foreign, err = other.FuncRef(0)
		require.NoError(t, err)

		inst, err := InstantiateCompiled(t, compiled, bindings, t.Name(), nil)
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "foreign")
		require.ErrorIs(t, err, api.ErrForeignFuncRef)
		var hostErr *api.HostFunctionError
		require.ErrorAs(t, err, &hostErr)
		require.Equal(t, "env.foreign", hostErr.Function)
		require.False(t, inst.Poisoned())

		// The next unrelated call succeeds.
		results, err := inst.InvokeExport(testCtx, "call_add_one", 41)
		require.NoError(t, err)
		require.Equal(t, []uint64{42}, results)

		// A funcref of the calling instance itself is fine.
		foreign, err = inst.FuncRef(0)
		require.NoError(t, err)
		results, err = inst.InvokeExport(testCtx, "foreign")
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)
	})

	t.Run("panic poisons", func(t *testing.T) {
		inst, err := InstantiateCompiled(t, compiled, bindings, t.Name(), nil)
		require.NoError(t, err)
		_, err = inst.InvokeExport(testCtx, "write", 7)
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "panic")
		var hostErr *api.HostFunctionError
		require.ErrorAs(t, err, &hostErr)
		require.Equal(t, "env.panic", hostErr.Function)
		require.Equal(t, "boom", hostErr.Recovered)
		require.True(t, inst.Poisoned())

		_, err = inst.InvokeExport(testCtx, "call_add_one", 1)
		require.ErrorIs(t, err, api.ErrPoisonedInstance)

		// The memory is still readable for diagnostics.
		v, ok := inst.Memory().ReadUint32Le(0)
		require.True(t, ok)
		require.Equal(t, uint32(7), v)

		require.NoError(t, inst.Close(testCtx))
		require.Nil(t, inst.Memory())
	})
}

// RunTestStackOverflow ensures the call stack ceiling, including frames of calls host functions make back into the
// guest.
func RunTestStackOverflow(t *testing.T, newBackend NewBackend) {
	t.Run("recursion", func(t *testing.T) {
		m := NewModuleBuilder("overflow").Function("recurse", FuncType(nil), nil, wasm.Call(0)).Build()
		inst, err := InstantiateCompiled(t, Compile(t, newBackend, m), nil, t.Name(), &internalwasm.InstanceConfig{CallStackCeiling: 50})
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "recurse")
		trap := requireTrap(t, err, api.TrapKindStackOverflow)
		require.Equal(t, 50, len(trap.Backtrace))
		require.False(t, inst.Poisoned())
	})

	t.Run("host reentry", func(t *testing.T) {
		bindings := internalwasm.NewBindings()
		require.NoError(t, bindings.AddGoFunction("env", "reenter", func(ctx context.Context, caller api.Caller, n int32) error {
			_, err := caller.Instance().InvokeExport(ctx, "depth", api.EncodeI32(n))
			return err
		}))
		// depth(n) calls itself through the host until n is zero, so it uses n+1 guest frames.
		m := NewModuleBuilder("reentry").
			ImportFunction("env", "reenter", FuncType([]wasm.ValueType{i32})).
			Function("depth", FuncType([]wasm.ValueType{i32}), nil,
				wasm.LocalGet(0),
				wasm.If(),
				wasm.LocalGet(0), wasm.I32Const(1), wasm.Op(wasm.OpcodeI32Sub), wasm.Call(0),
				wasm.End()).
			Build()
		inst, err := InstantiateCompiled(t, Compile(t, newBackend, m), bindings, t.Name(), &internalwasm.InstanceConfig{CallStackCeiling: 10})
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "depth", 9)
		require.NoError(t, err)

		_, err = inst.InvokeExport(testCtx, "depth", 10)
		requireTrap(t, err, api.TrapKindStackOverflow)
		require.False(t, inst.Poisoned())
	})
}

// RunTestGlobals ensures imported, mutable and immutable globals.
func RunTestGlobals(t *testing.T, newBackend NewBackend) {
	bindings := internalwasm.NewBindings()
	require.NoError(t, bindings.AddGlobal("env", "base", &wasm.GlobalType{ValType: i32}, 10))

	m := NewModuleBuilder("globals").
		ImportGlobal("env", "base", i32, false).
		Global("counter", i32, true, wasm.ConstGlobalGet(0)).
		Global("pi", f64, false, wasm.ConstF64(3.14)).
		Function("inc", FuncType(nil, i32), nil,
			wasm.GlobalGet(1), wasm.I32Const(1), wasm.Op(wasm.OpcodeI32Add), wasm.GlobalSet(1),
			wasm.GlobalGet(1)).
		Build()
	inst := Instantiate(t, newBackend, m, bindings)

	for _, expected := range []uint64{11, 12} {
		results, err := inst.InvokeExport(testCtx, "inc")
		require.NoError(t, err)
		require.Equal(t, []uint64{expected}, results)
	}

	counter := inst.ExportedGlobal("counter")
	require.Equal(t, uint64(12), counter.Get())
	mutable, ok := counter.(api.MutableGlobal)
	require.True(t, ok)
	mutable.Set(100)
	results, err := inst.InvokeExport(testCtx, "inc")
	require.NoError(t, err)
	require.Equal(t, []uint64{101}, results)

	pi := inst.ExportedGlobal("pi")
	_, ok = pi.(api.MutableGlobal)
	require.False(t, ok)
	require.Equal(t, api.ValueTypeF64, pi.Type())
	require.Equal(t, "global(3.140000)", pi.String())
}

// RunTestReferences ensures externref values pass through unchanged, and funcrefs convert at the boundary.
func RunTestReferences(t *testing.T, newBackend NewBackend) {
	m := NewModuleBuilder("refs").
		Table(2).
		Elements(wasm.ConstI32(1), 0).
		Function("id", FuncType([]wasm.ValueType{externref}, externref), nil, wasm.LocalGet(0)).
		Function("is_null", FuncType([]wasm.ValueType{externref}, i32), nil, wasm.LocalGet(0), wasm.RefIsNull()).
		Function("get_ref", FuncType(nil, funcref), nil, wasm.RefFunc(0)).
		Function("null_ref", FuncType(nil, funcref), nil, wasm.RefNull(funcref)).
		Function("take_ref", FuncType([]wasm.ValueType{funcref}, i32), nil, wasm.LocalGet(0), wasm.RefIsNull()).
		Function("table_get", FuncType([]wasm.ValueType{i32}, funcref), nil, wasm.LocalGet(0), wasm.TableGet()).
		Build()
	compiled := Compile(t, newBackend, m)
	inst, err := InstantiateCompiled(t, compiled, nil, "first", nil)
	require.NoError(t, err)
	other, err := InstantiateCompiled(t, compiled, nil, "second", nil)
	require.NoError(t, err)

	t.Run("externref identity", func(t *testing.T) {
		for _, handle := range []uint64{1, 0xdeadbeefcafebabe, math.MaxUint64} {
			results, err := inst.InvokeExport(testCtx, "id", handle)
			require.NoError(t, err)
			require.Equal(t, []uint64{handle}, results)

			values, err := inst.ExportedFunction("id").Invoke(testCtx, api.ValueExternRef(api.NewExternRef(handle)))
			require.NoError(t, err)
			require.Equal(t, handle, values[0].ExternRef().Handle())
		}

		results, err := inst.InvokeExport(testCtx, "is_null", 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results)
	})

	t.Run("funcref", func(t *testing.T) {
		values, err := inst.ExportedFunction("get_ref").Invoke(testCtx)
		require.NoError(t, err)
		ref := values[0].Func
		require.Equal(t, api.ValueTypeFuncref, values[0].Type)
		require.Equal(t, api.Instance(inst), ref.Instance)
		require.Equal(t, uint32(0), ref.Index)

		fn, err := inst.Function(ref)
		require.NoError(t, err)
		results, err := fn.Call(testCtx, 5)
		require.NoError(t, err)
		require.Equal(t, []uint64{5}, results)

		values, err = inst.ExportedFunction("null_ref").Invoke(testCtx)
		require.NoError(t, err)
		require.True(t, values[0].Func.IsNull())

		values, err = inst.ExportedFunction("take_ref").Invoke(testCtx, api.ValueFuncRef(ref))
		require.NoError(t, err)
		require.Equal(t, int32(0), values[0].I32())
		values, err = inst.ExportedFunction("take_ref").Invoke(testCtx, api.ValueFuncRef(api.FuncRef{}))
		require.NoError(t, err)
		require.Equal(t, int32(1), values[0].I32())
	})

	t.Run("foreign funcref", func(t *testing.T) {
		ref, err := other.FuncRef(0)
		require.NoError(t, err)
		_, err = inst.ExportedFunction("take_ref").Invoke(testCtx, api.ValueFuncRef(ref))
		require.ErrorIs(t, err, api.ErrForeignFuncRef)
		_, err = inst.Function(ref)
		require.ErrorIs(t, err, api.ErrForeignFuncRef)
	})

	t.Run("table.get", func(t *testing.T) {
		results, err := inst.InvokeExport(testCtx, "table_get", 1)
		require.NoError(t, err)
		require.Equal(t, []uint64{1}, results) // function 0, plus one
		results, err = inst.InvokeExport(testCtx, "table_get", 0)
		require.NoError(t, err)
		require.Equal(t, []uint64{0}, results)
		_, err = inst.InvokeExport(testCtx, "table_get", 2)
		requireTrap(t, err, api.TrapKindTableOutOfBounds)
	})

	t.Run("value type errors", func(t *testing.T) {
		_, err := inst.ExportedFunction("id").Invoke(testCtx, api.ValueI32(1))
		var typeErr *api.ValueTypeError
		require.ErrorAs(t, err, &typeErr)
		require.Equal(t, 0, typeErr.Index)
		require.Equal(t, api.ValueTypeExternref, typeErr.Expected)
		require.Equal(t, api.ValueTypeI32, typeErr.Actual)

		_, err = inst.ExportedFunction("id").Invoke(testCtx)
		require.ErrorAs(t, err, &typeErr)
		require.Equal(t, -1, typeErr.Index)

		_, err = inst.InvokeExport(testCtx, "id", 1, 2)
		require.ErrorAs(t, err, &typeErr)
		require.Equal(t, "id: expected 1 params, but passed 2", typeErr.Error())
	})
}

// RunTestStart ensures the start function runs during instantiation, and that its trap fails instantiation.
func RunTestStart(t *testing.T, newBackend NewBackend) {
	t.Run("runs", func(t *testing.T) {
		m := NewModuleBuilder("start").
			Global("ready", i32, true, wasm.ConstI32(0)).
			Function("", FuncType(nil), nil, wasm.I32Const(1), wasm.GlobalSet(0)).
			Start(0).
			Build()
		inst := Instantiate(t, newBackend, m, nil)
		require.Equal(t, uint64(1), inst.ExportedGlobal("ready").Get())
	})

	t.Run("traps", func(t *testing.T) {
		m := NewModuleBuilder("start").
			Function("init", FuncType(nil), nil, wasm.Unreachable()).
			Start(0).
			Build()
		_, err := InstantiateCompiled(t, Compile(t, newBackend, m), nil, t.Name(), nil)
		var instErr *api.InstantiationError
		require.ErrorAs(t, err, &instErr)
		require.Equal(t, "start", instErr.Section)
		require.ErrorIs(t, err, api.ErrTrapUnreachable)
	})
}

// RunTestInstantiationErrors ensures segments are checked before anything is written.
func RunTestInstantiationErrors(t *testing.T, newBackend NewBackend) {
	bindings := internalwasm.NewBindings()
	require.NoError(t, bindings.AddGlobal("env", "offset", &wasm.GlobalType{ValType: i32}, 5))

	tests := []struct {
		name            string
		module          *wasm.Module
		expectedSection string
	}{
		{
			name: "data out of range",
			module: NewModuleBuilder("data").
				Memory(1, nil).
				Data(wasm.ConstI32(0), []byte{1}).
				Data(wasm.ConstI32(65535), []byte{1, 2}).
				Build(),
			expectedSection: "data",
		},
		{
			name: "element offset from global out of range",
			module: NewModuleBuilder("element").
				ImportGlobal("env", "offset", i32, false).
				Table(2).
				Function("f", FuncType(nil), nil).
				Elements(wasm.ConstGlobalGet(0), 0).
				Build(),
			expectedSection: "element",
		},
		{
			name:            "memory over limit",
			module:          NewModuleBuilder("memory").Memory(300, nil).Build(),
			expectedSection: "memory",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			_, err := InstantiateCompiled(t, Compile(t, newBackend, tc.module), bindings, t.Name(), nil)
			var instErr *api.InstantiationError
			require.ErrorAs(t, err, &instErr)
			require.Equal(t, tc.expectedSection, instErr.Section)
		})
	}
}

// RunTestConcurrentCalls ensures calls from many goroutines don't interfere, and that concurrent memory.grow is
// serialized while size readers never see a torn value.
func RunTestConcurrentCalls(t *testing.T, newBackend NewBackend) {
	P, N := 8, 8
	if testing.Short() {
		P, N = 4, 4
	}
	max := uint32(1 + P*N)
	m := NewModuleBuilder("concurrent").
		Memory(1, &max).
		Function("grow", FuncType(nil, i32), nil, wasm.I32Const(1), wasm.MemoryGrow()).
		Function("size", FuncType(nil, i32), nil, wasm.MemorySize()).
		Function("fac", FuncType([]wasm.ValueType{i64}, i64), nil,
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64LeS),
			wasm.If(i64),
			wasm.I64Const(1),
			wasm.Else(),
			wasm.LocalGet(0),
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64Sub),
			wasm.Call(2),
			wasm.Op(wasm.OpcodeI64Mul),
			wasm.End()).
		Build()
	inst := Instantiate(t, newBackend, m, nil)

	var mux sync.Mutex
	var previous []int
	hammer.NewHammer(t, P, N).Run(func(p, n int) {
		results, err := inst.InvokeExport(testCtx, "fac", uint64(p+n))
		require.NoError(t, err)
		require.Equal(t, factorial(uint64(p+n)), results[0])

		before, err := inst.InvokeExport(testCtx, "size")
		require.NoError(t, err)

		results, err = inst.InvokeExport(testCtx, "grow")
		require.NoError(t, err)
		prev := int(int32(results[0]))
		require.NotEqual(t, -1, prev)

		after, err := inst.InvokeExport(testCtx, "size")
		require.NoError(t, err)
		require.LessOrEqual(t, before[0], after[0])
		require.LessOrEqual(t, after[0], uint64(max))
		require.Zero(t, inst.Memory().Size()%65536)

		mux.Lock()
		previous = append(previous, prev)
		mux.Unlock()
	}, nil)
	if t.Failed() {
		return // At least one test failed, so return now.
	}

	// Each grow saw a distinct previous size.
	sort.Ints(previous)
	for i, prev := range previous {
		require.Equal(t, i+1, prev)
	}
	require.Equal(t, max*65536, inst.Memory().Size())
}

func factorial(n uint64) uint64 {
	ret := uint64(1)
	for i := uint64(2); i <= n; i++ {
		ret *= i
	}
	return ret
}
