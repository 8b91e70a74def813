package internalwasm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/fabricir"
	"github.com/fabricwasm/fabric/wasm"
)

// mockBackend compiles each function to the body registered for its index, ignoring the lowered operations.
type mockBackend struct {
	bodies map[wasm.Index]mockCode
	err    error
}

type mockCode func(ce *CallEngine, base int)

func (c mockCode) Run(ce *CallEngine, base int) { c(ce, base) }

func (b *mockBackend) Name() string { return "mock" }

func (b *mockBackend) Compile(_ *wasm.Module, f *fabricir.Function) (Code, error) {
	if b.err != nil {
		return nil, b.err
	}
	if body, ok := b.bodies[f.Index]; ok {
		return body, nil
	}
	return mockCode(func(*CallEngine, int) {}), nil
}

// hostModule imports env.double and exports "run", which calls it, "boom", which panics, and "trap".
func hostModule() *wasm.Module {
	v_v := &wasm.FunctionType{}
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{i32_i32, v_v},
		ImportSection:   []*wasm.Import{{Type: wasm.ExternTypeFunc, Module: "env", Name: "double", DescFunc: 0}},
		FunctionSection: []wasm.Index{0, 1, 1},
		MemorySection:   &wasm.Memory{Min: 1},
		CodeSection: []*wasm.Code{
			{Body: []wasm.Instruction{wasm.LocalGet(0), wasm.Call(0), wasm.End()}},
			{Body: []wasm.Instruction{wasm.End()}},
			{Body: []wasm.Instruction{wasm.End()}},
		},
		ExportSection: []*wasm.Export{
			{Type: wasm.ExternTypeFunc, Name: "run", Index: 1},
			{Type: wasm.ExternTypeFunc, Name: "boom", Index: 2},
			{Type: wasm.ExternTypeFunc, Name: "trap", Index: 3},
			{Type: wasm.ExternTypeMemory, Name: "memory"},
		},
		NameSection: &wasm.NameSection{FunctionNames: wasm.NameMap{
			{Index: 1, Name: "run"}, {Index: 2, Name: "boom"}, {Index: 3, Name: "trap"},
		}},
	}
}

func hostBackend() *mockBackend {
	return &mockBackend{bodies: map[wasm.Index]mockCode{
		1: func(ce *CallEngine, base int) { ce.Call(0, base) },
		2: func(*CallEngine, int) { panic("oops") },
		3: func(*CallEngine, int) { fabricir.Trap(api.TrapKindUnreachable) },
	}}
}

func hostBindings(t *testing.T) *Bindings {
	b := NewBindings()
	require.NoError(t, b.AddGoFunction("env", "double", func(x int32) int32 {
		if x < 0 {
			panic("negative")
		}
		return x * 2
	}))
	return b
}

func instantiateHostModule(t *testing.T, config *InstanceConfig) *ModuleInstance {
	m := hostModule()
	require.NoError(t, m.Validate())
	compiled, err := NewEngine(hostBackend(), 0, zaptest.NewLogger(t)).CompileModule(testCtx, m)
	require.NoError(t, err)
	imports, err := hostBindings(t).Resolve(m)
	require.NoError(t, err)
	inst, err := Instantiate(testCtx, compiled, imports, t.Name(), config)
	require.NoError(t, err)
	return inst
}

func TestEngine_CompileModule(t *testing.T) {
	m := hostModule()
	e := NewEngine(hostBackend(), 2, zaptest.NewLogger(t))
	require.Equal(t, "mock", e.Name())

	_, err := e.CompileModule(testCtx, m)
	require.EqualError(t, err, "module must be validated before compilation")

	require.NoError(t, m.Validate())
	compiled, err := e.CompileModule(testCtx, m)
	require.NoError(t, err)
	require.Equal(t, "mock", compiled.EngineName)
	require.Equal(t, 3, len(compiled.Functions))

	run := compiled.Functions[0]
	require.Equal(t, wasm.Index(1), run.Index)
	require.Equal(t, uint32(1), run.ParamSlots)
	require.Equal(t, uint32(1), run.LocalSlots)
	require.Equal(t, m.FunctionTypeID(1), run.TypeID)
	require.False(t, run.IndirectTarget)
	require.NotEqual(t, run.TypeID, compiled.Functions[1].TypeID)
}

func TestEngine_CompileModule_Error(t *testing.T) {
	m := hostModule()
	require.NoError(t, m.Validate())
	e := NewEngine(&mockBackend{err: errors.New("boom")}, 1, nil)

	_, err := e.CompileModule(testCtx, m)
	require.Error(t, err)
	require.Contains(t, err.Error(), ": boom")
}

func TestInstantiate_ImportsMismatch(t *testing.T) {
	m := hostModule()
	require.NoError(t, m.Validate())
	compiled, err := NewEngine(hostBackend(), 0, nil).CompileModule(testCtx, m)
	require.NoError(t, err)

	_, err = Instantiate(testCtx, compiled, nil, "nope", nil)
	require.EqualError(t, err, "module[nope]: resolved imports don't match the import section")
}

func TestModuleInstance_Call(t *testing.T) {
	inst := instantiateHostModule(t, nil)
	require.Equal(t, t.Name(), inst.Name())
	require.Equal(t, "Module["+t.Name()+"]", inst.String())

	results, err := inst.InvokeExport(testCtx, "run", 21)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, results)

	_, err = inst.InvokeExport(testCtx, "run")
	var typeErr *api.ValueTypeError
	require.ErrorAs(t, err, &typeErr)
	require.Equal(t, -1, typeErr.Index)

	_, err = inst.InvokeExport(testCtx, "memory")
	require.EqualError(t, err, "module["+t.Name()+"]: \"memory\" is not an exported function")
	require.Nil(t, inst.ExportedFunction("memory"))
	require.Nil(t, inst.ExportedMemory("run"))
	require.Nil(t, inst.ExportedGlobal("run"))

	fn := inst.ExportedFunction("run")
	require.Equal(t, "run", fn.Name())
	require.Equal(t, []api.ValueType{i32}, fn.ParamTypes())
	require.Equal(t, []api.ValueType{i32}, fn.ResultTypes())
	values, err := fn.Invoke(testCtx, api.ValueI32(4))
	require.NoError(t, err)
	require.Equal(t, []api.Value{api.ValueI32(8)}, values)

	// A function obtained by reference is named by the name section, and imports by namespace and symbol.
	ref, err := inst.FuncRef(0)
	require.NoError(t, err)
	host, err := inst.Function(ref)
	require.NoError(t, err)
	require.Equal(t, "env.double", host.Name())
	results, err = host.Call(testCtx, 5)
	require.NoError(t, err)
	require.Equal(t, []uint64{10}, results)

	_, err = inst.FuncRef(4)
	require.Error(t, err)
	_, err = inst.Function(api.FuncRef{})
	require.Error(t, err)
}

func TestModuleInstance_Trap(t *testing.T) {
	inst := instantiateHostModule(t, nil)

	_, err := inst.InvokeExport(testCtx, "trap")
	var trap *api.TrapError
	require.ErrorAs(t, err, &trap)
	require.Equal(t, []string{"trap"}, trap.Backtrace)
	require.False(t, inst.Poisoned())
}

func TestModuleInstance_Poison(t *testing.T) {
	tests := []struct {
		name        string
		export      string
		params      []uint64
		expectedErr string
	}{
		{
			name:        "host panic",
			export:      "run",
			params:      []uint64{api.EncodeI32(-1)},
			expectedErr: "host function env.double panicked: negative",
		},
		{
			name:        "runtime error",
			export:      "boom",
			expectedErr: "boom: wasm runtime error: oops",
		},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.WarnLevel)
			inst := instantiateHostModule(t, &InstanceConfig{Logger: zap.New(core)})
			require.True(t, inst.Memory().WriteUint8(0, 7))

			_, err := inst.InvokeExport(testCtx, tc.export, tc.params...)
			require.EqualError(t, err, tc.expectedErr)
			require.True(t, inst.Poisoned())

			_, err = inst.InvokeExport(testCtx, "run", 1)
			require.ErrorIs(t, err, api.ErrPoisonedInstance)

			// Memory stays readable for diagnostics.
			b, ok := inst.Memory().ReadUint8(0)
			require.True(t, ok)
			require.Equal(t, byte(7), b)

			require.Equal(t, 1, logs.FilterMessage("instance poisoned").Len())
		})
	}
}

func TestModuleInstance_Close(t *testing.T) {
	var closed []*ModuleInstance
	inst := instantiateHostModule(t, &InstanceConfig{OnClose: func(m *ModuleInstance) { closed = append(closed, m) }})
	require.NotNil(t, inst.Memory())

	require.NoError(t, inst.Close(testCtx))
	require.Equal(t, []*ModuleInstance{inst}, closed)
	require.Nil(t, inst.Memory())
	require.Nil(t, inst.ExportedMemory("memory"))

	_, err := inst.InvokeExport(testCtx, "run", 1)
	require.ErrorIs(t, err, api.ErrInstanceClosed)

	// Closing again is an error, and doesn't call OnClose again.
	require.ErrorIs(t, inst.Close(testCtx), api.ErrInstanceClosed)
	require.Equal(t, 1, len(closed))
}

func TestModuleInstance_MemoryLimit(t *testing.T) {
	inst := instantiateHostModule(t, &InstanceConfig{MemoryLimitPages: 4})
	require.Equal(t, uint32(4), inst.MemoryInstance.Max)

	inst = instantiateHostModule(t, nil)
	require.Equal(t, DefaultMemoryLimitPages, inst.MemoryInstance.Max)
}

func TestEffectiveMemoryMax(t *testing.T) {
	two, thousand := uint32(2), uint32(1000)
	tests := []struct {
		name     string
		mem      *wasm.Memory
		limit    uint32
		expected uint32
	}{
		{name: "no max, default limit", mem: &wasm.Memory{Min: 1}, expected: DefaultMemoryLimitPages},
		{name: "no max", mem: &wasm.Memory{Min: 1}, limit: 10, expected: 10},
		{name: "max under limit", mem: &wasm.Memory{Min: 1, Max: &two}, limit: 10, expected: 2},
		{name: "max over limit", mem: &wasm.Memory{Min: 1, Max: &thousand}, limit: 10, expected: 10},
		{name: "max over default limit", mem: &wasm.Memory{Min: 1, Max: &thousand}, expected: DefaultMemoryLimitPages},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, effectiveMemoryMax(tc.mem, tc.limit))
		})
	}
}

func TestCallEngine_ensureStack(t *testing.T) {
	ce := &CallEngine{Stack: []uint64{1, 2, 3}}
	ce.ensureStack(2)
	require.Equal(t, []uint64{1, 2, 3}, ce.Stack)

	ce.ensureStack(4)
	require.Equal(t, []uint64{1, 2, 3, 0, 0, 0}, ce.Stack)

	ce.ensureStack(100)
	require.Equal(t, 100, len(ce.Stack))
	require.Equal(t, []uint64{1, 2, 3}, ce.Stack[:3])
}

func TestCallEngine_depthFromContext(t *testing.T) {
	inst := instantiateHostModule(t, nil)
	parent := inst.newCallEngine(context.Background())
	parent.depth = 7

	child := inst.newCallEngine(context.WithValue(testCtx, callEngineKey{}, parent))
	require.Equal(t, 7, child.depth)
	require.Equal(t, DefaultCallStackCeiling, child.ceiling)
}
