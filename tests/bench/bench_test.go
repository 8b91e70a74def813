//go:build amd64 && cgo

// Wasmtime and Wasmer need cgo, and their Go bindings only ship amd64 libraries.
package bench

import (
	"context"
	"errors"
	"testing"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/fabricwasm/fabric"
	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/demo"
	"github.com/fabricwasm/fabric/wasm/binary"
)

// testCtx is an arbitrary, non-default context. Non-nil also prevents linter errors.
var testCtx = context.WithValue(context.Background(), struct{}{}, "arbitrary")

// invoker calls the single-param function of a module under one engine.
type invoker func(param int64) (int64, error)

type engine struct {
	name string
	// newInvoker instantiates the named demo module and returns a call of its export.
	newInvoker func(module, export string) (invoker, func(), error)
}

var engines = []engine{
	{name: "compiler", newInvoker: fabricInvoker(fabric.NewRuntimeConfigCompiler)},
	{name: "interpreter", newInvoker: fabricInvoker(fabric.NewRuntimeConfigInterpreter)},
	{name: "wasmer-go", newInvoker: wasmerInvoker},
	{name: "wasmtime-go", newInvoker: wasmtimeInvoker},
}

func fabricInvoker(newConfig func() *fabric.RuntimeConfig) func(module, export string) (invoker, func(), error) {
	return func(module, export string) (invoker, func(), error) {
		r := fabric.NewRuntimeWithConfig(newConfig())
		closer := func() { _ = r.Close(testCtx) }

		compiled, err := r.CompileModule(testCtx, demo.Module(module))
		if err != nil {
			closer()
			return nil, nil, err
		}
		inst, err := r.Instantiate(testCtx, compiled, nil, module)
		if err != nil {
			closer()
			return nil, nil, err
		}
		fn := inst.ExportedFunction(export)
		if fn == nil {
			closer()
			return nil, nil, errors.New("not a function")
		}
		// i32 and i64 params are both passed as the low bits of a uint64.
		return func(param int64) (int64, error) {
			results, err := fn.Call(testCtx, api.EncodeI64(param))
			if err != nil {
				return 0, err
			}
			return int64(results[0]), nil
		}, closer, nil
	}
}

func encode(module string) []byte {
	return binary.EncodeModule(demo.Module(module))
}

func wasmerInvoker(module, export string) (invoker, func(), error) {
	store := wasmer.NewStore(wasmer.NewEngine())
	m, err := wasmer.NewModule(store, encode(module))
	if err != nil {
		return nil, nil, err
	}
	instance, err := wasmer.NewInstance(m, wasmer.NewImportObject())
	if err != nil {
		return nil, nil, err
	}
	closer := func() {
		instance.Close()
		store.Close()
	}
	f, err := instance.Exports.GetFunction(export)
	if err != nil {
		closer()
		return nil, nil, err
	}

	paramKind := m.Exports()[0].Type().IntoFunctionType().Params()[0].Kind()
	return func(param int64) (int64, error) {
		var arg interface{} = param
		if paramKind == wasmer.I32 {
			arg = int32(param)
		}
		res, err := f(arg)
		if err != nil {
			return 0, err
		}
		return res.(int64), nil
	}, closer, nil
}

func wasmtimeInvoker(module, export string) (invoker, func(), error) {
	store := wasmtime.NewStore(wasmtime.NewEngine())
	m, err := wasmtime.NewModule(store.Engine, encode(module))
	if err != nil {
		return nil, nil, err
	}
	instance, err := wasmtime.NewInstance(store, m, nil)
	if err != nil {
		return nil, nil, err
	}
	run := instance.GetFunc(store, export)
	if run == nil {
		return nil, nil, errors.New("not a function")
	}

	paramKind := run.Type(store).Params()[0].Kind()
	return func(param int64) (int64, error) {
		var arg interface{} = param
		if paramKind == wasmtime.KindI32 {
			arg = int32(param)
		}
		res, err := run.Call(store, arg)
		if err != nil {
			return 0, err
		}
		return res.(int64), nil
	}, func() {}, nil
}

var cases = []struct {
	module, export string
	param          int64
	expected       int64
}{
	{module: "factorial", export: "fac", param: 20, expected: 2432902008176640000},
	{module: "factorial", export: "fac", param: 30, expected: -8764578968847253504},
	{module: "fibonacci", export: "fib", param: 90, expected: 2880067194370816120},
}

// TestCrossEngine ensures every engine computes the same results from the same module, encoded for the others.
func TestCrossEngine(t *testing.T) {
	for _, e := range engines {
		e := e
		t.Run(e.name, func(t *testing.T) {
			for _, tc := range cases {
				call, closer, err := e.newInvoker(tc.module, tc.export)
				require.NoError(t, err)

				for i := 0; i < 100; i++ {
					actual, err := call(tc.param)
					require.NoError(t, err)
					require.Equal(t, tc.expected, actual, "%s(%d)", tc.export, tc.param)
				}
				closer()
			}
		})
	}
}

// BenchmarkFactorial_Init tracks the time spent readying a function for use.
func BenchmarkFactorial_Init(b *testing.B) {
	for _, e := range engines {
		e := e
		b.Run(e.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				_, closer, err := e.newInvoker("factorial", "fac")
				if err != nil {
					b.Fatal(err)
				}
				closer()
			}
		})
	}
}

// BenchmarkFactorial_Invoke benchmarks the time spent invoking a factorial calculation.
func BenchmarkFactorial_Invoke(b *testing.B) {
	for _, e := range engines {
		e := e
		b.Run(e.name, func(b *testing.B) {
			call, closer, err := e.newInvoker("factorial", "fac")
			if err != nil {
				b.Fatal(err)
			}
			defer closer()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err = call(30); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
