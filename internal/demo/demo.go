// Package demo holds the modules the CLI runs and encodes, and the benchmarks compare between engines.
package demo

import (
	"sort"

	"github.com/fabricwasm/fabric/wasm"
)

// Factorial exports "fac" (i64) -> i64, computed recursively.
func Factorial() *wasm.Module {
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []wasm.ValueType{wasm.ValueTypeI64}, Results: []wasm.ValueType{wasm.ValueTypeI64}}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{Body: []wasm.Instruction{
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64LeS),
			wasm.If(wasm.ValueTypeI64),
			wasm.I64Const(1),
			wasm.Else(),
			wasm.LocalGet(0),
			wasm.LocalGet(0), wasm.I64Const(1), wasm.Op(wasm.OpcodeI64Sub),
			wasm.Call(0),
			wasm.Op(wasm.OpcodeI64Mul),
			wasm.End(),
			wasm.End(),
		}}},
		ExportSection: []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "fac", Index: 0}},
		NameSection: &wasm.NameSection{
			ModuleName:    "factorial",
			FunctionNames: wasm.NameMap{{Index: 0, Name: "fac"}},
		},
	}
}

// Fibonacci exports "fib" (i32) -> i64, computed with a loop.
func Fibonacci() *wasm.Module {
	const n, a, b, tmp = 0, 1, 2, 3
	return &wasm.Module{
		TypeSection:     []*wasm.FunctionType{{Params: []wasm.ValueType{wasm.ValueTypeI32}, Results: []wasm.ValueType{wasm.ValueTypeI64}}},
		FunctionSection: []wasm.Index{0},
		CodeSection: []*wasm.Code{{
			LocalTypes: []wasm.ValueType{wasm.ValueTypeI64, wasm.ValueTypeI64, wasm.ValueTypeI64},
			Body: []wasm.Instruction{
				wasm.I64Const(1), wasm.LocalSet(b),
				wasm.Block(),
				wasm.Loop(),
				wasm.LocalGet(n), wasm.Op(wasm.OpcodeI32Eqz), wasm.BrIf(1),
				wasm.LocalGet(a), wasm.LocalGet(b), wasm.Op(wasm.OpcodeI64Add), wasm.LocalSet(tmp),
				wasm.LocalGet(b), wasm.LocalSet(a),
				wasm.LocalGet(tmp), wasm.LocalSet(b),
				wasm.LocalGet(n), wasm.I32Const(1), wasm.Op(wasm.OpcodeI32Sub), wasm.LocalSet(n),
				wasm.Br(0),
				wasm.End(),
				wasm.End(),
				wasm.LocalGet(a),
				wasm.End(),
			},
		}},
		ExportSection: []*wasm.Export{{Type: wasm.ExternTypeFunc, Name: "fib", Index: 0}},
		NameSection: &wasm.NameSection{
			ModuleName:    "fibonacci",
			FunctionNames: wasm.NameMap{{Index: 0, Name: "fib"}},
		},
	}
}

var modules = map[string]func() *wasm.Module{
	"factorial": Factorial,
	"fibonacci": Fibonacci,
}

// Module returns a new copy of the named module, or nil if there's none.
func Module(name string) *wasm.Module {
	if m, ok := modules[name]; ok {
		return m()
	}
	return nil
}

// Names returns the module names in ascending order.
func Names() []string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
