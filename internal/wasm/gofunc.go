package internalwasm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/wasm"
)

// Below are reflection code to get the interface type used to parse functions and set values.

var (
	callerType    = reflect.TypeOf((*api.Caller)(nil)).Elem()
	goContextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType     = reflect.TypeOf((*error)(nil)).Elem()
	externRefType = reflect.TypeOf(api.ExternRef{})
	funcRefType   = reflect.TypeOf(api.FuncRef{})
)

// paramDecoder converts a slot into the Go value of a param.
type paramDecoder func(caller api.Caller, v uint64) reflect.Value

// resultEncoder converts the Go value of a result into a slot.
type resultEncoder func(caller api.Caller, v reflect.Value) uint64

// NewGoFunction derives the signature of a Go func and returns a trampoline calling it with the flat calling
// convention. The decoders and encoders are chosen once, here.
//
// Params and the result map from Go types: int32 and uint32 to i32, int64 and uint64 to i64, float32 to f32,
// float64 to f64, api.ExternRef to externref and api.FuncRef to funcref. Param zero may be a context.Context or an
// api.Caller, or they may be params zero and one in that order. A host function calling back into a guest must pass
// on its context, so the nested call counts towards the same call stack ceiling. A trailing error result is allowed: returning a *api.TrapError traps the guest, and any other non-nil
// error fails the call as if the function panicked with it.
func NewGoFunction(name string, goFunc interface{}) (*wasm.FunctionType, api.GoFunction, error) {
	fn := reflect.ValueOf(goFunc)
	if fn.Kind() != reflect.Func {
		return nil, nil, fmt.Errorf("%s is a %s, but should be a Func", name, fn.Kind().String())
	}
	p := fn.Type()

	var withCtx, withCaller bool
	pOffset := 0
	if p.NumIn() > 0 && p.In(0).Kind() == reflect.Interface {
		if p0 := p.In(0); p0.Implements(callerType) {
			withCaller, pOffset = true, 1
		} else if p0.Implements(goContextType) {
			withCtx, pOffset = true, 1
			if p.NumIn() > 1 && p.In(1).Kind() == reflect.Interface && p.In(1).Implements(callerType) {
				withCaller, pOffset = true, 2
			}
		}
	}

	rCount := p.NumOut()
	hasErrorResult := rCount > 0 && p.Out(rCount-1) == errorType
	if hasErrorResult {
		rCount--
	}
	if rCount > 1 {
		return nil, nil, fmt.Errorf("%s has more than one result", name)
	}

	ft := &wasm.FunctionType{Params: make([]wasm.ValueType, p.NumIn()-pOffset), Results: make([]wasm.ValueType, rCount)}
	decoders := make([]paramDecoder, len(ft.Params))
	for i := range ft.Params {
		pI := p.In(i + pOffset)
		vt, dec, ok := decoderOf(pI)
		if ok {
			ft.Params[i], decoders[i] = vt, dec
			continue
		}
		if pI.Implements(callerType) || pI.Implements(goContextType) {
			return nil, nil, fmt.Errorf("%s param[%d] is a %s, which may be defined only once, before other params", name, i+pOffset, pI)
		}
		return nil, nil, fmt.Errorf("%s param[%d] is unsupported: %s", name, i+pOffset, pI)
	}

	var encoder resultEncoder
	if rCount == 1 {
		vt, enc, ok := encoderOf(p.Out(0))
		if !ok {
			return nil, nil, fmt.Errorf("%s result[0] is unsupported: %s", name, p.Out(0))
		}
		ft.Results[0], encoder = vt, enc
	}

	trampoline := func(ctx context.Context, caller api.Caller, stack []uint64) {
		args := make([]reflect.Value, pOffset+len(decoders))
		if withCtx {
			args[0] = reflect.ValueOf(&ctx).Elem()
		}
		if withCaller {
			args[pOffset-1] = reflect.ValueOf(&caller).Elem()
		}
		for i, dec := range decoders {
			args[pOffset+i] = dec(caller, stack[i])
		}

		out := fn.Call(args)

		if hasErrorResult {
			if errV := out[len(out)-1]; !errV.IsNil() {
				err := errV.Interface().(error)
				var trap *api.TrapError
				if errors.As(err, &trap) {
					panic(&api.TrapError{Kind: trap.Kind})
				}
				panic(&hostFailure{err: err})
			}
		}
		if encoder != nil {
			stack[0] = encoder(caller, out[0])
		}
	}
	return ft, trampoline, nil
}

func decoderOf(t reflect.Type) (wasm.ValueType, paramDecoder, bool) {
	switch t {
	case externRefType:
		return wasm.ValueTypeExternref, func(_ api.Caller, v uint64) reflect.Value {
			return reflect.ValueOf(api.DecodeExternRef(v))
		}, true
	case funcRefType:
		return wasm.ValueTypeFuncref, func(caller api.Caller, v uint64) reflect.Value {
			return reflect.ValueOf(decodeFuncRef(caller, v))
		}, true
	}
	switch t.Kind() {
	case reflect.Int32:
		return wasm.ValueTypeI32, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetInt(int64(int32(uint32(v))))
			return ret
		}, true
	case reflect.Uint32:
		return wasm.ValueTypeI32, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetUint(uint64(uint32(v)))
			return ret
		}, true
	case reflect.Int64:
		return wasm.ValueTypeI64, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetInt(int64(v))
			return ret
		}, true
	case reflect.Uint64:
		return wasm.ValueTypeI64, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetUint(v)
			return ret
		}, true
	case reflect.Float32:
		return wasm.ValueTypeF32, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetFloat(float64(math.Float32frombits(uint32(v))))
			return ret
		}, true
	case reflect.Float64:
		return wasm.ValueTypeF64, func(_ api.Caller, v uint64) reflect.Value {
			ret := reflect.New(t).Elem()
			ret.SetFloat(math.Float64frombits(v))
			return ret
		}, true
	}
	return 0, nil, false
}

func encoderOf(t reflect.Type) (wasm.ValueType, resultEncoder, bool) {
	switch t {
	case externRefType:
		return wasm.ValueTypeExternref, func(_ api.Caller, v reflect.Value) uint64 {
			return api.EncodeExternRef(v.Interface().(api.ExternRef))
		}, true
	case funcRefType:
		return wasm.ValueTypeFuncref, func(caller api.Caller, v reflect.Value) uint64 {
			return encodeFuncRef(caller, v.Interface().(api.FuncRef))
		}, true
	}
	switch t.Kind() {
	case reflect.Int32:
		return wasm.ValueTypeI32, func(_ api.Caller, v reflect.Value) uint64 { return uint64(uint32(int32(v.Int()))) }, true
	case reflect.Uint32:
		return wasm.ValueTypeI32, func(_ api.Caller, v reflect.Value) uint64 { return uint64(uint32(v.Uint())) }, true
	case reflect.Int64:
		return wasm.ValueTypeI64, func(_ api.Caller, v reflect.Value) uint64 { return uint64(v.Int()) }, true
	case reflect.Uint64:
		return wasm.ValueTypeI64, func(_ api.Caller, v reflect.Value) uint64 { return v.Uint() }, true
	case reflect.Float32:
		return wasm.ValueTypeF32, func(_ api.Caller, v reflect.Value) uint64 {
			return uint64(math.Float32bits(float32(v.Float())))
		}, true
	case reflect.Float64:
		return wasm.ValueTypeF64, func(_ api.Caller, v reflect.Value) uint64 { return math.Float64bits(v.Float()) }, true
	}
	return 0, nil, false
}

// hostFailure is panicked by a host function that failed without trapping. It fails the call with a
// *api.HostFunctionError, but unlike other panics leaves the instance usable.
type hostFailure struct {
	err error
}

// decodeFuncRef converts a guest funcref, which is a function index plus one, into one of the calling instance.
func decodeFuncRef(caller api.Caller, v uint64) api.FuncRef {
	if v == 0 {
		return api.FuncRef{}
	}
	return api.FuncRef{Instance: caller.Instance(), Index: uint32(v - 1)}
}

// encodeFuncRef converts a funcref into the guest form. Guests can only hold funcrefs of their own instance.
func encodeFuncRef(caller api.Caller, ref api.FuncRef) uint64 {
	if ref.IsNull() {
		return 0
	}
	if ref.Instance != caller.Instance() {
		panic(&hostFailure{err: api.ErrForeignFuncRef})
	}
	return uint64(ref.Index) + 1
}
