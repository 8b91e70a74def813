// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"fmt"
	"math"
)

// ExternType classifies imports and exports with their respective types.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#import-section%E2%91%A0
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#export-section%E2%91%A0
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#external-types%E2%91%A0
type ExternType = byte

const (
	ExternTypeFunc   ExternType = 0x00
	ExternTypeTable  ExternType = 0x01
	ExternTypeMemory ExternType = 0x02
	ExternTypeGlobal ExternType = 0x03
)

// ExternTypeName returns the name of the WebAssembly Text Format field of the given type.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#imports⑤
func ExternTypeName(et ExternType) string {
	switch et {
	case ExternTypeFunc:
		return "func"
	case ExternTypeTable:
		return "table"
	case ExternTypeMemory:
		return "memory"
	case ExternTypeGlobal:
		return "global"
	}
	return fmt.Sprintf("%#x", et)
}

// ValueType describes a type used by function parameters, results, locals and globals. The set is closed: numeric
// types of WebAssembly 1.0 plus the two reference types.
//
// The following describes how to convert between Wasm and Golang types:
//   - ValueTypeI32 - uint64(uint32,int32), see EncodeI32
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 and DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 and DecodeF64 from float64
//   - ValueTypeExternref - ExternRef.Handle, see EncodeExternRef
//   - ValueTypeFuncref - function index plus one, zero being null. Use Instance.FuncRef to obtain a FuncRef.
//
// Ex. Given a Text Format type use (param f64) (result f64), conversion is necessary.
//
//	results, _ := fn.Call(ctx, api.EncodeF64(input))
//	result := api.DecodeF64(results[0])
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
	// ValueTypeFuncref is a reference to a function of the same instance.
	ValueTypeFuncref ValueType = 0x70
	// ValueTypeExternref is an opaque host handle. Guest code can store, pass and return it, but no instruction
	// inspects it.
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// IsReferenceType returns true for ValueTypeFuncref and ValueTypeExternref.
func IsReferenceType(t ValueType) bool {
	return t == ValueTypeFuncref || t == ValueTypeExternref
}

// ExternRef is an opaque handle owned by the host. The zero value is the null reference.
//
// The runtime never inspects the handle: a value passed into a guest and returned unmodified has the identical
// Handle.
type ExternRef struct {
	handle uint64
}

// NewExternRef wraps a host handle. Zero is reserved for the null reference.
func NewExternRef(handle uint64) ExternRef {
	return ExternRef{handle: handle}
}

// Handle returns the host handle.
func (r ExternRef) Handle() uint64 {
	return r.handle
}

// IsNull returns true if this is the null reference.
func (r ExternRef) IsNull() bool {
	return r.handle == 0
}

// String implements fmt.Stringer
func (r ExternRef) String() string {
	if r.IsNull() {
		return "externref(null)"
	}
	return fmt.Sprintf("externref(%#x)", r.handle)
}

// FuncRef identifies a function by the instance that owns it and its index in that instance's function index
// space. It is never a raw code address.
//
// The zero value is the null reference.
type FuncRef struct {
	Instance Instance
	Index    uint32
}

// IsNull returns true if this is the null reference.
func (r FuncRef) IsNull() bool {
	return r.Instance == nil
}

// String implements fmt.Stringer
func (r FuncRef) String() string {
	if r.IsNull() {
		return "funcref(null)"
	}
	return fmt.Sprintf("funcref(%s[%d])", r.Instance.Name(), r.Index)
}

// Value is a value tagged with its type, as passed to Function.Invoke.
//
// Bits holds numeric values and externref handles encoded the same way as Function.Call. Func holds the reference
// when Type is ValueTypeFuncref.
type Value struct {
	Type ValueType
	Bits uint64
	Func FuncRef
}

// ValueI32 returns a ValueTypeI32 value.
func ValueI32(v int32) Value { return Value{Type: ValueTypeI32, Bits: EncodeI32(v)} }

// ValueI64 returns a ValueTypeI64 value.
func ValueI64(v int64) Value { return Value{Type: ValueTypeI64, Bits: EncodeI64(v)} }

// ValueF32 returns a ValueTypeF32 value.
func ValueF32(v float32) Value { return Value{Type: ValueTypeF32, Bits: EncodeF32(v)} }

// ValueF64 returns a ValueTypeF64 value.
func ValueF64(v float64) Value { return Value{Type: ValueTypeF64, Bits: EncodeF64(v)} }

// ValueExternRef returns a ValueTypeExternref value.
func ValueExternRef(r ExternRef) Value {
	return Value{Type: ValueTypeExternref, Bits: EncodeExternRef(r)}
}

// ValueFuncRef returns a ValueTypeFuncref value.
func ValueFuncRef(r FuncRef) Value { return Value{Type: ValueTypeFuncref, Func: r} }

// I32 decodes Bits as a signed 32-bit integer.
func (v Value) I32() int32 { return int32(uint32(v.Bits)) }

// I64 decodes Bits as a signed 64-bit integer.
func (v Value) I64() int64 { return int64(v.Bits) }

// F32 decodes Bits as a float32.
func (v Value) F32() float32 { return DecodeF32(v.Bits) }

// F64 decodes Bits as a float64.
func (v Value) F64() float64 { return DecodeF64(v.Bits) }

// ExternRef decodes Bits as an ExternRef.
func (v Value) ExternRef() ExternRef { return DecodeExternRef(v.Bits) }

// String implements fmt.Stringer
func (v Value) String() string {
	switch v.Type {
	case ValueTypeI32:
		return fmt.Sprintf("i32(%d)", v.I32())
	case ValueTypeI64:
		return fmt.Sprintf("i64(%d)", v.I64())
	case ValueTypeF32:
		return fmt.Sprintf("f32(%v)", v.F32())
	case ValueTypeF64:
		return fmt.Sprintf("f64(%v)", v.F64())
	case ValueTypeExternref:
		return v.ExternRef().String()
	case ValueTypeFuncref:
		return v.Func.String()
	}
	return fmt.Sprintf("unknown(%#x)", v.Bits)
}

// Instance is a live activation of a compiled module: its memory, table, globals and functions.
//
// Instance is safe for concurrent use: exported functions and table slots can be invoked from any number of
// goroutines at the same time.
//
// Note: This is an interface for decoupling, not third-party implementations. Each execution backend is
// reached through the same implementation.
type Instance interface {
	fmt.Stringer

	// Name is the name this instance was created with.
	Name() string

	// Memory returns the memory defined in this module or nil if there is none.
	Memory() Memory

	// ExportedFunction returns a function exported from this module or nil if it wasn't.
	ExportedFunction(name string) Function

	// ExportedMemory returns a memory exported from this module or nil if it wasn't.
	ExportedMemory(name string) Memory

	// ExportedGlobal returns a global exported from this module or nil if it wasn't.
	ExportedGlobal(name string) Global

	// InvokeExport calls the exported function with params encoded according to its ParamTypes.
	InvokeExport(ctx context.Context, name string, params ...uint64) ([]uint64, error)

	// CallIndirect dispatches through the table slot, the same way a guest call_indirect does, except the
	// signature is taken from the target function.
	CallIndirect(ctx context.Context, slot uint32, params ...uint64) ([]uint64, error)

	// TableSlotTarget returns the function index held by the table slot.
	TableSlotTarget(slot uint32) (uint32, error)

	// Function returns the function the reference points at. ErrForeignFuncRef is returned when the reference
	// belongs to another instance.
	Function(ref FuncRef) (Function, error)

	// FuncRef returns a reference to the function at the index of this instance's function index space.
	FuncRef(index uint32) (FuncRef, error)

	// Poisoned returns true if a host function panicked during a call. A poisoned instance rejects calls with
	// ErrPoisonedInstance, but its memory stays readable until Close.
	Poisoned() bool

	// Closer releases the memory and table of this instance.
	Closer
}

// Closer closes a resource.
type Closer interface {
	// Close closes the resource.
	Close(context.Context) error
}

// Function is a function exported from, or referenced in, an instance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#syntax-func
type Function interface {
	// Name is the debug name of the function, or its index in the form "$3".
	Name() string

	// ParamTypes are the possibly empty sequence of value types accepted by a function with this signature.
	ParamTypes() []ValueType

	// ResultTypes are the possibly empty sequence of value types returned by a function with this signature.
	//
	// Note: there can be at most one result.
	ResultTypes() []ValueType

	// Call invokes the function with parameters encoded according to ParamTypes. Up to one result is returned,
	// encoded according to ResultTypes.
	//
	// A runtime fault is returned as a *TrapError, and the instance remains usable.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)

	// Invoke is like Call except values are tagged. A *ValueTypeError is returned when the tags don't match the
	// signature. Funcref values are translated to and from FuncRef.
	Invoke(ctx context.Context, params ...Value) ([]Value, error)
}

// Global is a global exported from an instance.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#globals%E2%91%A0
type Global interface {
	fmt.Stringer

	// Type describes the value type of the global.
	Type() ValueType

	// Get returns the last known value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime (variable).
type MutableGlobal interface {
	Global

	// Set updates the value of this global.
	Set(v uint64)
}

// Memory allows restricted access to an instance's memory.
//
// All multi-byte values are encoded little-endian. Every method is safe to call concurrently with memory.grow in
// guest code: offsets are checked against one consistent size.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#storage%E2%91%A0
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous memory
	// size in pages, or false if the delta was ignored as it exceeds max memory.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadUint8 reads a single byte at the offset or returns false if out of range.
	ReadUint8(offset uint32) (byte, bool)

	// ReadUint32Le reads a uint32 at the offset or returns false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// ReadUint64Le reads a uint64 at the offset or returns false if out of range.
	ReadUint64Le(offset uint32) (uint64, bool)

	// Read reads byteCount bytes at the offset or returns false if out of range.
	//
	// This returns a view of the underlying memory, not a copy. Memory is never relocated, so the view stays
	// valid until the instance is closed.
	Read(offset, byteCount uint32) ([]byte, bool)

	// ReadCString reads the NUL-terminated string starting at the offset, excluding the terminator. False is
	// returned if the offset is out of range or no terminator is found before the end of memory.
	ReadCString(offset uint32) (string, bool)

	// WriteUint8 writes a single byte at the offset or returns false if out of range.
	WriteUint8(offset uint32, v byte) bool

	// WriteUint32Le writes the value at the offset or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// WriteUint64Le writes the value at the offset or returns false if out of range.
	WriteUint64Le(offset uint32, v uint64) bool

	// Write writes the slice at the offset or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// Caller is the view a host function has of the instance that called it.
type Caller interface {
	// Instance is the calling instance.
	Instance() Instance

	// Memory is the memory of the calling instance, or nil if it has none.
	Memory() Memory
}

// GoFunction is the flat form of a host function. Params are read from the stack in signature order, and results
// are written back starting at index zero. The stack is at least as long as the larger of the two counts.
//
// The context carries the call depth of the guest, so calling back into an instance from here is subject to the
// same stack ceiling.
//
// Panicking with a *TrapError traps the calling guest. Any other panic poisons the calling instance.
type GoFunction func(ctx context.Context, caller Caller, stack []uint64)

// EncodeExternRef encodes the input as a ValueTypeExternref.
// See DecodeExternRef
func EncodeExternRef(input ExternRef) uint64 {
	return input.handle
}

// DecodeExternRef decodes the input as a ValueTypeExternref.
// See EncodeExternRef
func DecodeExternRef(input uint64) ExternRef {
	return ExternRef{handle: input}
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// DecodeI32 decodes the input as a ValueTypeI32.
func DecodeI32(input uint64) int32 {
	return int32(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See EncodeF32
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}
