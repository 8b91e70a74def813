package api

import (
	"errors"
	"fmt"
	"strings"
)

// TrapKind enumerates the runtime faults guest code can raise.
type TrapKind uint8

const (
	// TrapKindUnreachable is raised by the unreachable instruction.
	TrapKindUnreachable TrapKind = iota + 1
	// TrapKindIntegerDivideByZero is raised by integer division or remainder by zero.
	TrapKindIntegerDivideByZero
	// TrapKindIntegerOverflow is raised by signed division of the minimum value by -1, and by truncation of a
	// float out of the target integer range.
	TrapKindIntegerOverflow
	// TrapKindInvalidConversionToInteger is raised by truncation of NaN to an integer.
	TrapKindInvalidConversionToInteger
	// TrapKindMemoryOutOfBounds is raised when an access would read or write past the current memory size.
	TrapKindMemoryOutOfBounds
	// TrapKindTableOutOfBounds is raised when a table index is not below the table length.
	TrapKindTableOutOfBounds
	// TrapKindUninitializedElement is raised when an indirect call names a table slot no element segment filled.
	TrapKindUninitializedElement
	// TrapKindIndirectCallTypeMismatch is raised when the function in a table slot doesn't have the signature
	// the call site expects.
	TrapKindIndirectCallTypeMismatch
	// TrapKindStackOverflow is raised when the guest call depth exceeds the configured ceiling.
	TrapKindStackOverflow
)

var trapKindNames = [...]string{
	TrapKindUnreachable:                "unreachable",
	TrapKindIntegerDivideByZero:        "integer divide by zero",
	TrapKindIntegerOverflow:            "integer overflow",
	TrapKindInvalidConversionToInteger: "invalid conversion to integer",
	TrapKindMemoryOutOfBounds:          "out of bounds memory access",
	TrapKindTableOutOfBounds:           "table index out of bounds",
	TrapKindUninitializedElement:       "uninitialized element",
	TrapKindIndirectCallTypeMismatch:   "indirect call type mismatch",
	TrapKindStackOverflow:              "call stack exhausted",
}

// String implements fmt.Stringer
func (k TrapKind) String() string {
	if int(k) < len(trapKindNames) && trapKindNames[k] != "" {
		return trapKindNames[k]
	}
	return fmt.Sprintf("trap(%d)", uint8(k))
}

// TrapError is a runtime fault in guest code. It is returned from the call that started guest execution; the
// instance stays usable.
//
// TrapError matches any other TrapError of the same Kind with errors.Is:
//
//	if errors.Is(err, api.ErrTrapDivideByZero) { ... }
type TrapError struct {
	Kind TrapKind
	// Backtrace are the names of the guest functions active when the trap was raised, innermost first.
	Backtrace []string
}

// Error implements error
func (e *TrapError) Error() string {
	if len(e.Backtrace) == 0 {
		return "wasm trap: " + e.Kind.String()
	}
	var b strings.Builder
	b.WriteString("wasm trap: ")
	b.WriteString(e.Kind.String())
	b.WriteString("\nwasm backtrace:")
	for i, name := range e.Backtrace {
		fmt.Fprintf(&b, "\n\t%d: %s", i, name)
	}
	return b.String()
}

// Is allows errors.Is to match by Kind.
func (e *TrapError) Is(target error) bool {
	t, ok := target.(*TrapError)
	return ok && t.Kind == e.Kind
}

// Sentinel values for errors.Is. Never panic with or mutate these.
var (
	ErrTrapUnreachable                = &TrapError{Kind: TrapKindUnreachable}
	ErrTrapDivideByZero               = &TrapError{Kind: TrapKindIntegerDivideByZero}
	ErrTrapIntegerOverflow            = &TrapError{Kind: TrapKindIntegerOverflow}
	ErrTrapInvalidConversionToInteger = &TrapError{Kind: TrapKindInvalidConversionToInteger}
	ErrTrapMemoryOutOfBounds          = &TrapError{Kind: TrapKindMemoryOutOfBounds}
	ErrTrapTableOutOfBounds           = &TrapError{Kind: TrapKindTableOutOfBounds}
	ErrTrapUninitializedElement       = &TrapError{Kind: TrapKindUninitializedElement}
	ErrTrapIndirectCallTypeMismatch   = &TrapError{Kind: TrapKindIndirectCallTypeMismatch}
	ErrTrapStackOverflow              = &TrapError{Kind: TrapKindStackOverflow}
)

var (
	// ErrPoisonedInstance is returned by calls on an instance a host function panicked in.
	ErrPoisonedInstance = errors.New("instance is poisoned")
	// ErrInstanceClosed is returned by calls on a closed instance.
	ErrInstanceClosed = errors.New("instance is closed")
	// ErrForeignFuncRef is returned when a FuncRef of one instance is handed to another.
	ErrForeignFuncRef = errors.New("funcref belongs to another instance")
)

// LinkErrorReason says why an import could not be bound.
type LinkErrorReason uint8

const (
	// LinkErrorMissing means nothing is registered under the namespace and symbol.
	LinkErrorMissing LinkErrorReason = iota + 1
	// LinkErrorKindMismatch means a binding exists, but of another kind, e.g. a global for a function import.
	LinkErrorKindMismatch
	// LinkErrorSignatureMismatch means a function binding has a different signature than the import.
	LinkErrorSignatureMismatch
	// LinkErrorGlobalTypeMismatch means a global binding has a different value type or mutability.
	LinkErrorGlobalTypeMismatch
	// LinkErrorUnsupportedKind means the import kind can't be provided by a host, e.g. a memory.
	LinkErrorUnsupportedKind
)

// String implements fmt.Stringer
func (r LinkErrorReason) String() string {
	switch r {
	case LinkErrorMissing:
		return "not registered"
	case LinkErrorKindMismatch:
		return "kind mismatch"
	case LinkErrorSignatureMismatch:
		return "signature mismatch"
	case LinkErrorGlobalTypeMismatch:
		return "global type mismatch"
	case LinkErrorUnsupportedKind:
		return "unsupported import kind"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// LinkError names the first import that could not be bound. No code runs when linking fails.
type LinkError struct {
	// ImportIndex is the position of the import in the import section.
	ImportIndex uint32
	Namespace   string
	Symbol      string
	Reason      LinkErrorReason
	// Detail optionally describes the mismatch, e.g. "expected i32_v, but was i64_v".
	Detail string
}

// Error implements error
func (e *LinkError) Error() string {
	msg := fmt.Sprintf("import[%d] %s.%s: %s", e.ImportIndex, e.Namespace, e.Symbol, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// InstantiationError is returned when an instance could not be set up. Nothing of the instance is observable
// when this is returned.
type InstantiationError struct {
	// Section is the part of setup that failed, e.g. "data", "element", "memory" or "start".
	Section string
	// Index is the segment index within Section, when relevant.
	Index uint32
	Msg   string
	// Err is the cause, e.g. a *TrapError raised by the start function.
	Err error
}

// Error implements error
func (e *InstantiationError) Error() string {
	msg := fmt.Sprintf("instantiation failed: %s[%d]", e.Section, e.Index)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause, if any.
func (e *InstantiationError) Unwrap() error {
	return e.Err
}

// ValueTypeError is returned by Function.Invoke when the tagged values don't match the signature.
type ValueTypeError struct {
	Function string
	// Index is the position of the offending param, or -1 when the count is wrong.
	Index    int
	Expected ValueType
	Actual   ValueType
	// ExpectedCount and ActualCount are set when Index is -1.
	ExpectedCount, ActualCount int
}

// Error implements error
func (e *ValueTypeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: expected %d params, but passed %d", e.Function, e.ExpectedCount, e.ActualCount)
	}
	return fmt.Sprintf("%s: param[%d] expected %s, but was %s",
		e.Function, e.Index, ValueTypeName(e.Expected), ValueTypeName(e.Actual))
}

// HostFunctionError is returned when a host function failed without trapping. A returned error only fails the call,
// while a panic also poisons the calling instance.
type HostFunctionError struct {
	// Function is the namespace and symbol of the host function, joined by a dot.
	Function string
	// Err is the error the host function returned, or nil if it panicked.
	Err error
	// Recovered is the value the host function panicked with.
	Recovered interface{}
}

// Error implements error
func (e *HostFunctionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("host function %s failed: %v", e.Function, e.Err)
	}
	return fmt.Sprintf("host function %s panicked: %v", e.Function, e.Recovered)
}

// Unwrap returns the returned error, or the recovered value if it is an error.
func (e *HostFunctionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if err, ok := e.Recovered.(error); ok {
		return err
	}
	return nil
}
