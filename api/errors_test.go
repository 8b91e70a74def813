package api

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrapError_Is(t *testing.T) {
	err := &TrapError{Kind: TrapKindIntegerDivideByZero, Backtrace: []string{"div"}}

	require.True(t, errors.Is(err, ErrTrapDivideByZero))
	require.False(t, errors.Is(err, ErrTrapIntegerOverflow))

	wrapped := fmt.Errorf("calling div: %w", err)
	require.True(t, errors.Is(wrapped, ErrTrapDivideByZero))

	var trap *TrapError
	require.True(t, errors.As(wrapped, &trap))
	require.Equal(t, TrapKindIntegerDivideByZero, trap.Kind)
}

func TestTrapError_Error(t *testing.T) {
	require.Equal(t, "wasm trap: out of bounds memory access", ErrTrapMemoryOutOfBounds.Error())

	err := &TrapError{Kind: TrapKindUnreachable, Backtrace: []string{"inner", "outer"}}
	require.Equal(t, `wasm trap: unreachable
wasm backtrace:
	0: inner
	1: outer`, err.Error())
}

func TestTrapKind_String(t *testing.T) {
	require.Equal(t, "indirect call type mismatch", TrapKindIndirectCallTypeMismatch.String())
	require.Equal(t, "trap(200)", TrapKind(200).String())
}

func TestLinkError_Error(t *testing.T) {
	err := &LinkError{ImportIndex: 1, Namespace: "LoggingSystem", Symbol: "log", Reason: LinkErrorMissing}
	require.Equal(t, "import[1] LoggingSystem.log: not registered", err.Error())

	err = &LinkError{Namespace: "env", Symbol: "f", Reason: LinkErrorSignatureMismatch, Detail: "expected i32_v, but was i64_v"}
	require.Equal(t, "import[0] env.f: signature mismatch: expected i32_v, but was i64_v", err.Error())
}

func TestInstantiationError(t *testing.T) {
	err := &InstantiationError{Section: "start", Err: &TrapError{Kind: TrapKindUnreachable}}
	require.Equal(t, "instantiation failed: start[0]: wasm trap: unreachable", err.Error())
	require.True(t, errors.Is(err, ErrTrapUnreachable))

	err = &InstantiationError{Section: "data", Index: 2, Msg: "out of bounds memory access"}
	require.Equal(t, "instantiation failed: data[2]: out of bounds memory access", err.Error())
}

func TestValueTypeError_Error(t *testing.T) {
	err := &ValueTypeError{Function: "add", Index: -1, ExpectedCount: 2, ActualCount: 1}
	require.Equal(t, "add: expected 2 params, but passed 1", err.Error())

	err = &ValueTypeError{Function: "add", Index: 1, Expected: ValueTypeI32, Actual: ValueTypeExternref}
	require.Equal(t, "add: param[1] expected i32, but was externref", err.Error())
}

func TestHostFunctionError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &HostFunctionError{Function: "env.f", Recovered: cause}
	require.Equal(t, "host function env.f panicked: boom", err.Error())
	require.True(t, errors.Is(err, cause))

	err = &HostFunctionError{Function: "env.f", Recovered: "string"}
	require.Nil(t, err.Unwrap())

	err = &HostFunctionError{Function: "env.f", Err: cause}
	require.Equal(t, "host function env.f failed: boom", err.Error())
	require.ErrorIs(t, err, cause)
}
