package moremath

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWasmCompatMin(t *testing.T) {
	require.Equal(t, -1.1, WasmCompatMin(-1.1, 123))
	require.Equal(t, -1.1, WasmCompatMin(-1.1, math.Inf(1)))
	require.Equal(t, math.Inf(-1), WasmCompatMin(math.Inf(-1), 123))
	require.True(t, math.Signbit(WasmCompatMin(0, math.Copysign(0, -1))))

	// NaN cannot be compared with themselves, so we have to use IsNaN
	require.True(t, math.IsNaN(WasmCompatMin(math.NaN(), 1.0)))
	require.True(t, math.IsNaN(WasmCompatMin(1.0, math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMin(math.Inf(-1), math.NaN())))
	require.True(t, math.IsNaN(WasmCompatMin(math.NaN(), math.NaN())))
}

func TestWasmCompatMax(t *testing.T) {
	require.Equal(t, 123.1, WasmCompatMax(-1.1, 123.1))
	require.Equal(t, math.Inf(1), WasmCompatMax(-1.1, math.Inf(1)))
	require.Equal(t, 123.1, WasmCompatMax(math.Inf(-1), 123.1))
	require.False(t, math.Signbit(WasmCompatMax(math.Copysign(0, -1), 0)))

	require.True(t, math.IsNaN(WasmCompatMax(math.NaN(), 1.0)))
	require.True(t, math.IsNaN(WasmCompatMax(math.Inf(1), math.NaN())))
}

func TestWasmCompatNearest(t *testing.T) {
	require.Equal(t, float32(-2.0), WasmCompatNearestF32(-1.5))
	// This is the diff from math.Round.
	require.Equal(t, float32(-4.0), WasmCompatNearestF32(-4.5))
	require.Equal(t, 4.0, WasmCompatNearestF64(4.5))
	require.Equal(t, 6.0, WasmCompatNearestF64(5.5))
	require.True(t, math.Signbit(WasmCompatNearestF64(-0.4)))
}
