package api

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueTypeName(t *testing.T) {
	tests := []struct {
		name     string
		input    ValueType
		expected string
	}{
		{"i32", ValueTypeI32, "i32"},
		{"i64", ValueTypeI64, "i64"},
		{"f32", ValueTypeF32, "f32"},
		{"f64", ValueTypeF64, "f64"},
		{"funcref", ValueTypeFuncref, "funcref"},
		{"externref", ValueTypeExternref, "externref"},
		{"unknown", 100, "unknown"},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, ValueTypeName(tc.input))
		})
	}
}

func TestEncodeDecodeF32(t *testing.T) {
	for _, v := range []float32{
		0, 100, -100, 1, -1,
		100.01234124, -100.01234124, 200.12315,
		math.MaxFloat32,
		math.SmallestNonzeroFloat32,
		float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.NaN()),
	} {
		t.Run(fmt.Sprintf("%f", v), func(t *testing.T) {
			encoded := EncodeF32(v)
			binary := DecodeF32(encoded)
			if math.IsNaN(float64(binary)) { // NaN cannot be compared with themselves, so we have to use IsNaN
				require.True(t, math.IsNaN(float64(v)))
			} else {
				require.Equal(t, v, binary)
			}
		})
	}
}

func TestEncodeDecodeF64(t *testing.T) {
	for _, v := range []float64{
		0, 100, -100, 1, -1,
		100.01234124, -100.01234124, 200.12315,
		math.MaxFloat64,
		math.SmallestNonzeroFloat64,
		math.Inf(1), math.Inf(-1), math.NaN(),
	} {
		t.Run(fmt.Sprintf("%f", v), func(t *testing.T) {
			encoded := EncodeF64(v)
			binary := DecodeF64(encoded)
			if math.IsNaN(binary) { // cannot use require.Equal as NaN by definition doesn't equal itself
				require.True(t, math.IsNaN(v))
			} else {
				require.Equal(t, v, binary)
			}
		})
	}
}

func TestEncodeDecodeI32(t *testing.T) {
	for _, v := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32} {
		encoded := EncodeI32(v)
		require.Zero(t, encoded>>32, "upper bits must be clear")
		require.Equal(t, v, DecodeI32(encoded))
	}
}

func TestExternRef(t *testing.T) {
	require.True(t, ExternRef{}.IsNull())
	require.Equal(t, "externref(null)", ExternRef{}.String())

	ref := NewExternRef(0xdeadbeef)
	require.False(t, ref.IsNull())
	require.Equal(t, uint64(0xdeadbeef), ref.Handle())
	require.Equal(t, ref, DecodeExternRef(EncodeExternRef(ref)))
	require.Equal(t, "externref(0xdeadbeef)", ref.String())
}

func TestValue(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"i32", ValueI32(-3), "i32(-3)"},
		{"i64", ValueI64(math.MaxInt64), "i64(9223372036854775807)"},
		{"f32", ValueF32(1.5), "f32(1.5)"},
		{"f64", ValueF64(-2.25), "f64(-2.25)"},
		{"externref", ValueExternRef(NewExternRef(7)), "externref(0x7)"},
		{"null funcref", ValueFuncRef(FuncRef{}), "funcref(null)"},
	}

	for _, tt := range tests {
		tc := tt

		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, tc.input.String())
		})
	}

	require.Equal(t, int32(-3), ValueI32(-3).I32())
	require.Equal(t, uint64(0xfffffffd), ValueI32(-3).Bits)
}
