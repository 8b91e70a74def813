package fabricir

import (
	"math"
	"math/bits"

	"github.com/fabricwasm/fabric/api"
	"github.com/fabricwasm/fabric/internal/moremath"
	"github.com/fabricwasm/fabric/wasm"
)

// Trap panics with a new *api.TrapError of the kind. Engines recover it at the outermost call into the guest.
func Trap(kind api.TrapKind) {
	panic(&api.TrapError{Kind: kind})
}

// UnaryOps are the semantics of numeric instructions with one operand, and ref.is_null, indexed by opcode. Values
// are encoded as in api.EncodeI32 etc.: an i32 occupies the low 32 bits with the high bits zero.
var UnaryOps [256]func(v uint64) uint64

// BinaryOps are the semantics of numeric instructions with two operands, indexed by opcode.
var BinaryOps [256]func(a, b uint64) uint64

const (
	f32SignBit = uint64(1) << 31
	f64SignBit = uint64(1) << 63
)

func f32(v uint64) float32 { return math.Float32frombits(uint32(v)) }

func f64(v uint64) float64 { return math.Float64frombits(v) }

func fromF32(f float32) uint64 { return uint64(math.Float32bits(f)) }

func fromF64(f float64) uint64 { return math.Float64bits(f) }

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// truncCheck returns the float truncated toward zero, trapping unless it is within [min, max).
func truncCheck(f, min, max float64) float64 {
	if math.IsNaN(f) {
		Trap(api.TrapKindInvalidConversionToInteger)
	}
	t := math.Trunc(f)
	if t < min || t >= max {
		Trap(api.TrapKindIntegerOverflow)
	}
	return t
}

func truncI32S(f float64) uint64 {
	return uint64(uint32(int32(truncCheck(f, math.MinInt32, -math.MinInt32))))
}

func truncI32U(f float64) uint64 {
	return uint64(uint32(truncCheck(f, 0, 1<<32)))
}

func truncI64S(f float64) uint64 {
	return uint64(int64(truncCheck(f, math.MinInt64, -math.MinInt64)))
}

func truncI64U(f float64) uint64 {
	return uint64(truncCheck(f, 0, 1<<64))
}

func init() {
	initUnaryOps()
	initBinaryOps()
}

func initUnaryOps() {
	u := &UnaryOps

	u[wasm.OpcodeI32Eqz] = func(v uint64) uint64 { return b2u(uint32(v) == 0) }
	u[wasm.OpcodeI64Eqz] = func(v uint64) uint64 { return b2u(v == 0) }
	u[wasm.OpcodeRefIsNull] = func(v uint64) uint64 { return b2u(v == 0) }

	u[wasm.OpcodeI32Clz] = func(v uint64) uint64 { return uint64(bits.LeadingZeros32(uint32(v))) }
	u[wasm.OpcodeI32Ctz] = func(v uint64) uint64 { return uint64(bits.TrailingZeros32(uint32(v))) }
	u[wasm.OpcodeI32Popcnt] = func(v uint64) uint64 { return uint64(bits.OnesCount32(uint32(v))) }
	u[wasm.OpcodeI64Clz] = func(v uint64) uint64 { return uint64(bits.LeadingZeros64(v)) }
	u[wasm.OpcodeI64Ctz] = func(v uint64) uint64 { return uint64(bits.TrailingZeros64(v)) }
	u[wasm.OpcodeI64Popcnt] = func(v uint64) uint64 { return uint64(bits.OnesCount64(v)) }

	// abs, neg and copysign only touch the sign bit, so NaN payloads are preserved.
	u[wasm.OpcodeF32Abs] = func(v uint64) uint64 { return v &^ f32SignBit }
	u[wasm.OpcodeF32Neg] = func(v uint64) uint64 { return v ^ f32SignBit }
	u[wasm.OpcodeF32Ceil] = func(v uint64) uint64 { return fromF32(float32(math.Ceil(float64(f32(v))))) }
	u[wasm.OpcodeF32Floor] = func(v uint64) uint64 { return fromF32(float32(math.Floor(float64(f32(v))))) }
	u[wasm.OpcodeF32Trunc] = func(v uint64) uint64 { return fromF32(float32(math.Trunc(float64(f32(v))))) }
	u[wasm.OpcodeF32Nearest] = func(v uint64) uint64 { return fromF32(moremath.WasmCompatNearestF32(f32(v))) }
	u[wasm.OpcodeF32Sqrt] = func(v uint64) uint64 { return fromF32(float32(math.Sqrt(float64(f32(v))))) }
	u[wasm.OpcodeF64Abs] = func(v uint64) uint64 { return v &^ f64SignBit }
	u[wasm.OpcodeF64Neg] = func(v uint64) uint64 { return v ^ f64SignBit }
	u[wasm.OpcodeF64Ceil] = func(v uint64) uint64 { return fromF64(math.Ceil(f64(v))) }
	u[wasm.OpcodeF64Floor] = func(v uint64) uint64 { return fromF64(math.Floor(f64(v))) }
	u[wasm.OpcodeF64Trunc] = func(v uint64) uint64 { return fromF64(math.Trunc(f64(v))) }
	u[wasm.OpcodeF64Nearest] = func(v uint64) uint64 { return fromF64(moremath.WasmCompatNearestF64(f64(v))) }
	u[wasm.OpcodeF64Sqrt] = func(v uint64) uint64 { return fromF64(math.Sqrt(f64(v))) }

	u[wasm.OpcodeI32WrapI64] = func(v uint64) uint64 { return uint64(uint32(v)) }
	u[wasm.OpcodeI32TruncF32S] = func(v uint64) uint64 { return truncI32S(float64(f32(v))) }
	u[wasm.OpcodeI32TruncF32U] = func(v uint64) uint64 { return truncI32U(float64(f32(v))) }
	u[wasm.OpcodeI32TruncF64S] = func(v uint64) uint64 { return truncI32S(f64(v)) }
	u[wasm.OpcodeI32TruncF64U] = func(v uint64) uint64 { return truncI32U(f64(v)) }
	u[wasm.OpcodeI64ExtendI32S] = func(v uint64) uint64 { return uint64(int64(int32(v))) }
	u[wasm.OpcodeI64ExtendI32U] = func(v uint64) uint64 { return uint64(uint32(v)) }
	u[wasm.OpcodeI64TruncF32S] = func(v uint64) uint64 { return truncI64S(float64(f32(v))) }
	u[wasm.OpcodeI64TruncF32U] = func(v uint64) uint64 { return truncI64U(float64(f32(v))) }
	u[wasm.OpcodeI64TruncF64S] = func(v uint64) uint64 { return truncI64S(f64(v)) }
	u[wasm.OpcodeI64TruncF64U] = func(v uint64) uint64 { return truncI64U(f64(v)) }
	u[wasm.OpcodeF32ConvertI32S] = func(v uint64) uint64 { return fromF32(float32(int32(v))) }
	u[wasm.OpcodeF32ConvertI32U] = func(v uint64) uint64 { return fromF32(float32(uint32(v))) }
	u[wasm.OpcodeF32ConvertI64S] = func(v uint64) uint64 { return fromF32(float32(int64(v))) }
	u[wasm.OpcodeF32ConvertI64U] = func(v uint64) uint64 { return fromF32(float32(v)) }
	u[wasm.OpcodeF32DemoteF64] = func(v uint64) uint64 { return fromF32(float32(f64(v))) }
	u[wasm.OpcodeF64ConvertI32S] = func(v uint64) uint64 { return fromF64(float64(int32(v))) }
	u[wasm.OpcodeF64ConvertI32U] = func(v uint64) uint64 { return fromF64(float64(uint32(v))) }
	u[wasm.OpcodeF64ConvertI64S] = func(v uint64) uint64 { return fromF64(float64(int64(v))) }
	u[wasm.OpcodeF64ConvertI64U] = func(v uint64) uint64 { return fromF64(float64(v)) }
	u[wasm.OpcodeF64PromoteF32] = func(v uint64) uint64 { return fromF64(float64(f32(v))) }

	// Values are already held as bits.
	identity32 := func(v uint64) uint64 { return uint64(uint32(v)) }
	identity64 := func(v uint64) uint64 { return v }
	u[wasm.OpcodeI32ReinterpretF32] = identity32
	u[wasm.OpcodeF32ReinterpretI32] = identity32
	u[wasm.OpcodeI64ReinterpretF64] = identity64
	u[wasm.OpcodeF64ReinterpretI64] = identity64

	u[wasm.OpcodeI32Extend8S] = func(v uint64) uint64 { return uint64(uint32(int32(int8(v)))) }
	u[wasm.OpcodeI32Extend16S] = func(v uint64) uint64 { return uint64(uint32(int32(int16(v)))) }
	u[wasm.OpcodeI64Extend8S] = func(v uint64) uint64 { return uint64(int64(int8(v))) }
	u[wasm.OpcodeI64Extend16S] = func(v uint64) uint64 { return uint64(int64(int16(v))) }
	u[wasm.OpcodeI64Extend32S] = func(v uint64) uint64 { return uint64(int64(int32(v))) }
}

func initBinaryOps() {
	b := &BinaryOps

	b[wasm.OpcodeI32Eq] = func(x, y uint64) uint64 { return b2u(uint32(x) == uint32(y)) }
	b[wasm.OpcodeI32Ne] = func(x, y uint64) uint64 { return b2u(uint32(x) != uint32(y)) }
	b[wasm.OpcodeI32LtS] = func(x, y uint64) uint64 { return b2u(int32(x) < int32(y)) }
	b[wasm.OpcodeI32LtU] = func(x, y uint64) uint64 { return b2u(uint32(x) < uint32(y)) }
	b[wasm.OpcodeI32GtS] = func(x, y uint64) uint64 { return b2u(int32(x) > int32(y)) }
	b[wasm.OpcodeI32GtU] = func(x, y uint64) uint64 { return b2u(uint32(x) > uint32(y)) }
	b[wasm.OpcodeI32LeS] = func(x, y uint64) uint64 { return b2u(int32(x) <= int32(y)) }
	b[wasm.OpcodeI32LeU] = func(x, y uint64) uint64 { return b2u(uint32(x) <= uint32(y)) }
	b[wasm.OpcodeI32GeS] = func(x, y uint64) uint64 { return b2u(int32(x) >= int32(y)) }
	b[wasm.OpcodeI32GeU] = func(x, y uint64) uint64 { return b2u(uint32(x) >= uint32(y)) }

	b[wasm.OpcodeI64Eq] = func(x, y uint64) uint64 { return b2u(x == y) }
	b[wasm.OpcodeI64Ne] = func(x, y uint64) uint64 { return b2u(x != y) }
	b[wasm.OpcodeI64LtS] = func(x, y uint64) uint64 { return b2u(int64(x) < int64(y)) }
	b[wasm.OpcodeI64LtU] = func(x, y uint64) uint64 { return b2u(x < y) }
	b[wasm.OpcodeI64GtS] = func(x, y uint64) uint64 { return b2u(int64(x) > int64(y)) }
	b[wasm.OpcodeI64GtU] = func(x, y uint64) uint64 { return b2u(x > y) }
	b[wasm.OpcodeI64LeS] = func(x, y uint64) uint64 { return b2u(int64(x) <= int64(y)) }
	b[wasm.OpcodeI64LeU] = func(x, y uint64) uint64 { return b2u(x <= y) }
	b[wasm.OpcodeI64GeS] = func(x, y uint64) uint64 { return b2u(int64(x) >= int64(y)) }
	b[wasm.OpcodeI64GeU] = func(x, y uint64) uint64 { return b2u(x >= y) }

	b[wasm.OpcodeF32Eq] = func(x, y uint64) uint64 { return b2u(f32(x) == f32(y)) }
	b[wasm.OpcodeF32Ne] = func(x, y uint64) uint64 { return b2u(f32(x) != f32(y)) }
	b[wasm.OpcodeF32Lt] = func(x, y uint64) uint64 { return b2u(f32(x) < f32(y)) }
	b[wasm.OpcodeF32Gt] = func(x, y uint64) uint64 { return b2u(f32(x) > f32(y)) }
	b[wasm.OpcodeF32Le] = func(x, y uint64) uint64 { return b2u(f32(x) <= f32(y)) }
	b[wasm.OpcodeF32Ge] = func(x, y uint64) uint64 { return b2u(f32(x) >= f32(y)) }
	b[wasm.OpcodeF64Eq] = func(x, y uint64) uint64 { return b2u(f64(x) == f64(y)) }
	b[wasm.OpcodeF64Ne] = func(x, y uint64) uint64 { return b2u(f64(x) != f64(y)) }
	b[wasm.OpcodeF64Lt] = func(x, y uint64) uint64 { return b2u(f64(x) < f64(y)) }
	b[wasm.OpcodeF64Gt] = func(x, y uint64) uint64 { return b2u(f64(x) > f64(y)) }
	b[wasm.OpcodeF64Le] = func(x, y uint64) uint64 { return b2u(f64(x) <= f64(y)) }
	b[wasm.OpcodeF64Ge] = func(x, y uint64) uint64 { return b2u(f64(x) >= f64(y)) }

	b[wasm.OpcodeI32Add] = func(x, y uint64) uint64 { return uint64(uint32(x) + uint32(y)) }
	b[wasm.OpcodeI32Sub] = func(x, y uint64) uint64 { return uint64(uint32(x) - uint32(y)) }
	b[wasm.OpcodeI32Mul] = func(x, y uint64) uint64 { return uint64(uint32(x) * uint32(y)) }
	b[wasm.OpcodeI32DivS] = func(x, y uint64) uint64 {
		dividend, divisor := int32(x), int32(y)
		if divisor == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		} else if divisor == -1 && dividend == math.MinInt32 {
			Trap(api.TrapKindIntegerOverflow)
		}
		return uint64(uint32(dividend / divisor))
	}
	b[wasm.OpcodeI32DivU] = func(x, y uint64) uint64 {
		if uint32(y) == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		}
		return uint64(uint32(x) / uint32(y))
	}
	b[wasm.OpcodeI32RemS] = func(x, y uint64) uint64 {
		dividend, divisor := int32(x), int32(y)
		if divisor == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		} else if divisor == -1 {
			// The remainder of MinInt32 / -1 is defined to be zero.
			return 0
		}
		return uint64(uint32(dividend % divisor))
	}
	b[wasm.OpcodeI32RemU] = func(x, y uint64) uint64 {
		if uint32(y) == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		}
		return uint64(uint32(x) % uint32(y))
	}
	b[wasm.OpcodeI32And] = func(x, y uint64) uint64 { return uint64(uint32(x) & uint32(y)) }
	b[wasm.OpcodeI32Or] = func(x, y uint64) uint64 { return uint64(uint32(x) | uint32(y)) }
	b[wasm.OpcodeI32Xor] = func(x, y uint64) uint64 { return uint64(uint32(x) ^ uint32(y)) }
	b[wasm.OpcodeI32Shl] = func(x, y uint64) uint64 { return uint64(uint32(x) << (uint32(y) % 32)) }
	b[wasm.OpcodeI32ShrS] = func(x, y uint64) uint64 { return uint64(uint32(int32(x) >> (uint32(y) % 32))) }
	b[wasm.OpcodeI32ShrU] = func(x, y uint64) uint64 { return uint64(uint32(x) >> (uint32(y) % 32)) }
	b[wasm.OpcodeI32Rotl] = func(x, y uint64) uint64 { return uint64(bits.RotateLeft32(uint32(x), int(uint32(y)%32))) }
	b[wasm.OpcodeI32Rotr] = func(x, y uint64) uint64 { return uint64(bits.RotateLeft32(uint32(x), -int(uint32(y)%32))) }

	b[wasm.OpcodeI64Add] = func(x, y uint64) uint64 { return x + y }
	b[wasm.OpcodeI64Sub] = func(x, y uint64) uint64 { return x - y }
	b[wasm.OpcodeI64Mul] = func(x, y uint64) uint64 { return x * y }
	b[wasm.OpcodeI64DivS] = func(x, y uint64) uint64 {
		dividend, divisor := int64(x), int64(y)
		if divisor == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		} else if divisor == -1 && dividend == math.MinInt64 {
			Trap(api.TrapKindIntegerOverflow)
		}
		return uint64(dividend / divisor)
	}
	b[wasm.OpcodeI64DivU] = func(x, y uint64) uint64 {
		if y == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		}
		return x / y
	}
	b[wasm.OpcodeI64RemS] = func(x, y uint64) uint64 {
		dividend, divisor := int64(x), int64(y)
		if divisor == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		} else if divisor == -1 {
			return 0
		}
		return uint64(dividend % divisor)
	}
	b[wasm.OpcodeI64RemU] = func(x, y uint64) uint64 {
		if y == 0 {
			Trap(api.TrapKindIntegerDivideByZero)
		}
		return x % y
	}
	b[wasm.OpcodeI64And] = func(x, y uint64) uint64 { return x & y }
	b[wasm.OpcodeI64Or] = func(x, y uint64) uint64 { return x | y }
	b[wasm.OpcodeI64Xor] = func(x, y uint64) uint64 { return x ^ y }
	b[wasm.OpcodeI64Shl] = func(x, y uint64) uint64 { return x << (y % 64) }
	b[wasm.OpcodeI64ShrS] = func(x, y uint64) uint64 { return uint64(int64(x) >> (y % 64)) }
	b[wasm.OpcodeI64ShrU] = func(x, y uint64) uint64 { return x >> (y % 64) }
	b[wasm.OpcodeI64Rotl] = func(x, y uint64) uint64 { return bits.RotateLeft64(x, int(y%64)) }
	b[wasm.OpcodeI64Rotr] = func(x, y uint64) uint64 { return bits.RotateLeft64(x, -int(y%64)) }

	b[wasm.OpcodeF32Add] = func(x, y uint64) uint64 { return fromF32(f32(x) + f32(y)) }
	b[wasm.OpcodeF32Sub] = func(x, y uint64) uint64 { return fromF32(f32(x) - f32(y)) }
	b[wasm.OpcodeF32Mul] = func(x, y uint64) uint64 { return fromF32(f32(x) * f32(y)) }
	b[wasm.OpcodeF32Div] = func(x, y uint64) uint64 { return fromF32(f32(x) / f32(y)) }
	b[wasm.OpcodeF32Min] = func(x, y uint64) uint64 {
		return fromF32(float32(moremath.WasmCompatMin(float64(f32(x)), float64(f32(y)))))
	}
	b[wasm.OpcodeF32Max] = func(x, y uint64) uint64 {
		return fromF32(float32(moremath.WasmCompatMax(float64(f32(x)), float64(f32(y)))))
	}
	b[wasm.OpcodeF32Copysign] = func(x, y uint64) uint64 { return (x &^ f32SignBit) | (y & f32SignBit) }

	b[wasm.OpcodeF64Add] = func(x, y uint64) uint64 { return fromF64(f64(x) + f64(y)) }
	b[wasm.OpcodeF64Sub] = func(x, y uint64) uint64 { return fromF64(f64(x) - f64(y)) }
	b[wasm.OpcodeF64Mul] = func(x, y uint64) uint64 { return fromF64(f64(x) * f64(y)) }
	b[wasm.OpcodeF64Div] = func(x, y uint64) uint64 { return fromF64(f64(x) / f64(y)) }
	b[wasm.OpcodeF64Min] = func(x, y uint64) uint64 { return fromF64(moremath.WasmCompatMin(f64(x), f64(y))) }
	b[wasm.OpcodeF64Max] = func(x, y uint64) uint64 { return fromF64(moremath.WasmCompatMax(f64(x), f64(y))) }
	b[wasm.OpcodeF64Copysign] = func(x, y uint64) uint64 { return (x &^ f64SignBit) | (y & f64SignBit) }
}
