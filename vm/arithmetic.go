package vm

import "math"

// ---------------------------------------------------------------------------
// Numeric arithmetic
// ---------------------------------------------------------------------------

// Integer results stay integers while they fit the 48-bit safe range;
// anything else promotes to double. Division always promotes.

// AddNumeric adds two numeric values.
func AddNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromNumber(left.Int() + right.Int())
	}
	return FromFloat(left.Number() + right.Number())
}

// SubNumeric subtracts right from left.
func SubNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromNumber(left.Int() - right.Int())
	}
	return FromFloat(left.Number() - right.Number())
}

// MulNumeric multiplies two numeric values.
func MulNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromNumber(left.Int() * right.Int())
	}
	return FromFloat(left.Number() * right.Number())
}

// DivNumeric divides left by right. Division always promotes to double,
// so x / 0 yields an infinity or NaN per IEEE rules.
func DivNumeric(left, right Value) Value {
	return FromFloat(left.Number() / right.Number())
}

// ModNumeric computes the remainder. Integer % integer uses truncated
// integer remainder with n % 0 = NaN; mixed operands use fmod.
func ModNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		r := right.Int()
		if r == 0 {
			return NaN
		}
		return FromNumber(left.Int() % r)
	}
	return FromFloat(math.Mod(left.Number(), right.Number()))
}

// PowNumeric raises left to the power right.
func PowNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		r := math.Pow(float64(left.Int()), float64(right.Int()))
		if r == math.Trunc(r) && r > float64(MinInt) && r < float64(MaxInt) {
			return FromInt(int64(r))
		}
		return FromFloat(r)
	}
	return FromFloat(math.Pow(left.Number(), right.Number()))
}

// ---------------------------------------------------------------------------
// Comparisons
// ---------------------------------------------------------------------------

// Mixed numeric operands promote to double; NaN compares unordered and
// unequal per IEEE rules.

// LtNumeric compares left < right.
func LtNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() < right.Int())
	}
	return FromBool(left.Number() < right.Number())
}

// GtNumeric compares left > right.
func GtNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() > right.Int())
	}
	return FromBool(left.Number() > right.Number())
}

// LeNumeric compares left <= right.
func LeNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() <= right.Int())
	}
	return FromBool(left.Number() <= right.Number())
}

// GeNumeric compares left >= right.
func GeNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() >= right.Int())
	}
	return FromBool(left.Number() >= right.Number())
}

// EqNumeric compares two numeric values for equality. Signed zeros
// compare equal; NaN never equals anything, itself included.
func EqNumeric(left, right Value) Value {
	if left.IsInt() && right.IsInt() {
		return FromBool(left.Int() == right.Int())
	}
	return FromBool(left.Number() == right.Number())
}

// NeqNumeric is the negation of EqNumeric.
func NeqNumeric(left, right Value) Value {
	if EqNumeric(left, right) == True {
		return False
	}
	return True
}

// ---------------------------------------------------------------------------
// Bitwise operations
// ---------------------------------------------------------------------------

// Both operands are cast to 32-bit integers. Negative shift counts are
// clamped to zero.

func toInt32(v Value) int32 {
	return int32(v.NumberInt())
}

func clampShift(amount int32) uint {
	if amount < 0 {
		return 0
	}
	return uint(amount) & 31
}

// ShlNumeric shifts left.
func ShlNumeric(left, right Value) Value {
	return FromNumber(int64(toInt32(left) << clampShift(toInt32(right))))
}

// ShrNumeric shifts right (arithmetic).
func ShrNumeric(left, right Value) Value {
	return FromNumber(int64(toInt32(left) >> clampShift(toInt32(right))))
}

// BAndNumeric computes bitwise and.
func BAndNumeric(left, right Value) Value {
	return FromNumber(int64(toInt32(left) & toInt32(right)))
}

// BOrNumeric computes bitwise or.
func BOrNumeric(left, right Value) Value {
	return FromNumber(int64(toInt32(left) | toInt32(right)))
}

// BXorNumeric computes bitwise xor.
func BXorNumeric(left, right Value) Value {
	return FromNumber(int64(toInt32(left) ^ toInt32(right)))
}

// ---------------------------------------------------------------------------
// Unary operations
// ---------------------------------------------------------------------------

// UAddNumeric is the identity on numbers.
func UAddNumeric(v Value) Value { return v }

// USubNumeric negates a number.
func USubNumeric(v Value) Value {
	if v.IsInt() {
		return FromNumber(-v.Int())
	}
	return FromFloat(-v.Number())
}

// UNot computes logical negation from truthiness.
func UNot(v Value) Value {
	return FromBool(!v.Truthyness())
}

// UBNotNumeric computes bitwise complement on the 32-bit cast.
func UBNotNumeric(v Value) Value {
	return FromNumber(int64(^toInt32(v)))
}
