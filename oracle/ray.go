package oracle

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// rayExp is the ray scale: NAV values carry 27 decimals, 1.0 = 10^27.
const rayExp = 27

// Ray is one ray, 10^27.
var Ray = new(big.Int).Exp(big.NewInt(10), big.NewInt(rayExp), nil)

// RayToDecimal converts a ray-scaled integer to its decimal value, e.g.
// 1.05e27 -> 1.05. Exact; no precision is lost.
func RayToDecimal(ray *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(ray, -rayExp)
}

// DecimalToRay converts a decimal NAV to ray units, truncating anything below
// the 27th decimal place.
func DecimalToRay(d decimal.Decimal) *big.Int {
	return d.Shift(rayExp).Truncate(0).BigInt()
}

// rayToFloat is for gauges and logs only; it is lossy for large values.
func rayToFloat(ray *big.Int) float64 {
	f, _ := RayToDecimal(ray).Float64()
	return f
}
