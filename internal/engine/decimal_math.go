package engine

import (
	"math"

	"github.com/shopspring/decimal"
)

var decimalZero = decimal.Zero

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimalZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalCompare(a, b float64) int {
	return decFromFloat(a).Cmp(decFromFloat(b))
}

func decimalGTE(a, b float64) bool { return decimalCompare(a, b) >= 0 }
func decimalLTE(a, b float64) bool { return decimalCompare(a, b) <= 0 }

// priceDistance 返回 |a-b|，用 decimal 计算避免二进制小数误差。
func priceDistance(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Sub(decFromFloat(b)).Abs())
}

// priceDiff 返回有符号的 a-b（decimal 精度）。
func priceDiff(a, b float64) float64 {
	return decToFloat(decFromFloat(a).Sub(decFromFloat(b)))
}

// pointsToPrice 把 point 数换算成绝对价差。
func pointsToPrice(points, point float64) float64 {
	return decToFloat(decFromFloat(points).Mul(decFromFloat(point)))
}

// shiftPrice 返回 price + dir*distance（decimal 精度）。
func shiftPrice(price float64, dir int, distance float64) float64 {
	d := decFromFloat(distance)
	if dir < 0 {
		d = d.Neg()
	}
	return decToFloat(decFromFloat(price).Add(d))
}

// floorToStep 将手数向下取整到 step 的整数倍；step 非正时原样返回。
func floorToStep(lots, step float64) float64 {
	if step <= 0 {
		return lots
	}
	stepDec := decFromFloat(step)
	units := decFromFloat(lots).Div(stepDec).Floor()
	return decToFloat(units.Mul(stepDec))
}
