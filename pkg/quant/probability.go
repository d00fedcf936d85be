package quant

import "math"

const (
	// ProbFloor / ProbCeil 概率夹取区间，避免出现确定性的 0/1
	ProbFloor = 0.001
	ProbCeil  = 0.999
)

// Abramowitz & Stegun 7.1.26 系数，|误差| <= 1.5e-7
const (
	erfA1 = 0.254829592
	erfA2 = -0.284496736
	erfA3 = 1.421413741
	erfA4 = -1.453152027
	erfA5 = 1.061405429
	erfP  = 0.3275911
)

// Erf 误差函数的闭式近似（非迭代，结果确定）。
func Erf(x float64) float64 {
	sign := 1.0
	if x < 0 {
		sign = -1.0
	}
	ax := math.Abs(x)
	t := 1 / (1 + erfP*ax)
	y := 1 - (((((erfA5*t+erfA4)*t)+erfA3)*t+erfA2)*t+erfA1)*t*math.Exp(-ax*ax)
	return sign * y
}

// NormalCDF 标准正态分布累积函数。
func NormalCDF(x float64) float64 {
	return 0.5 * (1 + Erf(x/math.Sqrt2))
}

// LognormalResult 对数正态模型的输出
type LognormalResult struct {
	PUp   float64
	PDown float64
	Z     float64
}

// ProbUp 在对数正态扩散假设下，计算到期（T 秒后）价格 >= 行权价 K 的概率。
// 任一输入非正或非有限时返回 ok=false。
func ProbUp(spot, strike, tSec, sigma float64) (LognormalResult, bool) {
	if !isFinite(spot) || !isFinite(strike) || !isFinite(tSec) || !isFinite(sigma) {
		return LognormalResult{}, false
	}
	if spot <= 0 || strike <= 0 || tSec <= 0 || sigma <= 0 {
		return LognormalResult{}, false
	}
	denom := sigma * math.Sqrt(tSec)
	if !isFinite(denom) || denom <= 0 {
		return LognormalResult{}, false
	}

	z := math.Log(strike/spot) / denom
	pUp := Clamp(1-NormalCDF(z), ProbFloor, ProbCeil)
	return LognormalResult{PUp: pUp, PDown: 1 - pUp, Z: z}, true
}

// Clamp 把 v 限制在 [lo, hi]
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
