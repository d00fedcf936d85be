package quant

import "math"

const (
	// DefaultLookback 默认回看窗口（样本数，1m K 线即分钟数）
	DefaultLookback = 120
	// DefaultMinSamples 默认最少有效对数收益数
	DefaultMinSamples = 30
	// SecondsPerSample 每个样本对应的秒数（1m K 线）
	SecondsPerSample = 60.0
)

// VolatilityEstimate 每秒波动率估计。
// Valid=false 时 Sigma 不可用。
type VolatilityEstimate struct {
	Sigma       float64
	SampleCount int
	Valid       bool
}

// EstimateSigma 用最近的收盘价序列（旧 -> 新，固定采样周期）估计每秒对数收益标准差。
//
// 规则：
//   - 非有限值先被剔除，剩余样本 < 3 直接无效
//   - 取尾部 max(3, lookback) 个样本，两两求对数收益，任一价格 <= 0 的样本对跳过
//   - 有效收益数 < max(2, minSamples) 无效
//   - 无偏方差（n-1）/ 60 后开方，结果非有限或 <= 0 无效
func EstimateSigma(closes []float64, lookback, minSamples int) VolatilityEstimate {
	arr := make([]float64, 0, len(closes))
	for _, c := range closes {
		if isFinite(c) {
			arr = append(arr, c)
		}
	}
	if len(arr) < 3 {
		return VolatilityEstimate{}
	}

	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}
	required := max(2, minSamples)

	if lookback <= 0 {
		lookback = DefaultLookback
	}
	window := arr
	if n := max(3, lookback); len(window) > n {
		window = window[len(window)-n:]
	}

	rets := make([]float64, 0, len(window))
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1], window[i]
		if prev <= 0 || cur <= 0 {
			continue
		}
		r := math.Log(cur / prev)
		if isFinite(r) {
			rets = append(rets, r)
		}
	}
	if len(rets) < required {
		return VolatilityEstimate{SampleCount: len(rets)}
	}

	var sum float64
	for _, r := range rets {
		sum += r
	}
	mean := sum / float64(len(rets))
	var acc float64
	for _, r := range rets {
		d := r - mean
		acc += d * d
	}
	varPerSample := acc / float64(len(rets)-1)
	if !isFinite(varPerSample) || varPerSample <= 0 {
		return VolatilityEstimate{SampleCount: len(rets)}
	}

	sigma := math.Sqrt(varPerSample / SecondsPerSample)
	if !isFinite(sigma) || sigma <= 0 {
		return VolatilityEstimate{SampleCount: len(rets)}
	}
	return VolatilityEstimate{Sigma: sigma, SampleCount: len(rets), Valid: true}
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
