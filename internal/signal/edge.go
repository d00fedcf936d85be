package signal

import "github.com/betbot/quantsignal/pkg/quant"

// Edge 模型概率减去市场隐含概率（概率单位），任一侧输入缺失则该侧为 nil
type Edge struct {
	EdgeUp   *float64
	EdgeDown *float64
}

// ComputeEdge 计算两侧 edge
func ComputeEdge(modelUp, modelDown, marketUp, marketDown *float64) Edge {
	return Edge{
		EdgeUp:   diff(modelUp, marketUp),
		EdgeDown: diff(modelDown, marketDown),
	}
}

func diff(model, market *float64) *float64 {
	m, ok1 := quant.Value(model)
	k, ok2 := quant.Value(market)
	if !ok1 || !ok2 {
		return nil
	}
	return quant.Ptr(m - k)
}
