package signal

import (
	"math"

	"github.com/betbot/quantsignal/pkg/quant"
)

// 投影策略标签
const (
	ProjectionBuyUpFast   = "BUY_UP_FAST"
	ProjectionBuyDownFast = "BUY_DOWN_FAST"
	ProjectionHold        = "HOLD"
	ProjectionNA          = "N/A"
)

const (
	basisImpactFactor = 0.35
	basisImpactCap    = 0.01
	fastEdgeCents     = 2.5
)

// ProjectionInput "poly 未来价" 投影输入
type ProjectionInput struct {
	MarketUp   *float64 // 概率单位；>1 视为美分
	MarketDown *float64
	Reference  *float64 // 结算参考价（chainlink）
	Secondary  *float64 // 次级价格（binance）
	Strike     *float64
	Sigma      *float64
	TSec       *float64
	WModel     float64
}

// Projection 投影结果
type Projection struct {
	OK               bool     `json:"ok"`
	MarketUpProb     *float64 `json:"market_up_prob"`
	FutureUpProb     *float64 `json:"future_up_prob"`
	FutureUpCents    *float64 `json:"future_up_cents"`
	EdgeVsMarketUpCt *float64 `json:"edge_vs_market_up_cents"`
	Strategy         string   `json:"strategy"`
}

// ProjectPolyFuture 用基差修正后的参考价跑对数正态模型，再按 WModel 和市场价合成，
// 得到 UP 的"未来公允价"（美分）以及相对市场的 edge。
func ProjectPolyFuture(in ProjectionInput) Projection {
	marketUpProb := marketUpProbability(in.MarketUp, in.MarketDown)
	hasMarket := marketUpProb != nil

	fail := Projection{MarketUpProb: marketUpProb, Strategy: ProjectionNA}
	if hasMarket {
		fail.Strategy = ProjectionHold
	}

	s, okS := quant.Value(in.Reference)
	k, okK := quant.Value(in.Strike)
	t, okT := quant.Value(in.TSec)
	sig, okSig := quant.Value(in.Sigma)
	if !okS || !okK || !okT || t <= 0 || !okSig || sig <= 0 {
		return fail
	}

	basis := 0.0
	if b, ok := quant.Value(in.Secondary); ok && s != 0 {
		basis = (b - s) / s
	}
	impact := quant.Clamp(basis*basisImpactFactor, -basisImpactCap, basisImpactCap)
	adjusted := s * (1 + impact)

	res, ok := quant.ProbUp(adjusted, k, math.Max(1, t), sig)
	if !ok {
		return fail
	}

	w := in.WModel
	future := res.PUp
	if hasMarket {
		future = w*res.PUp + (1-w)*(*marketUpProb)
	}
	future = quant.Clamp(future, quant.ProbFloor, quant.ProbCeil)
	cents := future * 100

	out := Projection{
		OK:            true,
		MarketUpProb:  marketUpProb,
		FutureUpProb:  quant.Ptr(future),
		FutureUpCents: quant.Ptr(cents),
		Strategy:      ProjectionHold,
	}
	if hasMarket {
		edge := cents - *marketUpProb*100
		out.EdgeVsMarketUpCt = quant.Ptr(edge)
		switch {
		case edge >= fastEdgeCents:
			out.Strategy = ProjectionBuyUpFast
		case edge <= -fastEdgeCents:
			out.Strategy = ProjectionBuyDownFast
		}
	}
	return out
}

// marketUpProbability 优先用 UP 报价，否则用 1-DOWN；大于 1 的值按美分处理
func marketUpProbability(up, down *float64) *float64 {
	if u, ok := quant.Value(up); ok {
		if u > 1 {
			u /= 100
		}
		return quant.Ptr(u)
	}
	if d, ok := quant.Value(down); ok {
		if d > 1 {
			d /= 100
		}
		return quant.Ptr(1 - d)
	}
	return nil
}
