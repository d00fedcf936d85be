package services

import (
	"context"
	"math"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/pkg/quant"
)

const (
	momentumShort    = 5
	momentumLong     = 15
	momentumSigmaWin = 60
	momentumGain     = 0.8
	trendZ           = 1.0
	windowMinutes    = 15.0
)

// MomentumHeuristic 以短/长周期动量（按 1m 波动率归一）给出 UP 概率
type MomentumHeuristic struct{}

func NewMomentumHeuristic() *MomentumHeuristic { return &MomentumHeuristic{} }

// ScoreUp 样本不足或波动率无效时返回空分，不报错
func (h *MomentumHeuristic) ScoreUp(_ context.Context, in domain.HeuristicInput) (domain.HeuristicScore, error) {
	zShort, zLong, ok := momentumZ(in.Closes)
	if !ok {
		return domain.HeuristicScore{}, nil
	}
	z := 0.6*zShort + 0.4*zLong
	raw := 1 / (1 + math.Exp(-momentumGain*z))

	regime := domain.RegimeRange
	switch {
	case zLong >= trendZ:
		regime = domain.RegimeTrendUp
	case zLong <= -trendZ:
		regime = domain.RegimeTrendDown
	}

	up := applyTimeAwareness(raw, in.TimeLeftMin)
	return domain.HeuristicScore{Up: &up, Regime: regime}, nil
}

// momentumZ 5m / 15m 对数收益除以对应时长的 1m 波动率
func momentumZ(closes []float64) (zShort, zLong float64, ok bool) {
	n := len(closes)
	if n < momentumLong+1 {
		return 0, 0, false
	}
	last := closes[n-1]
	c5, c15 := closes[n-1-momentumShort], closes[n-1-momentumLong]
	if last <= 0 || c5 <= 0 || c15 <= 0 {
		return 0, 0, false
	}
	est := quant.EstimateSigma(closes, momentumSigmaWin, momentumLong)
	if !est.Valid {
		return 0, 0, false
	}
	perMin := est.Sigma * math.Sqrt(quant.SecondsPerSample)
	zShort = math.Log(last/c5) / (perMin * math.Sqrt(momentumShort))
	zLong = math.Log(last/c15) / (perMin * math.Sqrt(momentumLong))
	if math.IsNaN(zShort) || math.IsNaN(zLong) || math.IsInf(zShort, 0) || math.IsInf(zLong, 0) {
		return 0, 0, false
	}
	return zShort, zLong, true
}

// applyTimeAwareness 剩余时间越少越向 0.5 收缩；剩余时间未知时不收缩。
// 结果夹到概率区间，不会出现确定性的 0/1
func applyTimeAwareness(raw float64, timeLeftMin *float64) float64 {
	decay := 1.0
	if t, ok := quant.Value(timeLeftMin); ok {
		decay = quant.Clamp(t/windowMinutes, 0, 1)
	}
	return quant.Clamp(0.5+(raw-0.5)*decay, quant.ProbFloor, quant.ProbCeil)
}
