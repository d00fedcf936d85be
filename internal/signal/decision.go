package signal

import (
	"fmt"
	"math"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/pkg/quant"
)

// Action 粗粒度建议
type Action string

const (
	ActionEnter   Action = "ENTER"
	ActionNoTrade Action = "NO_TRADE"
)

// Strength 建议强度
type Strength string

const (
	StrengthLow  Strength = "LOW"
	StrengthMed  Strength = "MED"
	StrengthHigh Strength = "HIGH"
)

// Phase 剩余时间阶段
type Phase string

const (
	PhaseEarly     Phase = "EARLY"
	PhaseMid       Phase = "MID"
	PhaseLate      Phase = "LATE"
	PhaseUltraLate Phase = "ULTRALATE"
	PhaseSafe      Phase = "SAFE"
)

// phaseBand 剩余时间下限（分钟，严格大于）-> 阶段与入场门槛
type phaseBand struct {
	aboveMinutes float64
	phase        Phase
	floor        float64
}

// 与策略引擎的秒级分段一致：600s / 180s / 30s
var phaseBands = []phaseBand{
	{aboveMinutes: 10, phase: PhaseEarly, floor: 0.02},
	{aboveMinutes: 3, phase: PhaseMid, floor: 0.015},
	{aboveMinutes: 0.5, phase: PhaseLate, floor: 0.01},
}

var ultraLateFloor = 0.01

// strengthBand edge 幅度 >= min 即为该强度（从高到低匹配）
var strengthBands = []struct {
	min      float64
	strength Strength
}{
	{min: 0.10, strength: StrengthHigh},
	{min: 0.05, strength: StrengthMed},
}

// PhaseForMinutes 剩余分钟 -> 阶段与门槛；未知剩余时间按 ULTRALATE 处理
func PhaseForMinutes(remaining *float64) (Phase, float64) {
	if m, ok := quant.Value(remaining); ok {
		for _, b := range phaseBands {
			if m > b.aboveMinutes {
				return b.phase, b.floor
			}
		}
	}
	return PhaseUltraLate, ultraLateFloor
}

// StrengthForEdge edge 幅度 -> 强度
func StrengthForEdge(edge float64) Strength {
	e := math.Abs(edge)
	for _, b := range strengthBands {
		if e >= b.min {
			return b.strength
		}
	}
	return StrengthLow
}

// DecisionInput DecisionGate 输入
type DecisionInput struct {
	RemainingMinutes *float64
	EdgeUp           *float64
	EdgeDown         *float64
	ModelUp          *float64
	ModelDown        *float64
}

// Recommendation 粗粒度建议
type Recommendation struct {
	Action   Action       `json:"action"`
	Side     *domain.Side `json:"side"`
	Phase    Phase        `json:"phase"`
	Strength Strength     `json:"strength"`
}

// String ENTER 时为 SIDE:PHASE:STRENGTH，否则 NO_TRADE
func (r Recommendation) String() string {
	if r.Action != ActionEnter || r.Side == nil {
		return string(ActionNoTrade)
	}
	return fmt.Sprintf("%s:%s:%s", *r.Side, r.Phase, r.Strength)
}

// Decide 根据 edge 和剩余时间给出建议。
// 较大的 |edge| 超过阶段门槛才 ENTER，方向取带符号 edge 较大的一侧（平局取 UP）。
func Decide(in DecisionInput) Recommendation {
	phase, floor := PhaseForMinutes(in.RemainingMinutes)
	rec := Recommendation{Action: ActionNoTrade, Phase: phase, Strength: StrengthLow}

	up, okUp := quant.Value(in.EdgeUp)
	down, okDown := quant.Value(in.EdgeDown)
	if !okUp && !okDown {
		return rec
	}

	best := math.Inf(-1)
	if okUp {
		best = math.Max(best, math.Abs(up))
	}
	if okDown {
		best = math.Max(best, math.Abs(down))
	}
	if best <= floor {
		return rec
	}

	side := domain.SideUp
	if !okUp || (okDown && down > up) {
		side = domain.SideDown
	}

	rec.Action = ActionEnter
	rec.Side = &side
	rec.Strength = StrengthForEdge(best)
	return rec
}

// SafetyInput 安全覆盖所需的量化输入
type SafetyInput struct {
	Enabled        bool
	QuantAvailable bool
	Strike         *float64
	Reference      *float64
	Sigma          *float64
}

// ApplySafety 启用 "无量化不交易" 且任一量化输入缺失时，强制 NO_TRADE。
func ApplySafety(rec Recommendation, in SafetyInput) Recommendation {
	if !in.Enabled {
		return rec
	}
	_, okK := quant.Value(in.Strike)
	_, okS := quant.Value(in.Reference)
	sig, okSig := quant.Value(in.Sigma)
	if in.QuantAvailable && okK && okS && okSig && sig > 0 {
		return rec
	}
	return Recommendation{Action: ActionNoTrade, Side: nil, Phase: PhaseSafe, Strength: StrengthLow}
}
