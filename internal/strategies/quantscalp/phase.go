package quantscalp

import "strconv"

// Phase 按剩余秒数划分的阶段
type Phase string

const (
	PhaseEarly     Phase = "EARLY"
	PhaseMid       Phase = "MID"
	PhaseLate      Phase = "LATE"
	PhaseUltraLate Phase = "ULTRALATE"
	PhaseClosed    Phase = "CLOSED"
	PhaseUnknown   Phase = "UNKNOWN"
)

type phaseRow struct {
	aboveSec float64 // tSec 严格大于
	phase    Phase
	scalpTh  float64 // 阈值 scalp 的 edge 门槛
}

var phaseTable = []phaseRow{
	{aboveSec: 600, phase: PhaseEarly, scalpTh: 0.02},
	{aboveSec: 180, phase: PhaseMid, scalpTh: 0.015},
	{aboveSec: 30, phase: PhaseLate, scalpTh: 0.01},
}

const ultraLateScalpTh = 0.01

// PhaseFromTSec tSec -> 阶段
func PhaseFromTSec(tSec float64) Phase {
	for _, r := range phaseTable {
		if tSec > r.aboveSec {
			return r.phase
		}
	}
	return PhaseUltraLate
}

// ScalpThreshold 阶段 -> scalp edge 门槛
func ScalpThreshold(p Phase) float64 {
	for _, r := range phaseTable {
		if r.phase == p {
			return r.scalpTh
		}
	}
	return ultraLateScalpTh
}

func thresholdLabel(th float64) string {
	return strconv.FormatFloat(th, 'f', -1, 64)
}
