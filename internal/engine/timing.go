package engine

import (
	"math"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
)

// Timing 一个 tick 的时间信息
type Timing struct {
	// ElapsedMin 当前 15m 窗口已过分钟
	ElapsedMin         float64 `json:"elapsed_min"`
	WindowRemainingMin float64 `json:"window_remaining_min"`
	// SettlementLeftMin 距市场结算分钟（未知为空）
	SettlementLeftMin *float64 `json:"settlement_left_min"`
	// TimeLeftMin 优先结算时间，否则窗口剩余
	TimeLeftMin float64 `json:"time_left_min"`
	// TSec 模型用：max(1, floor(TimeLeftMin*60))
	TSec float64 `json:"t_sec"`
	// SecondsLeft 策略用：floor(TimeLeftMin*60)，结算后 <= 0
	SecondsLeft float64 `json:"seconds_left"`
}

// computeTiming 窗口按 UTC 对齐
func computeTiming(now time.Time, window time.Duration, m *domain.Market) Timing {
	if window <= 0 {
		window = 15 * time.Minute
	}
	start := now.UTC().Truncate(window)
	elapsed := now.Sub(start)
	t := Timing{
		ElapsedMin:         elapsed.Minutes(),
		WindowRemainingMin: (window - elapsed).Minutes(),
	}
	t.TimeLeftMin = t.WindowRemainingMin
	if m != nil && !m.SettlementTime.IsZero() {
		left := m.SettlementTime.Sub(now).Minutes()
		t.SettlementLeftMin = &left
		t.TimeLeftMin = left
	}
	t.SecondsLeft = math.Floor(t.TimeLeftMin * 60)
	t.TSec = math.Max(1, t.SecondsLeft)
	return t
}
