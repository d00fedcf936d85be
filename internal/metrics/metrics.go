package metrics

import (
	"expvar"

	"github.com/betbot/quantsignal/internal/engine"
)

var (
	Ticks           = expvar.NewInt("ticks")
	TickErrors      = expvar.NewInt("tick_errors")
	ErrorStreak     = expvar.NewInt("tick_error_streak")
	LastTickUnixMs  = expvar.NewInt("last_tick_unix_ms")
	Actions         = expvar.NewInt("strategy_actions")
	OrdersSubmitted = expvar.NewInt("orders_submitted")
	OrdersSkipped   = expvar.NewInt("orders_skipped")
	OrderErrors     = expvar.NewInt("order_errors")
	MarketSlug      = expvar.NewString("market_slug")
)

// Recorder 把 tick 结果计入 expvar（实现 engine.Observer）
type Recorder struct{}

func NewRecorder() *Recorder { return &Recorder{} }

func (Recorder) OnTick(s *engine.Snapshot) {
	if s == nil {
		return
	}
	Ticks.Add(1)
	ErrorStreak.Set(0)
	LastTickUnixMs.Set(s.At.UnixMilli())
	MarketSlug.Set(s.Slug)
	Actions.Add(int64(len(s.Strategy.Actions)))
	for _, r := range s.Results {
		switch {
		case r.Error != "":
			OrderErrors.Add(1)
		case r.Submitted:
			OrdersSubmitted.Add(1)
		case r.Skipped != "":
			OrdersSkipped.Add(1)
		}
	}
}

func (Recorder) OnTickError(_ error, streak int) {
	TickErrors.Add(1)
	ErrorStreak.Set(int64(streak))
}

var _ engine.Observer = Recorder{}
