package engine

import (
	"time"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/signal"
	"github.com/betbot/quantsignal/internal/strategies/quantscalp"
	"github.com/betbot/quantsignal/pkg/quant"
)

// Snapshot 一个 tick 的完整融合结果
type Snapshot struct {
	At     time.Time          `json:"at"`
	Market *domain.Market     `json:"-"`
	Slug   string             `json:"slug"`
	Title  string             `json:"title"`
	Quote  domain.MarketQuote `json:"quote"`
	Timing Timing             `json:"timing"`

	Reference *domain.PriceSample `json:"reference,omitempty"`
	Secondary *domain.PriceSample `json:"secondary,omitempty"`

	// Strike 锁定的行权价（模型使用）；DeclaredStrike 市场字段/问题中声明的行权价（仅展示）
	Strike         *float64 `json:"strike"`
	DeclaredStrike *float64 `json:"declared_strike"`

	Samples   int                        `json:"samples"`
	Sigma     *float64                   `json:"sigma"`
	SigmaFrom string                     `json:"sigma_from"` // estimate / floor / ""
	Quant     *quant.LognormalResult     `json:"quant,omitempty"`
	Heuristic domain.HeuristicScore      `json:"heuristic"`
	Model     *quant.ProbabilityEstimate `json:"model,omitempty"`

	Edge           signal.Edge           `json:"edge"`
	Recommendation signal.Recommendation `json:"recommendation"`
	Projection     signal.Projection     `json:"projection"`

	Spread    *float64 `json:"spread"`
	Liquidity *float64 `json:"liquidity"`

	Strategy quantscalp.Decision `json:"strategy"`
	Results  []ActionResult      `json:"results"`

	Row SignalRow `json:"row"`
}

// ModelUp 合成模型 UP 概率
func (s *Snapshot) ModelUp() *float64 {
	if s == nil || s.Model == nil {
		return nil
	}
	return quant.Ptr(s.Model.PUp)
}

// ModelDown 合成模型 DOWN 概率
func (s *Snapshot) ModelDown() *float64 {
	if s == nil || s.Model == nil {
		return nil
	}
	return quant.Ptr(s.Model.PDown)
}

// SignalRow 信号 CSV 的一行
type SignalRow struct {
	Timestamp          time.Time `json:"timestamp"`
	EntryMinute        float64   `json:"entry_minute"`
	TimeLeftMin        float64   `json:"time_left_min"`
	Regime             string    `json:"regime"`
	Signal             string    `json:"signal"`
	ModelUp            *float64  `json:"model_up"`
	ModelDown          *float64  `json:"model_down"`
	MktUp              *float64  `json:"mkt_up"`
	MktDown            *float64  `json:"mkt_down"`
	EdgeUp             *float64  `json:"edge_up"`
	EdgeDown           *float64  `json:"edge_down"`
	Recommendation     string    `json:"recommendation"`
	PolyFutureUpCents  *float64  `json:"poly_future_up_cents"`
	PolyFutureEdgeCts  *float64  `json:"poly_future_edge_cents"`
	PolyFutureStrategy string    `json:"poly_future_strategy"`
}

// 信号文字
const (
	SignalBuyUp   = "BUY UP"
	SignalBuyDown = "BUY DOWN"
	SignalNoTrade = "NO TRADE"
)

func signalLabel(rec signal.Recommendation) string {
	if rec.Action != signal.ActionEnter || rec.Side == nil {
		return SignalNoTrade
	}
	if *rec.Side == domain.SideUp {
		return SignalBuyUp
	}
	return SignalBuyDown
}

func buildRow(s *Snapshot) SignalRow {
	regime := s.Heuristic.Regime
	if regime == "" {
		regime = "-"
	}
	return SignalRow{
		Timestamp:          s.At.UTC(),
		EntryMinute:        s.Timing.ElapsedMin,
		TimeLeftMin:        s.Timing.TimeLeftMin,
		Regime:             regime,
		Signal:             signalLabel(s.Recommendation),
		ModelUp:            s.ModelUp(),
		ModelDown:          s.ModelDown(),
		MktUp:              s.Quote.Up,
		MktDown:            s.Quote.Down,
		EdgeUp:             s.Edge.EdgeUp,
		EdgeDown:           s.Edge.EdgeDown,
		Recommendation:     s.Recommendation.String(),
		PolyFutureUpCents:  s.Projection.FutureUpCents,
		PolyFutureEdgeCts:  s.Projection.EdgeVsMarketUpCt,
		PolyFutureStrategy: s.Projection.Strategy,
	}
}
