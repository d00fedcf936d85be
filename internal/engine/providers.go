package engine

import (
	"context"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/signal"
)

// PriceSeriesProvider 1m 收盘价序列（旧 -> 新）
type PriceSeriesProvider interface {
	Closes(ctx context.Context) ([]float64, error)
}

// PriceFeed 流式最新价 + 按需拉取兜底（参考价 / 次级价格共用）
type PriceFeed interface {
	Latest() (domain.PriceSample, bool)
	Fetch(ctx context.Context) (domain.PriceSample, error)
}

// MarketProvider 当前市场快照；找不到市场时返回 nil 市场、nil 错误
type MarketProvider interface {
	Snapshot(ctx context.Context) (*domain.Market, domain.MarketQuote, error)
}

// HeuristicScoreProvider 启发式方向分（可选）
type HeuristicScoreProvider interface {
	ScoreUp(ctx context.Context, in domain.HeuristicInput) (domain.HeuristicScore, error)
}

// ActionEvent 交给下游执行的策略动作
type ActionEvent struct {
	At     time.Time
	Slug   string
	Market *domain.Market
	Action domain.TradeAction
	Quote  domain.MarketQuote
	Edge   signal.Edge
}

// ActionResult 下游执行结果
type ActionResult struct {
	Action    domain.TradeAction `json:"action"`
	Submitted bool               `json:"submitted"`
	DryRun    bool               `json:"dry_run"`
	OrderID   string             `json:"order_id,omitempty"`
	Skipped   string             `json:"skipped,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ActionSink 动作执行器（下单 / 模拟）
type ActionSink interface {
	Handle(ctx context.Context, ev ActionEvent) (ActionResult, error)
}

// Journal 每个 tick 的信号记录
type Journal interface {
	Record(ctx context.Context, s *Snapshot) error
}

// MarketDumper 原始市场 JSON 落盘
type MarketDumper interface {
	DumpMarket(slug string, raw map[string]any) error
}

// StateStore 跨重启的状态存储（strike 与策略状态）
type StateStore interface {
	GetJSON(key string, out any) (bool, error)
	PutJSON(key string, v any, ttl time.Duration) error
}

// Observer tick 结果订阅者（metrics / dashboard），回调不能阻塞
type Observer interface {
	OnTick(s *Snapshot)
	OnTickError(err error, streak int)
}
