package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/engine"
	"github.com/betbot/quantsignal/internal/risk"
	sdkhttp "github.com/betbot/quantsignal/pkg/sdk/http"
)

var traderLog = logrus.WithField("component", "trader")

// 跳过原因
const (
	SkipClose        = "close_not_submitted"
	SkipDisabled     = "trading_disabled"
	SkipNoToken      = "missing_token"
	SkipCooldown     = "cooldown"
	SkipEdgeUnknown  = "edge_unknown"
	SkipEdgeBelowMin = "edge_below_min"
	SkipCircuitOpen  = "circuit_open"
	SkipInFlight     = "in_flight"
)

const (
	slippageCents = 1.0
	maxPriceCap   = 99.0
)

// orderPaths 依次尝试的下单路径
var orderPaths = []string{"/orders", "/order"}

// TraderConfig 下单配置
type TraderConfig struct {
	Enabled       bool
	DryRun        bool
	OrderSizeUSD  float64 // <=0 时使用动作自带的 SizeUSD
	MinEdgeCents  float64
	Cooldown      time.Duration
	APIKey        string
	APISecret     string
	APIPassphrase string
	Owner         string // 可选；助记词派生的地址
}

// OrderPayload 提交给下单接口的 JSON
type OrderPayload struct {
	Market        string         `json:"market"`
	TokenID       string         `json:"token_id"`
	Side          string         `json:"side"`
	Outcome       string         `json:"outcome"`
	OrderType     string         `json:"order_type"`
	SizeUSD       json.Number    `json:"size_usd"`
	MaxPriceCents *json.Number   `json:"max_price_cents"`
	Note          string         `json:"note"`
	Metadata      map[string]any `json:"metadata"`
	TS            int64          `json:"ts"`
}

// Trader 策略动作的下单执行器（实现 engine.ActionSink）
type Trader struct {
	cfg      TraderConfig
	client   *sdkhttp.Client
	breaker  *risk.CircuitBreaker
	inFlight *InFlightDeduper
	now      func() time.Time

	mu        sync.Mutex
	lastOrder map[string]time.Time // slug -> 上次下单时间
}

// TraderOption 执行器选项
type TraderOption func(*Trader)

// WithTraderClock 注入时钟（测试用）
func WithTraderClock(now func() time.Time) TraderOption {
	return func(t *Trader) {
		if now != nil {
			t.now = now
			t.inFlight.now = now
		}
	}
}

// NewTrader client 在 dry run 时可为 nil；breaker 可为 nil
func NewTrader(cfg TraderConfig, client *sdkhttp.Client, breaker *risk.CircuitBreaker, opts ...TraderOption) *Trader {
	t := &Trader{
		cfg:       cfg,
		client:    client,
		breaker:   breaker,
		inFlight:  NewInFlightDeduper(10 * time.Second),
		now:       time.Now,
		lastOrder: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Handle 执行一个策略动作。被门控跳过时返回 Skipped 且 error 为 nil。
func (t *Trader) Handle(ctx context.Context, ev engine.ActionEvent) (engine.ActionResult, error) {
	res := engine.ActionResult{Action: ev.Action, DryRun: t.cfg.DryRun}
	act := ev.Action

	if act.Type != domain.ActionOpen {
		res.Skipped = SkipClose
		return res, nil
	}
	if !t.cfg.Enabled {
		res.Skipped = SkipDisabled
		return res, nil
	}
	token := ev.Market.TokenID(act.Side)
	if token == "" {
		res.Skipped = SkipNoToken
		return res, nil
	}
	now := t.now()
	if t.inCooldown(ev.Slug, now) {
		res.Skipped = SkipCooldown
		return res, nil
	}
	edge := ev.Edge.EdgeUp
	if act.Side == domain.SideDown {
		edge = ev.Edge.EdgeDown
	}
	if edge == nil || math.IsNaN(*edge) {
		res.Skipped = SkipEdgeUnknown
		return res, nil
	}
	edgeCents := *edge * 100
	if edgeCents < t.cfg.MinEdgeCents {
		res.Skipped = SkipEdgeBelowMin
		return res, nil
	}
	if err := t.breaker.AllowTrading(); err != nil {
		res.Skipped = SkipCircuitOpen
		return res, nil
	}
	key := fmt.Sprintf("%s:%s:%s", ev.Slug, act.Tag, act.Side)
	if err := t.inFlight.TryAcquire(key); err != nil {
		res.Skipped = SkipInFlight
		return res, nil
	}

	clientID := uuid.NewString()
	payload := t.buildPayload(ev, token, clientID, edgeCents, now)

	if t.cfg.DryRun {
		t.markOrdered(ev.Slug, now)
		res.Submitted = true
		res.OrderID = clientID
		traderLog.Infof("🧪 [DRY RUN] %s %s %s token=%s size=%s max=%v reason=%s",
			ev.Slug, act.Tag, act.Side, token, payload.SizeUSD, derefNumber(payload.MaxPriceCents), act.Reason)
		return res, nil
	}

	orderID, err := t.submit(ctx, payload)
	if err != nil {
		t.inFlight.Release(key)
		t.breaker.OnError(err)
		res.Error = err.Error()
		return res, err
	}
	t.breaker.OnSuccess()
	t.markOrdered(ev.Slug, now)
	if orderID == "" {
		orderID = clientID
	}
	res.Submitted = true
	res.OrderID = orderID
	traderLog.Infof("✅ 下单成功 %s %s %s orderID=%s", ev.Slug, act.Tag, act.Side, orderID)
	return res, nil
}

func (t *Trader) inCooldown(slug string, now time.Time) bool {
	if t.cfg.Cooldown <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.lastOrder[slug]
	return ok && now.Sub(last) < t.cfg.Cooldown
}

func (t *Trader) markOrdered(slug string, now time.Time) {
	t.mu.Lock()
	t.lastOrder[slug] = now
	t.mu.Unlock()
}

func (t *Trader) buildPayload(ev engine.ActionEvent, token, clientID string, edgeCents float64, now time.Time) OrderPayload {
	act := ev.Action
	size := t.cfg.OrderSizeUSD
	if size <= 0 {
		size = act.SizeUSD
	}
	var maxPrice *json.Number
	if p := ev.Quote.Price(act.Side); p != nil && !math.IsNaN(*p) {
		cents := decimal.NewFromFloat(*p).Mul(decimal.NewFromInt(100)).Add(decimal.NewFromFloat(slippageCents))
		cents = decimal.Min(cents, decimal.NewFromFloat(maxPriceCap)).Round(2)
		n := json.Number(cents.String())
		maxPrice = &n
	}
	meta := map[string]any{
		"client_order_id": clientID,
		"tag":             string(act.Tag),
		"reason":          act.Reason,
		"edge_cents":      json.Number(decimal.NewFromFloat(edgeCents).Round(3).String()),
	}
	if t.cfg.Owner != "" {
		meta["owner"] = t.cfg.Owner
	}
	return OrderPayload{
		Market:        ev.Slug,
		TokenID:       token,
		Side:          "buy",
		Outcome:       string(act.Side),
		OrderType:     "market",
		SizeUSD:       json.Number(decimal.NewFromFloat(size).Round(2).String()),
		MaxPriceCents: maxPrice,
		Note:          fmt.Sprintf("%s %s", act.Tag, act.Reason),
		Metadata:      meta,
		TS:            now.UnixMilli(),
	}
}

// submit 依次尝试下单路径，返回服务端订单 ID（可能为空）
func (t *Trader) submit(ctx context.Context, payload OrderPayload) (string, error) {
	if t.client == nil {
		return "", errors.New("下单客户端未配置")
	}
	headers := map[string]string{}
	if t.cfg.APIKey != "" {
		headers["X-API-KEY"] = t.cfg.APIKey
	}
	if t.cfg.APISecret != "" {
		headers["X-API-SECRET"] = t.cfg.APISecret
	}
	if t.cfg.APIPassphrase != "" {
		headers["X-API-PASSPHRASE"] = t.cfg.APIPassphrase
	}

	var lastErr error
	for _, path := range orderPaths {
		var out map[string]any
		if err := t.client.PostJSON(ctx, path, headers, payload, &out); err != nil {
			lastErr = err
			traderLog.Debugf("下单路径 %s 失败: %v", path, err)
			continue
		}
		return orderIDFrom(out), nil
	}
	return "", errors.Wrap(lastErr, "下单失败")
}

func orderIDFrom(out map[string]any) string {
	for _, k := range []string{"orderID", "orderId", "order_id", "id"} {
		if v, ok := out[k]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func derefNumber(n *json.Number) string {
	if n == nil {
		return "-"
	}
	return n.String()
}

// BreakerStatus 断路器状态（状态 API 使用）
func (t *Trader) BreakerStatus() risk.Status { return t.breaker.Status() }

var _ engine.ActionSink = (*Trader)(nil)
