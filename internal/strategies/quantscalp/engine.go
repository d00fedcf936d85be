package quantscalp

import (
	"math"
	"sync"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/pkg/quant"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("strategy", ID)

// 风控门槛
const (
	maxSpread        = 0.03
	maxScalpSpread   = 0.025
	minLiquidity     = 5.0
	maxExposure      = 2
	leadMinMove      = 0.001
	leadMaxAge       = 20 * time.Second
	scalpMinTSec     = 90.0
	forcedScalpTSec  = 150.0
	holdMaxTSec      = 60.0
	forcedHoldTSec   = 45.0
	dominanceSigmas  = 3.0
	dominanceMinProb = 0.97
	holdMinProb      = 0.55
	scalpTakeProfit  = 0.02
	scalpStopLoss    = -0.02
	scalpTimeout     = 120 * time.Second
)

// 动作原因
const (
	ReasonTakeProfit  = "TP_+0.02"
	ReasonStopLoss    = "SL_-0.02"
	ReasonTimeout     = "TIMEOUT_120s"
	ReasonLeadConfirm = "LEAD_CONFIRM"
	ReasonForcedScalp = "FORCED_SCALP_150"
	ReasonHoldDom     = "HOLD_DOM_0.97"
	ReasonHoldPUp     = "HOLD_PUP_0.55"
	ReasonHoldPDown   = "HOLD_PDOWN_0.55"
	ReasonForcedHold  = "FORCED_HOLD_45"
)

// Note
const (
	NoteOK            = "OK"
	NoteRiskFilter    = "RISK_FILTER"
	NoteMarketEnded   = "market_ended"
	NoteMissingMarket = "missing_market"
)

// Input 每个 tick 的快照；所有数值可空。
type Input struct {
	Slug            string
	TSec            *float64
	Sigma           *float64
	Spread          *float64
	Liquidity       *float64
	EdgeUp          *float64
	EdgeDown        *float64
	PModelUp        *float64
	PModelDown      *float64
	MarketUpPrice   *float64
	MarketDownPrice *float64
	ReferencePrice  *float64
	SecondaryPrice  *float64
	Strike          *float64
}

// Decision 引擎输出
type Decision struct {
	Phase   Phase                `json:"phase"`
	Note    string               `json:"note"`
	Actions []domain.TradeAction `json:"actions"`
}

// Engine 每个市场一份状态的策略状态机。
// Decide 只应由 tick 协程调用；Snapshot/State 可并发读取。
type Engine struct {
	cfg   Config
	now   func() time.Time
	mu    sync.Mutex
	store *StateStore
}

// Option 引擎选项
type Option func(*Engine)

// WithClock 注入时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine 创建策略引擎
func NewEngine(cfg Config, opts ...Option) *Engine {
	if err := cfg.Validate(); err != nil {
		log.Warnf("策略配置无效，使用默认值: %v", err)
		cfg = DefaultConfig()
	}
	e := &Engine{
		cfg:   cfg,
		now:   time.Now,
		store: NewStateStore(cfg.MaxStates, cfg.evictGrace()),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State 返回某个 slug 的状态副本
func (e *Engine) State(slug string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Get(slug)
}

// Restore 写入持久化的状态（仅在该 slug 尚无状态时）
func (e *Engine) Restore(slug string, st State) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.store.Get(slug); ok || slug == "" {
		return false
	}
	e.store.Put(slug, st)
	return true
}

// StateCount 当前保留的状态数
func (e *Engine) StateCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Len()
}

type gates struct {
	sigmaOk       bool
	spreadOk      bool
	scalpSpreadOk bool
	liquidityOk   bool
}

func (g gates) general() bool { return g.sigmaOk && g.spreadOk && g.liquidityOk }

func computeGates(in Input) gates {
	sig, okSig := quant.Value(in.Sigma)
	spr, okSpr := quant.Value(in.Spread)
	liq, okLiq := quant.Value(in.Liquidity)
	return gates{
		sigmaOk:       okSig && sig > 0,
		spreadOk:      okSpr && spr <= maxSpread,
		scalpSpreadOk: okSpr && spr <= maxScalpSpread,
		liquidityOk:   okLiq && liq >= minLiquidity,
	}
}

// Decide 对一个 tick 快照求值，按顺序执行规则并立即更新状态，
// 同一 tick 内后面的规则能看到前面规则的结果。
func (e *Engine) Decide(in Input) Decision {
	if in.Slug == "" {
		return Decision{Phase: PhaseUnknown, Note: NoteMissingMarket, Actions: []domain.TradeAction{}}
	}
	t, ok := quant.Value(in.TSec)
	if !ok || t <= 0 {
		return Decision{Phase: PhaseClosed, Note: NoteMarketEnded, Actions: []domain.TradeAction{}}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	st := e.store.getOrCreate(in.Slug, now, t)
	if evicted := e.store.Evict(now, in.Slug); len(evicted) > 0 {
		log.Debugf("淘汰过期市场状态: %v", evicted)
	}

	phase := PhaseFromTSec(t)
	g := computeGates(in)
	r := run{e: e, in: in, st: st, now: now, actions: make([]domain.TradeAction, 0, 2)}

	sig, _ := quant.Value(in.Sigma)
	eUp, okEUp := quant.Value(in.EdgeUp)
	eDown, okEDown := quant.Value(in.EdgeDown)
	pUp, okPUp := quant.Value(in.PModelUp)
	pDown, okPDown := quant.Value(in.PModelDown)
	s, okS := quant.Value(in.ReferencePrice)
	b, okB := quant.Value(in.SecondaryPrice)
	k, okK := quant.Value(in.Strike)

	// 0) scalp 出场
	if pos := st.ScalpPosition; pos != nil {
		if cur, ok := quant.Value(r.price(pos.Side)); ok {
			pnl := cur - pos.EntryPrice
			switch {
			case pnl >= scalpTakeProfit:
				r.closeScalp(ReasonTakeProfit)
			case pnl <= scalpStopLoss:
				r.closeScalp(ReasonStopLoss)
			case now.Sub(pos.OpenedAt) > scalpTimeout:
				r.closeScalp(ReasonTimeout)
			}
		}
	}

	// 1) 次级价格先行：次级价格已穿越 strike 而参考价尚未穿越
	if st.scalpAvailable() && okS && okB && okK && k != 0 && g.spreadOk && g.liquidityOk && g.sigmaOk {
		crossUp := b >= k && s < k
		crossDown := b < k && s >= k
		if math.Abs((b-k)/k) > leadMinMove && (crossUp || crossDown) {
			side := domain.SideDown
			if crossUp {
				side = domain.SideUp
			}
			st.PendingLead = &LeadSignal{Side: side, ArmedAt: now}
		}
	}

	// 2) 先行信号确认（20s 内）；过期即清除
	if lead := st.PendingLead; lead != nil && st.scalpAvailable() {
		if now.Sub(lead.ArmedAt) > leadMaxAge {
			st.PendingLead = nil
		} else if okS && okK {
			confirmed := (lead.Side == domain.SideUp && s >= k) || (lead.Side == domain.SideDown && s < k)
			if confirmed && t > scalpMinTSec && g.scalpSpreadOk && st.Exposure() < maxExposure {
				r.open(domain.TagScalp, lead.Side, ReasonLeadConfirm)
				st.PendingLead = nil
			}
		}
	}

	// 3) 阈值 scalp
	if st.scalpAvailable() && t > scalpMinTSec && g.scalpSpreadOk && g.liquidityOk && g.sigmaOk && st.Exposure() < maxExposure {
		th := ScalpThreshold(phase)
		if okEUp && eUp >= th {
			r.open(domain.TagScalp, domain.SideUp, "EDGE_UP_"+thresholdLabel(th))
		} else if okEDown && eDown >= th {
			r.open(domain.TagScalp, domain.SideDown, "EDGE_DOWN_"+thresholdLabel(th))
		}
	}

	// 4) 强制 scalp：(90, 150]
	if st.scalpAvailable() && t <= forcedScalpTSec && t > scalpMinTSec && g.general() && st.Exposure() < maxExposure {
		r.open(domain.TagScalp, preferUp(eUp, okEUp, eDown, okEDown), ReasonForcedScalp)
	}

	// 5) 主导 hold：<= 60s
	if st.holdAvailable() && t <= holdMaxTSec && g.general() && st.Exposure() < maxExposure && okS && okK {
		volWindow := sig * math.Sqrt(t)
		distance := s - k
		dominant := domain.SideUp
		dominantProb, okDom := pUp, okPUp
		if distance < 0 {
			dominant = domain.SideDown
			dominantProb, okDom = pDown, okPDown
		}
		switch {
		case math.Abs(distance) > dominanceSigmas*volWindow && okDom && dominantProb >= dominanceMinProb:
			r.open(domain.TagHold, dominant, ReasonHoldDom)
		case okPUp && pUp >= holdMinProb:
			r.open(domain.TagHold, domain.SideUp, ReasonHoldPUp)
		case okPDown && pDown >= holdMinProb:
			r.open(domain.TagHold, domain.SideDown, ReasonHoldPDown)
		}
	}

	// 6) 强制 hold：<= 45s
	if st.holdAvailable() && t <= forcedHoldTSec && g.general() && st.Exposure() < maxExposure {
		r.open(domain.TagHold, preferUp(pUp, okPUp, pDown, okPDown), ReasonForcedHold)
	}

	note := NoteRiskFilter
	if g.general() {
		note = NoteOK
	}
	return Decision{Phase: phase, Note: note, Actions: r.actions}
}

// preferUp 值较大的一侧；平局或两者都缺失时取 UP
func preferUp(up float64, okUp bool, down float64, okDown bool) domain.Side {
	u, d := math.Inf(-1), math.Inf(-1)
	if okUp {
		u = up
	}
	if okDown {
		d = down
	}
	if u >= d {
		return domain.SideUp
	}
	return domain.SideDown
}

// run 单次 Decide 调用的上下文
type run struct {
	e       *Engine
	in      Input
	st      *State
	now     time.Time
	actions []domain.TradeAction
}

func (r *run) price(side domain.Side) *float64 {
	if side == domain.SideUp {
		return r.in.MarketUpPrice
	}
	return r.in.MarketDownPrice
}

func (r *run) open(tag domain.PositionTag, side domain.Side, reason string) {
	entry, ok := quant.Value(r.price(side))
	if !ok {
		entry = 0
	}
	pos := &domain.Position{Side: side, EntryPrice: entry, OpenedAt: r.now, Tag: tag}
	switch tag {
	case domain.TagScalp:
		r.st.DidScalp = true
		r.st.ScalpPosition = pos
	case domain.TagHold:
		r.st.DidHold = true
		r.st.HoldPosition = pos
	}
	r.actions = append(r.actions, domain.TradeAction{
		Type:    domain.ActionOpen,
		Tag:     tag,
		Side:    side,
		SizeUSD: r.e.cfg.SizeUSD,
		Reason:  reason,
	})
	log.Infof("📈 开仓 %s %s @%.4f reason=%s slug=%s", tag, side, entry, reason, r.in.Slug)
}

func (r *run) closeScalp(reason string) {
	pos := r.st.ScalpPosition
	r.st.ScalpPosition = nil
	r.st.ScalpClosed = true
	r.actions = append(r.actions, domain.TradeAction{
		Type:    domain.ActionClose,
		Tag:     domain.TagScalp,
		Side:    pos.Side,
		SizeUSD: r.e.cfg.SizeUSD,
		Reason:  reason,
	})
	log.Infof("📉 平仓 SCALP %s reason=%s slug=%s", pos.Side, reason, r.in.Slug)
}
