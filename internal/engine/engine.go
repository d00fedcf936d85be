package engine

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/signal"
	"github.com/betbot/quantsignal/internal/strategies/quantscalp"
	"github.com/betbot/quantsignal/internal/strike"
	"github.com/betbot/quantsignal/pkg/quant"
	"github.com/betbot/quantsignal/pkg/syncgroup"
)

var engineLog = logrus.WithField("component", "engine")

const (
	strikeKeyPrefix   = "strike/"
	strategyKeyPrefix = "strategy/"
	stateTTL          = 2 * time.Hour
)

// Config 信号引擎参数
type Config struct {
	PollInterval            time.Duration
	Window                  time.Duration
	SigmaLookback           int
	MinSamples              int
	Weight                  float64
	SigmaMin                float64
	SafeNoTradeWithoutQuant bool
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		PollInterval:            700 * time.Millisecond,
		Window:                  15 * time.Minute,
		SigmaLookback:           quant.DefaultLookback,
		MinSamples:              quant.DefaultMinSamples,
		Weight:                  quant.DefaultQuantWeight,
		SafeNoTradeWithoutQuant: true,
	}
}

// Deps 外部依赖；Series / Reference / Market 必填，其余可空
type Deps struct {
	Series    PriceSeriesProvider
	Reference PriceFeed
	Secondary PriceFeed
	Market    MarketProvider
	Heuristic HeuristicScoreProvider

	Strategy *quantscalp.Engine
	Latch    *strike.Latch

	Sink      ActionSink
	Journal   Journal
	Dumper    MarketDumper
	Store     StateStore
	Observers []Observer

	// OnMarketChange 当前市场 slug 变化时回调（日志按周期切换等）
	OnMarketChange func(prev, next string)
}

// Engine 单协程 tick 循环：并行读取 -> 融合 -> 策略 -> 下游
type Engine struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	last     atomic.Pointer[Snapshot]
	failures failureTracker

	// 以下字段只在 tick 协程中访问
	currentSlug string
	restored    map[string]bool
	dumped      map[string]bool
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

// New 创建引擎
func New(cfg Config, deps Deps, opts ...Option) (*Engine, error) {
	if deps.Series == nil || deps.Reference == nil || deps.Market == nil {
		return nil, errors.New("engine: Series/Reference/Market 不能为空")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if deps.Latch == nil {
		deps.Latch = strike.NewLatch()
	}
	e := &Engine{
		cfg:      cfg,
		deps:     deps,
		now:      time.Now,
		restored: make(map[string]bool),
		dumped:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.deps.Strategy == nil {
		e.deps.Strategy = quantscalp.NewEngine(quantscalp.DefaultConfig(), quantscalp.WithClock(e.now))
	}
	return e, nil
}

// Last 最近一次成功 tick 的快照（可并发读取）
func (e *Engine) Last() *Snapshot { return e.last.Load() }

// Run 按固定间隔执行 tick，直到 ctx 结束
func (e *Engine) Run(ctx context.Context) error {
	engineLog.Infof("🚀 信号引擎启动: poll=%s weight=%.2f safe=%v", e.cfg.PollInterval, e.cfg.Weight, e.cfg.SafeNoTradeWithoutQuant)
	for {
		start := time.Now()
		_, err := e.Tick(ctx)
		if ctx.Err() != nil {
			engineLog.Info("信号引擎已停止")
			return nil
		}
		if err != nil {
			streak, shouldLog := e.failures.fail(err, time.Now())
			if shouldLog {
				if streak > 1 {
					engineLog.Warnf("⚠️ 数据/网络错误: %v（连续 %d 次）", err, streak)
				} else {
					engineLog.Warnf("⚠️ 数据/网络错误: %v", err)
				}
			}
			for _, o := range e.deps.Observers {
				o.OnTickError(err, streak)
			}
		} else {
			e.failures.reset()
		}

		wait := nextWait(e.cfg.PollInterval, time.Since(start), e.failures.streak)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			engineLog.Info("信号引擎已停止")
			return nil
		case <-t.C:
		}
	}
}

// tickInputs 并行读取阶段的结果
type tickInputs struct {
	closes    []float64
	market    *domain.Market
	quote     domain.MarketQuote
	reference *domain.PriceSample
	secondary *domain.PriceSample
	heuristic domain.HeuristicScore
}

// Tick 执行一次完整的读取与融合；必需数据源失败时返回错误且不产生快照
func (e *Engine) Tick(ctx context.Context) (*Snapshot, error) {
	in, err := e.gather(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now()
	snap := e.fuse(ctx, now, in)
	e.dispatch(ctx, snap)
	e.last.Store(snap)
	for _, o := range e.deps.Observers {
		o.OnTick(snap)
	}
	return snap, nil
}

func (e *Engine) gather(ctx context.Context) (tickInputs, error) {
	var in tickInputs
	if s, ok := e.deps.Reference.Latest(); ok {
		in.reference = &s
	}
	if e.deps.Secondary != nil {
		if s, ok := e.deps.Secondary.Latest(); ok {
			in.secondary = &s
		}
	}

	g := syncgroup.NewSyncGroup(ctx)
	g.Go("klines", func(ctx context.Context) error {
		closes, err := e.deps.Series.Closes(ctx)
		in.closes = closes
		return err
	})
	g.Go("market", func(ctx context.Context) error {
		m, q, err := e.deps.Market.Snapshot(ctx)
		in.market, in.quote = m, q
		return err
	})
	if in.reference == nil {
		g.Go("reference", func(ctx context.Context) error {
			s, err := e.deps.Reference.Fetch(ctx)
			if err != nil {
				return err
			}
			if s.Valid() {
				in.reference = &s
			}
			return nil
		})
	}
	if in.secondary == nil && e.deps.Secondary != nil {
		g.GoOptional("secondary", func(ctx context.Context) error {
			s, err := e.deps.Secondary.Fetch(ctx)
			if err != nil {
				return err
			}
			if s.Valid() {
				in.secondary = &s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return in, err
	}
	for _, te := range g.OptionalErrors() {
		engineLog.Debugf("可选数据源失败: %v", te)
	}

	if e.deps.Heuristic != nil {
		left := computeTiming(e.now(), e.cfg.Window, in.market).TimeLeftMin
		score, err := e.deps.Heuristic.ScoreUp(ctx, domain.HeuristicInput{Closes: in.closes, TimeLeftMin: &left})
		if err != nil {
			engineLog.Debugf("启发式打分失败: %v", err)
		} else {
			in.heuristic = score
		}
	}
	return in, nil
}

// fuse 数值融合与策略求值
func (e *Engine) fuse(ctx context.Context, now time.Time, in tickInputs) *Snapshot {
	snap := &Snapshot{
		At:        now,
		Market:    in.market,
		Quote:     in.quote,
		Reference: in.reference,
		Secondary: in.secondary,
		Heuristic: in.heuristic,
		Timing:    computeTiming(now, e.cfg.Window, in.market),
	}
	slug := ""
	var start time.Time
	if m := in.market; m != nil {
		slug = m.Slug
		start = m.StartTime
		snap.Slug = m.Slug
		snap.Title = m.Question
		snap.DeclaredStrike = m.Strike
		snap.Liquidity = m.Liquidity
		snap.Spread = combineSpread(m.Up.Spread, m.Down.Spread)
	}
	e.onSlug(ctx, slug)

	var refPtr, secPtr *float64
	if in.reference != nil {
		refPtr = in.reference.PtrPrice()
	}
	if in.secondary != nil {
		secPtr = in.secondary.PtrPrice()
	}

	// strike 锁定
	prevLatch := e.deps.Latch.Snapshot()
	wasLatched := slug != "" && prevLatch.Slug == slug && prevLatch.Strike != nil
	snap.Strike = e.deps.Latch.Observe(slug, refPtr, start, now)
	if snap.Strike != nil && !wasLatched {
		engineLog.Infof("🎯 strike 已锁定: slug=%s K=%.4f", slug, *snap.Strike)
		e.persist(strikeKeyPrefix+slug, e.deps.Latch.Snapshot())
	}

	// 波动率
	est := quant.EstimateSigma(in.closes, e.cfg.SigmaLookback, e.cfg.MinSamples)
	snap.Samples = est.SampleCount
	switch {
	case est.Valid:
		snap.Sigma, snap.SigmaFrom = quant.Ptr(est.Sigma), "estimate"
	case e.cfg.SigmaMin > 0:
		snap.Sigma, snap.SigmaFrom = quant.Ptr(e.cfg.SigmaMin), "floor"
	}

	// 量化概率 + 合成
	tSec := snap.Timing.TSec
	var quantUp *float64
	if s, okS := quant.Value(refPtr); okS {
		k, okK := quant.Value(snap.Strike)
		sig, okSig := quant.Value(snap.Sigma)
		if okK && okSig {
			if res, ok := quant.ProbUp(s, k, tSec, sig); ok {
				snap.Quant = &res
				quantUp = quant.Ptr(res.PUp)
			}
		}
	}
	snap.Model = quant.Blend(quantUp, in.heuristic.Up, e.cfg.Weight)

	snap.Edge = signal.ComputeEdge(snap.ModelUp(), snap.ModelDown(), in.quote.Up, in.quote.Down)
	left := snap.Timing.TimeLeftMin
	rec := signal.Decide(signal.DecisionInput{
		RemainingMinutes: &left,
		EdgeUp:           snap.Edge.EdgeUp,
		EdgeDown:         snap.Edge.EdgeDown,
		ModelUp:          snap.ModelUp(),
		ModelDown:        snap.ModelDown(),
	})
	snap.Recommendation = signal.ApplySafety(rec, signal.SafetyInput{
		Enabled:        e.cfg.SafeNoTradeWithoutQuant,
		QuantAvailable: snap.Quant != nil,
		Strike:         snap.Strike,
		Reference:      refPtr,
		Sigma:          snap.Sigma,
	})

	// 策略状态机：结算后 SecondsLeft <= 0，状态机返回 CLOSED
	secondsLeft := snap.Timing.SecondsLeft
	snap.Strategy = e.deps.Strategy.Decide(quantscalp.Input{
		Slug:            slug,
		TSec:            &secondsLeft,
		Sigma:           snap.Sigma,
		Spread:          snap.Spread,
		Liquidity:       snap.Liquidity,
		EdgeUp:          snap.Edge.EdgeUp,
		EdgeDown:        snap.Edge.EdgeDown,
		PModelUp:        snap.ModelUp(),
		PModelDown:      snap.ModelDown(),
		MarketUpPrice:   in.quote.Up,
		MarketDownPrice: in.quote.Down,
		ReferencePrice:  refPtr,
		SecondaryPrice:  secPtr,
		Strike:          snap.Strike,
	})
	if len(snap.Strategy.Actions) > 0 {
		if st, ok := e.deps.Strategy.State(slug); ok {
			e.persist(strategyKeyPrefix+slug, st)
		}
	}

	snap.Projection = signal.ProjectPolyFuture(signal.ProjectionInput{
		MarketUp:   in.quote.Up,
		MarketDown: in.quote.Down,
		Reference:  refPtr,
		Secondary:  secPtr,
		Strike:     snap.Strike,
		Sigma:      snap.Sigma,
		TSec:       &tSec,
		WModel:     quant.Clamp(e.cfg.Weight, 0, 1),
	})

	// strike 未锁定期间落盘一次原始市场，便于排查字段
	if in.market != nil && snap.Strike == nil && e.deps.Dumper != nil && !e.dumped[slug] {
		e.dumped[slug] = true
		if err := e.deps.Dumper.DumpMarket(slug, in.market.Raw); err != nil {
			engineLog.Debugf("市场落盘失败: %v", err)
		}
	}

	snap.Row = buildRow(snap)
	return snap
}

// dispatch 动作交给执行器，信号写入日志
func (e *Engine) dispatch(ctx context.Context, snap *Snapshot) {
	for _, act := range snap.Strategy.Actions {
		res := ActionResult{Action: act, Skipped: "no_sink"}
		if e.deps.Sink != nil {
			r, err := e.deps.Sink.Handle(ctx, ActionEvent{
				At:     snap.At,
				Slug:   snap.Slug,
				Market: snap.Market,
				Action: act,
				Quote:  snap.Quote,
				Edge:   snap.Edge,
			})
			res = r
			res.Action = act
			if err != nil {
				res.Error = err.Error()
				engineLog.Warnf("执行动作失败: %s %s %s: %v", act.Type, act.Tag, act.Side, err)
			}
		}
		snap.Results = append(snap.Results, res)
	}
	if e.deps.Journal != nil {
		if err := e.deps.Journal.Record(ctx, snap); err != nil {
			engineLog.Warnf("写入信号日志失败: %v", err)
		}
	}
}

// onSlug 市场切换：通知回调，并从存储中恢复该 slug 的状态（每个 slug 一次）
func (e *Engine) onSlug(ctx context.Context, slug string) {
	if slug == "" || slug == e.currentSlug {
		return
	}
	prev := e.currentSlug
	e.currentSlug = slug
	engineLog.Infof("🔄 市场切换: %s -> %s", prev, slug)
	if e.deps.OnMarketChange != nil {
		e.deps.OnMarketChange(prev, slug)
	}
	if e.deps.Store == nil || e.restored[slug] {
		return
	}
	e.restored[slug] = true

	var ls strike.State
	if ok, err := e.deps.Store.GetJSON(strikeKeyPrefix+slug, &ls); err != nil {
		engineLog.Warnf("读取 strike 状态失败: %v", err)
	} else if ok && ls.Slug == slug && e.deps.Latch.Restore(ls) {
		engineLog.Infof("♻️ 恢复 strike: slug=%s", slug)
	}
	var st quantscalp.State
	if ok, err := e.deps.Store.GetJSON(strategyKeyPrefix+slug, &st); err != nil {
		engineLog.Warnf("读取策略状态失败: %v", err)
	} else if ok && e.deps.Strategy.Restore(slug, st) {
		engineLog.Infof("♻️ 恢复策略状态: slug=%s", slug)
	}
}

func (e *Engine) persist(key string, v any) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.PutJSON(key, v, stateTTL); err != nil {
		engineLog.Warnf("保存状态失败 key=%s: %v", key, err)
	}
}

// combineSpread 两侧都有取较大值，否则取存在的一侧
func combineSpread(up, down *float64) *float64 {
	u, okU := quant.Value(up)
	d, okD := quant.Value(down)
	switch {
	case okU && okD:
		return quant.Ptr(math.Max(u, d))
	case okU:
		return quant.Ptr(u)
	case okD:
		return quant.Ptr(d)
	}
	return nil
}
