package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/signal"
	"github.com/betbot/quantsignal/internal/strategies/quantscalp"
	"github.com/betbot/quantsignal/internal/strike"
	"github.com/betbot/quantsignal/pkg/quant"
)

var testNow = time.Date(2023, 11, 14, 22, 20, 0, 0, time.UTC)

// noisyCloses 围绕 100 交替 ±0.05% 的收盘价
func noisyCloses(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 * math.Exp(0.0005*float64(1-2*(i%2)))
	}
	return out
}

type fakeSeries struct {
	closes []float64
	err    error
	calls  int
	onCall func(n int)
	mu     sync.Mutex
}

func (f *fakeSeries) Closes(context.Context) ([]float64, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(n)
	}
	return f.closes, f.err
}

type fakeFeed struct {
	latest  *domain.PriceSample
	fetched domain.PriceSample
	err     error
	fetches int
}

func (f *fakeFeed) Latest() (domain.PriceSample, bool) {
	if f.latest == nil {
		return domain.PriceSample{}, false
	}
	return *f.latest, true
}

func (f *fakeFeed) Fetch(context.Context) (domain.PriceSample, error) {
	f.fetches++
	return f.fetched, f.err
}

type fakeMarket struct {
	market *domain.Market
	quote  domain.MarketQuote
	err    error
}

func (f *fakeMarket) Snapshot(context.Context) (*domain.Market, domain.MarketQuote, error) {
	return f.market, f.quote, f.err
}

type recordingSink struct{ events []ActionEvent }

func (s *recordingSink) Handle(_ context.Context, ev ActionEvent) (ActionResult, error) {
	s.events = append(s.events, ev)
	return ActionResult{Submitted: true, DryRun: true}, nil
}

type recordingJournal struct {
	rows  []SignalRow
	dumps map[string]int
}

func (j *recordingJournal) Record(_ context.Context, s *Snapshot) error {
	j.rows = append(j.rows, s.Row)
	return nil
}

func (j *recordingJournal) DumpMarket(slug string, _ map[string]any) error {
	if j.dumps == nil {
		j.dumps = map[string]int{}
	}
	j.dumps[slug]++
	return nil
}

type memStore struct{ data map[string][]byte }

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (m *memStore) GetJSON(key string, out any) (bool, error) {
	b, ok := m.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, out)
}

func (m *memStore) PutJSON(key string, v any, _ time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.data[key] = b
	return nil
}

func testMarket() *domain.Market {
	return &domain.Market{
		Slug:           "btc-updown-15m-1699999200",
		Question:       "Bitcoin Up or Down",
		StartTime:      testNow.Add(-5 * time.Minute),
		SettlementTime: testNow.Add(5 * time.Minute),
		UpTokenID:      "111",
		DownTokenID:    "222",
		Up:             domain.BookSummary{Spread: quant.Ptr(0.01)},
		Down:           domain.BookSummary{Spread: quant.Ptr(0.02)},
		Liquidity:      quant.Ptr(1000),
		Raw:            map[string]any{"slug": "btc-updown-15m-1699999200"},
	}
}

type harness struct {
	series  *fakeSeries
	ref     *fakeFeed
	market  *fakeMarket
	sink    *recordingSink
	journal *recordingJournal
	store   *memStore
	deps    Deps
}

func newHarness() *harness {
	h := &harness{
		series:  &fakeSeries{closes: noisyCloses(130)},
		ref:     &fakeFeed{latest: &domain.PriceSample{Price: 100, Source: domain.SourcePolymarketWS}},
		market:  &fakeMarket{market: testMarket(), quote: domain.MarketQuote{Up: quant.Ptr(0.38), Down: quant.Ptr(0.62)}},
		sink:    &recordingSink{},
		journal: &recordingJournal{},
		store:   newMemStore(),
	}
	h.deps = Deps{
		Series:    h.series,
		Reference: h.ref,
		Market:    h.market,
		Sink:      h.sink,
		Journal:   h.journal,
		Dumper:    h.journal,
		Store:     h.store,
	}
	return h
}

func (h *harness) engine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg, h.deps, WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	return e
}

func TestTick_FusesAllStages(t *testing.T) {
	h := newHarness()
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "btc-updown-15m-1699999200", snap.Slug)
	require.NotNil(t, snap.Strike)
	assert.Equal(t, 100.0, *snap.Strike)
	assert.Equal(t, "estimate", snap.SigmaFrom)
	assert.Equal(t, 300.0, snap.Timing.TSec)
	assert.InDelta(t, 5.0, snap.Timing.TimeLeftMin, 1e-9)
	assert.InDelta(t, 5.0, snap.Timing.ElapsedMin, 1e-9)

	// S == K：量化概率 0.5；无启发式时只用量化
	require.NotNil(t, snap.Model)
	assert.Equal(t, quant.ModeQuantOnly, snap.Model.Mode)
	assert.InDelta(t, 0.5, snap.Model.PUp, 1e-6)
	assert.InDelta(t, 0.12, *snap.Edge.EdgeUp, 1e-6)
	assert.InDelta(t, -0.12, *snap.Edge.EdgeDown, 1e-6)

	assert.Equal(t, "UP:MID:HIGH", snap.Recommendation.String())
	assert.Equal(t, 0.02, *snap.Spread)

	// MID 阈值 scalp
	require.Len(t, snap.Strategy.Actions, 1)
	act := snap.Strategy.Actions[0]
	assert.Equal(t, domain.ActionOpen, act.Type)
	assert.Equal(t, domain.TagScalp, act.Tag)
	assert.True(t, strings.HasPrefix(act.Reason, "EDGE_UP_"))
	require.Len(t, h.sink.events, 1)
	assert.Equal(t, "111", h.sink.events[0].Market.TokenID(h.sink.events[0].Action.Side))
	require.Len(t, snap.Results, 1)
	assert.True(t, snap.Results[0].Submitted)

	require.Len(t, h.journal.rows, 1)
	row := h.journal.rows[0]
	assert.Equal(t, SignalBuyUp, row.Signal)
	assert.Equal(t, "UP:MID:HIGH", row.Recommendation)
	assert.Equal(t, "-", row.Regime)
	assert.Equal(t, signal.ProjectionBuyUpFast, row.PolyFutureStrategy)

	// strike 已锁定：不落盘市场
	assert.Empty(t, h.journal.dumps)
	assert.Contains(t, h.store.data, "strike/btc-updown-15m-1699999200")
	assert.Contains(t, h.store.data, "strategy/btc-updown-15m-1699999200")
	assert.Same(t, snap, e.Last())

	// 第二个 tick：scalp 已尝试，不再重复开仓
	snap, err = e.Tick(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Strategy.Actions)
	assert.Len(t, h.sink.events, 1)
}

func TestTick_SafetyWithoutReference(t *testing.T) {
	h := newHarness()
	h.ref.latest = nil
	h.ref.fetched = domain.PriceSample{} // 无效价格
	e := h.engine(t, DefaultConfig())

	for i := 0; i < 2; i++ {
		snap, err := e.Tick(context.Background())
		require.NoError(t, err)
		assert.Nil(t, snap.Strike)
		assert.Nil(t, snap.Quant)
		assert.Equal(t, signal.PhaseSafe, snap.Recommendation.Phase)
		assert.Equal(t, SignalNoTrade, snap.Row.Signal)
		assert.Equal(t, "NO_TRADE", snap.Row.Recommendation)
	}
	assert.Equal(t, 2, h.ref.fetches, "流为空时每个 tick 拉取一次")
	// strike 未锁定：每个 slug 只落盘一次
	assert.Equal(t, 1, h.journal.dumps["btc-updown-15m-1699999200"])
}

func TestTick_SafetyDisabledKeepsRecommendation(t *testing.T) {
	h := newHarness()
	h.ref.latest = nil
	cfg := DefaultConfig()
	cfg.SafeNoTradeWithoutQuant = false
	e := h.engine(t, cfg)

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	// 无量化也无启发式：模型缺失，edge 为空，NO_TRADE 但不是 SAFE
	assert.Nil(t, snap.Model)
	assert.Equal(t, signal.ActionNoTrade, snap.Recommendation.Action)
	assert.Equal(t, signal.PhaseMid, snap.Recommendation.Phase)
}

func TestTick_MandatoryFailureAborts(t *testing.T) {
	h := newHarness()
	h.series.err = errors.New("binance down")
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.Error(t, err)
	assert.Nil(t, snap)
	assert.Contains(t, err.Error(), "binance down")
	assert.Empty(t, h.journal.rows)
	assert.Nil(t, e.Last())

	h = newHarness()
	h.market.err = errors.New("gamma 502")
	_, err = h.engine(t, DefaultConfig()).Tick(context.Background())
	require.Error(t, err)
}

func TestTick_OptionalSecondaryFailureIgnored(t *testing.T) {
	h := newHarness()
	h.deps.Secondary = &fakeFeed{err: errors.New("ticker timeout")}
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Secondary)
}

func TestTick_SigmaFloor(t *testing.T) {
	h := newHarness()
	h.series.closes = []float64{100, 100.1}
	cfg := DefaultConfig()
	cfg.SigmaMin = 2e-4
	e := h.engine(t, cfg)

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Sigma)
	assert.Equal(t, 2e-4, *snap.Sigma)
	assert.Equal(t, "floor", snap.SigmaFrom)

	cfg.SigmaMin = 0
	h2 := newHarness()
	h2.series.closes = nil
	snap, err = h2.engine(t, cfg).Tick(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Sigma)
	assert.Equal(t, signal.PhaseSafe, snap.Recommendation.Phase)
}

func TestTick_NoMarket(t *testing.T) {
	h := newHarness()
	h.market.market = nil
	h.market.quote = domain.MarketQuote{}
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "", snap.Slug)
	assert.Nil(t, snap.Strike)
	assert.Equal(t, quantscalp.NoteMissingMarket, snap.Strategy.Note)
	// 没有结算时间：按 15m 窗口计时
	assert.InDelta(t, 10.0, snap.Timing.TimeLeftMin, 1e-9)
	assert.Nil(t, snap.Timing.SettlementLeftMin)
}

func TestTick_RestoresPersistedState(t *testing.T) {
	h := newHarness()
	slug := testMarket().Slug
	require.NoError(t, h.store.PutJSON("strike/"+slug, strike.State{Slug: slug, Strike: quant.Ptr(99.5), LatchedAt: testNow.Add(-4 * time.Minute)}, 0))
	require.NoError(t, h.store.PutJSON("strategy/"+slug, quantscalp.State{DidScalp: true, SettlesAt: testNow.Add(5 * time.Minute)}, 0))

	var changes []string
	h.deps.OnMarketChange = func(prev, next string) { changes = append(changes, prev+">"+next) }
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Strike)
	assert.Equal(t, 99.5, *snap.Strike, "重启后沿用已锁定的 strike")
	assert.Empty(t, snap.Strategy.Actions, "scalp 已做过")
	assert.Equal(t, []string{">" + slug}, changes)
}

func TestTick_SettledMarketClosesStrategy(t *testing.T) {
	h := newHarness()
	m := testMarket()
	m.SettlementTime = testNow.Add(-10 * time.Second)
	h.market.market = m
	e := h.engine(t, DefaultConfig())

	snap, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, snap.Timing.TSec)
	assert.Equal(t, quantscalp.PhaseClosed, snap.Strategy.Phase)
	assert.Equal(t, quantscalp.NoteMarketEnded, snap.Strategy.Note)
}

type countingObserver struct {
	mu     sync.Mutex
	ticks  int
	errors int
}

func (o *countingObserver) OnTick(*Snapshot) {
	o.mu.Lock()
	o.ticks++
	o.mu.Unlock()
}

func (o *countingObserver) OnTickError(error, int) {
	o.mu.Lock()
	o.errors++
	o.mu.Unlock()
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.series.onCall = func(n int) {
		if n >= 3 {
			cancel()
		}
	}
	obs := &countingObserver{}
	h.deps.Observers = []Observer{obs}
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	e := h.engine(t, cfg)

	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.GreaterOrEqual(t, obs.ticks, 2)
}

func TestNew_RequiresProviders(t *testing.T) {
	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}

func TestCombineSpread(t *testing.T) {
	assert.Equal(t, 0.03, *combineSpread(quant.Ptr(0.01), quant.Ptr(0.03)))
	assert.Equal(t, 0.01, *combineSpread(quant.Ptr(0.01), nil))
	assert.Equal(t, 0.02, *combineSpread(nil, quant.Ptr(0.02)))
	assert.Nil(t, combineSpread(nil, nil))
}
