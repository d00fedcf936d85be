package quantscalp

import (
	"testing"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/pkg/quant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine() (*Engine, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return NewEngine(DefaultConfig(), WithClock(clk.Now)), clk
}

// healthy 风控全部通过的基础快照
func healthy(tSec float64) Input {
	return Input{
		Slug:      "btc-updown-15m-1700000000",
		TSec:      quant.Ptr(tSec),
		Sigma:     quant.Ptr(1e-4),
		Spread:    quant.Ptr(0.01),
		Liquidity: quant.Ptr(10),
	}
}

func countOpen(actions []domain.TradeAction, tag domain.PositionTag) int {
	n := 0
	for _, a := range actions {
		if a.Type == domain.ActionOpen && a.Tag == tag {
			n++
		}
	}
	return n
}

func TestDecide_MissingMarketAndEnded(t *testing.T) {
	e, _ := newTestEngine()

	d := e.Decide(Input{TSec: quant.Ptr(100)})
	assert.Equal(t, PhaseUnknown, d.Phase)
	assert.Equal(t, NoteMissingMarket, d.Note)
	assert.Empty(t, d.Actions)

	in := healthy(0)
	d = e.Decide(in)
	assert.Equal(t, PhaseClosed, d.Phase)
	assert.Equal(t, NoteMarketEnded, d.Note)
	in.TSec = nil
	d = e.Decide(in)
	assert.Equal(t, PhaseClosed, d.Phase)
	// 不产生状态
	assert.Equal(t, 0, e.StateCount())
}

func TestDecide_ThresholdScalpOnce(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(200)
	in.EdgeUp = quant.Ptr(0.016)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	a := d.Actions[0]
	assert.Equal(t, domain.ActionOpen, a.Type)
	assert.Equal(t, domain.TagScalp, a.Tag)
	assert.Equal(t, domain.SideUp, a.Side)
	assert.Equal(t, "EDGE_UP_0.015", a.Reason)
	assert.Equal(t, 1.0, a.SizeUSD)
	assert.Equal(t, PhaseMid, d.Phase)
	assert.Equal(t, NoteOK, d.Note)

	clk.Advance(time.Second)
	d = e.Decide(in)
	assert.Equal(t, 0, countOpen(d.Actions, domain.TagScalp))
}

func TestDecide_ThresholdByPhase(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(700) // EARLY 门槛 0.02
	in.EdgeUp = quant.Ptr(0.016)
	assert.Empty(t, e.Decide(in).Actions)

	in.EdgeDown = quant.Ptr(0.021)
	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, domain.SideDown, d.Actions[0].Side)
	assert.Equal(t, "EDGE_DOWN_0.02", d.Actions[0].Reason)
}

func TestDecide_TakeProfitThenNoReentry(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(300)
	in.EdgeUp = quant.Ptr(0.03)
	in.MarketUpPrice = quant.Ptr(0.50)
	in.MarketDownPrice = quant.Ptr(0.50)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	st, ok := e.State(in.Slug)
	require.True(t, ok)
	require.NotNil(t, st.ScalpPosition)
	assert.Equal(t, 0.50, st.ScalpPosition.EntryPrice)

	clk.Advance(5 * time.Second)
	in.MarketUpPrice = quant.Ptr(0.52)
	d = e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, domain.ActionClose, d.Actions[0].Type)
	assert.Equal(t, domain.TagScalp, d.Actions[0].Tag)
	assert.Equal(t, ReasonTakeProfit, d.Actions[0].Reason)

	st, _ = e.State(in.Slug)
	assert.True(t, st.ScalpClosed)
	assert.Nil(t, st.ScalpPosition)

	// 即使 edge 依旧满足也不再开 scalp
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
		assert.Equal(t, 0, countOpen(e.Decide(in).Actions, domain.TagScalp))
	}
}

func TestDecide_StopLossAndTimeout(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(400)
	in.EdgeDown = quant.Ptr(0.03)
	in.MarketDownPrice = quant.Ptr(0.40)
	require.Len(t, e.Decide(in).Actions, 1)

	in.MarketDownPrice = quant.Ptr(0.37)
	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonStopLoss, d.Actions[0].Reason)
	assert.Equal(t, domain.SideDown, d.Actions[0].Side)

	e2, clk2 := newTestEngine()
	in.Slug = "other"
	in.MarketDownPrice = quant.Ptr(0.40)
	require.Len(t, e2.Decide(in).Actions, 1)
	clk2.Advance(121 * time.Second)
	d = e2.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonTimeout, d.Actions[0].Reason)
	_ = clk
}

func TestDecide_ExitNeedsCurrentPrice(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(400)
	in.EdgeUp = quant.Ptr(0.03)
	require.Len(t, e.Decide(in).Actions, 1)

	// 没有当前价：即便超时也不平仓
	clk.Advance(200 * time.Second)
	assert.Empty(t, e.Decide(in).Actions)
	st, _ := e.State(in.Slug)
	assert.NotNil(t, st.ScalpPosition)
	assert.Equal(t, 0.0, st.ScalpPosition.EntryPrice)
}

func TestDecide_ForcedHold(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(40)
	in.PModelUp = quant.Ptr(0.6)
	in.PModelDown = quant.Ptr(0.4)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, domain.TagHold, d.Actions[0].Tag)
	assert.Equal(t, domain.SideUp, d.Actions[0].Side)
	assert.Equal(t, ReasonForcedHold, d.Actions[0].Reason)
	assert.Equal(t, PhaseLate, d.Phase)
}

func TestDecide_DominanceHold(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(50)
	in.ReferencePrice = quant.Ptr(100.5)
	in.Strike = quant.Ptr(100)
	in.PModelUp = quant.Ptr(0.98)
	in.PModelDown = quant.Ptr(0.02)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonHoldDom, d.Actions[0].Reason)
	assert.Equal(t, domain.SideUp, d.Actions[0].Side)
}

func TestDecide_ProbabilityHoldDown(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(55)
	in.ReferencePrice = quant.Ptr(99.999)
	in.Strike = quant.Ptr(100)
	in.PModelUp = quant.Ptr(0.4)
	in.PModelDown = quant.Ptr(0.6)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonHoldPDown, d.Actions[0].Reason)
	assert.Equal(t, domain.SideDown, d.Actions[0].Side)
}

func TestDecide_ForcedScalpTieGoesUp(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(120)
	in.Spread = quant.Ptr(0.028) // scalpSpreadOk=false，阈值 scalp 不会触发
	in.EdgeUp = quant.Ptr(0.05)
	in.EdgeDown = quant.Ptr(0.05)

	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonForcedScalp, d.Actions[0].Reason)
	assert.Equal(t, domain.SideUp, d.Actions[0].Side)

	e2, _ := newTestEngine()
	in.EdgeUp, in.EdgeDown = nil, nil
	d = e2.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, domain.SideUp, d.Actions[0].Side)
}

func TestDecide_LeadArmAndConfirm(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(500)
	in.Strike = quant.Ptr(100)
	in.SecondaryPrice = quant.Ptr(100.2) // 次级价格已上穿 0.2%
	in.ReferencePrice = quant.Ptr(99.9)  // 参考价尚未穿越

	assert.Empty(t, e.Decide(in).Actions)
	st, _ := e.State(in.Slug)
	require.NotNil(t, st.PendingLead)
	assert.Equal(t, domain.SideUp, st.PendingLead.Side)

	clk.Advance(5 * time.Second)
	in.ReferencePrice = quant.Ptr(100.05)
	in.MarketUpPrice = quant.Ptr(0.55)
	d := e.Decide(in)
	require.Len(t, d.Actions, 1)
	assert.Equal(t, ReasonLeadConfirm, d.Actions[0].Reason)
	assert.Equal(t, domain.SideUp, d.Actions[0].Side)

	st, _ = e.State(in.Slug)
	assert.Nil(t, st.PendingLead)
	assert.True(t, st.DidScalp)
	assert.Equal(t, 0.55, st.ScalpPosition.EntryPrice)
}

func TestDecide_LeadExpires(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(500)
	in.Strike = quant.Ptr(100)
	in.SecondaryPrice = quant.Ptr(99.8)
	in.ReferencePrice = quant.Ptr(100.1)
	e.Decide(in)
	st, _ := e.State(in.Slug)
	require.NotNil(t, st.PendingLead)
	assert.Equal(t, domain.SideDown, st.PendingLead.Side)

	// 次级价格回到 strike 附近，不再重新挂起；21s 后过期清除
	clk.Advance(21 * time.Second)
	in.SecondaryPrice = quant.Ptr(100.05)
	assert.Empty(t, e.Decide(in).Actions)
	st, _ = e.State(in.Slug)
	assert.Nil(t, st.PendingLead)
}

func TestDecide_LeadIgnoresSmallMove(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(500)
	in.Strike = quant.Ptr(100)
	in.SecondaryPrice = quant.Ptr(100.05) // 只有 0.05%
	in.ReferencePrice = quant.Ptr(99.99)
	e.Decide(in)
	st, _ := e.State(in.Slug)
	assert.Nil(t, st.PendingLead)
}

func TestDecide_ExposureCap(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(100)
	in.EdgeUp = quant.Ptr(0.05)
	require.Equal(t, 1, countOpen(e.Decide(in).Actions, domain.TagScalp))

	// 进入 hold 窗口：scalp 仍未平仓（无当前价）
	clk.Advance(50 * time.Second)
	in.TSec = quant.Ptr(50)
	in.PModelUp = quant.Ptr(0.7)
	in.PModelDown = quant.Ptr(0.3)
	in.ReferencePrice = quant.Ptr(101)
	in.Strike = quant.Ptr(100)
	require.Equal(t, 1, countOpen(e.Decide(in).Actions, domain.TagHold))

	st, _ := e.State(in.Slug)
	require.Equal(t, 2, st.Exposure())

	// 满仓：换 slug 之外的任何输入都不会再产生 OPEN
	clk.Advance(time.Second)
	in.TSec = quant.Ptr(40)
	in.EdgeDown = quant.Ptr(0.2)
	in.PModelDown = quant.Ptr(0.99)
	d := e.Decide(in)
	for _, a := range d.Actions {
		assert.NotEqual(t, domain.ActionOpen, a.Type)
	}
}

func TestDecide_RiskFilterNote(t *testing.T) {
	e, _ := newTestEngine()
	in := healthy(300)
	in.Liquidity = quant.Ptr(2)
	in.EdgeUp = quant.Ptr(0.2)
	d := e.Decide(in)
	assert.Equal(t, NoteRiskFilter, d.Note)
	assert.Empty(t, d.Actions)

	in.Liquidity = quant.Ptr(10)
	in.Spread = nil
	assert.Equal(t, NoteRiskFilter, e.Decide(in).Note)
}

func TestDecide_PartialNilSnapshotsAreSafe(t *testing.T) {
	e, clk := newTestEngine()
	for tSec := 900.0; tSec > 0; tSec -= 7 {
		in := Input{Slug: "s", TSec: quant.Ptr(tSec)}
		if int(tSec)%2 == 0 {
			in.Sigma = quant.Ptr(1e-4)
		}
		d := e.Decide(in)
		assert.Empty(t, d.Actions)
		clk.Advance(time.Second)
	}
	st, ok := e.State("s")
	require.True(t, ok)
	assert.Equal(t, 0, st.Exposure())
}

func TestPhaseTable(t *testing.T) {
	cases := map[float64]Phase{601: PhaseEarly, 600: PhaseMid, 181: PhaseMid, 180: PhaseLate, 31: PhaseLate, 30: PhaseUltraLate, 1: PhaseUltraLate}
	for tSec, want := range cases {
		if got := PhaseFromTSec(tSec); got != want {
			t.Fatalf("tSec=%v got=%s want=%s", tSec, got, want)
		}
	}
	assert.Equal(t, 0.02, ScalpThreshold(PhaseEarly))
	assert.Equal(t, 0.015, ScalpThreshold(PhaseMid))
	assert.Equal(t, 0.01, ScalpThreshold(PhaseLate))
	assert.Equal(t, 0.01, ScalpThreshold(PhaseUltraLate))
}
