package quantscalp

import (
	"testing"
	"time"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/pkg/quant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStore_EvictAfterSettlementGrace(t *testing.T) {
	s := NewStateStore(10, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	s.getOrCreate("a", now, 60) // 结算于 now+60s
	s.getOrCreate("b", now, 900)

	assert.Empty(t, s.Evict(now.Add(119*time.Second), ""))
	assert.Equal(t, []string{"a"}, s.Evict(now.Add(121*time.Second), ""))
	assert.Equal(t, 1, s.Len())

	// keep 永远保留
	assert.Empty(t, s.Evict(now.Add(time.Hour), "b"))
}

func TestStateStore_SizeCapEvictsLeastRecentlySeen(t *testing.T) {
	s := NewStateStore(2, time.Hour)
	now := time.Unix(1_700_000_000, 0)
	s.getOrCreate("a", now, 900)
	s.getOrCreate("b", now.Add(time.Second), 900)
	s.getOrCreate("c", now.Add(2*time.Second), 900)

	evicted := s.Evict(now.Add(3*time.Second), "c")
	assert.Equal(t, []string{"a"}, evicted)
	_, ok := s.Get("b")
	assert.True(t, ok)
}

func TestStateStore_GetReturnsCopy(t *testing.T) {
	s := NewStateStore(0, 0)
	st := s.getOrCreate("a", time.Now(), 100)
	st.ScalpPosition = &domain.Position{Side: domain.SideUp, EntryPrice: 0.4}

	cp, ok := s.Get("a")
	require.True(t, ok)
	cp.ScalpPosition.EntryPrice = 0.9
	orig, _ := s.Get("a")
	assert.Equal(t, 0.4, orig.ScalpPosition.EntryPrice)
}

func TestEngine_EvictsSettledMarkets(t *testing.T) {
	e, clk := newTestEngine()
	in := healthy(30)
	in.Slug = "old"
	e.Decide(in)
	require.Equal(t, 1, e.StateCount())

	clk.Advance(10 * time.Minute)
	in = healthy(800)
	in.Slug = "new"
	e.Decide(in)
	assert.Equal(t, 1, e.StateCount())
	_, ok := e.State("old")
	assert.False(t, ok)
}

func TestEngine_RestoreKeepsOneShotFlags(t *testing.T) {
	e, _ := newTestEngine()
	require.True(t, e.Restore("m", State{DidScalp: true, ScalpClosed: true}))
	assert.False(t, e.Restore("m", State{}))

	in := healthy(300)
	in.Slug = "m"
	in.EdgeUp = quant.Ptr(0.5)
	assert.Empty(t, e.Decide(in).Actions)
}
