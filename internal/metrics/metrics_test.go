package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/engine"
	"github.com/betbot/quantsignal/internal/strategies/quantscalp"
)

type staticSource struct{ s *engine.Snapshot }

func (s staticSource) Last() *engine.Snapshot { return s.s }

func sampleSnapshot() *engine.Snapshot {
	return &engine.Snapshot{
		At:   time.Date(2023, 11, 14, 22, 20, 0, 0, time.UTC),
		Slug: "btc-updown-15m-1699999200",
		Strategy: quantscalp.Decision{
			Phase:   quantscalp.PhaseMid,
			Actions: []domain.TradeAction{{Type: domain.ActionOpen}, {Type: domain.ActionClose}},
		},
		Results: []engine.ActionResult{
			{Submitted: true},
			{Skipped: "close_not_submitted"},
		},
	}
}

func TestRecorder_Counts(t *testing.T) {
	ticks, actions := Ticks.Value(), Actions.Value()
	submitted, skipped, tickErrs := OrdersSubmitted.Value(), OrdersSkipped.Value(), TickErrors.Value()

	r := NewRecorder()
	r.OnTickError(errors.New("x"), 3)
	assert.Equal(t, int64(3), ErrorStreak.Value())

	r.OnTick(sampleSnapshot())
	r.OnTick(nil)

	assert.Equal(t, ticks+1, Ticks.Value())
	assert.Equal(t, actions+2, Actions.Value())
	assert.Equal(t, submitted+1, OrdersSubmitted.Value())
	assert.Equal(t, skipped+1, OrdersSkipped.Value())
	assert.Equal(t, tickErrs+1, TickErrors.Value())
	assert.Equal(t, int64(0), ErrorStreak.Value())
	assert.Equal(t, "btc-updown-15m-1699999200", MarketSlug.Value())
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRouter_Snapshot(t *testing.T) {
	r := NewRouter(staticSource{}, nil)
	w := get(t, r, "/snapshot")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	r = NewRouter(staticSource{s: sampleSnapshot()}, func() map[string]any {
		return map[string]any{"breaker": "closed"}
	})
	w = get(t, r, "/snapshot")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "btc-updown-15m-1699999200", body["slug"])

	w = get(t, r, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)
	body = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["breaker"])
}

func TestRouter_DebugVars(t *testing.T) {
	w := get(t, NewRouter(staticSource{}, nil), "/debug/vars")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ticks"`)
}

func TestStartAsync_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := StartAsync(ctx, "127.0.0.1:0", NewRouter(staticSource{}, nil))
	require.NoError(t, err)
	require.NotNil(t, srv)
	cancel()
}
