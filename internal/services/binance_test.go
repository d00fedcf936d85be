package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
	sdkhttp "github.com/betbot/quantsignal/pkg/sdk/http"
)

func TestBinanceClient_KlinesAndTicker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v3/klines":
			assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
			assert.Equal(t, "1m", r.URL.Query().Get("interval"))
			assert.Equal(t, "3", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[
				[1700000000000,"100.0","101.0","99.0","100.5","12.3",1700000059999,"0",1,"0","0","0"],
				[1700000060000,"100.5","102.0","100.0","101.5","8.1",1700000119999,"0",1,"0","0","0"],
				[1700000120000,"bad","102.0","100.0","101.5","8.1"],
				[1700000180000,"101.5","103.0","101.0","102.25","4.0",1700000239999,"0",1,"0","0","0"]
			]`))
		case "/api/v3/ticker/price":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"64123.45"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewBinanceClient(sdkhttp.NewClient(srv.URL, sdkhttp.Options{}), "btcusdt", 3)
	closes, err := c.Closes(context.Background())
	require.NoError(t, err)
	// 无法解析的行被跳过
	assert.Equal(t, []float64{100.5, 101.5, 102.25}, closes)

	p, err := c.LastPrice(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 64123.45, p.Price)
	assert.Equal(t, domain.SourceBinanceREST, p.Source)
}

func TestBinanceClient_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewBinanceClient(sdkhttp.NewClient(srv.URL, sdkhttp.Options{}), "BTCUSDT", 0)
	_, err := c.Closes(context.Background())
	require.Error(t, err)
	assert.True(t, sdkhttp.IsStatus(err, http.StatusBadRequest))
}

func TestParseBinanceTrade(t *testing.T) {
	s, ok := parseBinanceTrade([]byte(`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":1,"p":"64000.10","q":"0.01","T":1700000000000,"m":true,"M":true}`))
	require.True(t, ok)
	assert.Equal(t, 64000.10, s.Price)
	assert.Equal(t, time.UnixMilli(1700000000000), s.At)

	// 缺少成交时间时用事件时间
	s, ok = parseBinanceTrade([]byte(`{"e":"trade","E":1700000000005,"p":"64001"}`))
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000005), s.At)

	_, ok = parseBinanceTrade([]byte(`{"e":"aggTrade","p":"1"}`))
	assert.False(t, ok)
	_, ok = parseBinanceTrade([]byte(`{"e":"trade","p":"0"}`))
	assert.False(t, ok)
	_, ok = parseBinanceTrade([]byte(`not json`))
	assert.False(t, ok)
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func TestBinanceTradeStream_ReceivesTrades(t *testing.T) {
	paths := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		paths <- r.URL.Path
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"e":"trade","E":1700000000001,"s":"BTCUSDT","t":12345,"p":"65000.5","q":"0.002","T":1700000000000,"m":false,"M":true}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewBinanceTradeStream("ws"+strings.TrimPrefix(srv.URL, "http"), "BTCUSDT", "", nil)
	_, ok := s.Latest()
	require.False(t, ok)
	s.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	got, _ := s.Latest()
	assert.Equal(t, 65000.5, got.Price)
	assert.Equal(t, domain.SourceBinanceWS, got.Source)
	assert.Equal(t, "/btcusdt@trade", <-paths)

	_, err := s.Fetch(ctx)
	assert.Error(t, err, "未配置 REST 时 Fetch 报错")
}
