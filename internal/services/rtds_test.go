package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/quantsignal/internal/domain"
)

func TestRTDS_SubscribeMessage(t *testing.T) {
	s := NewRTDSChainlinkStream("", "BTC/USD", nil, "")
	raw, err := s.subscribeMessage()
	require.NoError(t, err)

	var msg struct {
		Action        string `json:"action"`
		Subscriptions []struct {
			Topic   string `json:"topic"`
			Type    string `json:"type"`
			Filters string `json:"filters"`
		} `json:"subscriptions"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "subscribe", msg.Action)
	require.Len(t, msg.Subscriptions, 1)
	assert.Equal(t, "crypto_prices_chainlink", msg.Subscriptions[0].Topic)
	assert.Equal(t, "*", msg.Subscriptions[0].Type)
	// filters 本身是 JSON 字符串
	assert.JSONEq(t, `{"symbol":"btc/usd"}`, msg.Subscriptions[0].Filters)
}

func TestRTDS_Parse(t *testing.T) {
	s := NewRTDSChainlinkStream("", "btc/usd", []string{"BTC"}, "")

	got, ok := s.parse([]byte(`{"topic":"crypto_prices_chainlink","type":"update","payload":{"symbol":"btc/usd","timestamp":1700000000000,"value":65000.5}}`))
	require.True(t, ok)
	assert.Equal(t, 65000.5, got.Price)
	assert.Equal(t, domain.SourcePolymarketWS, got.Source)
	assert.Equal(t, time.UnixMilli(1700000000000), got.At)

	// 字符串数值 + 宽松 symbol 匹配
	got, ok = s.parse([]byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"BTCUSD","value":"64999.25"}}`))
	require.True(t, ok)
	assert.Equal(t, 64999.25, got.Price)

	for _, m := range []string{
		`PONG`,
		``,
		`{"topic":"crypto_prices_chainlink","payload":{"symbol":"eth/usd","value":3000}}`,
		`{"topic":"crypto_prices","payload":{"symbol":"btc/usd","value":65000}}`,
		`{"topic":"crypto_prices_chainlink","payload":{"symbol":"btc/usd","value":"abc"}}`,
	} {
		if _, ok := s.parse([]byte(m)); ok {
			t.Fatalf("message %q should be ignored", m)
		}
	}
}

func TestRTDS_StreamEndToEnd(t *testing.T) {
	subs := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "https://polymarket.com", r.Header.Get("Origin"))
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subs <- string(msg)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"crypto_prices_chainlink","payload":{"symbol":"btc/usd","value":65010}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewRTDSChainlinkStream("ws"+strings.TrimPrefix(srv.URL, "http"), "btc/usd", nil, "")
	s.Start(ctx)

	require.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	got, _ := s.Latest()
	assert.Equal(t, 65010.0, got.Price)
	assert.Contains(t, <-subs, `"action":"subscribe"`)
}
