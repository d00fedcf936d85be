package services

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
)

var rtdsLog = logrus.WithField("component", "rtds")

const (
	rtdsDefaultURL   = "wss://ws-live-data.polymarket.com"
	rtdsTopic        = "crypto_prices_chainlink"
	rtdsPingInterval = 5 * time.Second
	rtdsReadTimeout  = 60 * time.Second
)

// RTDSChainlinkStream Polymarket 实时数据（RTDS）上的 chainlink 价格，
// 与市场结算使用的价格同源。
type RTDSChainlinkStream struct {
	url      string
	symbol   string   // btc/usd
	includes []string // 兼容 "btc" 之类的宽松匹配
	proxy    string
	latest   latestPrice
}

func NewRTDSChainlinkStream(wsURL, symbol string, includes []string, proxy string) *RTDSChainlinkStream {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = rtdsDefaultURL
	}
	inc := make([]string, 0, len(includes))
	for _, s := range includes {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			inc = append(inc, s)
		}
	}
	return &RTDSChainlinkStream{
		url:      wsURL,
		symbol:   strings.ToLower(strings.TrimSpace(symbol)),
		includes: inc,
		proxy:    proxy,
	}
}

// Start 后台运行直到 ctx 结束
func (s *RTDSChainlinkStream) Start(ctx context.Context) {
	header := http.Header{}
	header.Set("Origin", "https://polymarket.com")
	go runReconnecting(ctx, rtdsLog.WithField("symbol", s.symbol),
		func(ctx context.Context) (*websocket.Conn, error) { return dialWS(ctx, s.url, s.proxy, header) },
		s.session,
	)
}

// Latest 最新 chainlink 价格（来源 polymarket_ws）
func (s *RTDSChainlinkStream) Latest() (domain.PriceSample, bool) { return s.latest.get() }

func (s *RTDSChainlinkStream) subscribeMessage() ([]byte, error) {
	filters, err := json.Marshal(map[string]string{"symbol": s.symbol})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"action": "subscribe",
		"subscriptions": []map[string]any{{
			"topic":   rtdsTopic,
			"type":    "*",
			"filters": string(filters),
		}},
	})
}

func (s *RTDSChainlinkStream) session(ctx context.Context, conn *websocket.Conn) error {
	msg, err := s.subscribeMessage()
	if err != nil {
		return err
	}
	var writeMu sync.Mutex
	write := func(mt int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteMessage(mt, data)
	}
	if err := write(websocket.TextMessage, msg); err != nil {
		return err
	}
	rtdsLog.Infof("✅ RTDS 已订阅 %s symbol=%s", rtdsTopic, s.symbol)

	pingCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		t := time.NewTicker(rtdsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-t.C:
				if err := write(websocket.TextMessage, []byte("PING")); err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(rtdsReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if sample, ok := s.parse(data); ok {
			s.latest.set(sample)
		}
	}
}

// parse 解析 RTDS 消息；value 可能是数字或字符串，timestamp 为毫秒
func (s *RTDSChainlinkStream) parse(data []byte) (domain.PriceSample, bool) {
	text := strings.TrimSpace(string(data))
	if text == "" || !strings.HasPrefix(text, "{") {
		return domain.PriceSample{}, false // PONG 等
	}
	var msg struct {
		Topic   string `json:"topic"`
		Payload struct {
			Symbol    string `json:"symbol"`
			Value     any    `json:"value"`
			Price     any    `json:"price"`
			Timestamp any    `json:"timestamp"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.PriceSample{}, false
	}
	if msg.Topic != rtdsTopic || !s.matches(msg.Payload.Symbol) {
		return domain.PriceSample{}, false
	}
	raw := msg.Payload.Value
	if raw == nil {
		raw = msg.Payload.Price
	}
	p, ok := anyFloat(raw)
	if !ok {
		return domain.PriceSample{}, false
	}
	sample := domain.PriceSample{Price: p, Source: domain.SourcePolymarketWS}
	if ts, ok := anyFloat(msg.Payload.Timestamp); ok && ts > 0 {
		sample.At = time.UnixMilli(int64(ts))
	}
	return sample, sample.Valid()
}

func (s *RTDSChainlinkStream) matches(symbol string) bool {
	sym := strings.ToLower(strings.TrimSpace(symbol))
	if sym == "" {
		return false
	}
	if sym == s.symbol {
		return true
	}
	for _, inc := range s.includes {
		if strings.Contains(sym, inc) {
			return true
		}
	}
	return false
}
