package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
	sdkhttp "github.com/betbot/quantsignal/pkg/sdk/http"
)

var binanceLog = logrus.WithField("component", "binance")

// Kline 1m K 线（只保留需要的字段）
type Kline struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// BinanceClient Binance 现货 REST（klines / ticker price）
type BinanceClient struct {
	http   *sdkhttp.Client
	symbol string // BTCUSDT
	limit  int
}

func NewBinanceClient(http *sdkhttp.Client, symbol string, klineLimit int) *BinanceClient {
	if klineLimit <= 0 {
		klineLimit = 240
	}
	return &BinanceClient{http: http, symbol: strings.ToUpper(strings.TrimSpace(symbol)), limit: klineLimit}
}

// Klines GET /api/v3/klines
func (b *BinanceClient) Klines(ctx context.Context, interval string, limit int) ([]Kline, error) {
	var rows [][]any
	err := b.http.GetJSON(ctx, "/api/v3/klines", map[string]any{
		"symbol":   b.symbol,
		"interval": interval,
		"limit":    limit,
	}, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "binance klines")
	}
	out := make([]Kline, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		openMs, ok := anyFloat(r[0])
		if !ok {
			continue
		}
		k := Kline{OpenTime: time.UnixMilli(int64(openMs))}
		vals := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		valid := true
		for i, dst := range vals {
			v, ok := anyFloat(r[i+1])
			if !ok {
				valid = false
				break
			}
			*dst = v
		}
		if valid {
			out = append(out, k)
		}
	}
	return out, nil
}

// Closes 最近 limit 根 1m 收盘价（旧 -> 新）
func (b *BinanceClient) Closes(ctx context.Context) ([]float64, error) {
	ks, err := b.Klines(ctx, "1m", b.limit)
	if err != nil {
		return nil, err
	}
	closes := make([]float64, len(ks))
	for i, k := range ks {
		closes[i] = k.Close
	}
	return closes, nil
}

// LastPrice GET /api/v3/ticker/price
func (b *BinanceClient) LastPrice(ctx context.Context) (domain.PriceSample, error) {
	var resp struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := b.http.GetJSON(ctx, "/api/v3/ticker/price", map[string]any{"symbol": b.symbol}, &resp); err != nil {
		return domain.PriceSample{}, errors.Wrap(err, "binance ticker")
	}
	p, err := strconv.ParseFloat(resp.Price, 64)
	if err != nil {
		return domain.PriceSample{}, errors.Wrapf(err, "binance ticker price %q", resp.Price)
	}
	s := domain.PriceSample{Price: p, At: time.Now(), Source: domain.SourceBinanceREST}
	if !s.Valid() {
		return domain.PriceSample{}, errors.Errorf("binance ticker 价格无效: %v", p)
	}
	return s, nil
}

// BinanceTradeStream <symbol>@trade 成交流，缓存最新成交价
type BinanceTradeStream struct {
	wsURL  string
	symbol string
	proxy  string
	rest   *BinanceClient
	latest latestPrice
}

func NewBinanceTradeStream(baseWSURL, symbol, proxy string, rest *BinanceClient) *BinanceTradeStream {
	return &BinanceTradeStream{
		wsURL:  strings.TrimSuffix(baseWSURL, "/"),
		symbol: strings.ToLower(strings.TrimSpace(symbol)),
		proxy:  proxy,
		rest:   rest,
	}
}

// Start 在后台运行直到 ctx 结束
func (s *BinanceTradeStream) Start(ctx context.Context) {
	url := fmt.Sprintf("%s/%s@trade", s.wsURL, s.symbol)
	log := binanceLog.WithField("stream", s.symbol+"@trade")
	go runReconnecting(ctx, log,
		func(ctx context.Context) (*websocket.Conn, error) { return dialWS(ctx, url, s.proxy, nil) },
		s.session,
	)
}

func (s *BinanceTradeStream) session(ctx context.Context, conn *websocket.Conn) error {
	binanceLog.Infof("✅ Binance 成交流已连接: %s", s.symbol)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if sample, ok := parseBinanceTrade(msg); ok {
			s.latest.set(sample)
		}
	}
}

// parseBinanceTrade 解析 @trade 事件。
// encoding/json 键名大小写不敏感，"E"/"t"/"M" 必须各有精确字段，否则会落到 "e"/"T"/"m" 上。
func parseBinanceTrade(msg []byte) (domain.PriceSample, bool) {
	var ev struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Symbol    string `json:"s"`
		TradeID   int64  `json:"t"`
		Price     string `json:"p"`
		Quantity  string `json:"q"`
		TradeTime int64  `json:"T"`
		Maker     bool   `json:"m"`
		Ignore    bool   `json:"M"`
	}
	if err := json.Unmarshal(msg, &ev); err != nil || ev.EventType != "trade" {
		return domain.PriceSample{}, false
	}
	p, err := strconv.ParseFloat(ev.Price, 64)
	if err != nil {
		return domain.PriceSample{}, false
	}
	s := domain.PriceSample{Price: p, Source: domain.SourceBinanceWS}
	switch {
	case ev.TradeTime > 0:
		s.At = time.UnixMilli(ev.TradeTime)
	case ev.EventTime > 0:
		s.At = time.UnixMilli(ev.EventTime)
	}
	return s, s.Valid()
}

// Latest 最新成交价
func (s *BinanceTradeStream) Latest() (domain.PriceSample, bool) { return s.latest.get() }

// Fetch 流为空时的 REST 兜底
func (s *BinanceTradeStream) Fetch(ctx context.Context) (domain.PriceSample, error) {
	if s.rest == nil {
		return domain.PriceSample{}, errors.New("binance rest 未配置")
	}
	return s.rest.LastPrice(ctx)
}

// anyFloat JSON 数字或数字字符串
func anyFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
