package services

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/domain"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	wsReconnectMin     = 1 * time.Second
	wsReconnectMax     = 30 * time.Second
)

// latestPrice 流式价格的最新值缓存，读不阻塞
type latestPrice struct {
	mu     sync.RWMutex
	sample domain.PriceSample
	ok     bool
}

func (l *latestPrice) set(s domain.PriceSample) {
	if !s.Valid() {
		return
	}
	l.mu.Lock()
	l.sample, l.ok = s, true
	l.mu.Unlock()
}

func (l *latestPrice) get() (domain.PriceSample, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sample, l.ok
}

// dialWS 建立 websocket 连接，支持 http(s) 代理
func dialWS(ctx context.Context, wsURL, proxyURL string, header http.Header) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
	}
	if p := strings.TrimSpace(proxyURL); p != "" {
		if u, err := url.Parse(p); err == nil {
			dialer.Proxy = http.ProxyURL(u)
		}
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, header)
	return conn, err
}

// runReconnecting 连接 -> 会话 -> 断开后指数退避重连，直到 ctx 结束
func runReconnecting(ctx context.Context, log *logrus.Entry, connect func(ctx context.Context) (*websocket.Conn, error), session func(ctx context.Context, conn *websocket.Conn) error) {
	delay := wsReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := connect(ctx)
		if err != nil {
			log.Warnf("连接失败: %v（%s 后重试）", err, delay)
		} else {
			delay = wsReconnectMin
			// ctx 结束时关闭连接，解除 ReadMessage 阻塞
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = session(ctx, conn)
			stop()
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			log.Warnf("会话结束: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsReconnectMax {
			delay = wsReconnectMax
		}
	}
}
