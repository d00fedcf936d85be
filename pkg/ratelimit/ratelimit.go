package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter 速率限制器接口
type RateLimiter interface {
	Wait(ctx context.Context) error
	Allow() bool
}

// TokenBucket 令牌桶速率限制器（按时间连续补充）
type TokenBucket struct {
	capacity   float64 // 桶容量
	tokens     float64 // 当前令牌数
	refillRate float64 // 每秒补充的令牌数
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket 创建新的令牌桶；refillPerSecond <= 0 时不限速
func NewTokenBucket(capacity int, refillPerSecond float64) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: refillPerSecond,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

func (tb *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

// reserve 取一个令牌；失败时返回需要等待的时长
func (tb *TokenBucket) reserve() (bool, time.Duration) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if tb.refillRate <= 0 {
		return true, 0
	}
	tb.refill(tb.now())
	if tb.tokens >= 1 {
		tb.tokens--
		return true, 0
	}
	need := (1 - tb.tokens) / tb.refillRate
	return false, time.Duration(need * float64(time.Second))
}

// Allow 检查是否允许请求
func (tb *TokenBucket) Allow() bool {
	ok, _ := tb.reserve()
	return ok
}

// Wait 等待直到允许请求或 ctx 结束
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := tb.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
