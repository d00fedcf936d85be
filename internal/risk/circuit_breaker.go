package risk

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitBreakerOpen 断路器已打开，暂停下单
var ErrCircuitBreakerOpen = errors.New("circuit breaker open")

// CircuitBreakerConfig 断路器配置；阈值 <= 0 表示关闭对应限制
type CircuitBreakerConfig struct {
	// MaxConsecutiveErrors 连续下单失败上限
	MaxConsecutiveErrors int
	// CoolDown 自动熔断后多久自动恢复（0=只能手动 Resume）
	CoolDown time.Duration
}

// Status 断路器状态快照（状态 API 使用）
type Status struct {
	Halted            bool      `json:"halted"`
	Manual            bool      `json:"manual"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastError         string    `json:"last_error,omitempty"`
	HaltedAt          time.Time `json:"halted_at,omitempty"`
}

// CircuitBreaker 下单路径的熔断器：连续失败达到上限后拒绝新订单
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	halted   bool
	manual   bool
	errs     int
	lastErr  string
	haltedAt time.Time
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// WithClock 注入时钟（测试用）
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	if cb != nil && now != nil {
		cb.now = now
	}
	return cb
}

// Halt 手动熔断（不会自动恢复）
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halted, cb.manual = true, true
	cb.haltedAt = cb.now()
}

// Resume 手动恢复，同时清空连续错误计数
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.reset()
}

func (cb *CircuitBreaker) reset() {
	cb.halted, cb.manual = false, false
	cb.errs = 0
	cb.haltedAt = time.Time{}
}

// AllowTrading 返回 nil 表示允许下单
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.halted && !cb.manual && cb.cfg.CoolDown > 0 && cb.now().Sub(cb.haltedAt) >= cb.cfg.CoolDown {
		cb.reset()
	}
	if cb.halted {
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 一次下单成功
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.errs = 0
}

// OnError 一次下单失败；达到上限时熔断
func (cb *CircuitBreaker) OnError(err error) {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.errs++
	if err != nil {
		cb.lastErr = err.Error()
	}
	if limit := cb.cfg.MaxConsecutiveErrors; limit > 0 && cb.errs >= limit && !cb.halted {
		cb.halted = true
		cb.haltedAt = cb.now()
	}
}

// Status 当前状态
func (cb *CircuitBreaker) Status() Status {
	if cb == nil {
		return Status{}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Status{
		Halted:            cb.halted,
		Manual:            cb.manual,
		ConsecutiveErrors: cb.errs,
		LastError:         cb.lastErr,
		HaltedAt:          cb.haltedAt,
	}
}
