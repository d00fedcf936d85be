package execution

import (
	"errors"
	"sync"
	"time"
)

// ErrDuplicateInFlight 同一 key 的订单仍在 TTL 窗口内
var ErrDuplicateInFlight = errors.New("duplicate in-flight")

// InFlightDeduper 短时间窗口内的确定性去重，防止同一动作重复提交
type InFlightDeduper struct {
	ttl time.Duration
	now func() time.Time

	mu sync.Mutex
	m  map[string]time.Time // key -> expiresAt
}

func NewInFlightDeduper(ttl time.Duration) *InFlightDeduper {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &InFlightDeduper{ttl: ttl, now: time.Now, m: make(map[string]time.Time)}
}

// TryAcquire 成功返回 nil；窗口内重复返回 ErrDuplicateInFlight
func (d *InFlightDeduper) TryAcquire(key string) error {
	if d == nil || key == "" {
		return nil
	}
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()

	// 惰性清理
	for k, exp := range d.m {
		if !exp.After(now) {
			delete(d.m, k)
		}
	}
	if _, ok := d.m[key]; ok {
		return ErrDuplicateInFlight
	}
	d.m[key] = now.Add(d.ttl)
	return nil
}

// Release 提前释放 key
func (d *InFlightDeduper) Release(key string) {
	if d == nil || key == "" {
		return
	}
	d.mu.Lock()
	delete(d.m, key)
	d.mu.Unlock()
}
