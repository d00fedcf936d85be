package strike

import (
	"sync"
	"time"

	"github.com/betbot/quantsignal/pkg/quant"
)

// State 锁定状态（可持久化）
type State struct {
	Slug      string    `json:"slug"`
	Strike    *float64  `json:"strike"`
	LatchedAt time.Time `json:"latched_at"`
}

// Latch 每个市场 slug 只锁定一次行权价：
// 市场开始后第一个可用的参考价即为 strike，之后不再改变；slug 变化时重置。
type Latch struct {
	mu    sync.Mutex
	state State
}

// NewLatch 创建未锁定的 Latch
func NewLatch() *Latch {
	return &Latch{}
}

// Observe 每个 tick 调用一次，返回当前 slug 的 strike（未锁定时为 nil）。
// start 为零值表示开始时间未知，此时不等待直接锁定。
func (l *Latch) Observe(slug string, reference *float64, start, now time.Time) *float64 {
	if slug == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state.Slug != slug {
		l.state = State{Slug: slug}
	}
	if l.state.Strike == nil {
		if ref, ok := quant.Value(reference); ok && ref > 0 && (start.IsZero() || !now.Before(start)) {
			l.state.Strike = quant.Ptr(ref)
			l.state.LatchedAt = now
		}
	}
	if l.state.Strike == nil {
		return nil
	}
	return quant.Ptr(*l.state.Strike)
}

// Snapshot 当前状态副本
func (l *Latch) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state
	if st.Strike != nil {
		st.Strike = quant.Ptr(*st.Strike)
	}
	return st
}

// Restore 从持久化状态恢复；只在当前未锁定时接受，已锁定的 strike 不会被覆盖。
func (l *Latch) Restore(st State) bool {
	if st.Slug == "" || st.Strike == nil {
		return false
	}
	if _, ok := quant.Value(st.Strike); !ok {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Strike != nil && l.state.Slug == st.Slug {
		return false
	}
	l.state = State{Slug: st.Slug, Strike: quant.Ptr(*st.Strike), LatchedAt: st.LatchedAt}
	return true
}
