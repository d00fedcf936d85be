package engine

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	minTickWait   = 100 * time.Millisecond
	backoffStep   = 500 * time.Millisecond
	maxBackoff    = 4 * time.Second
	errorLogEvery = 5 * time.Second
)

// failureTracker 相同错误签名的连续失败计数，以及日志节流
type failureTracker struct {
	sig       string
	streak    int
	lastLogAt time.Time
}

// errorSignature 根因类型 + 完整错误文本
func errorSignature(err error) string {
	return fmt.Sprintf("%T:%s", errors.Cause(err), err.Error())
}

// fail 记录一次失败；签名变化时 streak 从 1 重新计数。
// 第一次失败总是记录日志，之后至多每 5s 一次。
func (f *failureTracker) fail(err error, now time.Time) (streak int, shouldLog bool) {
	sig := errorSignature(err)
	if sig == f.sig && f.streak > 0 {
		f.streak++
	} else {
		f.sig = sig
		f.streak = 1
	}
	shouldLog = f.streak == 1 || now.Sub(f.lastLogAt) >= errorLogEvery
	if shouldLog {
		f.lastLogAt = now
	}
	return f.streak, shouldLog
}

func (f *failureTracker) reset() { f.streak = 0 }

// nextWait max(100ms, poll-elapsed)；失败时至少 min(4s, 500ms*streak)
func nextWait(poll, elapsed time.Duration, streak int) time.Duration {
	wait := poll - elapsed
	if wait < minTickWait {
		wait = minTickWait
	}
	if streak > 0 {
		backoff := time.Duration(streak) * backoffStep
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		if backoff > wait {
			wait = backoff
		}
	}
	return wait
}
