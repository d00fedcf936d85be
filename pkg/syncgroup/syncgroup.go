package syncgroup

import (
	"context"
	"fmt"
	"sync"
)

// TaskFunc 一个并发读取任务
type TaskFunc func(ctx context.Context) error

// TaskError 任务失败信息
type TaskError struct {
	Name     string
	Optional bool
	Err      error
}

func (e *TaskError) Error() string { return fmt.Sprintf("%s: %v", e.Name, e.Err) }

func (e *TaskError) Unwrap() error { return e.Err }

// SyncGroup 是 sync.WaitGroup 的包装器：一次 tick 内的所有读取并发启动、统一等待。
// 必需任务失败时取消共享 ctx 并让 Wait 返回错误；可选任务失败只记录。
type SyncGroup struct {
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	firstErr    *TaskError
	optionalErr []*TaskError
}

// NewSyncGroup 创建新的 SyncGroup，派生可取消的 ctx
func NewSyncGroup(parent context.Context) *SyncGroup {
	ctx, cancel := context.WithCancel(parent)
	return &SyncGroup{ctx: ctx, cancel: cancel}
}

// Go 启动必需任务
func (w *SyncGroup) Go(name string, fn TaskFunc) { w.start(name, false, fn) }

// GoOptional 启动可选任务
func (w *SyncGroup) GoOptional(name string, fn TaskFunc) { w.start(name, true, fn) }

func (w *SyncGroup) start(name string, optional bool, fn TaskFunc) {
	if fn == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		err := runTask(w.ctx, fn)
		if err == nil {
			return
		}
		te := &TaskError{Name: name, Optional: optional, Err: err}
		w.mu.Lock()
		defer w.mu.Unlock()
		if optional {
			w.optionalErr = append(w.optionalErr, te)
			return
		}
		if w.firstErr == nil {
			w.firstErr = te
			w.cancel()
		}
	}()
}

// runTask panic 视为任务失败
func runTask(ctx context.Context, fn TaskFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Wait 等待所有任务完成，返回第一个必需任务的错误
func (w *SyncGroup) Wait() error {
	w.wg.Wait()
	w.cancel()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.firstErr != nil {
		return w.firstErr
	}
	return nil
}

// OptionalErrors 可选任务的失败（Wait 之后读取）
func (w *SyncGroup) OptionalErrors() []*TaskError {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]*TaskError, len(w.optionalErr))
	copy(out, w.optionalErr)
	return out
}
