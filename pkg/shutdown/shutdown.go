package shutdown

import (
	"context"
	"sync"

	"github.com/betbot/quantsignal/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type namedHandler struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器：按注册的逆序依次执行（后启动的先关闭）
type Manager struct {
	callbacks []namedHandler
	mu        sync.Mutex
	done      bool
}

// NewManager 创建新的关闭管理器
func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调
func (m *Manager) OnShutdown(name string, handler Handler) {
	if handler == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, namedHandler{name: name, fn: handler})
}

// Shutdown 执行所有关闭回调（阻塞调用，只执行一次）
// ctx 应该是一个带超时的 context；超时后剩余回调以已取消的 ctx 调用。
func (m *Manager) Shutdown(ctx context.Context) []error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	callbacks := m.callbacks
	m.mu.Unlock()

	logger.Infof("开始优雅关闭，共 %d 个回调", len(callbacks))

	var errs []error
	for i := len(callbacks) - 1; i >= 0; i-- {
		cb := callbacks[i]
		if err := cb.fn(ctx); err != nil {
			logger.Warnf("关闭 %s 失败: %v", cb.name, err)
			errs = append(errs, err)
			continue
		}
		logger.Debugf("已关闭 %s", cb.name)
	}
	if ctx.Err() != nil {
		logger.Warnf("关闭超时: %v", ctx.Err())
	} else {
		logger.Info("所有关闭回调已完成")
	}
	return errs
}
