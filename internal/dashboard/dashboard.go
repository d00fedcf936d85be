package dashboard

import (
	"context"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/betbot/quantsignal/internal/engine"
	"github.com/betbot/quantsignal/pkg/sigchan"
)

var log = logrus.WithField("component", "dashboard")

// Dashboard 终端看板：作为 engine.Observer 接收快照，经 sigchan 通知 UI 刷新
type Dashboard struct {
	title  string
	notify *sigchan.Chan
	onQuit func()

	mu     sync.Mutex
	last   *engine.Snapshot
	err    error
	streak int
}

func New(title string, onQuit func()) *Dashboard {
	return &Dashboard{title: title, notify: sigchan.New(1), onQuit: onQuit}
}

// OnTick 不阻塞 tick 协程
func (d *Dashboard) OnTick(s *engine.Snapshot) {
	d.mu.Lock()
	d.last, d.err, d.streak = s, nil, 0
	d.mu.Unlock()
	d.notify.Emit()
}

func (d *Dashboard) OnTickError(err error, streak int) {
	d.mu.Lock()
	d.err, d.streak = err, streak
	d.mu.Unlock()
	d.notify.Emit()
}

func (d *Dashboard) state() viewState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return viewState{title: d.title, snap: d.last, err: d.err, streak: d.streak}
}

// Run 阻塞运行 UI，直到 ctx 结束或用户退出
func (d *Dashboard) Run(ctx context.Context) error {
	p := tea.NewProgram(newModel(d.state(), d.onQuit), tea.WithContext(ctx), tea.WithAltScreen())

	go func() {
		for {
			if err := d.notify.Wait(ctx); err != nil {
				return
			}
			p.Send(updateMsg(d.state()))
		}
	}()

	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		// ctx 取消导致的退出不是错误
		return nil
	}
	if err != nil {
		log.Warnf("看板退出: %v", err)
	}
	return err
}

var _ engine.Observer = (*Dashboard)(nil)
