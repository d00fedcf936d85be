package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/quantsignal/internal/domain"
	"github.com/betbot/quantsignal/internal/engine"
)

type viewState struct {
	title  string
	snap   *engine.Snapshot
	err    error
	streak int
}

type updateMsg viewState

type clockMsg time.Time

const (
	narrowWidth = 100
	staleAfter  = 5 * time.Second
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Padding(0, 1)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("39")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	upStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

type model struct {
	st     viewState
	onQuit func()
	now    time.Time
	width  int
}

func newModel(st viewState, onQuit func()) model {
	return model{st: st, onQuit: onQuit, now: time.Now()}
}

func (m model) Init() tea.Cmd { return clock() }

func clock() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			// bubbletea 拦截了 Ctrl+C，由回调触发整个程序的退出
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case updateMsg:
		m.st = viewState(msg)
	case clockMsg:
		m.now = time.Time(msg)
		return m, clock()
	}
	return m, nil
}

func (m model) View() string {
	s := m.st.snap
	title := m.st.title
	if strings.TrimSpace(title) == "" {
		title = "Quant Signal"
	}
	if s == nil {
		body := "等待数据..."
		if m.st.err != nil {
			body += "\n" + warnStyle.Render(fmt.Sprintf("错误 x%d: %v", m.st.streak, m.st.err))
		}
		return lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(title), body)
	}

	header := headerStyle.Render(fmt.Sprintf("%s | %s | %s", title, s.Slug, s.At.Local().Format("15:04:05")))
	left := boxStyle.Render(strings.Join(m.marketLines(s), "\n"))
	right := boxStyle.Render(strings.Join(m.modelLines(s), "\n"))
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
	if m.width > 0 && m.width < narrowWidth {
		body = lipgloss.JoinVertical(lipgloss.Left, left, right)
	}
	parts := []string{header, body}
	if age := m.now.Sub(s.At); age > staleAfter {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("⚠ 数据已 %.0fs 未更新", age.Seconds())))
	}
	if lines := actionLines(s); len(lines) > 0 {
		parts = append(parts, boxStyle.Render(strings.Join(lines, "\n")))
	}
	if m.st.err != nil {
		parts = append(parts, warnStyle.Render(fmt.Sprintf("⚠ tick 失败 x%d: %v", m.st.streak, m.st.err)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) marketLines(s *engine.Snapshot) []string {
	lines := []string{
		s.Title,
		row("UP", cents(s.Quote.Up)) + "   " + row("DOWN", cents(s.Quote.Down)),
		row("剩余", fmt.Sprintf("%.2f min", s.Timing.TimeLeftMin)),
		row("Strike", priceOrDash(s.Strike)),
	}
	if s.DeclaredStrike != nil {
		lines = append(lines, row("声明 Strike", priceOrDash(s.DeclaredStrike)))
	}
	lines = append(lines, sampleLine("参考价", s.Reference, s.Strike))
	lines = append(lines, sampleLine("次级价", s.Secondary, s.Strike))
	lines = append(lines, row("Spread", num(s.Spread, 3))+"   "+row("Liq", num(s.Liquidity, 0)))
	return lines
}

func (m model) modelLines(s *engine.Snapshot) []string {
	lines := []string{
		row("模型 UP", pct(s.ModelUp())) + "   " + row("DOWN", pct(s.ModelDown())),
		row("Sigma", num(s.Sigma, 6)+" ("+dash(s.SigmaFrom)+")"),
		row("Edge UP", signedPct(s.Edge.EdgeUp)) + "   " + row("DOWN", signedPct(s.Edge.EdgeDown)),
		row("建议", styleSide(s.Recommendation.String())),
		row("信号", styleSide(s.Row.Signal)),
		row("Regime", s.Row.Regime),
		row("投影", fmt.Sprintf("%s %s", centsRaw(s.Projection.FutureUpCents), s.Projection.Strategy)),
		row("策略", fmt.Sprintf("%s / %s", s.Strategy.Phase, s.Strategy.Note)),
	}
	return lines
}

func actionLines(s *engine.Snapshot) []string {
	if len(s.Results) == 0 {
		return nil
	}
	lines := []string{labelStyle.Render("动作")}
	for _, r := range s.Results {
		a := r.Action
		status := "ok"
		switch {
		case r.Error != "":
			status = "error: " + r.Error
		case r.Skipped != "":
			status = "skip: " + r.Skipped
		case r.DryRun:
			status = "dry-run"
		}
		lines = append(lines, fmt.Sprintf("%s %s %s %s [%s]", a.Type, a.Tag, styleSide(string(a.Side)), a.Reason, status))
	}
	return lines
}

func row(label, value string) string {
	return labelStyle.Render(label+":") + " " + value
}

func sampleLine(label string, p *domain.PriceSample, strike *float64) string {
	if p == nil {
		return row(label, "-")
	}
	v := fmt.Sprintf("%.2f (%s)", p.Price, p.Source)
	if strike != nil && *strike != 0 {
		d := p.Price - *strike
		v += " " + styleDelta(d, fmt.Sprintf("%+.2f", d))
	}
	return row(label, v)
}

func styleDelta(d float64, s string) string {
	if d >= 0 {
		return upStyle.Render(s)
	}
	return downStyle.Render(s)
}

func styleSide(s string) string {
	switch {
	case strings.Contains(s, "UP"):
		return upStyle.Render(s)
	case strings.Contains(s, "DOWN"):
		return downStyle.Render(s)
	}
	return s
}

func cents(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f¢", *p*100)
}

func centsRaw(c *float64) string {
	if c == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f¢", *c)
}

func pct(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *p*100)
}

func signedPct(p *float64) string {
	if p == nil {
		return "-"
	}
	return styleDelta(*p, fmt.Sprintf("%+.1f%%", *p*100))
}

func num(v *float64, prec int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.*f", prec, *v)
}

func priceOrDash(v *float64) string { return num(v, 2) }

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
