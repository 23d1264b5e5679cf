package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nxml-run/sandboxrt/pkg/runtime"
)

type statsKeyMap struct {
	Quit key.Binding
}

var statsKeys = statsKeyMap{
	Quit: key.NewBinding(key.WithKeys("q", "ctrl+c")),
}

type tickMsg time.Time

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// statsModel polls a Runtime's aggregate counters on a fixed interval and
// renders them as a row of stat boxes.
type statsModel struct {
	rt       *runtime.Runtime
	interval time.Duration
	stats    runtime.Stats
	quitting bool
}

func newStatsModel(rt *runtime.Runtime, interval time.Duration) statsModel {
	return statsModel{rt: rt, interval: interval, stats: rt.Stats()}
}

func (m statsModel) Init() tea.Cmd {
	return tickEvery(m.interval)
}

func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, statsKeys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		m.stats = m.rt.Stats()
		return m, tickEvery(m.interval)
	}
	return m, nil
}

func (m statsModel) View() string {
	if m.quitting {
		return ""
	}

	var b []string
	b = append(b, titleStyle.Render("sandboxrt runtime statistics"))

	boxes := []string{
		statBox("Active", m.stats.Active, warningColor),
		statBox("Available", m.stats.Available, successColor),
		statBox("Parked", m.stats.Parked, highlightColor),
		statBox("Executions", int(m.stats.TotalExecutions), primaryColor),
	}
	b = append(b, lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	b = append(b, fmt.Sprintf("cache hit rate: %.1f%%    avg exec: %.0fus    memory: %d bytes",
		m.stats.CacheHitRate*100, m.stats.AvgExecMicros, m.stats.MemoryTotal))
	b = append(b, helpStyle.Render("press q to quit"))

	out := ""
	for i, line := range b {
		if i > 0 {
			out += "\n"
		}
		out += line
	}
	return out
}

func statBox(label string, value int, color lipgloss.Color) string {
	box := statBoxStyle.BorderForeground(color)
	valueStr := statValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := statLabelStyle.Render(label)
	return box.Render(lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr))
}

// runStatsTUI runs the live stats dashboard until the user quits.
func runStatsTUI(rt *runtime.Runtime, interval time.Duration) error {
	p := tea.NewProgram(newStatsModel(rt, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// renderStatsStatic renders one stats snapshot without entering the TUI,
// for --no-tui / non-interactive invocations.
func renderStatsStatic(rt *runtime.Runtime) string {
	m := newStatsModel(rt, time.Second)
	return lipgloss.NewStyle().Padding(1, 2).Render(m.View())
}
