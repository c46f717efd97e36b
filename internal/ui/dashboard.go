// Package ui renders the live workspace dashboard behind
// 'freshness status --follow'.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Aman-CERP/freshness/internal/health"
	"github.com/Aman-CERP/freshness/internal/output"
)

// FetchFunc returns the current snapshot of the watched workspace.
type FetchFunc func(ctx context.Context) (health.Snapshot, error)

// DashboardConfig configures RunDashboard.
type DashboardConfig struct {
	Root   string
	Output io.Writer
	// Interval between polls. Default 1s.
	Interval time.Duration
	// StaleAfter is the staleness window shown as a full gauge. Default 5m.
	StaleAfter time.Duration
	NoColor    bool
	Fetch      FetchFunc
}

func (c DashboardConfig) withDefaults() DashboardConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// RunDashboard polls Fetch and redraws until ctx ends or the user quits.
// Output must be a terminal.
func RunDashboard(ctx context.Context, cfg DashboardConfig) error {
	if cfg.Fetch == nil {
		return fmt.Errorf("dashboard needs a fetch function")
	}
	if !output.IsTTY(cfg.Output) {
		return fmt.Errorf("output is not a TTY")
	}

	m := newDashboardModel(ctx, cfg)
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if f, ok := cfg.Output.(*os.File); ok {
		opts = append(opts, tea.WithOutput(f))
	}

	_, err := tea.NewProgram(m, opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type snapshotMsg struct {
	snap health.Snapshot
	err  error
	at   time.Time
}

type pollMsg struct{}

type dashboardModel struct {
	ctx     context.Context
	cfg     DashboardConfig
	styles  Styles
	spinner spinner.Model
	gauge   progress.Model
	backlog *Sparkline

	snap      health.Snapshot
	err       error
	fetched   bool
	fetchedAt time.Time
	width     int
	quitting  bool
}

func newDashboardModel(ctx context.Context, cfg DashboardConfig) *dashboardModel {
	cfg = cfg.withDefaults()

	styles := DefaultStyles()
	if cfg.NoColor || output.DetectNoColor() {
		styles = NoColorStyles()
	}

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styles.Healthy

	g := progress.New(
		progress.WithSolidFill(ColorLime),
		progress.WithWidth(40),
		progress.WithoutPercentage(),
	)

	return &dashboardModel{
		ctx:     ctx,
		cfg:     cfg,
		styles:  styles,
		spinner: s,
		gauge:   g,
		backlog: NewSparkline(60),
		width:   80,
	}
}

func (m *dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m *dashboardModel) fetch() tea.Cmd {
	return func() tea.Msg {
		snap, err := m.cfg.Fetch(m.ctx)
		return snapshotMsg{snap: snap, err: err, at: time.Now()}
	}
}

func (m *dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.gauge.Width = max(20, msg.Width-30)

	case snapshotMsg:
		m.fetchedAt = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			m.fetched = true
			m.backlog.Add(float64(msg.snap.BacklogSize))
		}
		return m, tea.Tick(m.cfg.Interval, func(time.Time) tea.Msg { return pollMsg{} })

	case pollMsg:
		return m, m.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *dashboardModel) View() string {
	if m.quitting {
		return ""
	}
	width := max(40, m.width-4)

	var lines []string
	if !m.fetched {
		lines = append(lines, m.spinner.View()+" waiting for status...")
	} else {
		lines = append(lines, m.statusLine())
		if m.snap.Reason != "" {
			lines = append(lines, m.styles.Dim.Render(m.snap.Reason))
		}
		lines = append(lines, "")
		lines = append(lines, m.field("staleness", m.stalenessGauge()))
		lines = append(lines, m.field("backlog", m.backlogLine(width-16)))
		lines = append(lines, m.field("defeaters", m.defeaterText()))
		if m.snap.CursorKind != "" {
			lines = append(lines, m.field("cursor", fmt.Sprintf("%s %s", m.snap.CursorKind, abbrev(m.snap.CursorValue))))
		}
		if m.snap.Recovery != "" && m.snap.Recovery != health.StateHealthy {
			lines = append(lines, m.field("recovery", m.styles.Warning.Render(string(m.snap.Recovery))))
		}
		lines = append(lines, m.field("heartbeat", ago(m.snap.LastHeartbeatAt, m.fetchedAt)))
		lines = append(lines, m.field("reconciled", ago(m.snap.LastReconcileOkAt, m.fetchedAt)))
	}
	if m.err != nil {
		lines = append(lines, "", m.styles.Error.Render("✗ "+m.err.Error()))
	}

	title := m.styles.Header.Render("freshness • " + m.cfg.Root)
	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.styles.Border).
		Padding(0, 1).
		Width(width).
		Render(strings.Join(lines, "\n"))

	return lipgloss.JoinVertical(lipgloss.Left, title, panel) + "\n" + m.styles.Dim.Render("q to quit")
}

func (m *dashboardModel) field(label, value string) string {
	return m.styles.Label.Render(fmt.Sprintf("%-11s", label)) + value
}

func (m *dashboardModel) statusLine() string {
	text := string(m.snap.Status)
	if m.snap.CatchUpState == health.CatchUpRunning {
		return m.spinner.View() + " " + m.styles.Warning.Render(text+" (catching up)")
	}
	switch {
	case m.snap.Healthy:
		return m.styles.Healthy.Render("● " + text)
	case m.snap.Status == health.StatusAlive:
		return m.styles.Warning.Render("● " + text)
	default:
		return m.styles.Error.Render("● " + text)
	}
}

func (m *dashboardModel) stalenessGauge() string {
	window := m.snap.EstimatedStalenessWindow
	ratio := float64(window) / float64(m.cfg.StaleAfter)
	ratio = max(0, min(ratio, 1))
	return m.gauge.ViewAs(ratio) + " " + m.styles.Value.Render(window.Round(time.Second).String())
}

func (m *dashboardModel) backlogLine(width int) string {
	n := m.styles.Value.Render(fmt.Sprintf("%d", m.snap.BacklogSize))
	if m.snap.BacklogWarning {
		n = m.styles.Warning.Render(fmt.Sprintf("%d (high)", m.snap.BacklogSize))
	}
	spark := m.backlog.Render(max(10, min(width-12, 60)))
	return n + "  " + m.styles.Dim.Render(spark)
}

func (m *dashboardModel) defeaterText() string {
	if m.snap.ActiveDefeaters == 0 {
		return m.styles.Value.Render("0")
	}
	return m.styles.Warning.Render(fmt.Sprintf("%d (worst: %s)", m.snap.ActiveDefeaters, m.snap.MostSevere))
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}

func abbrev(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}
