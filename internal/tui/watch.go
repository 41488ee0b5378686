// Package tui implements the live budget dashboard.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/frost-solutions/nightmeter/internal/cli"
	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/pipeline"
	"github.com/frost-solutions/nightmeter/internal/tui/components"
	"github.com/frost-solutions/nightmeter/internal/tui/theme"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const recentSteps = 8

// SummaryFunc fetches the current summary.
type SummaryFunc func(ctx context.Context) (meter.Summary, error)

type summaryMsg struct {
	summary meter.Summary
	at      time.Time
	err     error
}

type tickMsg time.Time

// Watch is the bubbletea model behind `nightmeter watch`.
type Watch struct {
	fetch    SummaryFunc
	interval time.Duration
	now      func() time.Time

	summary meter.Summary
	loaded  bool
	updated time.Time
	err     error
	width   int
}

// NewWatch returns a dashboard refreshing from fetch every interval.
func NewWatch(fetch SummaryFunc, interval time.Duration) Watch {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return Watch{fetch: fetch, interval: interval, now: time.Now, width: 80}
}

func (w Watch) Init() tea.Cmd {
	return w.load()
}

func (w Watch) load() tea.Cmd {
	fetch := w.fetch
	now := w.now
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := fetch(ctx)
		return summaryMsg{summary: s, at: now(), err: err}
	}
}

func (w Watch) tick() tea.Cmd {
	return tea.Tick(w.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (w Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return w, tea.Quit
		case "r":
			return w, w.load()
		}
	case tea.WindowSizeMsg:
		w.width = msg.Width
	case tickMsg:
		return w, w.load()
	case summaryMsg:
		w.err = msg.err
		if msg.err == nil {
			w.summary = msg.summary
			w.loaded = true
		}
		w.updated = msg.at
		return w, w.tick()
	}
	return w, nil
}

func (w Watch) View() string {
	t := theme.Active
	title := lipgloss.NewStyle().Foreground(t.Accent).Bold(true)
	muted := lipgloss.NewStyle().Foreground(t.TextMuted)
	text := lipgloss.NewStyle().Foreground(t.TextPrimary)
	errStyle := lipgloss.NewStyle().Foreground(t.Red)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(title.Render("  NIGHT FACTORY BUDGET"))
	b.WriteString("\n\n")

	if w.err != nil {
		b.WriteString(errStyle.Render("  " + w.err.Error()))
		b.WriteString("\n\n")
	}
	if !w.loaded {
		b.WriteString(muted.Render("  Loading budget meter..."))
		b.WriteString("\n")
		return b.String()
	}

	s := w.summary
	barWidth := min(max(w.width-24, 10), 60)
	b.WriteString("  " + components.BudgetBar("Night", s.Percent, 6, barWidth))
	b.WriteString("\n\n")

	status := lipgloss.NewStyle().Foreground(t.ForStatus(s.Status())).Bold(true)
	fmt.Fprintf(&b, "  %s %s   %s %s   %s %s\n",
		muted.Render("Spent"), text.Render(cli.FormatSEK(s.Total)),
		muted.Render("Cap"), text.Render(cli.FormatAmount(s.Max)+" SEK"),
		muted.Render("Status"), status.Render(s.Status().String()))

	burn := pipeline.ComputeBurnRate(s.Ledger(), s.Max, w.updated)
	fmt.Fprintf(&b, "  %s %s   %s %s\n",
		muted.Render("Remaining"), text.Render(cli.FormatSEK(s.Remaining)),
		muted.Render("Burn"), text.Render(cli.FormatSEK(burn.PerHour)+"/h"))
	if burn.UntilCap > 0 {
		fmt.Fprintf(&b, "  %s %s\n", muted.Render("Cap in"), text.Render("~"+components.FormatCountdown(burn.UntilCap)))
	}

	b.WriteString("\n")
	b.WriteString(title.Render("  Breakdown"))
	b.WriteString("\n")
	limit := 0.0
	if s.PerKindMax != nil {
		limit = *s.PerKindMax
	}
	kinds := pipeline.AggregateByKind(s.Steps, limit)
	if len(kinds) == 0 {
		b.WriteString(muted.Render("  (no activity)"))
		b.WriteString("\n")
	}
	for _, k := range kinds {
		fmt.Fprintf(&b, "  %-20s %14s %s\n",
			k.Kind, cli.FormatSEK(k.Cost), muted.Render(fmt.Sprintf("%5.1f%%  x%d", k.SharePercent, k.Calls)))
	}

	b.WriteString("\n")
	b.WriteString(title.Render("  Recent steps"))
	b.WriteString("\n")
	for _, st := range pipeline.LastSteps(s.Steps, recentSteps) {
		fmt.Fprintf(&b, "  %s  %s: %s x%s = %s\n",
			muted.Render(cli.FormatClock(st.Timestamp)), st.Step, st.Kind,
			cli.FormatAmount(st.Count), cli.FormatSEK(st.Cost))
	}

	if len(s.Warnings) > 0 {
		b.WriteString("\n")
		b.WriteString(lipgloss.NewStyle().Foreground(t.Orange).Render("  Warnings: " + strings.Join(s.Warnings, ", ")))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	footer := fmt.Sprintf("  updated %s  ·  r refresh  ·  q quit", w.updated.Local().Format("15:04:05"))
	b.WriteString(lipgloss.NewStyle().Foreground(t.TextDim).Render(footer))
	b.WriteString("\n")
	return b.String()
}
