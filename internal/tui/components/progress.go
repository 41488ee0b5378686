// Package components holds small rendering pieces shared by the dashboards.
package components

import (
	"fmt"
	"time"

	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/tui/theme"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// ColorForPercent returns the status color for a 0-100 spend percentage.
func ColorForPercent(percent float64) lipgloss.Color {
	return theme.Active.ForStatus(meter.StatusFor(percent))
}

// BudgetBar renders a labeled spend bar with its percentage. The bar fill
// clamps at 100%; the printed percentage does not.
func BudgetBar(label string, percent float64, labelW, barWidth int) string {
	t := theme.Active
	color := ColorForPercent(percent)

	ratio := min(max(percent/100, 0), 1)
	bar := progress.New(
		progress.WithSolidFill(string(color)),
		progress.WithWidth(barWidth),
		progress.WithoutPercentage(),
	)
	bar.EmptyColor = string(t.TextDim)

	labelStyle := lipgloss.NewStyle().Foreground(t.TextMuted)
	pctStyle := lipgloss.NewStyle().Foreground(color).Bold(true)

	return labelStyle.Render(fmt.Sprintf("%-*s", labelW, label)) +
		" " + bar.ViewAs(ratio) +
		" " + pctStyle.Render(fmt.Sprintf("%5.1f%%", percent))
}

// FormatCountdown renders a remaining duration compactly, e.g. "1d 3h",
// "2h 5m", "12m".
func FormatCountdown(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h >= 24 {
		return fmt.Sprintf("%dd %dh", h/24, h%24)
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
