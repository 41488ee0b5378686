package cli

import (
	"slices"
	"strings"

	"github.com/frost-solutions/nightmeter/internal/meter"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Theme colors (Flexoki Dark)
var (
	ColorBorder    = lipgloss.Color("#282726")
	ColorTextDim   = lipgloss.Color("#575653")
	ColorTextMuted = lipgloss.Color("#6F6E69")
	ColorText      = lipgloss.Color("#FFFCF0")
	ColorAccent    = lipgloss.Color("#3AA99F")
	ColorGreen     = lipgloss.Color("#879A39")
	ColorOrange    = lipgloss.Color("#DA702C")
	ColorRed       = lipgloss.Color("#D14D41")
	ColorYellow    = lipgloss.Color("#D0A215")
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorText).
			Align(lipgloss.Center)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorAccent)

	valueStyle = lipgloss.NewStyle().
			Foreground(ColorText)

	mutedStyle = lipgloss.NewStyle().
			Foreground(ColorTextMuted)

	dimStyle = lipgloss.NewStyle().
			Foreground(ColorTextDim)
)

// StatusColor maps a budget status to its theme color.
func StatusColor(s meter.Status) lipgloss.Color {
	switch s {
	case meter.StatusCritical:
		return ColorRed
	case meter.StatusWarning:
		return ColorOrange
	default:
		return ColorGreen
	}
}

// Table is a bordered CLI table. The first column is left-aligned, the
// rest right-aligned. Footer, when set, is rendered bold after the rows.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
	Footer  []string
}

// RenderTitle renders a centered title bar in a bordered box.
func RenderTitle(title string) string {
	border := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Width(55).
		Align(lipgloss.Center).
		Padding(0, 1)

	return border.Render(titleStyle.Render(title))
}

// RenderSection renders a section heading.
func RenderSection(name string) string {
	return headerStyle.Render(name)
}

// Muted renders secondary text.
func Muted(s string) string {
	return mutedStyle.Render(s)
}

// RenderTable renders t with a rounded border and a trailing newline.
func RenderTable(t Table) string {
	if len(t.Rows) == 0 && len(t.Headers) == 0 {
		return ""
	}

	rows := t.Rows
	footer := -1
	if len(t.Footer) > 0 {
		rows = append(slices.Clip(rows), t.Footer)
		footer = len(rows) - 1
	}

	tbl := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(t.Headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			var st lipgloss.Style
			switch row {
			case table.HeaderRow:
				st = headerStyle
			case footer:
				st = valueStyle.Bold(true)
			default:
				st = valueStyle
			}
			st = st.Padding(0, 1)
			if col > 0 {
				st = st.Align(lipgloss.Right)
			}
			return st
		})

	var b strings.Builder
	if t.Title != "" {
		b.WriteString("  " + headerStyle.Render(t.Title) + "\n")
	}
	b.WriteString(tbl.String())
	b.WriteString("\n")
	return b.String()
}

// RenderBudgetBar renders the summary cost bar colored by budget status.
func RenderBudgetBar(s meter.Summary) string {
	return lipgloss.NewStyle().
		Foreground(StatusColor(s.Status())).
		Render(meter.CostBar(s.Total, s.Max, meter.BarWidth))
}

// RenderStatus renders the status line shown at the end of the report.
func RenderStatus(s meter.Status) string {
	label := map[meter.Status]string{
		meter.StatusOK:       "OK - Within budget",
		meter.StatusWarning:  "WARNING - 75%+ budget used",
		meter.StatusCritical: "CRITICAL - 90%+ budget used",
	}[s]
	return lipgloss.NewStyle().Bold(true).Foreground(StatusColor(s)).Render("Status: " + label)
}

// RenderSparkline generates a unicode block sparkline from a series of values.
func RenderSparkline(values []float64) string {
	if len(values) == 0 {
		return ""
	}

	blocks := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}

	top := values[0]
	for _, v := range values[1:] {
		top = max(top, v)
	}
	if top == 0 {
		top = 1
	}

	var b strings.Builder
	for _, v := range values {
		idx := int(v / top * float64(len(blocks)-1))
		idx = min(max(idx, 0), len(blocks)-1)
		b.WriteRune(blocks[idx])
	}
	return b.String()
}
