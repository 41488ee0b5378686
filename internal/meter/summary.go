package meter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/frost-solutions/nightmeter/internal/model"
)

// BarWidth is the number of cells in the summary cost bar.
const BarWidth = 20

// Status is the coarse budget state used for exit codes and colours.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusCritical
)

// String returns OK, WARNING or CRITICAL.
func (s Status) String() string {
	switch s {
	case StatusCritical:
		return "CRITICAL"
	case StatusWarning:
		return "WARNING"
	default:
		return "OK"
	}
}

// ExitCode maps the status to the report command's exit code.
func (s Status) ExitCode() int {
	return int(s)
}

// StatusFor classifies a spend percentage.
func StatusFor(percent float64) Status {
	switch {
	case percent >= criticalPercent:
		return StatusCritical
	case percent >= warnPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}

// KindSpend is one row of the per-kind breakdown.
type KindSpend struct {
	Kind  string  `json:"kind"`
	Spent float64 `json:"spent"`
}

// Summary is a read-only view of the router caps and the ledger.
type Summary struct {
	Total      float64            `json:"total"`
	Max        float64            `json:"max"`
	Remaining  float64            `json:"remaining"`
	Percent    float64            `json:"percent"`
	PerKindMax *float64           `json:"perKindMax,omitempty"`
	By         map[string]float64 `json:"by"`
	Steps      []model.Step       `json:"steps"`
	Warnings   []string           `json:"warnings"`
	StartTime  time.Time          `json:"startTime"`
	Rendered   string             `json:"summary"`
}

// Status classifies the one-decimal Percent, so 74.96% reads 75.0 and is
// already a warning.
func (s Summary) Status() Status {
	return StatusFor(s.Percent)
}

// Breakdown returns per-kind spend in the order kinds were first charged.
func (s Summary) Breakdown() []KindSpend {
	return breakdown(s.By, s.Steps)
}

// Ledger reassembles the ledger the summary was built from.
func (s Summary) Ledger() model.Ledger {
	return model.Ledger{
		Total:     s.Total,
		By:        s.By,
		Steps:     s.Steps,
		StartTime: s.StartTime,
		Warnings:  s.Warnings,
	}
}

// Summary builds the report snapshot. It never writes to the store; with no
// persisted ledger it reports the zero state.
func (m *Meter) Summary(ctx context.Context) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	router, err := m.router.LoadRouter()
	if err != nil {
		return Summary{}, err
	}
	ledger, err := m.load(ctx)
	if err != nil {
		return Summary{}, err
	}

	return Summarize(ledger, router.NightTotalMax, router.PerTaskMax), nil
}

// Summarize computes the summary for a ledger against the given caps.
func Summarize(l model.Ledger, max float64, perKindMax *float64) Summary {
	l.Normalize()
	rawPercent := l.Total / max * 100
	s := Summary{
		Total:      l.Total,
		Max:        max,
		Remaining:  max - l.Total,
		Percent:    math.Round(rawPercent*10) / 10,
		PerKindMax: perKindMax,
		By:         l.By,
		Steps:      l.Steps,
		Warnings:   l.Warnings,
		StartTime:  l.StartTime,
	}
	s.Rendered = render(s, rawPercent)
	return s
}

func render(s Summary, rawPercent float64) string {
	var b strings.Builder
	b.WriteString("Budget Status\n")
	b.WriteString(CostBar(s.Total, s.Max, BarWidth))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Spent: %.2f SEK / %s SEK (%.1f%%)\n", s.Total, formatAmount(s.Max), rawPercent)
	fmt.Fprintf(&b, "Remaining: %.2f SEK\n", s.Remaining)
	b.WriteString("\nBreakdown:\n")

	rows := s.Breakdown()
	if len(rows) == 0 {
		b.WriteString("  (no activity)\n")
	}
	for _, r := range rows {
		fmt.Fprintf(&b, "  - %s: %.2f SEK\n", r.Kind, r.Spent)
	}

	fmt.Fprintf(&b, "\nSteps: %d API calls", len(s.Steps))
	return b.String()
}

// CostBar renders spent/max as width cells of █ and ░ followed by the
// percentage, clamped at 100%.
func CostBar(spent, max float64, width int) string {
	percent := math.Min(100, spent/max*100)
	if percent < 0 || math.IsNaN(percent) {
		percent = 0
	}
	filled := int(math.Round(percent / 100 * float64(width)))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled) + fmt.Sprintf(" %.1f%%", percent)
}

func breakdown(by map[string]float64, steps []model.Step) []KindSpend {
	rows := make([]KindSpend, 0, len(by))
	seen := make(map[string]bool, len(by))
	for _, st := range steps {
		if seen[st.Kind] {
			continue
		}
		if v, ok := by[st.Kind]; ok {
			rows = append(rows, KindSpend{Kind: st.Kind, Spent: v})
			seen[st.Kind] = true
		}
	}

	var rest []string
	for k := range by {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		rows = append(rows, KindSpend{Kind: k, Spent: by[k]})
	}
	return rows
}
