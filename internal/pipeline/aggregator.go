// Package pipeline aggregates ledger steps for reports and the dashboards.
package pipeline

import (
	"sort"
	"strings"
	"time"

	"github.com/frost-solutions/nightmeter/internal/model"
)

// KindStats is the spend attributed to one call kind.
type KindStats struct {
	Kind         string  `json:"kind"`
	Calls        int     `json:"calls"`
	Count        float64 `json:"count"`
	Cost         float64 `json:"cost"`
	SharePercent float64 `json:"sharePercent"`
	// LimitPercent is Cost as a share of the per-kind cap, zero when no cap
	// is enforced.
	LimitPercent float64 `json:"limitPercent,omitempty"`
}

// StepStats is the spend attributed to one step label.
type StepStats struct {
	Step  string    `json:"step"`
	Calls int       `json:"calls"`
	Cost  float64   `json:"cost"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// AggregateByKind computes per-kind totals from the ledger steps, sorted by
// cost descending. perKindMax of zero or less leaves LimitPercent unset.
func AggregateByKind(steps []model.Step, perKindMax float64) []KindStats {
	kindMap := make(map[string]*KindStats)
	var total float64

	for _, s := range steps {
		ks, ok := kindMap[s.Kind]
		if !ok {
			ks = &KindStats{Kind: s.Kind}
			kindMap[s.Kind] = ks
		}
		ks.Calls++
		ks.Count += s.Count
		ks.Cost += s.Cost
		total += s.Cost
	}

	kinds := make([]KindStats, 0, len(kindMap))
	for _, ks := range kindMap {
		if total > 0 {
			ks.SharePercent = ks.Cost / total * 100
		}
		if perKindMax > 0 {
			ks.LimitPercent = ks.Cost / perKindMax * 100
		}
		kinds = append(kinds, *ks)
	}
	sort.Slice(kinds, func(i, j int) bool {
		if kinds[i].Cost != kinds[j].Cost {
			return kinds[i].Cost > kinds[j].Cost
		}
		return kinds[i].Kind < kinds[j].Kind
	})

	return kinds
}

// AggregateByStep computes per-step-label totals in order of first use.
func AggregateByStep(steps []model.Step) []StepStats {
	index := make(map[string]int)
	var out []StepStats

	for _, s := range steps {
		i, ok := index[s.Step]
		if !ok {
			i = len(out)
			index[s.Step] = i
			out = append(out, StepStats{Step: s.Step, First: s.Timestamp})
		}
		out[i].Calls++
		out[i].Cost += s.Cost
		if s.Timestamp.After(out[i].Last) {
			out[i].Last = s.Timestamp
		}
	}
	return out
}

// FilterSteps returns steps whose kind contains the kind substring
// (case-insensitive) and whose timestamp falls within [since, until).
// Zero values disable the respective filter.
func FilterSteps(steps []model.Step, kind string, since, until time.Time) []model.Step {
	if kind == "" && since.IsZero() && until.IsZero() {
		return steps
	}

	var result []model.Step
	for _, s := range steps {
		if kind != "" && !containsIgnoreCase(s.Kind, kind) {
			continue
		}
		if !since.IsZero() && s.Timestamp.Before(since) {
			continue
		}
		if !until.IsZero() && !s.Timestamp.Before(until) {
			continue
		}
		result = append(result, s)
	}
	return result
}

// LastSteps returns at most n of the most recent steps, oldest first.
func LastSteps(steps []model.Step, n int) []model.Step {
	if n <= 0 || len(steps) <= n {
		return steps
	}
	return steps[len(steps)-n:]
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// BurnRate is the average spend per hour between the ledger's start time
// and now.
type BurnRate struct {
	PerHour float64       `json:"perHour"`
	Elapsed time.Duration `json:"elapsed"`
	// UntilCap estimates how long the remaining budget lasts at PerHour.
	// Zero when nothing has been spent yet.
	UntilCap time.Duration `json:"untilCap"`
}

// ComputeBurnRate derives the burn rate for a ledger against max.
func ComputeBurnRate(l model.Ledger, max float64, now time.Time) BurnRate {
	elapsed := now.Sub(l.StartTime)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}

	br := BurnRate{Elapsed: elapsed}
	br.PerHour = l.Total / elapsed.Hours()
	if br.PerHour > 0 && max > l.Total {
		br.UntilCap = time.Duration((max - l.Total) / br.PerHour * float64(time.Hour))
	}
	return br
}
