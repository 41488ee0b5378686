// Package model defines the budget ledger record shared by the meter, the
// stores and the reporting commands.
package model

import (
	"fmt"
	"math"
	"slices"
	"time"
)

// Threshold labels recorded in Ledger.Warnings.
const (
	Warn75 = "75%"
	Warn90 = "90%"
)

// Step is one committed charge in the ledger history.
type Step struct {
	Timestamp  time.Time `json:"timestamp"`
	Step       string    `json:"step"`
	Kind       string    `json:"kind"`
	Count      float64   `json:"count"`
	Cost       float64   `json:"cost"`
	TotalAfter float64   `json:"totalAfter"`
}

// Ledger is the persisted budget meter. It is loaded and saved as a whole.
type Ledger struct {
	Total     float64            `json:"total"`
	By        map[string]float64 `json:"by"`
	Steps     []Step             `json:"steps"`
	StartTime time.Time          `json:"startTime"`
	Warnings  []string           `json:"warnings"`
}

// NewLedger returns the zero-state ledger started at now.
func NewLedger(now time.Time) Ledger {
	return Ledger{
		By:        make(map[string]float64),
		Steps:     []Step{},
		StartTime: now,
		Warnings:  []string{},
	}
}

// Normalize replaces nil collections left by a sparse persisted record so
// the JSON form always carries {} and [] instead of null.
func (l *Ledger) Normalize() {
	if l.By == nil {
		l.By = make(map[string]float64)
	}
	if l.Steps == nil {
		l.Steps = []Step{}
	}
	if l.Warnings == nil {
		l.Warnings = []string{}
	}
}

// Spent returns the cumulative spend for kind, zero when the kind has never
// been charged.
func (l Ledger) Spent(kind string) float64 {
	return l.By[kind]
}

// HasWarning reports whether the threshold label was already emitted.
func (l Ledger) HasWarning(label string) bool {
	return slices.Contains(l.Warnings, label)
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	c := Ledger{
		Total:     l.Total,
		By:        make(map[string]float64, len(l.By)),
		Steps:     make([]Step, len(l.Steps)),
		StartTime: l.StartTime,
		Warnings:  make([]string, len(l.Warnings)),
	}
	for k, v := range l.By {
		c.By[k] = v
	}
	copy(c.Steps, l.Steps)
	copy(c.Warnings, l.Warnings)
	return c
}

// Charge commits cost for kind and appends the step record.
func (l *Ledger) Charge(at time.Time, step, kind string, count, cost float64) Step {
	l.Normalize()
	l.Total += cost
	l.By[kind] += cost
	s := Step{
		Timestamp:  at,
		Step:       step,
		Kind:       kind,
		Count:      count,
		Cost:       cost,
		TotalAfter: l.Total,
	}
	l.Steps = append(l.Steps, s)
	return s
}

// Verify checks the ledger invariants: total and per-kind sums match the
// step history, totalAfter is the running total, and warnings are unique.
func (l Ledger) Verify() error {
	var running float64
	byKind := make(map[string]float64)
	for i, s := range l.Steps {
		if s.Cost < 0 {
			return fmt.Errorf("step %d: negative cost %.4f", i+1, s.Cost)
		}
		running += s.Cost
		byKind[s.Kind] += s.Cost
		if !approxEqual(s.TotalAfter, running) {
			return fmt.Errorf("step %d: totalAfter %.4f, running total %.4f", i+1, s.TotalAfter, running)
		}
	}
	if !approxEqual(l.Total, running) {
		return fmt.Errorf("total %.4f does not match sum of steps %.4f", l.Total, running)
	}
	for kind, v := range l.By {
		if !approxEqual(v, byKind[kind]) {
			return fmt.Errorf("by[%s] %.4f does not match sum of steps %.4f", kind, v, byKind[kind])
		}
	}
	for kind, v := range byKind {
		if _, ok := l.By[kind]; !ok && v != 0 {
			return fmt.Errorf("by[%s] missing, steps sum to %.4f", kind, v)
		}
	}
	seen := make(map[string]bool, len(l.Warnings))
	for _, w := range l.Warnings {
		if seen[w] {
			return fmt.Errorf("duplicate warning %q", w)
		}
		seen[w] = true
	}
	return nil
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) <= 1e-9*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}
