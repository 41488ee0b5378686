// Package meter gates paid Night Factory calls against the budget caps.
//
// Every paid call goes through SpendCheck before it is made. A granted check
// has already committed the charge: cost is recorded optimistically,
// whether or not the external call later succeeds. A rejected check is a
// normal result, not an error, and never mutates the ledger.
//
// All operations on a Meter are serialized. When the store implements
// store.Locker the cross-process lock is held around load-check-commit-save
// as well; without it two processes sharing one ledger can both pass the
// check and overshoot the cap.
package meter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/model"
	"github.com/frost-solutions/nightmeter/internal/store"

	"github.com/rs/zerolog"
)

const (
	// DefaultStep labels charges made without a step name.
	DefaultStep = "unknown"

	warnPercent     = 75.0
	criticalPercent = 90.0
)

var (
	// ErrEmptyKind is returned when a spend check names no call kind.
	ErrEmptyKind = errors.New("meter: call kind must not be empty")
	// ErrInvalidCount is returned for negative, NaN or infinite counts.
	ErrInvalidCount = errors.New("meter: count must be a non-negative finite number")
)

// RouterSource supplies the router config. It is consulted on every
// operation so price and cap edits apply to the next check.
type RouterSource interface {
	LoadRouter() (config.Router, error)
}

// DenyReason says which cap rejected a check.
type DenyReason string

const (
	DenyNone    DenyReason = ""
	DenyGlobal  DenyReason = "global"
	DenyPerKind DenyReason = "per_kind"
)

// Request describes one paid operation. A nil Count means one unit and an
// empty Step means DefaultStep. An explicit zero count is charged as zero.
type Request struct {
	Kind  string
	Count *float64
	Step  string
}

// Units returns a Request count of n.
func Units(n float64) *float64 {
	return &n
}

// Result is the outcome of a spend check. On rejection Ledger is the
// unmutated ledger and Message explains which cap was hit.
type Result struct {
	Granted bool         `json:"granted"`
	Ledger  model.Ledger `json:"ledger"`
	Message string       `json:"message,omitempty"`
	Reason  DenyReason   `json:"reason,omitempty"`
	Kind    string       `json:"kind"`
	Count   float64      `json:"count"`
	Cost    float64      `json:"cost"`
	// Warning is the threshold label added by this check, if any.
	Warning string `json:"warning,omitempty"`
}

// Observer is notified after the ledger changes have been persisted.
type Observer interface {
	Granted(step model.Step, l model.Ledger, max float64)
	Denied(kind string, reason DenyReason, cost float64)
	Threshold(label string, percent float64)
	Reset(l model.Ledger)
}

// Meter is the budget ledger service.
type Meter struct {
	mu        sync.Mutex
	router    RouterSource
	store     store.Store
	now       func() time.Time
	log       zerolog.Logger
	observers []Observer
}

// Option configures a Meter.
type Option func(*Meter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) { m.now = now }
}

// WithLogger sets the logger used for threshold warnings and resets.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Meter) { m.log = l }
}

// WithObserver registers an observer.
func WithObserver(o Observer) Option {
	return func(m *Meter) { m.observers = append(m.observers, o) }
}

// New returns a meter reading caps from router and persisting to st.
func New(router RouterSource, st store.Store, opts ...Option) *Meter {
	m := &Meter{
		router: router,
		store:  st,
		now:    defaultNow,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timestamps are kept at millisecond precision in UTC, as the JSON ledger
// has always stored them.
func defaultNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// SpendCheck decides whether the operation fits the budget and, if it does,
// commits the charge and persists the ledger before returning.
func (m *Meter) SpendCheck(ctx context.Context, req Request) (Result, error) {
	if req.Kind == "" {
		return Result{}, ErrEmptyKind
	}
	count := 1.0
	if req.Count != nil {
		count = *req.Count
	}
	if count < 0 || math.IsNaN(count) || math.IsInf(count, 0) {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidCount, count)
	}
	step := req.Step
	if step == "" {
		step = DefaultStep
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock(ctx)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	router, err := m.router.LoadRouter()
	if err != nil {
		return Result{}, err
	}
	ledger, err := m.load(ctx)
	if err != nil {
		return Result{}, err
	}

	kind := req.Kind
	cost := router.Cost(kind, count)
	res := Result{Ledger: ledger, Kind: kind, Count: count, Cost: cost}

	if ledger.Total+cost > router.NightTotalMax {
		res.Reason = DenyGlobal
		res.Message = globalCapMessage(ledger.Total, router.NightTotalMax, cost, count, kind)
		m.denied(res)
		return res, nil
	}
	if limit, ok := router.PerKindLimit(); ok && ledger.Spent(kind)+cost > limit {
		res.Reason = DenyPerKind
		res.Message = perKindCapMessage(kind, ledger.Spent(kind), limit, cost)
		m.denied(res)
		return res, nil
	}

	next := ledger.Clone()
	committed := next.Charge(m.now(), step, kind, count, cost)
	label, percent := crossThreshold(&next, router.NightTotalMax)

	if err := m.store.Save(ctx, next); err != nil {
		return Result{}, fmt.Errorf("saving budget meter: %w", err)
	}

	res.Granted = true
	res.Ledger = next
	res.Warning = label

	m.log.Debug().
		Str("kind", kind).
		Str("step", step).
		Float64("cost", cost).
		Float64("total", next.Total).
		Msg("spend granted")
	if label != "" {
		m.log.Warn().
			Str("threshold", label).
			Msgf("Budget at %.1f%% (%.2f/%s SEK)", percent, next.Total, formatAmount(router.NightTotalMax))
	}

	for _, o := range m.observers {
		o.Granted(committed, next, router.NightTotalMax)
		if label != "" {
			o.Threshold(label, percent)
		}
	}
	return res, nil
}

// crossThreshold records at most one new threshold label. The 90% check
// wins; only when it does not fire is the 75% label considered, so a charge
// that jumps from below 75% to 90% or more records "90%" alone.
func crossThreshold(l *model.Ledger, max float64) (string, float64) {
	percent := l.Total / max * 100

	var label string
	switch {
	case percent >= criticalPercent && !l.HasWarning(model.Warn90):
		label = model.Warn90
	case percent >= warnPercent && !l.HasWarning(model.Warn75):
		label = model.Warn75
	default:
		return "", percent
	}
	l.Warnings = append(l.Warnings, label)
	return label, percent
}

// Reset replaces the ledger with a fresh zero-state record. It cannot be
// undone.
func (m *Meter) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	unlock, err := m.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	fresh := model.NewLedger(m.now())
	if err := m.store.Save(ctx, fresh); err != nil {
		return fmt.Errorf("resetting budget meter: %w", err)
	}

	m.log.Info().Time("start_time", fresh.StartTime).Msg("Budget meter reset")
	for _, o := range m.observers {
		o.Reset(fresh)
	}
	return nil
}

// Ledger returns the persisted ledger, or the zero state if none exists.
func (m *Meter) Ledger(ctx context.Context) (model.Ledger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx)
}

func (m *Meter) load(ctx context.Context) (model.Ledger, error) {
	l, err := m.store.Load(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return model.NewLedger(m.now()), nil
	}
	if err != nil {
		return model.Ledger{}, fmt.Errorf("loading budget meter: %w", err)
	}
	l.Normalize()
	return l, nil
}

func (m *Meter) lock(ctx context.Context) (func(), error) {
	locker, ok := m.store.(store.Locker)
	if !ok {
		return func() {}, nil
	}
	release, err := locker.Lock(ctx)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(); err != nil {
			m.log.Error().Err(err).Msg("releasing budget meter lock")
		}
	}, nil
}

func (m *Meter) denied(res Result) {
	m.log.Debug().
		Str("kind", res.Kind).
		Str("reason", string(res.Reason)).
		Float64("cost", res.Cost).
		Msg("spend denied")
	for _, o := range m.observers {
		o.Denied(res.Kind, res.Reason, res.Cost)
	}
}

func globalCapMessage(spent, max, cost, count float64, kind string) string {
	return fmt.Sprintf("Budget cap reached!\n"+
		"   Spent: %.2f SEK\n"+
		"   Limit: %s SEK\n"+
		"   Remaining: %.2f SEK\n"+
		"   This operation would add: %.2f SEK (%s × %s)",
		spent, formatAmount(max), max-spent, cost, formatAmount(count), kind)
}

func perKindCapMessage(kind string, spent, limit, cost float64) string {
	return fmt.Sprintf("Per-task budget exceeded for %s!\n"+
		"   Task spent: %.2f SEK\n"+
		"   Task limit: %s SEK\n"+
		"   This operation would add: %.2f SEK",
		kind, spent, formatAmount(limit), cost)
}

// formatAmount prints configured numbers the way they were written:
// 100 stays "100", 12.5 stays "12.5".
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
