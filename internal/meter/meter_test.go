package meter

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/model"
	"github.com/frost-solutions/nightmeter/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticRouter struct {
	r   config.Router
	err error
}

func (s staticRouter) LoadRouter() (config.Router, error) {
	return s.r, s.err
}

func router(max float64, prices map[string]float64) staticRouter {
	return staticRouter{r: config.Router{Prices: prices, NightTotalMax: max}}
}

func ptr(v float64) *float64 { return &v }

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

type recorder struct {
	mu         sync.Mutex
	granted    int
	denied     []DenyReason
	thresholds []string
	resets     int
}

func (r *recorder) Granted(model.Step, model.Ledger, float64) {
	r.mu.Lock()
	r.granted++
	r.mu.Unlock()
}

func (r *recorder) Denied(_ string, reason DenyReason, _ float64) {
	r.mu.Lock()
	r.denied = append(r.denied, reason)
	r.mu.Unlock()
}

func (r *recorder) Threshold(label string, _ float64) {
	r.mu.Lock()
	r.thresholds = append(r.thresholds, label)
	r.mu.Unlock()
}

func (r *recorder) Reset(model.Ledger) {
	r.mu.Lock()
	r.resets++
	r.mu.Unlock()
}

type failingStore struct {
	*store.MemoryStore
	saveErr error
}

func (f *failingStore) Save(ctx context.Context, l model.Ledger) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryStore.Save(ctx, l)
}

func spend(t *testing.T, m *Meter, kind string, count float64) Result {
	t.Helper()
	res, err := m.SpendCheck(context.Background(), Request{Kind: kind, Count: Units(count), Step: "test"})
	require.NoError(t, err)
	return res
}

func TestSpendCheck_GlobalCapScenario(t *testing.T) {
	st := store.NewMemoryStore()
	m := New(router(100, map[string]float64{"gemini_call_SEK": 30}), st, WithClock(stepClock()))

	for i, want := range []float64{30, 60, 90} {
		res := spend(t, m, "gemini_call", 1)
		require.True(t, res.Granted, "call %d should be granted", i+1)
		assert.Equal(t, want, res.Ledger.Total)
	}

	res := spend(t, m, "gemini_call", 1)
	assert.False(t, res.Granted)
	assert.Equal(t, DenyGlobal, res.Reason)
	assert.Equal(t, 90.0, res.Ledger.Total)
	assert.Contains(t, res.Message, "Budget cap reached!")
	assert.Contains(t, res.Message, "Spent: 90.00 SEK")
	assert.Contains(t, res.Message, "Limit: 100 SEK")
	assert.Contains(t, res.Message, "Remaining: 10.00 SEK")
	assert.Contains(t, res.Message, "This operation would add: 30.00 SEK (1 × gemini_call)")

	persisted, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90.0, persisted.Total)
	assert.Len(t, persisted.Steps, 3)
	assert.Equal(t, []string{model.Warn90}, persisted.Warnings)
	assert.NoError(t, persisted.Verify())
}

func TestSpendCheck_PerKindCapScenario(t *testing.T) {
	r := router(100, map[string]float64{"x_SEK": 20})
	r.r.PerTaskMax = ptr(50)
	m := New(r, store.NewMemoryStore(), WithClock(stepClock()))

	first := spend(t, m, "x", 1)
	require.True(t, first.Granted)
	assert.Equal(t, 20.0, first.Ledger.Spent("x"))

	second := spend(t, m, "x", 1)
	require.True(t, second.Granted)
	assert.Equal(t, 40.0, second.Ledger.Spent("x"))

	third := spend(t, m, "x", 1)
	assert.False(t, third.Granted)
	assert.Equal(t, DenyPerKind, third.Reason)
	assert.Equal(t, 40.0, third.Ledger.Total)
	assert.Contains(t, third.Message, "Per-task budget exceeded for x!")
	assert.Contains(t, third.Message, "Task spent: 40.00 SEK")
	assert.Contains(t, third.Message, "Task limit: 50 SEK")
}

func TestSpendCheck_GlobalCapWinsOverPerKind(t *testing.T) {
	r := router(10, map[string]float64{"x_SEK": 20})
	r.r.PerTaskMax = ptr(5)
	m := New(r, store.NewMemoryStore())

	res := spend(t, m, "x", 1)
	assert.False(t, res.Granted)
	assert.Equal(t, DenyGlobal, res.Reason)
	assert.NotContains(t, res.Message, "Per-task")
}

func TestSpendCheck_PerKindCapIsIndependentPerKind(t *testing.T) {
	r := router(100, map[string]float64{"a_SEK": 30, "b_SEK": 30})
	r.r.PerTaskMax = ptr(40)
	m := New(r, store.NewMemoryStore())

	assert.True(t, spend(t, m, "a", 1).Granted)
	assert.False(t, spend(t, m, "a", 1).Granted)
	assert.True(t, spend(t, m, "b", 1).Granted)
}

func TestSpendCheck_UnpricedKindIsFree(t *testing.T) {
	m := New(router(100, map[string]float64{"gemini_call_SEK": 50}), store.NewMemoryStore())

	spend(t, m, "gemini_call", 2)

	res := spend(t, m, "notion_write", 10)
	assert.True(t, res.Granted)
	assert.Zero(t, res.Cost)
	assert.Equal(t, 100.0, res.Ledger.Total)
	assert.Equal(t, 0.0, res.Ledger.Spent("notion_write"))
	_, present := res.Ledger.By["notion_write"]
	assert.True(t, present, "a free charge still creates the kind entry")
}

func TestSpendCheck_SingleJumpPast90SkipsThe75Label(t *testing.T) {
	rec := &recorder{}
	m := New(router(100, map[string]float64{"a_SEK": 70, "b_SEK": 25}), store.NewMemoryStore(), WithObserver(rec))

	res := spend(t, m, "a", 1)
	require.True(t, res.Granted)
	assert.Empty(t, res.Ledger.Warnings)

	res = spend(t, m, "b", 1)
	require.True(t, res.Granted)
	assert.Equal(t, model.Warn90, res.Warning)
	assert.Equal(t, []string{model.Warn90}, res.Ledger.Warnings)
	assert.Equal(t, []string{model.Warn90}, rec.thresholds)

	// The 75% branch is only reached when the 90% one does not fire, so the
	// next charge above 75% records the skipped label late.
	res = spend(t, m, "free_kind", 1)
	assert.Equal(t, []string{model.Warn90, model.Warn75}, res.Ledger.Warnings)
}

func TestSpendCheck_WarningsAreEmittedOncePerBand(t *testing.T) {
	var logBuf bytes.Buffer
	logger := zerolog.New(&logBuf)
	m := New(router(100, map[string]float64{"k_SEK": 1}), store.NewMemoryStore(), WithLogger(logger))

	var last Result
	for i := 0; i < 95; i++ {
		last = spend(t, m, "k", 1)
		require.True(t, last.Granted)
	}

	assert.Equal(t, []string{model.Warn75, model.Warn90}, last.Ledger.Warnings)
	assert.NoError(t, last.Ledger.Verify())
	assert.Equal(t, 2, bytes.Count(logBuf.Bytes(), []byte(`"level":"warn"`)))
	assert.Contains(t, logBuf.String(), "Budget at 75.0% (75.00/100 SEK)")
}

func TestSpendCheck_RejectionsNeverMutate(t *testing.T) {
	rec := &recorder{}
	st := store.NewMemoryStore()
	m := New(router(10, map[string]float64{"k_SEK": 4}), st, WithObserver(rec))

	spend(t, m, "k", 2)
	before, err := st.Load(context.Background())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := spend(t, m, "k", 1)
		require.False(t, res.Granted)
	}

	after, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 1, rec.granted)
	assert.Equal(t, []DenyReason{DenyGlobal, DenyGlobal, DenyGlobal}, rec.denied)
}

func TestSpendCheck_TotalsMatchStepsAfterEveryCommit(t *testing.T) {
	prices := map[string]float64{"gemini_call_SEK": 0.35, "perplexity_call_SEK": 1.2, "drive_upload_SEK": 0.05}
	m := New(router(50, prices), store.NewMemoryStore())

	kinds := []string{"gemini_call", "perplexity_call", "drive_upload"}
	for i := 0; i < 60; i++ {
		res := spend(t, m, kinds[i%len(kinds)], float64(i%4))
		var sum float64
		for _, s := range res.Ledger.Steps {
			sum += s.Cost
		}
		assert.InDelta(t, sum, res.Ledger.Total, 1e-9)
		require.NoError(t, res.Ledger.Verify())
		assert.LessOrEqual(t, res.Ledger.Total, 50.0)
	}
}

func TestSpendCheck_Defaults(t *testing.T) {
	m := New(router(100, map[string]float64{"k_SEK": 2}), store.NewMemoryStore(), WithClock(stepClock()))

	res, err := m.SpendCheck(context.Background(), Request{Kind: "k"})
	require.NoError(t, err)
	require.Len(t, res.Ledger.Steps, 1)

	s := res.Ledger.Steps[0]
	assert.Equal(t, DefaultStep, s.Step)
	assert.Equal(t, 1.0, s.Count)
	assert.Equal(t, 2.0, s.Cost)
	assert.Equal(t, 2.0, s.TotalAfter)
	assert.Equal(t, time.Date(2025, 10, 1, 22, 0, 2, 0, time.UTC), s.Timestamp)
}

func TestSpendCheck_ExplicitZeroCountChargesNothing(t *testing.T) {
	m := New(router(10, map[string]float64{"k_SEK": 10}), store.NewMemoryStore())

	spend(t, m, "k", 1)
	res := spend(t, m, "k", 0)
	assert.True(t, res.Granted, "a zero-unit check fits even a spent budget")
	assert.Equal(t, 0.0, res.Count)
	assert.Equal(t, 0.0, res.Cost)
	assert.Equal(t, 10.0, res.Ledger.Total)
	require.Len(t, res.Ledger.Steps, 2)
	assert.Equal(t, 0.0, res.Ledger.Steps[1].Count)

	res = spend(t, m, "k", 1)
	assert.False(t, res.Granted)
}

func TestSpendCheck_FractionalCount(t *testing.T) {
	m := New(router(100, map[string]float64{"k_SEK": 0.5}), store.NewMemoryStore())

	res := spend(t, m, "k", 2.5)
	assert.True(t, res.Granted)
	assert.Equal(t, 1.25, res.Cost)
}

func TestSpendCheck_InvalidRequests(t *testing.T) {
	m := New(router(100, nil), store.NewMemoryStore())
	ctx := context.Background()

	_, err := m.SpendCheck(ctx, Request{})
	assert.ErrorIs(t, err, ErrEmptyKind)

	_, err = m.SpendCheck(ctx, Request{Kind: "k", Count: Units(-1)})
	assert.ErrorIs(t, err, ErrInvalidCount)
}

func TestSpendCheck_ConfigErrorIsFatal(t *testing.T) {
	boom := errors.New("failed to load budget config: no such file")
	m := New(staticRouter{err: boom}, store.NewMemoryStore())

	_, err := m.SpendCheck(context.Background(), Request{Kind: "k"})
	assert.ErrorIs(t, err, boom)

	_, err = m.Summary(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestSpendCheck_CorruptLedgerIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget_meter.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	m := New(router(100, nil), store.NewFileStore(path))
	_, err := m.SpendCheck(context.Background(), Request{Kind: "k"})
	assert.ErrorIs(t, err, store.ErrCorrupt)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(data), "corrupt ledger must not be overwritten")
}

func TestSpendCheck_SaveFailureAbortsGrant(t *testing.T) {
	rec := &recorder{}
	st := &failingStore{MemoryStore: store.NewMemoryStore()}
	m := New(router(100, map[string]float64{"k_SEK": 80}), st, WithObserver(rec))

	spend(t, m, "k", 0.5)

	st.saveErr = errors.New("disk full")
	res, err := m.SpendCheck(context.Background(), Request{Kind: "k", Count: Units(0.5)})
	require.Error(t, err)
	assert.False(t, res.Granted)

	persisted, loadErr := st.Load(context.Background())
	require.NoError(t, loadErr)
	assert.Equal(t, 40.0, persisted.Total)
	assert.Empty(t, persisted.Warnings)
	assert.Empty(t, rec.thresholds, "no threshold is announced for an unsaved charge")
}

func TestReset_ProducesZeroState(t *testing.T) {
	rec := &recorder{}
	st := store.NewMemoryStore()
	m := New(router(100, map[string]float64{"k_SEK": 40}), st, WithClock(stepClock()), WithObserver(rec))

	spend(t, m, "k", 2)
	before, err := m.Ledger(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{model.Warn75}, before.Warnings)

	require.NoError(t, m.Reset(context.Background()))

	after, err := st.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, after.Total)
	assert.Empty(t, after.By)
	assert.Empty(t, after.Steps)
	assert.Empty(t, after.Warnings)
	assert.True(t, after.StartTime.After(before.StartTime))
	assert.Equal(t, 1, rec.resets)
}

func TestSpendCheck_ConcurrentCallersNeverOvershoot(t *testing.T) {
	m := New(router(100, map[string]float64{"k_SEK": 1}), store.NewMemoryStore())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.SpendCheck(context.Background(), Request{Kind: "k"})
			if err == nil && res.Granted {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, granted)
	l, err := m.Ledger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100.0, l.Total)
	assert.Len(t, l.Steps, 100)
}

func TestSpendCheck_SeparateMetersShareFileLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "budget_meter.json")
	r := router(30, map[string]float64{"k_SEK": 1})

	// Two meters over the same file stand in for two factory processes.
	a := New(r, store.NewFileStore(path))
	b := New(r, store.NewFileStore(path))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		for _, m := range []*Meter{a, b} {
			wg.Add(1)
			go func(m *Meter) {
				defer wg.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_, err := m.SpendCheck(ctx, Request{Kind: "k"})
				assert.NoError(t, err)
			}(m)
		}
	}
	wg.Wait()

	l, err := store.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30.0, l.Total)
	assert.Len(t, l.Steps, 30)
	assert.NoError(t, l.Verify())
}

func TestSummary_StatusFollowsDisplayedPercent(t *testing.T) {
	at := time.Date(2025, 10, 1, 23, 0, 0, 0, time.UTC)
	summarize := func(total float64) Summary {
		l := model.NewLedger(at)
		l.Charge(at, "plan", "gemini_call", 1, total)
		return Summarize(l, 100, nil)
	}

	sum := summarize(74.94)
	assert.Equal(t, 74.9, sum.Percent)
	assert.Equal(t, StatusOK, sum.Status())

	sum = summarize(74.96)
	assert.Equal(t, 75.0, sum.Percent)
	assert.Equal(t, StatusWarning, sum.Status())
	assert.Equal(t, 1, sum.Status().ExitCode())

	sum = summarize(89.96)
	assert.Equal(t, 90.0, sum.Percent)
	assert.Equal(t, StatusCritical, sum.Status())
	assert.Equal(t, 2, sum.Status().ExitCode())
}
