// Package daemon provides the long-running budget monitor service.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/metrics"
	"github.com/frost-solutions/nightmeter/internal/model"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls the daemon runtime behavior.
type Config struct {
	// MeterPath is the ledger location; its directory is watched for writes.
	MeterPath    string
	Interval     time.Duration
	Addr         string
	EventsBuffer int
	Debounce     time.Duration
}

// Snapshot is a compact budget state for status/event payloads.
type Snapshot struct {
	At        time.Time `json:"at"`
	Total     float64   `json:"total"`
	Max       float64   `json:"max"`
	Remaining float64   `json:"remaining"`
	Percent   float64   `json:"percent"`
	Status    string    `json:"status"`
	Steps     int       `json:"steps"`
	Warnings  []string  `json:"warnings"`
	StartTime time.Time `json:"start_time"`
}

// Event is emitted whenever the ledger changes.
type Event struct {
	ID        int64       `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Snapshot  Snapshot    `json:"snapshot"`
	Step      *model.Step `json:"step,omitempty"`
	Label     string      `json:"label,omitempty"`
}

// Status is served at /v1/status.
type Status struct {
	// InstanceID changes on every daemon start; event IDs restart with it.
	InstanceID      string    `json:"instance_id"`
	StartedAt       time.Time `json:"started_at"`
	LastPollAt      time.Time `json:"last_poll_at"`
	PollIntervalSec int       `json:"poll_interval_sec"`
	PollCount       int64     `json:"poll_count"`
	MeterPath       string    `json:"meter_path"`
	Watching        bool      `json:"watching"`
	Summary         Snapshot  `json:"summary"`
	LastError       string    `json:"last_error,omitempty"`
	EventCount      int       `json:"event_count"`
	SubscriberCount int       `json:"subscriber_count"`
}

// Service provides the daemon runtime and HTTP API.
type Service struct {
	cfg     Config
	meter   *meter.Meter
	metrics *metrics.Collector
	log     zerolog.Logger
	id      string

	// pollMu keeps diffs ordered when a spend request and the poll loop
	// refresh at the same time.
	pollMu sync.Mutex

	events *eventLog

	mu         sync.RWMutex
	startedAt  time.Time
	lastPollAt time.Time
	pollCount  int64
	lastError  string
	watching   bool
	seeded     bool
	snapshot   Snapshot
	last       model.Ledger
}

// New returns a daemon service reading the budget through m. The meter
// must not have c registered as an observer; the service feeds c itself
// from ledger changes so spends made by other processes are counted too.
func New(cfg Config, m *meter.Meter, c *metrics.Collector, log zerolog.Logger) *Service {
	if cfg.Interval < 2*time.Second {
		cfg.Interval = 30 * time.Second
	}
	if cfg.EventsBuffer < 1 {
		cfg.EventsBuffer = 200
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8788"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	if c == nil {
		c = metrics.New()
	}

	return &Service{
		cfg:       cfg,
		meter:     m,
		metrics:   c,
		log:       log,
		id:        uuid.New().String(),
		events:    newEventLog(cfg.EventsBuffer),
		startedAt: time.Now(),
	}
}

// Handler returns the HTTP API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /v1/stream", s.handleStream)
	mux.HandleFunc("POST /v1/spend", s.handleSpend)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Run starts HTTP endpoints, the ledger watcher and polling until ctx is
// canceled.
func (s *Service) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	changed := make(chan struct{}, 1)
	watcher, err := s.watch(changed)
	if err != nil {
		s.log.Warn().Err(err).Str("path", s.cfg.MeterPath).Msg("ledger watch unavailable, polling only")
	} else {
		defer func() { _ = watcher.Close() }()
	}

	// Seed initial snapshot so status is useful immediately.
	s.pollOnce(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-changed:
			s.pollOnce(ctx)
		case err := <-errCh:
			return fmt.Errorf("daemon http server: %w", err)
		}
	}
}

// watch signals changed, debounced, whenever the ledger file is written or
// replaced. SQLite ledgers also count writes to their -wal file.
func (s *Service) watch(changed chan<- struct{}) (*fsnotify.Watcher, error) {
	if s.cfg.MeterPath == "" {
		return nil, errors.New("no ledger path")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(s.cfg.MeterPath)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	s.mu.Lock()
	s.watching = true
	s.mu.Unlock()

	target := filepath.Clean(s.cfg.MeterPath)
	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !relevant(ev, target) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(s.cfg.Debounce, func() {
					select {
					case changed <- struct{}{}:
					default:
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn().Err(err).Msg("ledger watcher error")
			}
		}
	}()
	return w, nil
}

func relevant(ev fsnotify.Event, target string) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Clean(ev.Name)
	return name == target || name == target+"-wal"
}

func (s *Service) pollOnce(ctx context.Context) {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	sum, err := s.meter.Summary(ctx)
	now := time.Now()
	if err != nil {
		s.mu.Lock()
		s.lastError = err.Error()
		s.lastPollAt = now
		s.pollCount++
		s.mu.Unlock()
		s.log.Error().Err(err).Msg("daemon poll failed")
		return
	}

	snap := snapshotFromSummary(sum, now)
	curr := sum.Ledger()

	s.mu.Lock()
	events := []Event{{Type: EventSnapshot}}
	if s.seeded {
		events = diffLedgers(s.last, curr)
	}
	s.seeded = true
	s.snapshot = snap
	s.last = curr
	s.lastPollAt = now
	s.pollCount++
	s.lastError = ""
	s.mu.Unlock()

	for _, ev := range events {
		ev.Timestamp = now
		ev.Snapshot = snap
		switch ev.Type {
		case EventReset:
			s.metrics.Reset(curr)
			s.log.Info().Time("start_time", curr.StartTime).Msg("budget meter reset observed")
		case EventSpend:
			s.metrics.Granted(*ev.Step, curr, sum.Max)
		case EventThreshold:
			s.metrics.Threshold(ev.Label, sum.Percent)
			s.log.Warn().Str("threshold", ev.Label).Float64("percent", sum.Percent).Msg("budget threshold crossed")
		}
		s.events.publish(ev)
	}
	s.metrics.ObserveSummary(sum)
}

// diffLedgers derives the events between two observed ledgers. A changed
// start time or a shrinking step list means the ledger was reset; every
// step after that is reported as a spend.
func diffLedgers(prev, curr model.Ledger) []Event {
	var events []Event

	from := len(prev.Steps)
	warned := make(map[string]bool, len(prev.Warnings))
	for _, w := range prev.Warnings {
		warned[w] = true
	}

	if !prev.StartTime.Equal(curr.StartTime) || len(curr.Steps) < len(prev.Steps) {
		events = append(events, Event{Type: EventReset})
		from = 0
		warned = map[string]bool{}
	}

	for i := from; i < len(curr.Steps); i++ {
		st := curr.Steps[i]
		events = append(events, Event{Type: EventSpend, Step: &st})
	}
	for _, w := range curr.Warnings {
		if !warned[w] {
			events = append(events, Event{Type: EventThreshold, Label: w})
		}
	}
	return events
}

func snapshotFromSummary(sum meter.Summary, at time.Time) Snapshot {
	warnings := sum.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return Snapshot{
		At:        at,
		Total:     sum.Total,
		Max:       sum.Max,
		Remaining: sum.Remaining,
		Percent:   sum.Percent,
		Status:    sum.Status().String(),
		Steps:     len(sum.Steps),
		Warnings:  warnings,
		StartTime: sum.StartTime,
	}
}

func (s *Service) snapshotStatus() Status {
	events, subs := s.events.counts()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		InstanceID:      s.id,
		StartedAt:       s.startedAt,
		LastPollAt:      s.lastPollAt,
		PollIntervalSec: int(s.cfg.Interval.Seconds()),
		PollCount:       s.pollCount,
		MeterPath:       s.cfg.MeterPath,
		Watching:        s.watching,
		Summary:         s.snapshot,
		LastError:       s.lastError,
		EventCount:      events,
		SubscriberCount: subs,
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshotStatus())
}

// handleEvents lists retained events, optionally only those after ?after=ID.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "after must be an event id", http.StatusBadRequest)
			return
		}
		after = n
	}
	writeJSON(w, http.StatusOK, s.events.since(after))
}

// SpendRequest is the body of POST /v1/spend. A missing count means one
// unit.
type SpendRequest struct {
	Kind  string   `json:"kind"`
	Count *float64 `json:"count,omitempty"`
	Step  string   `json:"step,omitempty"`
}

// SpendResponse reports a spend check made through the daemon.
type SpendResponse struct {
	Granted bool             `json:"granted"`
	Kind    string           `json:"kind"`
	Count   float64          `json:"count"`
	Cost    float64          `json:"cost"`
	Total   float64          `json:"total"`
	Reason  meter.DenyReason `json:"reason,omitempty"`
	Message string           `json:"message,omitempty"`
	Warning string           `json:"warning,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// handleSpend runs a spend check for collaborators that cannot link the
// meter. Granted checks answer 200, rejections 402.
func (s *Service) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req SpendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, SpendResponse{Error: "malformed request: " + err.Error()})
		return
	}

	res, err := s.meter.SpendCheck(r.Context(), meter.Request{Kind: req.Kind, Count: req.Count, Step: req.Step})
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, meter.ErrEmptyKind) || errors.Is(err, meter.ErrInvalidCount) {
			code = http.StatusBadRequest
		}
		writeJSON(w, code, SpendResponse{Kind: req.Kind, Error: err.Error()})
		return
	}

	resp := SpendResponse{
		Granted: res.Granted,
		Kind:    res.Kind,
		Count:   res.Count,
		Cost:    res.Cost,
		Total:   res.Ledger.Total,
		Reason:  res.Reason,
		Message: res.Message,
		Warning: res.Warning,
	}
	if !res.Granted {
		s.metrics.Denied(res.Kind, res.Reason, res.Cost)
		writeJSON(w, http.StatusPaymentRequired, resp)
		return
	}

	s.pollOnce(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

// handleStream serves events as SSE. A reconnecting client sending
// Last-Event-ID first receives the retained events it missed; a new client
// starts with the current snapshot.
func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	live, unsubscribe := s.events.subscribe(16)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	var sent int64
	if last, err := strconv.ParseInt(r.Header.Get("Last-Event-ID"), 10, 64); err == nil {
		for _, ev := range s.events.since(last) {
			if writeSSE(w, ev) != nil {
				return
			}
			sent = ev.ID
		}
	} else {
		initial := Event{Type: EventSnapshot, Timestamp: time.Now(), Snapshot: s.snapshotStatus().Summary}
		if writeSSE(w, initial) != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-live:
			if ev.ID <= sent {
				continue
			}
			if writeSSE(w, ev) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
