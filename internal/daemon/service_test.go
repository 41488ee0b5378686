package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/frost-solutions/nightmeter/internal/config"
	"github.com/frost-solutions/nightmeter/internal/meter"
	"github.com/frost-solutions/nightmeter/internal/model"
	"github.com/frost-solutions/nightmeter/internal/store"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

type fixedRouter config.Router

func (r fixedRouter) LoadRouter() (config.Router, error) { return config.Router(r), nil }

func newTestService(t *testing.T) (*Service, *meter.Meter, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	r := fixedRouter{Prices: map[string]float64{"gemini_call_SEK": 30}, NightTotalMax: 100}
	m := meter.New(r, st)
	return New(Config{EventsBuffer: 50}, m, nil, zerolog.Nop()), m, st
}

func eventTypes(s *Service) []string {
	events := s.events.since(0)
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
		if ev.Label != "" {
			out[i] += ":" + ev.Label
		}
	}
	return out
}

func TestDiffLedgers(t *testing.T) {
	start := time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC)
	prev := model.NewLedger(start)
	prev.Charge(start.Add(time.Minute), "plan", "gemini_call", 1, 70)

	curr := prev.Clone()
	curr.Charge(start.Add(2*time.Minute), "plan", "gemini_call", 1, 25)
	curr.Warnings = append(curr.Warnings, model.Warn90)

	events := diffLedgers(prev, curr)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != EventSpend || events[0].Step.TotalAfter != 95 {
		t.Fatalf("first event = %+v", events[0])
	}
	if events[1].Type != EventThreshold || events[1].Label != model.Warn90 {
		t.Fatalf("second event = %+v", events[1])
	}

	if events := diffLedgers(curr, curr); len(events) != 0 {
		t.Fatalf("unchanged ledger produced %d events", len(events))
	}
}

func TestDiffLedgers_Reset(t *testing.T) {
	start := time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC)
	prev := model.NewLedger(start)
	prev.Charge(start.Add(time.Minute), "plan", "gemini_call", 1, 80)
	prev.Warnings = []string{model.Warn75}

	curr := model.NewLedger(start.Add(time.Hour))
	curr.Charge(start.Add(61*time.Minute), "plan", "gemini_call", 1, 10)

	events := diffLedgers(prev, curr)
	if len(events) != 2 || events[0].Type != EventReset || events[1].Type != EventSpend {
		t.Fatalf("events = %+v", events)
	}
}

func TestPollOnce_EmitsSpendAndThresholdEvents(t *testing.T) {
	s, m, _ := newTestService(t)
	ctx := context.Background()

	s.pollOnce(ctx)
	for i := 0; i < 3; i++ {
		if _, err := m.SpendCheck(ctx, meter.Request{Kind: "gemini_call"}); err != nil {
			t.Fatalf("spend: %v", err)
		}
	}
	s.pollOnce(ctx)

	want := []string{"snapshot", "spend", "spend", "spend", "threshold:90%"}
	if got := eventTypes(s); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v, want %v", got, want)
	}

	st := s.snapshotStatus()
	if st.Summary.Total != 90 || st.Summary.Status != "CRITICAL" {
		t.Fatalf("summary = %+v", st.Summary)
	}
	if st.PollCount != 2 {
		t.Fatalf("poll count = %d, want 2", st.PollCount)
	}
}

func TestEventLog_RetainsMostRecent(t *testing.T) {
	l := newEventLog(2)
	for i := 0; i < 3; i++ {
		l.publish(Event{Type: EventSpend})
	}

	got := l.since(0)
	if len(got) != 2 || got[0].ID != 2 || got[1].ID != 3 {
		t.Fatalf("retained events = %+v, want IDs [2 3]", got)
	}
	if after := l.since(2); len(after) != 1 || after[0].ID != 3 {
		t.Fatalf("since(2) = %+v, want ID 3 only", after)
	}
}

func TestEventLog_Subscribe(t *testing.T) {
	l := newEventLog(10)
	ch, unsubscribe := l.subscribe(1)

	l.publish(Event{Type: EventReset})
	l.publish(Event{Type: EventSpend}) // buffer full, dropped for this subscriber

	if ev := <-ch; ev.ID != 1 || ev.Type != EventReset {
		t.Fatalf("received %+v", ev)
	}
	if _, subs := l.counts(); subs != 1 {
		t.Fatalf("subscribers = %d, want 1", subs)
	}
	unsubscribe()
	if _, subs := l.counts(); subs != 0 {
		t.Fatalf("subscribers after unsubscribe = %d, want 0", subs)
	}
}

func TestWriteSSE(t *testing.T) {
	var b bytes.Buffer
	if err := writeSSE(&b, Event{ID: 7, Type: EventThreshold, Label: "90%"}); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}
	out := b.String()
	if !strings.HasPrefix(out, "id: 7\nevent: threshold\ndata: {") || !strings.HasSuffix(out, "}\n\n") {
		t.Fatalf("sse frame = %q", out)
	}

	b.Reset()
	_ = writeSSE(&b, Event{Type: EventSnapshot})
	if strings.Contains(b.String(), "id:") {
		t.Fatalf("unnumbered event carries an id: %q", b.String())
	}
}

func TestHandler_StreamResumesAfterLastEventID(t *testing.T) {
	s, m, _ := newTestService(t)
	ctx := context.Background()
	s.pollOnce(ctx)
	for i := 0; i < 2; i++ {
		if _, err := m.SpendCheck(ctx, meter.Request{Kind: "gemini_call"}); err != nil {
			t.Fatalf("spend: %v", err)
		}
	}
	s.pollOnce(ctx) // events 2 and 3 are spends

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/v1/stream", nil)
	req.Header.Set("Last-Event-ID", "1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	sc := bufio.NewScanner(resp.Body)
	var ids []string
	for len(ids) < 2 && sc.Scan() {
		if id, ok := strings.CutPrefix(sc.Text(), "id: "); ok {
			ids = append(ids, id)
		}
	}
	if strings.Join(ids, ",") != "2,3" {
		t.Fatalf("replayed ids = %v, want [2 3]", ids)
	}
}

func TestHandler_EventsAfter(t *testing.T) {
	s, _, _ := newTestService(t)
	s.events.publish(Event{Type: EventSpend})
	s.events.publish(Event{Type: EventSpend})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events?after=1", nil))
	var events []Event
	if err := json.NewDecoder(rr.Body).Decode(&events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events) != 1 || events[0].ID != 2 {
		t.Fatalf("events = %+v", events)
	}

	rr = httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events?after=x", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad after: code = %d", rr.Code)
	}
}

func TestHandler_SpendAndStatus(t *testing.T) {
	s, _, st := newTestService(t)
	s.pollOnce(context.Background())
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	post := func(body string) (int, SpendResponse) {
		t.Helper()
		resp, err := http.Post(srv.URL+"/v1/spend", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		var out SpendResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return resp.StatusCode, out
	}

	for i := 0; i < 3; i++ {
		code, out := post(`{"kind":"gemini_call","step":"plan"}`)
		if code != http.StatusOK || !out.Granted {
			t.Fatalf("call %d: code=%d resp=%+v", i+1, code, out)
		}
	}

	code, out := post(`{"kind":"gemini_call"}`)
	if code != http.StatusPaymentRequired || out.Granted || out.Reason != meter.DenyGlobal {
		t.Fatalf("over-cap call: code=%d resp=%+v", code, out)
	}
	if !strings.Contains(out.Message, "Budget cap reached!") {
		t.Fatalf("message = %q", out.Message)
	}

	code, out = post(`{"kind":"gemini_call","count":0,"step":"dry-run"}`)
	if code != http.StatusOK || !out.Granted || out.Count != 0 || out.Cost != 0 {
		t.Fatalf("zero-count call: code=%d resp=%+v", code, out)
	}

	code, _ = post(`{"kind":""}`)
	if code != http.StatusBadRequest {
		t.Fatalf("empty kind: code=%d, want 400", code)
	}
	code, _ = post(`{"kind":"gemini_call","count":-2}`)
	if code != http.StatusBadRequest {
		t.Fatalf("negative count: code=%d, want 400", code)
	}

	l, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if l.Total != 90 {
		t.Fatalf("ledger total = %v, want 90", l.Total)
	}

	resp, err := http.Get(srv.URL + "/v1/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var status Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Summary.Total != 90 || status.Summary.Steps != 4 {
		t.Fatalf("status summary = %+v", status.Summary)
	}
	if status.InstanceID == "" {
		t.Fatal("status has no instance id")
	}

	metricsResp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer func() { _ = metricsResp.Body.Close() }()
	body, _ := io.ReadAll(metricsResp.Body)
	for _, want := range []string{
		`nightmeter_spend_checks_total{kind="gemini_call",result="granted"} 4`,
		`nightmeter_spend_checks_total{kind="gemini_call",result="denied_global"} 1`,
		`nightmeter_budget_spent_sek 90`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestHandler_Health(t *testing.T) {
	s, _, _ := newTestService(t)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestRelevant(t *testing.T) {
	target := filepath.Join("reports", "budget_meter.json")
	tests := []struct {
		ev   fsnotify.Event
		want bool
	}{
		{fsnotify.Event{Name: target, Op: fsnotify.Write}, true},
		{fsnotify.Event{Name: target, Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: target, Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: target + ".lock", Op: fsnotify.Create}, false},
		{fsnotify.Event{Name: filepath.Join("reports", "budget_meter.db-wal"), Op: fsnotify.Write}, false},
		{fsnotify.Event{Name: target + "-wal", Op: fsnotify.Write}, true},
	}
	for _, tt := range tests {
		if got := relevant(tt.ev, target); got != tt.want {
			t.Errorf("relevant(%s %s) = %v, want %v", tt.ev.Op, tt.ev.Name, got, tt.want)
		}
	}
}
