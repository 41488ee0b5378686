package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestChargeKeepsRunningTotals(t *testing.T) {
	l := NewLedger(time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC))
	at := l.StartTime.Add(time.Minute)

	l.Charge(at, "research", "perplexity_call", 3, 1.5)
	l.Charge(at, "plan", "gemini_call", 1, 0.25)
	s := l.Charge(at, "research", "perplexity_call", 1, 0.5)

	if l.Total != 2.25 {
		t.Fatalf("Total = %.2f, want 2.25", l.Total)
	}
	if l.Spent("perplexity_call") != 2.0 {
		t.Fatalf("Spent(perplexity_call) = %.2f, want 2.0", l.Spent("perplexity_call"))
	}
	if l.Spent("never_charged") != 0 {
		t.Fatalf("Spent(never_charged) = %.2f, want 0", l.Spent("never_charged"))
	}
	if s.TotalAfter != 2.25 {
		t.Fatalf("TotalAfter = %.2f, want 2.25", s.TotalAfter)
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	l := NewLedger(time.Now())
	l.Charge(time.Now(), "a", "k", 1, 1)
	l.Warnings = append(l.Warnings, Warn75)

	c := l.Clone()
	c.Charge(time.Now(), "b", "k", 1, 1)
	c.Warnings[0] = Warn90

	if l.Total != 1 || len(l.Steps) != 1 || l.By["k"] != 1 {
		t.Fatalf("original mutated through clone: %+v", l)
	}
	if l.Warnings[0] != Warn75 {
		t.Fatalf("original warnings mutated: %v", l.Warnings)
	}
}

func TestVerifyDetectsDrift(t *testing.T) {
	l := NewLedger(time.Now())
	l.Charge(time.Now(), "a", "k", 1, 2)
	l.Total = 3

	err := l.Verify()
	if err == nil || !strings.Contains(err.Error(), "total") {
		t.Fatalf("Verify = %v, want total mismatch", err)
	}

	l = NewLedger(time.Now())
	l.Warnings = []string{Warn75, Warn75}
	if err := l.Verify(); err == nil {
		t.Fatal("Verify accepted duplicate warnings")
	}
}

func TestLedgerJSONShape(t *testing.T) {
	l := NewLedger(time.Date(2025, 10, 1, 22, 0, 0, 0, time.UTC))
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	for _, want := range []string{`"total":0`, `"by":{}`, `"steps":[]`, `"startTime":"2025-10-01T22:00:00Z"`, `"warnings":[]`} {
		if !strings.Contains(got, want) {
			t.Errorf("JSON %s missing %s", got, want)
		}
	}
}

func TestNormalizeFillsNulls(t *testing.T) {
	var l Ledger
	if err := json.Unmarshal([]byte(`{"total":0,"by":null,"steps":null,"warnings":null}`), &l); err != nil {
		t.Fatal(err)
	}
	l.Normalize()
	if l.By == nil || l.Steps == nil || l.Warnings == nil {
		t.Fatalf("Normalize left nil collections: %+v", l)
	}
}
