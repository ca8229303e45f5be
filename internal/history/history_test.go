package history_test

import (
	"sync"
	"testing"
	"time"

	"github.com/sweeney/dialmate/internal/backend"
	"github.com/sweeney/dialmate/internal/history"
)

func TestPrependNewestFirst(t *testing.T) {
	c := history.New(0)
	c.Prepend(history.Entry{Number: "+1", Status: "ringing"})
	c.Prepend(history.Entry{Number: "+1", Status: "in_call"})
	c.Prepend(history.Entry{Number: "+1", Status: "ended", DurationSeconds: 12})

	got := c.Entries()
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	if got[0].Status != "ended" || got[2].Status != "ringing" {
		t.Errorf("unexpected order: %+v", got)
	}
	latest, ok := c.Latest()
	if !ok || latest.DurationSeconds != 12 {
		t.Errorf("unexpected latest %+v", latest)
	}
}

func TestPrependLimit(t *testing.T) {
	c := history.New(2)
	for _, s := range []string{"a", "b", "c"} {
		c.Prepend(history.Entry{Status: s})
	}
	got := c.Entries()
	if len(got) != 2 || got[0].Status != "c" || got[1].Status != "b" {
		t.Errorf("expected [c b], got %+v", got)
	}
}

func TestReplace(t *testing.T) {
	c := history.New(0)
	c.Prepend(history.Entry{Status: "optimistic"})
	c.Replace([]history.Entry{{Status: "server-1"}, {Status: "server-2"}})
	if c.Len() != 2 {
		t.Fatalf("expected 2, got %d", c.Len())
	}
	if c.Entries()[0].Status != "server-1" {
		t.Errorf("expected server copy, got %+v", c.Entries())
	}
	c.Replace(nil)
	if _, ok := c.Latest(); ok {
		t.Error("expected empty cache")
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	c := history.New(0)
	c.Prepend(history.Entry{Status: "ended"})
	got := c.Entries()
	got[0].Status = "mutated"
	if c.Entries()[0].Status != "ended" {
		t.Error("caller mutation leaked into cache")
	}
}

func TestFromServer(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := history.FromServer([]backend.HistoryRecord{
		{PhoneNumber: "+919876543210", ContactName: "Asha", Status: "ended", StartedAt: at, Duration: 12},
		{PhoneNumber: "+15551234567", Status: "failed"},
	})
	if len(got) != 2 {
		t.Fatalf("expected 2, got %d", len(got))
	}
	want := history.Entry{Number: "+919876543210", Name: "Asha", Status: "ended", StartedAt: at, DurationSeconds: 12}
	if got[0] != want {
		t.Errorf("expected %+v, got %+v", want, got[0])
	}
	if got[1].Name != history.UnknownName {
		t.Errorf("expected %q, got %q", history.UnknownName, got[1].Name)
	}
}

func TestDisplayStatus(t *testing.T) {
	tests := map[string]string{
		"ended":     "completed",
		"in_call":   "in call",
		"no-answer": "no answer",
		"failed":    "failed",
		"cancelled": "cancelled",
	}
	for in, want := range tests {
		if got := history.DisplayStatus(in); got != want {
			t.Errorf("DisplayStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[int]string{0: "0:00", 12: "0:12", 75: "1:15", 600: "10:00", -3: "0:00"}
	for in, want := range tests {
		if got := history.FormatDuration(in); got != want {
			t.Errorf("FormatDuration(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestConcurrentAccess(t *testing.T) {
	c := history.New(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); c.Prepend(history.Entry{Status: "x"}) }()
		go func() { defer wg.Done(); _ = c.Entries() }()
	}
	wg.Wait()
	if c.Len() != 20 {
		t.Errorf("expected 20 entries, got %d", c.Len())
	}
}
