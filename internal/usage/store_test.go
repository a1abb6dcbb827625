package usage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_And_Summary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	recs := []Record{
		{Timestamp: now, RequestID: "r_001", SessionID: "s1", Outcome: OutcomeOK,
			PromptMessages: 6, PromptChars: 1200, ReplyChars: 300, Duration: 1500 * time.Millisecond},
		{Timestamp: now, RequestID: "r_002", SessionID: "s1", Outcome: OutcomeFailed,
			PromptMessages: 8, PromptChars: 1400, Duration: 4 * time.Second},
		{Timestamp: now, RequestID: "r_003", SessionID: "s2", Outcome: OutcomeOK,
			PromptMessages: 4, PromptChars: 800, ReplyChars: 200, Retrieval: true, Duration: time.Second},
	}
	for _, rec := range recs {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	start := now.Add(-1 * time.Minute)
	end := now.Add(1 * time.Minute)

	sum, err := s.Summary(ctx, "", start, end)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	want := &Summary{Turns: 3, Failed: 1, PromptChars: 3400, ReplyChars: 500, TotalDuration: 6500 * time.Millisecond}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("Summary mismatch (-want +got):\n%s", diff)
	}

	sum, err = s.Summary(ctx, "s2", start, end)
	if err != nil {
		t.Fatalf("Summary(s2): %v", err)
	}
	if sum.Turns != 1 || sum.Failed != 0 || sum.ReplyChars != 200 {
		t.Errorf("Summary(s2) = %+v", sum)
	}
}

func TestSummaryBySession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, rec := range []Record{
		{SessionID: "a", RequestID: "1", Outcome: OutcomeOK, ReplyChars: 10},
		{SessionID: "a", RequestID: "2", Outcome: OutcomeOK, ReplyChars: 20},
		{SessionID: "b", RequestID: "3", Outcome: OutcomeFailed},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.SummaryBySession(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	want := map[string]*Summary{
		"a": {Turns: 2, ReplyChars: 30},
		"b": {Turns: 1, Failed: 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("SummaryBySession mismatch (-want +got):\n%s", diff)
	}
}

func TestSummary_PeriodFilter(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	for _, rec := range []Record{
		{Timestamp: base.Add(-2 * time.Hour), RequestID: "old", SessionID: "s", Outcome: OutcomeOK, ReplyChars: 1},
		{Timestamp: base, RequestID: "in-range", SessionID: "s", Outcome: OutcomeOK, ReplyChars: 2},
		{Timestamp: base.Add(2 * time.Hour), RequestID: "future", SessionID: "s", Outcome: OutcomeOK, ReplyChars: 3},
	} {
		if err := s.Record(ctx, rec); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx, "", base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Turns != 1 || sum.ReplyChars != 2 {
		t.Errorf("Summary = %+v, want only the in-range record", sum)
	}
}

func TestSummary_EmptyDB(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	sum, err := s.Summary(ctx, "", time.Now().Add(-24*time.Hour), time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum == nil || sum.Turns != 0 {
		t.Errorf("Summary = %+v, want zero value", sum)
	}

	bySession, err := s.SummaryBySession(ctx, time.Now().Add(-time.Hour), time.Now())
	if err != nil {
		t.Fatalf("SummaryBySession: %v", err)
	}
	if bySession == nil || len(bySession) != 0 {
		t.Errorf("SummaryBySession = %v, want empty map", bySession)
	}
}

func TestNewStoreWithDB(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()

	s, err := NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("NewStoreWithDB: %v", err)
	}
	if err := s.Record(context.Background(), Record{RequestID: "r", SessionID: "s", Outcome: OutcomeOK}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The caller still owns db.
	if err := db.Ping(); err != nil {
		t.Errorf("db closed by store: %v", err)
	}
}

func TestNewStore_InvalidPath(t *testing.T) {
	if _, err := NewStore("/nonexistent/path/usage.db"); err == nil {
		t.Error("NewStore() should fail for invalid path")
	}
}
