package journal

import (
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	store, err := NewStoreWithDB(db, logger)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func submitTurn(t *testing.T, s *Store, content string) *Turn {
	t.Helper()
	turn := &Turn{Origin: OriginAPI, Content: content}
	if err := s.SubmitTurn(turn); err != nil {
		t.Fatalf("SubmitTurn: %v", err)
	}
	return turn
}

func TestSubmitAndPendingTurns(t *testing.T) {
	s := setupTestStore(t)

	first := submitTurn(t, s, "Always use tabs, not spaces for indentation")
	second := submitTurn(t, s, "The weather is nice today")

	pending, err := s.PendingTurns(10)
	if err != nil {
		t.Fatalf("PendingTurns: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	// Oldest first.
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Error("pending turns out of submission order")
	}
	if pending[0].Status != StatusPending {
		t.Errorf("status = %q, want pending", pending[0].Status)
	}
}

func TestTurnStatusTransitions(t *testing.T) {
	s := setupTestStore(t)
	turn := submitTurn(t, s, "content")

	if err := s.MarkTurnDone(turn.ID); err != nil {
		t.Fatalf("MarkTurnDone: %v", err)
	}

	got, err := s.Turn(turn.ID)
	if err != nil {
		t.Fatalf("Turn: %v", err)
	}
	if got.Status != StatusDone {
		t.Errorf("status = %q, want done", got.Status)
	}
	if got.ProcessedAt.IsZero() {
		t.Error("ProcessedAt not set")
	}

	pending, _ := s.PendingTurns(10)
	if len(pending) != 0 {
		t.Errorf("done turn still pending: %v", pending)
	}
}

func TestMarkTurnFailedRecordsError(t *testing.T) {
	s := setupTestStore(t)
	turn := submitTurn(t, s, "content")

	if err := s.MarkTurnFailed(turn.ID, "model unreachable"); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Turn(turn.ID)
	if got.Status != StatusFailed || got.Error != "model unreachable" {
		t.Errorf("got status=%q error=%q", got.Status, got.Error)
	}
}

func TestMarkTurn_NotFound(t *testing.T) {
	s := setupTestStore(t)
	err := s.MarkTurnDone(uuid.Must(uuid.NewV7()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTurn_NotFound(t *testing.T) {
	s := setupTestStore(t)
	_, err := s.Turn(uuid.Must(uuid.NewV7()))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func recordRun(t *testing.T, s *Store, outcome RunOutcome, entries []*Entry) *Run {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		Model:        "qwen3:4b",
		Variant:      "tagged",
		StartedAt:    now.Add(-2 * time.Second),
		FinishedAt:   now,
		InputBytes:   120,
		Candidates:   len(entries),
		Outcome:      outcome,
		WritePath:    "/tmp/memories.md",
		InputTokens:  50,
		OutputTokens: 12,
	}
	for _, e := range entries {
		if e.Appended {
			run.Appended++
		}
	}
	if err := s.RecordRun(run, entries); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	return run
}

func TestRecordRunWithEntries(t *testing.T) {
	s := setupTestStore(t)

	run := recordRun(t, s, OutcomeRecorded, []*Entry{
		{Text: "[user] Prefers tabs over spaces for indentation.", Source: "user", Appended: true},
		{Text: "[tool] Project uses Make as its build system.", Source: "tool", Appended: false},
	})

	got, err := s.Run(run.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Outcome != OutcomeRecorded {
		t.Errorf("outcome = %q", got.Outcome)
	}
	if got.Appended != 1 || got.Candidates != 2 {
		t.Errorf("appended=%d candidates=%d, want 1/2", got.Appended, got.Candidates)
	}
	if got.InputTokens != 50 || got.OutputTokens != 12 {
		t.Errorf("tokens = %d/%d", got.InputTokens, got.OutputTokens)
	}

	entries, err := s.RunEntries(run.ID)
	if err != nil {
		t.Fatalf("RunEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Source != "user" || !entries[0].Appended {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Appended {
		t.Error("duplicate entry should not be marked appended")
	}
}

func TestRecordRun_AdHocWithoutTurn(t *testing.T) {
	s := setupTestStore(t)
	run := recordRun(t, s, OutcomeNoMemories, nil)

	got, err := s.Run(run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.TurnID != uuid.Nil {
		t.Errorf("TurnID = %v, want Nil", got.TurnID)
	}
}

func TestRecentRuns_NewestFirst(t *testing.T) {
	s := setupTestStore(t)

	old := &Run{
		Model: "m", Variant: "plain",
		StartedAt:  time.Now().UTC().Add(-time.Hour),
		FinishedAt: time.Now().UTC().Add(-time.Hour),
		Outcome:    OutcomeNoMemories,
	}
	if err := s.RecordRun(old, nil); err != nil {
		t.Fatal(err)
	}
	recent := recordRun(t, s, OutcomeRecorded, nil)

	runs, err := s.RecentRuns(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("got %d runs, want 2", len(runs))
	}
	if runs[0].ID != recent.ID {
		t.Error("runs not newest first")
	}
}

func TestSearchEntries(t *testing.T) {
	s := setupTestStore(t)

	recordRun(t, s, OutcomeRecorded, []*Entry{
		{Text: "[user] Prefers tabs over spaces for indentation.", Source: "user", Appended: true},
		{Text: "[tool] Project uses Make as its build system.", Source: "tool", Appended: true},
	})

	got, err := s.SearchEntries("tabs", 10)
	if err != nil {
		t.Fatalf("SearchEntries: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1: %v", len(got), got)
	}
	if got[0].Source != "user" {
		t.Errorf("result = %+v", got[0])
	}

	// Queries with punctuation must not error out.
	if _, err := s.SearchEntries(`"quoted" (punct)`, 10); err != nil {
		t.Errorf("punctuated query: %v", err)
	}
}

func TestSearchEntries_LikeFallback(t *testing.T) {
	s := setupTestStore(t)
	s.ftsEnabled = false

	recordRun(t, s, OutcomeRecorded, []*Entry{
		{Text: "[user] Prefers rebase over merge.", Source: "user", Appended: true},
	})

	got, err := s.SearchEntries("rebase", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %d results, want 1", len(got))
	}
}

func TestStats(t *testing.T) {
	s := setupTestStore(t)

	turn := submitTurn(t, s, "content")
	submitTurn(t, s, "more content")
	_ = s.MarkTurnDone(turn.ID)

	recordRun(t, s, OutcomeRecorded, []*Entry{
		{Text: "[user] Uses Linux.", Source: "user", Appended: true},
	})
	recordRun(t, s, OutcomeNoMemories, nil)

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TurnsTotal != 2 || stats.TurnsPending != 1 {
		t.Errorf("turns = %d/%d pending, want 2/1", stats.TurnsTotal, stats.TurnsPending)
	}
	if stats.RunsTotal != 2 {
		t.Errorf("runs = %d, want 2", stats.RunsTotal)
	}
	if stats.RunsByOutcome["recorded"] != 1 || stats.RunsByOutcome["no_memories"] != 1 {
		t.Errorf("by outcome = %v", stats.RunsByOutcome)
	}
	if stats.EntriesAppended != 1 {
		t.Errorf("appended = %d, want 1", stats.EntriesAppended)
	}
	if stats.InputTokens != 100 || stats.OutputTokens != 24 {
		t.Errorf("tokens = %d/%d", stats.InputTokens, stats.OutputTokens)
	}
	if stats.LastRunAt.IsZero() {
		t.Error("LastRunAt not set")
	}
}

func TestStats_EmptyStore(t *testing.T) {
	s := setupTestStore(t)
	stats, err := s.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.TurnsTotal != 0 || stats.RunsTotal != 0 || stats.EntriesAppended != 0 {
		t.Errorf("empty stats = %+v", stats)
	}
}
