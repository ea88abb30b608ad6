package web

import (
	"database/sql"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/memory"
)

// newTestServer creates a dashboard server over empty stores.
func newTestServer(t *testing.T) (*Server, *memory.Store, *journal.Store) {
	t.Helper()

	home := t.TempDir()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	jrnl, err := journal.NewStoreWithDB(db, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { jrnl.Close() })

	memories := memory.NewStore(home, slog.Default())
	ws := NewServer(Config{
		Memories: memories,
		Journal:  jrnl,
		Dir:      home,
		Logger:   slog.Default(),
	})
	return ws, memories, jrnl
}

func get(t *testing.T, ws *Server, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	ws.RegisterRoutes(mux)

	req := httptest.NewRequest("GET", path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func recordTestRun(t *testing.T, jrnl *journal.Store, outcome journal.RunOutcome, entries []*journal.Entry) *journal.Run {
	t.Helper()
	run := &journal.Run{
		Model:      "test-model",
		Variant:    "tagged",
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
		Candidates: len(entries),
		Outcome:    outcome,
	}
	for _, e := range entries {
		if e.Appended {
			run.Appended++
		}
	}
	if err := jrnl.RecordRun(run, entries); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestDashboard_FullPage(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := get(t, ws, "/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<nav>") {
		t.Error("full page should include the layout nav")
	}
	if !strings.Contains(body, "pending turns") {
		t.Error("dashboard should show the stats cards")
	}
}

func TestDashboard_HtmxPartial(t *testing.T) {
	ws, _, _ := newTestServer(t)

	rec := get(t, ws, "/", map[string]string{"HX-Request": "true"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "<html") {
		t.Error("htmx partial should not include the full layout")
	}
	if !strings.Contains(body, "pending turns") {
		t.Error("partial should still carry the content block")
	}
}

func TestDashboard_NonRootPathIs404(t *testing.T) {
	ws, _, _ := newTestServer(t)

	if rec := get(t, ws, "/no-such-page", nil); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMemoriesPage(t *testing.T) {
	ws, memories, _ := newTestServer(t)
	if _, err := memories.Append(memories.GlobalPath(), []memory.Candidate{
		{Text: "Prefers tabs over spaces."},
	}); err != nil {
		t.Fatal(err)
	}

	rec := get(t, ws, "/memories", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Prefers tabs over spaces.") {
		t.Error("memories page should render the entry text")
	}
	if !strings.Contains(body, "global") {
		t.Error("memories page should label the file scope")
	}
}

func TestRunsPage(t *testing.T) {
	ws, _, jrnl := newTestServer(t)
	recordTestRun(t, jrnl, journal.OutcomeRecorded, []*journal.Entry{
		{Text: "Uses Linux.", Source: "user", Appended: true},
	})

	rec := get(t, ws, "/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "recorded") {
		t.Error("runs page should show the run outcome")
	}
}

func TestRunsPage_HtmxTbodySwap(t *testing.T) {
	ws, _, jrnl := newTestServer(t)
	recordTestRun(t, jrnl, journal.OutcomeNoMemories, nil)

	rec := get(t, ws, "/runs", map[string]string{
		"HX-Request": "true",
		"HX-Target":  "runs-tbody",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if strings.Contains(body, "<table") {
		t.Error("tbody swap should not include the table wrapper")
	}
	if !strings.Contains(body, "no_memories") {
		t.Error("tbody swap should include the run row")
	}
}

func TestRunDetailPage(t *testing.T) {
	ws, _, jrnl := newTestServer(t)
	run := recordTestRun(t, jrnl, journal.OutcomeRecorded, []*journal.Entry{
		{Text: "Uses Linux.", Source: "user", Appended: true},
		{Text: "Prefers tabs.", Source: "user", Appended: false},
	})

	rec := get(t, ws, "/runs/"+run.ID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Uses Linux.") {
		t.Error("detail page should list entries")
	}
	if !strings.Contains(body, "duplicate") {
		t.Error("detail page should mark deduped entries")
	}
}

func TestRunDetailPage_NotFound(t *testing.T) {
	ws, _, _ := newTestServer(t)

	if rec := get(t, ws, "/runs/not-a-uuid", nil); rec.Code != http.StatusNotFound {
		t.Errorf("bad id status = %d, want 404", rec.Code)
	}
	if rec := get(t, ws, "/runs/01890000-0000-7000-8000-000000000000", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing run status = %d, want 404", rec.Code)
	}
}

func TestSearchPage(t *testing.T) {
	ws, _, jrnl := newTestServer(t)
	recordTestRun(t, jrnl, journal.OutcomeRecorded, []*journal.Entry{
		{Text: "Project uses Make as its build system.", Source: "tool", Appended: true},
	})

	rec := get(t, ws, "/search?q=Make", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Project uses Make") {
		t.Error("search page should show hits")
	}

	// Empty query renders the form without results.
	rec = get(t, ws, "/search", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty query status = %d", rec.Code)
	}
}
