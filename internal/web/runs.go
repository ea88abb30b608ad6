package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/engram/internal/journal"
)

// RunsData is the template context for the runs list page.
type RunsData struct {
	PageData
	Runs []*runRow
}

// runRow is a display-friendly wrapper around a run for the list view.
type runRow struct {
	ID         string
	ShortID    string
	Model      string
	Variant    string
	Outcome    string
	Candidates int
	Appended   int
	Tokens     int
	StartedAt  string
	Error      string
}

// RunDetailData is the template context for the run detail page.
type RunDetailData struct {
	PageData
	Run     *runDetailView
	Entries []*entryRow
}

// runDetailView holds the full run record for the detail page.
type runDetailView struct {
	ID           string
	TurnID       string
	Model        string
	Variant      string
	Outcome      string
	Error        string
	WritePath    string
	InputBytes   int
	Candidates   int
	Appended     int
	InputTokens  int
	OutputTokens int
	StartedAt    string
	Duration     string
}

// entryRow is a display-friendly wrapper around a journal entry.
type entryRow struct {
	Text     string
	Source   string
	Appended bool
}

// handleRuns renders the extraction run history.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := s.journal.RecentRuns(limit)
	if err != nil {
		s.logger.Error("run list failed", "error", err)
		http.Error(w, "run list failed", http.StatusInternalServerError)
		return
	}

	data := RunsData{
		PageData: PageData{ActiveNav: "runs"},
		Runs:     runsToRows(runs),
	}

	// For htmx table-body-only updates, render just the rows.
	if r.Header.Get("HX-Request") == "true" && r.Header.Get("HX-Target") == "runs-tbody" {
		if s.renderBlock(w, "runs.html", "runs-tbody", data) {
			return
		}
	}

	s.render(w, r, "runs.html", data)
}

// handleRunDetail renders one run with its journaled entries.
func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	run, err := s.journal.Run(id)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	entries, err := s.journal.RunEntries(id)
	if err != nil {
		s.logger.Error("run entries failed", "run_id", id, "error", err)
		http.Error(w, "entries failed", http.StatusInternalServerError)
		return
	}

	view := &runDetailView{
		ID:           run.ID.String(),
		Model:        run.Model,
		Variant:      run.Variant,
		Outcome:      string(run.Outcome),
		Error:        run.Error,
		WritePath:    run.WritePath,
		InputBytes:   run.InputBytes,
		Candidates:   run.Candidates,
		Appended:     run.Appended,
		InputTokens:  run.InputTokens,
		OutputTokens: run.OutputTokens,
		StartedAt:    run.StartedAt.Format("2006-01-02 15:04:05"),
		Duration:     run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
	}
	if run.TurnID != uuid.Nil {
		view.TurnID = run.TurnID.String()
	}

	data := RunDetailData{
		PageData: PageData{ActiveNav: "runs"},
		Run:      view,
	}
	for _, e := range entries {
		data.Entries = append(data.Entries, &entryRow{
			Text:     e.Text,
			Source:   e.Source,
			Appended: e.Appended,
		})
	}

	s.render(w, r, "run_detail.html", data)
}

func runsToRows(runs []*journal.Run) []*runRow {
	rows := make([]*runRow, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, &runRow{
			ID:         run.ID.String(),
			ShortID:    shortID(run.ID.String()),
			Model:      run.Model,
			Variant:    run.Variant,
			Outcome:    string(run.Outcome),
			Candidates: run.Candidates,
			Appended:   run.Appended,
			Tokens:     run.InputTokens + run.OutputTokens,
			StartedAt:  timeAgo(run.StartedAt),
			Error:      run.Error,
		})
	}
	return rows
}
