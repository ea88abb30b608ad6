package web

import (
	"net/http"
)

// SearchData is the template context for the search page.
type SearchData struct {
	PageData
	Query   string
	Results []*searchRow
}

// searchRow is a display-friendly wrapper around a search hit.
type searchRow struct {
	Text      string
	Source    string
	RunID     string
	ShortRun  string
	Appended  bool
	CreatedAt string
}

// handleSearch renders full-text search over journaled entries.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	data := SearchData{
		PageData: PageData{ActiveNav: "search"},
		Query:    query,
	}

	if query != "" {
		entries, err := s.journal.SearchEntries(query, 100)
		if err != nil {
			s.logger.Error("entry search failed", "query", query, "error", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		for _, e := range entries {
			data.Results = append(data.Results, &searchRow{
				Text:      e.Text,
				Source:    e.Source,
				RunID:     e.RunID.String(),
				ShortRun:  shortID(e.RunID.String()),
				Appended:  e.Appended,
				CreatedAt: timeAgo(e.CreatedAt),
			})
		}
	}

	// For htmx result-only updates, render just the results block.
	if r.Header.Get("HX-Request") == "true" && r.Header.Get("HX-Target") == "search-results" {
		if s.renderBlock(w, "search.html", "search-results", data) {
			return
		}
	}

	s.render(w, r, "search.html", data)
}
