package web

import (
	"net/http"

	"github.com/nugget/engram/internal/buildinfo"
	"github.com/nugget/engram/internal/journal"
)

// DashboardData is the template context for the overview page.
type DashboardData struct {
	PageData
	Stats       *journal.Stats
	Recent      []*runRow
	MemoryCount int
	Version     string
	Uptime      string
}

// handleDashboard renders the overview page at "/".
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	data := DashboardData{
		PageData: PageData{ActiveNav: "overview"},
		Version:  buildinfo.Version,
		Uptime:   buildinfo.Uptime().String(),
	}

	stats, err := s.journal.Stats()
	if err != nil {
		s.logger.Error("dashboard stats failed", "error", err)
		http.Error(w, "stats failed", http.StatusInternalServerError)
		return
	}
	data.Stats = stats

	runs, err := s.journal.RecentRuns(10)
	if err != nil {
		s.logger.Error("dashboard run list failed", "error", err)
		http.Error(w, "run list failed", http.StatusInternalServerError)
		return
	}
	data.Recent = runsToRows(runs)

	data.MemoryCount = len(s.memories.Entries(s.dir))

	s.render(w, r, "dashboard.html", data)
}
