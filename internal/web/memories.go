package web

import (
	"bytes"
	"html/template"
	"net/http"
	"os"

	"github.com/yuin/goldmark"

	"github.com/nugget/engram/internal/memory"
)

// MemoriesData is the template context for the memories page.
type MemoriesData struct {
	PageData
	Cwd   string
	Files []*memoryFileView
	Count int
}

// memoryFileView is one memories file rendered for display.
type memoryFileView struct {
	Path    string
	Scope   string
	Entries int
	// HTML is the goldmark-rendered file body. The source is our own
	// memories file, not untrusted remote content.
	HTML template.HTML
}

// handleMemories renders every memories file visible from the
// configured (or query-supplied) working directory.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	cwd := r.URL.Query().Get("cwd")
	if cwd == "" {
		cwd = s.dir
	}

	data := MemoriesData{
		PageData: PageData{ActiveNav: "memories"},
		Cwd:      cwd,
	}

	for _, path := range s.memories.Paths(cwd) {
		view := &memoryFileView{
			Path:  path,
			Scope: scopeLabel(s.memories.Scope(path)),
		}

		entries, err := s.memories.Read(path)
		if err != nil {
			s.logger.Error("memories read failed", "path", path, "error", err)
			continue
		}
		view.Entries = len(entries)
		data.Count += len(entries)

		raw, err := os.ReadFile(path)
		if err == nil {
			var buf bytes.Buffer
			if err := goldmark.Convert(raw, &buf); err != nil {
				s.logger.Error("markdown render failed", "path", path, "error", err)
			} else {
				view.HTML = template.HTML(buf.String())
			}
		}

		data.Files = append(data.Files, view)
	}

	s.render(w, r, "memories.html", data)
}

// scopeLabel maps a scope to its display name.
func scopeLabel(scope memory.Scope) string {
	if scope == memory.ScopeRepo {
		return "repository"
	}
	return "global"
}
