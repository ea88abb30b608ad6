// Package ingest imports markdown notes into the memories file.
package ingest

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/memory"
)

// Importer reads markdown notes and appends their bullet points to a
// memories file. Headings structure the notes but are not themselves
// memories; only bullets become candidates, and the usual append dedup
// applies, so re-importing an updated file only adds what is new.
type Importer struct {
	memories *memory.Store
	bus      *events.Bus
	logger   *slog.Logger
}

// NewImporter creates a notes importer. bus may be nil.
func NewImporter(memories *memory.Store, bus *events.Bus, logger *slog.Logger) *Importer {
	return &Importer{
		memories: memories,
		bus:      bus,
		logger:   logger.With("component", "ingest"),
	}
}

// Result summarizes one import.
type Result struct {
	// File is the imported notes file.
	File string
	// Path is the memories file written to.
	Path string
	// Candidates is the number of bullets found in the notes.
	Candidates int
	// Appended is how many survived dedup and were written.
	Appended int
}

// ImportFile reads a markdown notes file and appends its bullets to
// the memories file at writePath.
func (i *Importer) ImportFile(file, writePath string) (*Result, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("open notes file: %w", err)
	}
	defer f.Close()

	candidates := parseNotes(f)
	return i.importCandidates(file, writePath, candidates)
}

// ImportString imports markdown notes from a string.
func (i *Importer) ImportString(content, writePath string) (*Result, error) {
	candidates := parseNotes(strings.NewReader(content))
	return i.importCandidates("<string>", writePath, candidates)
}

func (i *Importer) importCandidates(file, writePath string, candidates []memory.Candidate) (*Result, error) {
	appended, err := i.memories.Append(writePath, candidates)
	if err != nil {
		return nil, fmt.Errorf("append imported notes: %w", err)
	}

	i.logger.Info("notes imported",
		"file", file,
		"path", writePath,
		"candidates", len(candidates),
		"appended", len(appended),
	)

	i.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceIngest,
		Kind:      events.KindImportComplete,
		Data: map[string]any{
			"file":       file,
			"candidates": len(candidates),
			"appended":   len(appended),
		},
	})

	return &Result{
		File:       file,
		Path:       writePath,
		Candidates: len(candidates),
		Appended:   len(appended),
	}, nil
}

// parseNotes walks markdown line by line and collects bullet points as
// candidates. Fenced code blocks are skipped entirely: a "- " inside a
// shell snippet is a flag, not a memory. An optional [user]/[tool] tag
// on a bullet is honored; duplicate bullets collapse on first sight.
func parseNotes(r io.Reader) []memory.Candidate {
	var candidates []memory.Candidate
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	inCodeBlock := false

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			continue
		}

		text, ok := bulletText(line)
		if !ok || text == "" {
			continue
		}

		source, _ := memory.SplitSourceTag(text)
		key := memory.DedupKey(text)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, memory.Candidate{Text: text, Source: source})
	}

	return candidates
}

// bulletText strips a "- " or "* " list marker, reporting whether the
// line was a bullet at all.
func bulletText(line string) (string, bool) {
	if text, ok := strings.CutPrefix(line, "- "); ok {
		return strings.TrimSpace(text), true
	}
	if text, ok := strings.CutPrefix(line, "* "); ok {
		return strings.TrimSpace(text), true
	}
	return "", false
}
