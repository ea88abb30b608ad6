package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and appends memories files. It is bound to the engram
// home directory, which holds the global file; repo-scoped files are
// resolved from whatever working directory a caller passes in.
//
// All methods are safe for concurrent use in the sense that the
// underlying appends are single atomic writes, but two racing appends
// of the same fact can both land; the read-side dedup absorbs that.
type Store struct {
	home   string
	logger *slog.Logger
}

// NewStore creates a Store rooted at the given engram home directory.
func NewStore(home string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{home: home, logger: logger}
}

// GlobalPath returns the path of the global memories file.
func (s *Store) GlobalPath() string {
	return filepath.Join(s.home, FileName)
}

// RepoPath returns the repo-scoped memories path for cwd, walking up
// to the enclosing git repository root. ok is false when cwd is not
// inside a git repository.
func (s *Store) RepoPath(cwd string) (string, bool) {
	// No directory means global scope; without this, walking up from
	// "" would resolve against the process's own working directory.
	if cwd == "" {
		return "", false
	}
	base := cwd
	if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
		base = filepath.Dir(cwd)
	}
	root, ok := gitRoot(base)
	if !ok {
		return "", false
	}
	return filepath.Join(root, RepoDirName, FileName), true
}

// Paths returns the memories files to read for cwd: the global file
// first, then the repo file when cwd is inside a git repository and
// the repo path differs from the global one.
func (s *Store) Paths(cwd string) []string {
	global := s.GlobalPath()
	paths := []string{global}
	if repo, ok := s.RepoPath(cwd); ok && repo != global {
		paths = append(paths, repo)
	}
	return paths
}

// WritePath returns where new memories for cwd should be appended:
// the repo file when inside a git repository, else the global file.
func (s *Store) WritePath(cwd string) string {
	if repo, ok := s.RepoPath(cwd); ok {
		return repo
	}
	return s.GlobalPath()
}

// Scope reports which scope a path belongs to.
func (s *Store) Scope(path string) Scope {
	if path == s.GlobalPath() {
		return ScopeGlobal
	}
	return ScopeRepo
}

// Read loads and parses one memories file. A missing file is empty,
// not an error. Files larger than MaxFileBytes are tail-truncated
// with a warning so a runaway file cannot flood the context.
func (s *Store) Read(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read memories file: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	if len(data) > MaxFileBytes {
		s.logger.Warn("memories file exceeds max size, truncating",
			"path", path, "size", len(data), "max", MaxFileBytes)
		data = data[len(data)-MaxFileBytes:]
	}

	return ParseFile(string(data)), nil
}

// Append writes candidates to the memories file at path, skipping any
// whose dedup key already exists in the file. The parent directory is
// created if needed; a new or empty file gets the "# Memories" header,
// an existing one gets a blank separator line. Returns the candidates
// that were actually appended, so callers can journal which survived
// dedup.
func (s *Store) Append(path string, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	existing, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, entry := range existing {
		seen[DedupKey(entry)] = struct{}{}
	}

	var additions []Candidate
	for _, c := range candidates {
		c.Text = strings.TrimSpace(c.Text)
		if c.Text == "" {
			continue
		}
		key := DedupKey(c.Text)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		additions = append(additions, c)
	}
	if len(additions) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memories dir: %w", err)
	}

	empty := true
	if info, err := os.Stat(path); err == nil {
		empty = info.Size() == 0
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat memories file: %w", err)
	}

	var sb strings.Builder
	if empty {
		sb.WriteString(FileHeader)
		sb.WriteString("\n")
	} else {
		sb.WriteString("\n")
	}
	for _, c := range additions {
		sb.WriteString("- ")
		sb.WriteString(c.Text)
		sb.WriteString("\n")
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memories file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(sb.String()); err != nil {
		return nil, fmt.Errorf("append memories: %w", err)
	}

	return additions, nil
}

// Entries returns the merged view of all memories visible from cwd.
// The global file is read first, then the repo file; duplicates
// collapse first-seen-wins on the dedup key. Unreadable files are
// logged and skipped rather than failing the merge.
func (s *Store) Entries(cwd string) []Entry {
	var merged []Entry
	seen := make(map[string]struct{})

	for _, path := range s.Paths(cwd) {
		values, err := s.Read(path)
		if err != nil {
			s.logger.Warn("failed to read memories file", "path", path, "error", err)
			continue
		}
		scope := s.Scope(path)
		for _, value := range values {
			trimmed := strings.TrimSpace(value)
			if trimmed == "" {
				continue
			}
			key := DedupKey(trimmed)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			source, _ := SplitSourceTag(trimmed)
			merged = append(merged, Entry{
				Text:      trimmed,
				Source:    source,
				SourceTag: source.String(),
				Scope:     scope,
				Path:      path,
			})
		}
	}
	return merged
}

// InstructionSection renders the merged memories for cwd as the
// "## Memories" section. Returns false when no memories exist.
// Callers splice the section into larger instruction blocks using
// SectionSeparator.
func (s *Store) InstructionSection(cwd string) (string, bool) {
	entries := s.Entries(cwd)
	texts := make([]string, 0, len(entries))
	for _, e := range entries {
		texts = append(texts, e.Text)
	}
	return Section(texts)
}

// gitRoot walks from dir toward the filesystem root looking for a
// .git entry. Both directories (normal checkouts) and files (worktree
// gitfiles) count.
func gitRoot(dir string) (string, bool) {
	dir = filepath.Clean(dir)
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}
