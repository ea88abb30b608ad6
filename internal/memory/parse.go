package memory

import (
	"strings"
	"unicode/utf8"
)

// Sentinel is the literal a model returns when nothing in the input
// qualifies as a durable memory. Matched case-insensitively.
const Sentinel = "NO_MEMORIES"

// ParseFile parses the text of a memories file into entry strings.
// Bullet lines ("- " or "* ") are preferred; blank lines and markdown
// headings are skipped. When the file contains no bullets at all,
// every remaining non-heading line is treated as an entry, so
// hand-written files without bullet markers still load.
func ParseFile(text string) []string {
	var bullets []string
	var lines []string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if entry, ok := stripBullet(trimmed); ok {
			bullets = append(bullets, entry)
		} else {
			lines = append(lines, trimmed)
		}
	}

	if len(bullets) > 0 {
		return bullets
	}
	return lines
}

// ParseCandidates parses raw model output against the extraction
// contract. Empty output or the sentinel (case-insensitive) yields
// nil. Otherwise each non-blank line becomes a candidate: bullet
// markers are stripped, an optional [user]/[tool] source tag is
// parsed, and duplicates are dropped case-insensitively on the
// tag-stripped text. Lines without a tag are tolerated even under the
// tagged variant (Source ends up unspecified) — a malformed model
// response must never fail the turn.
func ParseCandidates(text string) []Candidate {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || strings.EqualFold(trimmed, Sentinel) {
		return nil
	}

	var candidates []Candidate
	seen := make(map[string]struct{})
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, Sentinel) {
			continue
		}
		if entry, ok := stripBullet(line); ok {
			line = entry
		}
		source, _ := SplitSourceTag(line)
		key := DedupKey(line)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		candidates = append(candidates, Candidate{Text: line, Source: source})
	}
	return candidates
}

// Section renders entries as the instruction section: the "## Memories"
// header followed by one bullet per entry. Returns false when there
// are no entries.
func Section(entries []string) (string, bool) {
	if len(entries) == 0 {
		return "", false
	}
	var sb strings.Builder
	sb.WriteString(SectionHeader)
	for _, entry := range entries {
		sb.WriteString("\n- ")
		sb.WriteString(entry)
	}
	return sb.String(), true
}

// SplitSourceTag parses an optional leading [user] or [tool] tag and
// returns the source plus the remaining text. Unknown bracketed
// prefixes are left in place with Source unspecified.
func SplitSourceTag(text string) (Source, string) {
	if rest, ok := strings.CutPrefix(text, "[user]"); ok {
		return SourceUser, strings.TrimSpace(rest)
	}
	if rest, ok := strings.CutPrefix(text, "[tool]"); ok {
		return SourceTool, strings.TrimSpace(rest)
	}
	return SourceUnspecified, text
}

// DedupKey returns the canonical comparison key for an entry: the
// source tag is stripped first so the same fact recorded once per
// provenance still collapses, then the text is lowercased and trimmed.
func DedupKey(text string) string {
	_, rest := SplitSourceTag(strings.TrimSpace(text))
	return strings.ToLower(strings.TrimSpace(rest))
}

// TruncatePrompt caps s at max bytes without splitting a UTF-8
// sequence, trimming back to the previous rune boundary.
func TruncatePrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stripBullet removes a "- " or "* " list marker, reporting whether
// one was present.
func stripBullet(line string) (string, bool) {
	if entry, ok := strings.CutPrefix(line, "- "); ok {
		return strings.TrimSpace(entry), true
	}
	if entry, ok := strings.CutPrefix(line, "* "); ok {
		return strings.TrimSpace(entry), true
	}
	return line, false
}
