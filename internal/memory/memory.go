// Package memory implements the durable-memory file format: parsing
// model output against the extraction contract, reading and appending
// memories.md files, and rendering stored entries back into an
// instruction section for model consumption.
//
// Memories live in plain markdown so users can read and edit them
// directly. Two scopes exist: a global file under the engram home
// directory, and an optional per-repository file under <git root>/.engram/.
package memory

// File format and pipeline limits.
const (
	// RepoDirName is the directory created at a git repository root to
	// hold that repository's memories file.
	RepoDirName = ".engram"
	// FileName is the memories file name in both scopes.
	FileName = "memories.md"
	// FileHeader is written as the first line of a new memories file.
	FileHeader = "# Memories"
	// SectionHeader opens the rendered instruction section.
	SectionHeader = "## Memories"
	// SectionSeparator is the divider callers splice between base
	// instructions and the rendered memories section.
	SectionSeparator = "\n\n--- memories ---\n\n"

	// MaxFileBytes caps how much of a memories file is read; larger
	// files are tail-truncated with a warning.
	MaxFileBytes = 8 * 1024
	// MaxPromptBytes caps the combined turn text sent to the model.
	MaxPromptBytes = 2000
	// MaxNewPerTurn caps how many candidates a single extraction run
	// may append.
	MaxNewPerTurn = 6
)

// Source identifies where a captured memory originated.
type Source int

const (
	// SourceUnspecified marks entries with no provenance tag, either
	// from the plain prompt variant or from hand-edited files.
	SourceUnspecified Source = iota
	// SourceUser marks facts stated in user messages.
	SourceUser
	// SourceTool marks facts observed in tool output.
	SourceTool
)

// String returns the tag word for the source, or "" for unspecified.
func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceTool:
		return "tool"
	default:
		return ""
	}
}

// Candidate is one parsed memory from model output, not yet written.
type Candidate struct {
	// Text is the memory sentence without bullet marker, with any
	// source tag retained as written.
	Text string
	// Source is the provenance parsed from the leading tag, if any.
	Source Source
}

// Scope identifies which memories file an entry came from.
type Scope string

const (
	// ScopeGlobal is the <home>/memories.md file.
	ScopeGlobal Scope = "global"
	// ScopeRepo is the <git root>/.engram/memories.md file.
	ScopeRepo Scope = "repo"
)

// Entry is one stored memory line with its origin attached, as
// returned by merged reads.
type Entry struct {
	Text   string `json:"text"`
	Source Source `json:"-"`
	// SourceTag is the JSON-friendly form of Source ("user", "tool",
	// or "" when unspecified).
	SourceTag string `json:"source,omitempty"`
	Scope     Scope  `json:"scope"`
	Path      string `json:"path"`
}
