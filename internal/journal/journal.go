// Package journal provides the provenance store for extraction
// activity: submitted turns, extraction runs, and the entries each run
// produced. Memories themselves live in plain memories.md files
// (internal/memory); the journal answers "when was this recorded, from
// what input, by which model, and what happened" — the part a flat
// markdown file cannot.
package journal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("journal: not found")

// TurnStatus tracks a turn through the extraction pipeline.
type TurnStatus string

const (
	// StatusPending means the turn awaits the background worker.
	StatusPending TurnStatus = "pending"
	// StatusDone means extraction ran to completion (including the
	// no-memories outcome).
	StatusDone TurnStatus = "done"
	// StatusFailed means extraction errored; the turn is not retried.
	StatusFailed TurnStatus = "failed"
	// StatusSkipped means the gate rejected the turn before any model
	// call.
	StatusSkipped TurnStatus = "skipped"
)

// Turn origins. Free-form strings are accepted; these are the ones
// engram itself submits. Exec and subagent turns are gated out of
// extraction.
const (
	OriginAPI      = "api"
	OriginCLI      = "cli"
	OriginMQTT     = "mqtt"
	OriginExec     = "exec"
	OriginSubagent = "subagent"
)

// Turn is one submission of conversation content considered for
// extraction.
type Turn struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Origin         string     `json:"origin"`
	Content        string     `json:"content"`
	Status         TurnStatus `json:"status"`
	SubmittedAt    time.Time  `json:"submitted_at"`
	ProcessedAt    time.Time  `json:"processed_at,omitzero"`
	Error          string     `json:"error,omitempty"`
}

// RunOutcome classifies how an extraction run ended.
type RunOutcome string

const (
	// OutcomeRecorded means at least one new entry was appended.
	OutcomeRecorded RunOutcome = "recorded"
	// OutcomeNoMemories means the model returned the sentinel, or
	// every candidate was a duplicate.
	OutcomeNoMemories RunOutcome = "no_memories"
	// OutcomeSkipped means the gate rejected the input.
	OutcomeSkipped RunOutcome = "skipped"
	// OutcomeError means the model call or the file write failed.
	OutcomeError RunOutcome = "error"
)

// Run is one extraction attempt with full provenance.
type Run struct {
	ID     uuid.UUID `json:"id"`
	TurnID uuid.UUID `json:"turn_id,omitzero"` // Nil for ad-hoc runs
	Model  string    `json:"model"`
	// Variant is the prompt policy used ("tagged" or "plain").
	Variant      string     `json:"variant"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	InputBytes   int        `json:"input_bytes"`
	Candidates   int        `json:"candidates"`
	Appended     int        `json:"appended"`
	Outcome      RunOutcome `json:"outcome"`
	Error        string     `json:"error,omitempty"`
	WritePath    string     `json:"write_path,omitempty"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
}

// Entry is one candidate a run produced. Appended is false when the
// candidate was dropped as a duplicate of an existing memory.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Text      string    `json:"text"`
	Source    string    `json:"source,omitempty"`
	WritePath string    `json:"write_path,omitempty"`
	Appended  bool      `json:"appended"`
	CreatedAt time.Time `json:"created_at"`
}

// Stats summarizes journal contents for the API and dashboard.
type Stats struct {
	TurnsTotal      int            `json:"turns_total"`
	TurnsPending    int            `json:"turns_pending"`
	RunsTotal       int            `json:"runs_total"`
	RunsByOutcome   map[string]int `json:"runs_by_outcome"`
	EntriesAppended int            `json:"entries_appended"`
	InputTokens     int            `json:"input_tokens"`
	OutputTokens    int            `json:"output_tokens"`
	LastRunAt       time.Time      `json:"last_run_at,omitzero"`
}
