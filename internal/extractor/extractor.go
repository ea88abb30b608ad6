// Package extractor runs the memory-extraction pipeline: gate the
// turn, assemble a capped prompt input, ask the model for durable
// facts, parse the reply, and append survivors to the memories file.
// Extraction is best-effort — every failure is journaled and logged,
// never propagated to the caller's conversation flow.
package extractor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/llm"
	"github.com/nugget/engram/internal/memory"
	"github.com/nugget/engram/internal/prompts"
)

// Input kinds. Inputs of any other kind (images, binary attachments)
// carry no extractable text and are dropped before assembly.
const (
	InputUser = "user"
	InputTool = "tool"
)

// Input is one block of turn content offered for extraction.
type Input struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Config controls extraction behavior.
type Config struct {
	// Enabled gates the whole pipeline. When false every turn is
	// skipped before any model call.
	Enabled bool
	// Model is passed to the LLM client on every run.
	Model string
	// Variant selects the prompt policy (tagged or plain). The plain
	// variant ignores tool inputs entirely.
	Variant prompts.Variant
	// Dir is the working directory whose repo scope (if any) receives
	// new memories. Falls back to the global file when Dir is not
	// inside a git checkout.
	Dir string
	// Timeout bounds a single model call.
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Minute
	}
}

// Extractor runs extraction synchronously. The background Worker wraps
// it for the pending-turn queue.
type Extractor struct {
	memories *memory.Store
	journal  *journal.Store
	client   llm.Client
	bus      *events.Bus
	logger   *slog.Logger
	cfg      Config
}

// New creates an Extractor. bus may be nil.
func New(memories *memory.Store, jrnl *journal.Store, client llm.Client, bus *events.Bus, logger *slog.Logger, cfg Config) *Extractor {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		memories: memories,
		journal:  jrnl,
		client:   client,
		bus:      bus,
		logger:   logger.With("component", "extractor"),
		cfg:      cfg,
	}
}

// ShouldExtract decides whether a turn reaches the model at all. It
// returns false with a short reason when extraction is disabled, when
// the turn came from an exec or subagent context, or when no input
// carries non-blank text.
func (e *Extractor) ShouldExtract(origin string, inputs []Input) (bool, string) {
	if !e.cfg.Enabled {
		return false, "extraction disabled"
	}
	switch origin {
	case journal.OriginExec, journal.OriginSubagent:
		return false, "origin " + origin
	}
	for _, in := range inputs {
		if !e.accepts(in.Kind) {
			continue
		}
		if strings.TrimSpace(in.Text) != "" {
			return true, ""
		}
	}
	return false, "no text input"
}

// accepts reports whether the configured variant reads inputs of this
// kind. The plain prompt has no provenance language, so feeding it
// tool output would invite tool-echo memories.
func (e *Extractor) accepts(kind string) bool {
	switch kind {
	case InputUser:
		return true
	case InputTool:
		return e.cfg.Variant == prompts.VariantTagged
	default:
		return false
	}
}

// combinedInput assembles the user-message body for the extraction
// request. The tagged variant labels each block with its kind so the
// model can attribute facts; the plain variant joins user text only.
// The result is capped at the prompt input limit, truncating on a rune
// boundary.
func (e *Extractor) combinedInput(inputs []Input) string {
	var blocks []string
	for _, in := range inputs {
		if !e.accepts(in.Kind) {
			continue
		}
		text := strings.TrimSpace(in.Text)
		if text == "" {
			continue
		}
		if e.cfg.Variant == prompts.VariantTagged {
			blocks = append(blocks, "["+in.Kind+"]\n"+text)
		} else {
			blocks = append(blocks, text)
		}
	}
	return memory.TruncatePrompt(strings.Join(blocks, "\n\n"), memory.MaxPromptBytes)
}

// Extract runs one extraction attempt and journals it. turnID may be
// uuid.Nil for ad-hoc runs (CLI, sync API). The returned Run always
// has an Outcome; callers inspect it rather than an error — model and
// file failures end up in Run.Error.
func (e *Extractor) Extract(ctx context.Context, turnID uuid.UUID, origin string, inputs []Input) *journal.Run {
	run := &journal.Run{
		TurnID:    turnID,
		Model:     e.cfg.Model,
		Variant:   e.cfg.Variant.String(),
		StartedAt: time.Now(),
	}
	if id, err := uuid.NewV7(); err == nil {
		run.ID = id
	}

	if ok, reason := e.ShouldExtract(origin, inputs); !ok {
		run.Outcome = journal.OutcomeSkipped
		run.Error = reason
		e.finish(run, nil)
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceExtractor,
			Kind:      events.KindTurnSkipped,
			Data:      map[string]any{"turn_id": turnID.String(), "reason": reason},
		})
		return run
	}

	input := e.combinedInput(inputs)
	run.InputBytes = len(input)
	run.WritePath = e.memories.WritePath(e.cfg.Dir)

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExtractor,
		Kind:      events.KindRunStarted,
		Data: map[string]any{
			"run_id":  run.ID.String(),
			"turn_id": turnID.String(),
			"model":   run.Model,
			"variant": run.Variant,
		},
	})

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: prompts.MemoryExtraction(e.cfg.Variant)},
		{Role: "user", Content: input},
	}
	resp, err := e.client.ChatStream(callCtx, e.cfg.Model, messages, func(string) {})
	if err != nil && callCtx.Err() == nil {
		// Some gateways reject stream=true outright; retry unstreamed.
		e.logger.Debug("streaming call failed, retrying non-streaming", "error", err)
		resp, err = e.client.Chat(callCtx, e.cfg.Model, messages)
	}
	if err != nil {
		run.Outcome = journal.OutcomeError
		run.Error = err.Error()
		e.logger.Warn("extraction model call failed", "model", run.Model, "error", err)
		e.finish(run, nil)
		return run
	}
	run.InputTokens = resp.InputTokens
	run.OutputTokens = resp.OutputTokens

	candidates := memory.ParseCandidates(resp.Message.Content)
	if len(candidates) > memory.MaxNewPerTurn {
		e.logger.Debug("capping extraction candidates",
			"got", len(candidates), "max", memory.MaxNewPerTurn)
		candidates = candidates[:memory.MaxNewPerTurn]
	}
	run.Candidates = len(candidates)

	if len(candidates) == 0 {
		run.Outcome = journal.OutcomeNoMemories
		e.finish(run, nil)
		e.publishCompleted(run)
		return run
	}

	appended, err := e.memories.Append(run.WritePath, candidates)
	if err != nil {
		run.Outcome = journal.OutcomeError
		run.Error = err.Error()
		e.logger.Warn("memories append failed", "path", run.WritePath, "error", err)
		e.finish(run, nil)
		return run
	}
	run.Appended = len(appended)
	if run.Appended > 0 {
		run.Outcome = journal.OutcomeRecorded
	} else {
		run.Outcome = journal.OutcomeNoMemories
	}

	kept := make(map[string]struct{}, len(appended))
	for _, c := range appended {
		kept[memory.DedupKey(c.Text)] = struct{}{}
	}
	entries := make([]*journal.Entry, 0, len(candidates))
	for _, c := range candidates {
		_, wasAppended := kept[memory.DedupKey(c.Text)]
		entries = append(entries, &journal.Entry{
			Text:      c.Text,
			Source:    c.Source.String(),
			WritePath: run.WritePath,
			Appended:  wasAppended,
		})
	}
	e.finish(run, entries)

	if run.Appended > 0 {
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceExtractor,
			Kind:      events.KindMemoryRecorded,
			Data: map[string]any{
				"run_id":   run.ID.String(),
				"appended": run.Appended,
				"path":     run.WritePath,
			},
		})
	}
	e.publishCompleted(run)

	e.logger.Info("extraction run finished",
		"run_id", run.ID,
		"outcome", run.Outcome,
		"candidates", run.Candidates,
		"appended", run.Appended)
	return run
}

func (e *Extractor) finish(run *journal.Run, entries []*journal.Entry) {
	run.FinishedAt = time.Now()
	if err := e.journal.RecordRun(run, entries); err != nil {
		e.logger.Warn("journal write failed", "run_id", run.ID, "error", err)
	}
}

func (e *Extractor) publishCompleted(run *journal.Run) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceExtractor,
		Kind:      events.KindRunCompleted,
		Data: map[string]any{
			"run_id":     run.ID.String(),
			"outcome":    string(run.Outcome),
			"candidates": run.Candidates,
			"appended":   run.Appended,
			"tokens_in":  run.InputTokens,
			"tokens_out": run.OutputTokens,
			"elapsed_ms": run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
		},
	})
}
