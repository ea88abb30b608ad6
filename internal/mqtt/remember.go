package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/engram/internal/events"
	"github.com/nugget/engram/internal/journal"
	"github.com/nugget/engram/internal/memory"
)

// rememberPayload is the JSON form of a remember message. Plain-text
// payloads are accepted too; the whole payload becomes the memory.
type rememberPayload struct {
	Text   string `json:"text"`
	Source string `json:"source,omitempty"` // "user" (default) or "tool"
}

func (b *Bridge) subscribeRemember(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := b.rememberTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: 1},
		},
	}); err != nil {
		b.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	b.logger.Info("mqtt subscribed", "topic", topic)
}

// handleMessage dispatches inbound publishes. Only the remember topic
// is subscribed, but the check keeps stray retained messages from
// other shared-subscription setups out of the memories file.
func (b *Bridge) handleMessage(topic string, payload []byte) {
	if topic != b.rememberTopic() {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	if !b.limiter.allow() {
		return
	}
	b.remember(payload)
}

// remember appends a manual memory from the broker, bypassing the
// model. The entry is journaled as a run so it shows up in history and
// search like any extracted memory.
func (b *Bridge) remember(payload []byte) {
	candidate, ok := parseRememberPayload(payload)
	if !ok {
		b.logger.Warn("mqtt remember payload empty", "payload_size", len(payload))
		return
	}

	b.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindRememberReceived,
		Data: map[string]any{
			"topic":       b.rememberTopic(),
			"content_len": len(payload),
		},
	})

	path := b.memories.WritePath(b.dir)
	appended, err := b.memories.Append(path, []memory.Candidate{candidate})
	if err != nil {
		b.logger.Error("mqtt remember append failed", "path", path, "error", err)
		return
	}

	run := &journal.Run{
		Model:      "manual",
		Variant:    "remember",
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
		InputBytes: len(payload),
		Candidates: 1,
		Appended:   len(appended),
		Outcome:    journal.OutcomeRecorded,
		WritePath:  path,
	}
	if len(appended) == 0 {
		run.Outcome = journal.OutcomeNoMemories
	}
	entries := []*journal.Entry{{
		Text:      candidate.Text,
		Source:    candidate.Source.String(),
		WritePath: path,
		Appended:  len(appended) > 0,
	}}
	if err := b.journal.RecordRun(run, entries); err != nil {
		b.logger.Warn("mqtt remember journal write failed", "error", err)
	}

	b.logger.Info("mqtt memory remembered",
		"appended", len(appended), "path", path)
}

// parseRememberPayload extracts a candidate from a remember message.
// JSON payloads may carry a source; plain text defaults to user.
func parseRememberPayload(payload []byte) (memory.Candidate, bool) {
	text := strings.TrimSpace(string(payload))

	var p rememberPayload
	if err := json.Unmarshal(payload, &p); err == nil && strings.TrimSpace(p.Text) != "" {
		text = strings.TrimSpace(p.Text)
		if p.Source == "tool" {
			return memory.Candidate{Text: text, Source: memory.SourceTool}, true
		}
		return memory.Candidate{Text: text, Source: memory.SourceUser}, true
	}

	if text == "" {
		return memory.Candidate{}, false
	}
	return memory.Candidate{Text: text, Source: memory.SourceUser}, true
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
