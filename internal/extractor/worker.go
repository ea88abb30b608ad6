package extractor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/engram/internal/journal"
)

// WorkerConfig controls the background queue drain.
type WorkerConfig struct {
	// Interval is how often the worker scans for pending turns.
	Interval time.Duration
	// PauseBetween is the delay between turns within one scan, to
	// avoid hammering the model endpoint.
	PauseBetween time.Duration
	// BatchSize is the maximum number of turns fetched per scan.
	BatchSize int
}

func (c *WorkerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.PauseBetween <= 0 {
		c.PauseBetween = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Worker drains pending journal turns through the Extractor in the
// background. One scan runs at startup to catch turns left over from
// a previous process, then a ticker takes over.
type Worker struct {
	extractor *Extractor
	journal   *journal.Store
	logger    *slog.Logger
	cfg       WorkerConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWorker creates a worker around an existing Extractor.
func NewWorker(ex *Extractor, jrnl *journal.Store, logger *slog.Logger, cfg WorkerConfig) *Worker {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		extractor: ex,
		journal:   jrnl,
		logger:    logger.With("component", "extraction-worker"),
		cfg:       cfg,
	}
}

// Start launches the background loop. Call Stop to shut down.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	w.logger.Info("extraction worker started",
		"interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize)
}

// Stop cancels the loop and waits for the current scan to finish.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.done != nil {
		<-w.done
	}
	w.logger.Info("extraction worker stopped")
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)

	// Catch-up scan for turns submitted while we were down.
	w.scan(ctx)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

// scan fetches one batch of pending turns and extracts each in order.
func (w *Worker) scan(ctx context.Context) {
	turns, err := w.journal.PendingTurns(w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("pending turn fetch failed", "error", err)
		return
	}
	if len(turns) == 0 {
		return
	}

	w.logger.Debug("processing pending turns", "count", len(turns))

	for i, turn := range turns {
		if ctx.Err() != nil {
			return
		}
		w.process(ctx, turn)

		if i < len(turns)-1 {
			if !sleepCtx(ctx, w.cfg.PauseBetween) {
				return
			}
		}
	}
}

// process runs extraction for one turn and records its terminal
// status. A turn is attempted exactly once; failures are not retried.
func (w *Worker) process(ctx context.Context, turn *journal.Turn) {
	inputs := []Input{{Kind: InputUser, Text: turn.Content}}
	run := w.extractor.Extract(ctx, turn.ID, turn.Origin, inputs)

	var err error
	switch run.Outcome {
	case journal.OutcomeSkipped:
		err = w.journal.MarkTurnSkipped(turn.ID, run.Error)
	case journal.OutcomeError:
		err = w.journal.MarkTurnFailed(turn.ID, run.Error)
	default:
		err = w.journal.MarkTurnDone(turn.ID)
	}
	if err != nil {
		w.logger.Warn("turn status update failed",
			"turn_id", turn.ID, "outcome", run.Outcome, "error", err)
	}
}

// sleepCtx sleeps for d unless the context is canceled first. Returns
// false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
