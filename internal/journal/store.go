package journal

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store manages journal persistence in SQLite.
type Store struct {
	db         *sql.DB
	logger     *slog.Logger
	ftsEnabled bool
}

// NewStore opens (or creates) the journal database at dbPath. The
// caller must import a sqlite driver registered as "sqlite3"
// (github.com/mattn/go-sqlite3 in the engram binary).
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s, err := NewStoreWithDB(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStoreWithDB creates a journal store on an existing connection.
// Tests use this with the cgo-free modernc.org/sqlite driver.
func NewStoreWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// Try to enable FTS5 — gracefully degrade if not available.
	s.ftsEnabled = s.tryEnableFTS()
	if !s.ftsEnabled {
		logger.Warn("journal: FTS5 not available, entry search will use slower LIKE fallback")
	}

	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			id TEXT PRIMARY KEY,
			conversation_id TEXT,
			origin TEXT NOT NULL,
			content TEXT NOT NULL,
			status TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			processed_at TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(status, submitted_at);

		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			turn_id TEXT,
			model TEXT NOT NULL,
			variant TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			input_bytes INTEGER DEFAULT 0,
			candidates INTEGER DEFAULT 0,
			appended INTEGER DEFAULT 0,
			outcome TEXT NOT NULL,
			error TEXT,
			write_path TEXT,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_runs_turn ON runs(turn_id);

		CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			text TEXT NOT NULL,
			source TEXT,
			write_path TEXT,
			appended INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		);
		CREATE INDEX IF NOT EXISTS idx_entries_run ON entries(run_id);
	`)
	return err
}

// tryEnableFTS attempts to create the FTS5 virtual table over entry
// text. Returns true if FTS5 is available, false otherwise.
func (s *Store) tryEnableFTS() bool {
	_, err := s.db.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
			text,
			content=entries,
			content_rowid=rowid
		)
	`)
	return err == nil
}

// FTSEnabled reports whether full-text entry search is available.
func (s *Store) FTSEnabled() bool {
	return s.ftsEnabled
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SubmitTurn stores a new pending turn. ID and SubmittedAt are
// assigned when unset.
func (s *Store) SubmitTurn(turn *Turn) error {
	if turn.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new turn id: %w", err)
		}
		turn.ID = id
	}
	if turn.SubmittedAt.IsZero() {
		turn.SubmittedAt = time.Now().UTC()
	}
	if turn.Status == "" {
		turn.Status = StatusPending
	}

	_, err := s.db.Exec(`
		INSERT INTO turns (id, conversation_id, origin, content, status, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, turn.ID.String(), turn.ConversationID, turn.Origin, turn.Content,
		string(turn.Status), turn.SubmittedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	return nil
}

// PendingTurns returns up to limit pending turns, oldest first.
func (s *Store) PendingTurns(limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, conversation_id, origin, content, status, submitted_at, processed_at, error
		FROM turns WHERE status = ? ORDER BY submitted_at ASC LIMIT ?
	`, string(StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// Turn returns one turn by ID.
func (s *Store) Turn(id uuid.UUID) (*Turn, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, origin, content, status, submitted_at, processed_at, error
		FROM turns WHERE id = ?
	`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query turn: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanTurn(rows)
}

// MarkTurnDone transitions a turn to done.
func (s *Store) MarkTurnDone(id uuid.UUID) error {
	return s.finishTurn(id, StatusDone, "")
}

// MarkTurnFailed transitions a turn to failed with the error message.
func (s *Store) MarkTurnFailed(id uuid.UUID, errMsg string) error {
	return s.finishTurn(id, StatusFailed, errMsg)
}

// MarkTurnSkipped transitions a turn to skipped with the gate reason.
func (s *Store) MarkTurnSkipped(id uuid.UUID, reason string) error {
	return s.finishTurn(id, StatusSkipped, reason)
}

func (s *Store) finishTurn(id uuid.UUID, status TurnStatus, errMsg string) error {
	result, err := s.db.Exec(`
		UPDATE turns SET status = ?, processed_at = ?, error = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339Nano), errMsg, id.String())
	if err != nil {
		return fmt.Errorf("update turn: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordRun stores a completed run and its entries in one transaction.
// Run and entry IDs are assigned when unset.
func (s *Store) RecordRun(run *Run, entries []*Entry) error {
	if run.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("new run id: %w", err)
		}
		run.ID = id
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var turnID any
	if run.TurnID != uuid.Nil {
		turnID = run.TurnID.String()
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, turn_id, model, variant, started_at, finished_at,
			input_bytes, candidates, appended, outcome, error, write_path,
			input_tokens, output_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), turnID, run.Model, run.Variant,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.InputBytes, run.Candidates, run.Appended,
		string(run.Outcome), run.Error, run.WritePath,
		run.InputTokens, run.OutputTokens)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, entry := range entries {
		if entry.ID == uuid.Nil {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("new entry id: %w", err)
			}
			entry.ID = id
		}
		entry.RunID = run.ID
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = run.FinishedAt
		}

		res, err := tx.Exec(`
			INSERT INTO entries (id, run_id, text, source, write_path, appended, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, entry.ID.String(), entry.RunID.String(), entry.Text, entry.Source,
			entry.WritePath, entry.Appended, entry.CreatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		// External-content FTS tables are not populated automatically.
		if s.ftsEnabled {
			if rowid, err := res.LastInsertId(); err == nil {
				if _, err := tx.Exec(`INSERT INTO entries_fts (rowid, text) VALUES (?, ?)`,
					rowid, entry.Text); err != nil {
					s.logger.Warn("journal: FTS index insert failed", "error", err)
				}
			}
		}
	}

	return tx.Commit()
}

// Run returns one run by ID.
func (s *Store) Run(id uuid.UUID) (*Run, error) {
	rows, err := s.db.Query(runSelect+` WHERE id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNotFound
	}
	return scanRun(rows)
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RunEntries returns the entries a run produced, in insertion order.
func (s *Store) RunEntries(runID uuid.UUID) ([]*Entry, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, text, source, write_path, appended, created_at
		FROM entries WHERE run_id = ? ORDER BY id
	`, runID.String())
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// SearchEntries finds entries matching query, newest first. FTS5 is
// used when available; errors there (including bad match syntax) and
// FTS-less builds fall back to a LIKE scan.
func (s *Store) SearchEntries(query string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.ftsEnabled {
		entries, err := s.searchFTS(query, limit)
		if err == nil {
			return entries, nil
		}
		s.logger.Debug("journal: FTS search failed, using LIKE fallback",
			"query", query, "error", err)
	}
	return s.searchLike(query, limit)
}

func (s *Store) searchFTS(query string, limit int) ([]*Entry, error) {
	// Quote the query so user punctuation is not FTS match syntax.
	match := `"` + strings.ReplaceAll(query, `"`, `""`) + `"`
	rows, err := s.db.Query(`
		SELECT e.id, e.run_id, e.text, e.source, e.write_path, e.appended, e.created_at
		FROM entries e
		JOIN entries_fts f ON e.rowid = f.rowid
		WHERE entries_fts MATCH ?
		ORDER BY e.created_at DESC LIMIT ?
	`, match, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) searchLike(query string, limit int) ([]*Entry, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`
		SELECT id, run_id, text, source, write_path, appended, created_at
		FROM entries WHERE text LIKE ?
		ORDER BY created_at DESC LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Stats returns journal statistics.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{RunsByOutcome: make(map[string]int)}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&stats.TurnsTotal); err != nil {
		return nil, fmt.Errorf("count turns: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM turns WHERE status = ?`,
		string(StatusPending)).Scan(&stats.TurnsPending); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}

	rows, err := s.db.Query(`SELECT outcome, COUNT(*) FROM runs GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			continue
		}
		stats.RunsByOutcome[outcome] = count
		stats.RunsTotal += count
	}

	_ = s.db.QueryRow(`
		SELECT COALESCE(SUM(appended), 0), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		FROM runs
	`).Scan(&stats.EntriesAppended, &stats.InputTokens, &stats.OutputTokens)

	var lastRun sql.NullString
	_ = s.db.QueryRow(`SELECT MAX(started_at) FROM runs`).Scan(&lastRun)
	if lastRun.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, lastRun.String); err == nil {
			stats.LastRunAt = ts
		}
	}

	return stats, nil
}

const runSelect = `
	SELECT id, turn_id, model, variant, started_at, finished_at,
		input_bytes, candidates, appended, outcome, error, write_path,
		input_tokens, output_tokens
	FROM runs`

func scanTurn(rows *sql.Rows) (*Turn, error) {
	var t Turn
	var idStr, statusStr, submittedStr string
	var convID, processedStr, errStr sql.NullString

	if err := rows.Scan(&idStr, &convID, &t.Origin, &t.Content, &statusStr,
		&submittedStr, &processedStr, &errStr); err != nil {
		return nil, fmt.Errorf("scan turn: %w", err)
	}

	t.ID, _ = uuid.Parse(idStr)
	t.ConversationID = convID.String
	t.Status = TurnStatus(statusStr)
	t.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedStr)
	if processedStr.Valid && processedStr.String != "" {
		t.ProcessedAt, _ = time.Parse(time.RFC3339Nano, processedStr.String)
	}
	t.Error = errStr.String
	return &t, nil
}

func scanRun(rows *sql.Rows) (*Run, error) {
	var r Run
	var idStr, startedStr, finishedStr, outcomeStr string
	var turnID, errStr, writePath sql.NullString

	if err := rows.Scan(&idStr, &turnID, &r.Model, &r.Variant, &startedStr,
		&finishedStr, &r.InputBytes, &r.Candidates, &r.Appended, &outcomeStr,
		&errStr, &writePath, &r.InputTokens, &r.OutputTokens); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	r.ID, _ = uuid.Parse(idStr)
	if turnID.Valid {
		r.TurnID, _ = uuid.Parse(turnID.String)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finishedStr)
	r.Outcome = RunOutcome(outcomeStr)
	r.Error = errStr.String
	r.WritePath = writePath.String
	return &r, nil
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var idStr, runIDStr, createdStr string
	var source, writePath sql.NullString

	if err := rows.Scan(&idStr, &runIDStr, &e.Text, &source, &writePath,
		&e.Appended, &createdStr); err != nil {
		return nil, fmt.Errorf("scan entry: %w", err)
	}

	e.ID, _ = uuid.Parse(idStr)
	e.RunID, _ = uuid.Parse(runIDStr)
	e.Source = source.String
	e.WritePath = writePath.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &e, nil
}
