/*
Package sqlite provides a SQLite-backed implementation of the engine's
storage interfaces.

PURPOSE:
  Implements engine.SnapshotStore, engine.LedgerStore,
  engine.ChannelStateStore, engine.DigestStore and
  engine.PreferenceProvider using SQLite. In production the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  snapshots:       Current/previous capture per user (two rows max)
  completed_jobs:  Append-only fulfilled-job ids per user
  channel_state:   Last send per (user, channel), plus the general row
  digest_entries:  Queued change sets; flush_id marks in-flight entries
  preferences:     Cadence and filter rules per user
  cycle_runs:      Audit log of classify+dispatch cycles

DURABILITY:
  Writes commit before the caller's in-memory state is considered
  committed (write-then-confirm). Digest flushes retain entries until
  acknowledged: BeginFlush only stamps a flush_id, AckFlush deletes,
  NackFlush clears the stamp so arrival order (the seq column) survives
  a failed delivery.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  multiple readers don't block and crash recovery is cleaner.

USAGE:
  store, err := sqlite.New("./data/routewatch.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - engine/snapshot.go, engine/digest.go: Interface contracts
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/routewatch/schedule-engine/engine"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Two snapshot slots per user: 'current' and 'previous'.
	CREATE TABLE IF NOT EXISTS snapshots (
		user_id     TEXT NOT NULL,
		slot        TEXT NOT NULL CHECK (slot IN ('current', 'previous')),
		captured_at TEXT NOT NULL,
		jobs_json   TEXT NOT NULL,
		PRIMARY KEY (user_id, slot)
	);

	-- Append-only fulfilled-job ledger. No UPDATE, no per-row DELETE;
	-- rotation truncates whole users and is an external concern.
	CREATE TABLE IF NOT EXISTS completed_jobs (
		user_id     TEXT NOT NULL,
		job_id      TEXT NOT NULL,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (user_id, job_id)
	);

	CREATE TABLE IF NOT EXISTS channel_state (
		user_id      TEXT NOT NULL,
		channel      TEXT NOT NULL,
		last_sent_at TEXT NOT NULL,
		last_source  TEXT NOT NULL,
		PRIMARY KEY (user_id, channel)
	);

	-- seq preserves arrival order across a Nack: clearing flush_id puts
	-- the entries back in front of anything queued since.
	CREATE TABLE IF NOT EXISTS digest_entries (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id         TEXT NOT NULL,
		enqueued_at     TEXT NOT NULL,
		flush_id        TEXT,
		change_set_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_digest_user_pending
		ON digest_entries(user_id) WHERE flush_id IS NULL;
	CREATE INDEX IF NOT EXISTS idx_digest_flush
		ON digest_entries(flush_id) WHERE flush_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS preferences (
		user_id            TEXT PRIMARY KEY,
		cadence            TEXT NOT NULL,
		muted_stores_json  TEXT NOT NULL DEFAULT '[]',
		service_keyword    TEXT NOT NULL DEFAULT ''
	);

	-- Audit log of cycles, surfaced by the API for display.
	CREATE TABLE IF NOT EXISTS cycle_runs (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL,
		source        TEXT NOT NULL,
		started_at    TEXT NOT NULL,
		finished_at   TEXT NOT NULL,
		summary_json  TEXT NOT NULL,
		outcomes_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cycle_runs_user
		ON cycle_runs(user_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SNAPSHOT STORE
// =============================================================================

// Load returns the current and previous snapshots for a user. Either may
// be nil; a missing previous is the normal first-run condition.
func (s *Store) Load(ctx context.Context, userID string) (*engine.ScheduleSnapshot, *engine.ScheduleSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT slot, captured_at, jobs_json FROM snapshots WHERE user_id = ?`, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load snapshots for %s: %w", userID, err)
	}
	defer rows.Close()

	var current, previous *engine.ScheduleSnapshot
	for rows.Next() {
		var slot, capturedAt, jobsJSON string
		if err := rows.Scan(&slot, &capturedAt, &jobsJSON); err != nil {
			return nil, nil, err
		}
		snap, err := decodeSnapshot(userID, capturedAt, jobsJSON)
		if err != nil {
			return nil, nil, err
		}
		switch slot {
		case "current":
			current = snap
		case "previous":
			previous = snap
		}
	}
	return current, previous, rows.Err()
}

// Save installs snap as current, demoting the old current to previous.
// The three statements run in one transaction so a crash cannot leave a
// user with two currents or none.
func (s *Store) Save(ctx context.Context, snap *engine.ScheduleSnapshot) error {
	jobsJSON, err := json.Marshal(snap.Jobs)
	if err != nil {
		return fmt.Errorf("encode snapshot jobs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE user_id = ? AND slot = 'previous'`, snap.OwnerUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE snapshots SET slot = 'previous' WHERE user_id = ? AND slot = 'current'`, snap.OwnerUserID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (user_id, slot, captured_at, jobs_json) VALUES (?, 'current', ?, ?)`,
		snap.OwnerUserID, snap.CapturedAt.UTC().Format(time.RFC3339Nano), string(jobsJSON)); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM snapshots ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func decodeSnapshot(userID, capturedAt, jobsJSON string) (*engine.ScheduleSnapshot, error) {
	at, err := time.Parse(time.RFC3339Nano, capturedAt)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot captured_at: %w", err)
	}
	var jobs map[string]engine.JobRecord
	if err := json.Unmarshal([]byte(jobsJSON), &jobs); err != nil {
		return nil, fmt.Errorf("decode snapshot jobs: %w", err)
	}
	return &engine.ScheduleSnapshot{OwnerUserID: userID, CapturedAt: at, Jobs: jobs}, nil
}

// =============================================================================
// COMPLETED-JOB LEDGER STORE
// =============================================================================

func (s *Store) CompletedJobIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id FROM completed_jobs WHERE user_id = ? ORDER BY recorded_at, job_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendCompleted records job ids as fulfilled. Re-recording an id is a
// no-op, keeping the operation idempotent for retried completion exports.
func (s *Store) AppendCompleted(ctx context.Context, userID string, jobIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, id := range jobIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO completed_jobs (user_id, job_id, recorded_at) VALUES (?, ?, ?)`,
			userID, id, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// =============================================================================
// CHANNEL STATE STORE
// =============================================================================

func (s *Store) GetChannelState(ctx context.Context, userID, channel string) (*engine.ChannelState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT last_sent_at, last_source FROM channel_state WHERE user_id = ? AND channel = ?`,
		userID, channel)

	var sentAt, source string
	if err := row.Scan(&sentAt, &source); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	at, err := time.Parse(time.RFC3339Nano, sentAt)
	if err != nil {
		return nil, fmt.Errorf("decode channel state timestamp: %w", err)
	}
	return &engine.ChannelState{
		UserID:     userID,
		Channel:    channel,
		LastSentAt: at,
		LastSource: engine.TriggerSource(source),
	}, nil
}

func (s *Store) SaveChannelState(ctx context.Context, state engine.ChannelState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_state (user_id, channel, last_sent_at, last_source)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, channel) DO UPDATE SET
			last_sent_at = excluded.last_sent_at,
			last_source  = excluded.last_source`,
		state.UserID, state.Channel,
		state.LastSentAt.UTC().Format(time.RFC3339Nano), string(state.LastSource))
	return err
}

// =============================================================================
// DIGEST STORE
// =============================================================================

func (s *Store) AppendDigest(ctx context.Context, userID string, cs *engine.ChangeSet) error {
	payload, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode digest change set: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO digest_entries (user_id, enqueued_at, flush_id, change_set_json)
		 VALUES (?, ?, NULL, ?)`,
		userID, time.Now().UTC().Format(time.RFC3339Nano), string(payload))
	return err
}

func (s *Store) BeginFlush(ctx context.Context, userID, flushID string) ([]*engine.ChangeSet, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT change_set_json FROM digest_entries
		 WHERE user_id = ? AND flush_id IS NULL ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}

	var sets []*engine.ChangeSet
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			rows.Close()
			return nil, err
		}
		var cs engine.ChangeSet
		if err := json.Unmarshal([]byte(payload), &cs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("decode digest change set: %w", err)
		}
		sets = append(sets, &cs)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(sets) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE digest_entries SET flush_id = ? WHERE user_id = ? AND flush_id IS NULL`,
		flushID, userID); err != nil {
		return nil, err
	}
	return sets, tx.Commit()
}

func (s *Store) AckFlush(ctx context.Context, flushID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM digest_entries WHERE flush_id = ?`, flushID)
	if err != nil {
		return err
	}
	return flushAffected(res, flushID)
}

func (s *Store) NackFlush(ctx context.Context, flushID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE digest_entries SET flush_id = NULL WHERE flush_id = ?`, flushID)
	if err != nil {
		return err
	}
	return flushAffected(res, flushID)
}

func flushAffected(res sql.Result, flushID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("flush %s: %w", flushID, engine.ErrFlushNotFound)
	}
	return nil
}

func (s *Store) PendingDigests(ctx context.Context, userID string) ([]*engine.ChangeSet, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT change_set_json FROM digest_entries
		 WHERE user_id = ? AND flush_id IS NULL ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sets []*engine.ChangeSet
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var cs engine.ChangeSet
		if err := json.Unmarshal([]byte(payload), &cs); err != nil {
			return nil, fmt.Errorf("decode digest change set: %w", err)
		}
		sets = append(sets, &cs)
	}
	return sets, rows.Err()
}

func (s *Store) UsersWithPending(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM digest_entries WHERE flush_id IS NULL ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// =============================================================================
// PREFERENCE PROVIDER
// =============================================================================

// Preferences returns the stored preferences or defaults for an
// unconfigured user; absence is never an error.
func (s *Store) Preferences(ctx context.Context, userID string) (engine.Preferences, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cadence, muted_stores_json, service_keyword FROM preferences WHERE user_id = ?`,
		userID)

	var cadence, mutedJSON, keyword string
	if err := row.Scan(&cadence, &mutedJSON, &keyword); err != nil {
		if err == sql.ErrNoRows {
			return engine.DefaultPreferences(userID), nil
		}
		return engine.Preferences{}, err
	}

	var muted []string
	if err := json.Unmarshal([]byte(mutedJSON), &muted); err != nil {
		return engine.Preferences{}, fmt.Errorf("decode muted stores: %w", err)
	}
	return engine.Preferences{
		UserID:         userID,
		Cadence:        engine.Cadence(cadence),
		MutedStoreIDs:  muted,
		ServiceKeyword: keyword,
	}, nil
}

func (s *Store) SavePreferences(ctx context.Context, prefs engine.Preferences) error {
	muted := prefs.MutedStoreIDs
	if muted == nil {
		muted = []string{}
	}
	mutedJSON, err := json.Marshal(muted)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences (user_id, cadence, muted_stores_json, service_keyword)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET
			cadence           = excluded.cadence,
			muted_stores_json = excluded.muted_stores_json,
			service_keyword   = excluded.service_keyword`,
		prefs.UserID, string(prefs.Cadence), string(mutedJSON), prefs.ServiceKeyword)
	return err
}

// =============================================================================
// CYCLE RUN AUDIT LOG
// =============================================================================

// CycleRun is the persisted audit record of one classify+dispatch cycle.
type CycleRun struct {
	ID         string
	UserID     string
	Source     engine.TriggerSource
	StartedAt  time.Time
	FinishedAt time.Time
	Summary    engine.Summary
	Outcomes   []engine.ChannelOutcome
}

func (s *Store) SaveCycleRun(ctx context.Context, run CycleRun) error {
	summaryJSON, err := json.Marshal(run.Summary)
	if err != nil {
		return err
	}
	outcomesJSON, err := json.Marshal(run.Outcomes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cycle_runs (id, user_id, source, started_at, finished_at, summary_json, outcomes_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.UserID, string(run.Source),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.FinishedAt.UTC().Format(time.RFC3339Nano),
		string(summaryJSON), string(outcomesJSON))
	return err
}

// ListCycleRuns returns the most recent cycles for a user, newest first.
func (s *Store) ListCycleRuns(ctx context.Context, userID string, limit int) ([]CycleRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, source, started_at, finished_at, summary_json, outcomes_json
		 FROM cycle_runs WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []CycleRun
	for rows.Next() {
		var run CycleRun
		var source, startedAt, finishedAt, summaryJSON, outcomesJSON string
		if err := rows.Scan(&run.ID, &run.UserID, &source, &startedAt, &finishedAt, &summaryJSON, &outcomesJSON); err != nil {
			return nil, err
		}
		run.Source = engine.TriggerSource(source)
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(summaryJSON), &run.Summary); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(outcomesJSON), &run.Outcomes); err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
