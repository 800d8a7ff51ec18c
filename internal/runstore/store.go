package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
	_ "modernc.org/sqlite"
)

// Run is the persisted status record of one narration run.
type Run struct {
	ID          string
	Key         string
	Document    string
	Profile     string
	State       string
	TotalChunks int
	OutputPath  string
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Artifact is the persisted outcome of one chunk.
type Artifact struct {
	RunID         string
	ChunkIndex    int
	TextHash      string
	Status        string
	RawPath       string
	ConvertedPath string
	// AudioHash fingerprints the converted file as written, so audio left in
	// the work directory by another document is never mistaken for this one.
	AudioHash string
	Attempts  int
	Fallback  bool
	Error     string
	UpdatedAt time.Time
}

// Event is a timeline entry attached to a run.
type Event struct {
	ID        int64
	RunID     string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps the SQLite run record. In ephemeral mode every call is a no-op
// and nothing survives the process.
type Store struct {
	db    *sql.DB
	cfg   config.StateConfig
	log   *slog.Logger
	clock func() time.Time
}

// ErrNotFound is returned when no run matches a lookup.
var ErrNotFound = errors.New("run not found")

// Open initializes the store at path according to cfg.
func Open(ctx context.Context, path string, cfg config.StateConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "runstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("run store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("run store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

// Persistent reports whether records outlive the process.
func (s *Store) Persistent() bool { return s.db != nil }

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    run_key TEXT NOT NULL,
    document TEXT,
    profile TEXT,
    state TEXT NOT NULL,
    total_chunks INTEGER NOT NULL DEFAULT 0,
    output_path TEXT,
    error TEXT,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_key_created ON runs(run_key, created_at);
CREATE TABLE IF NOT EXISTS artifacts (
    run_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    text_hash TEXT NOT NULL,
    status TEXT NOT NULL,
    raw_path TEXT,
    converted_path TEXT,
    audio_hash TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    fallback INTEGER NOT NULL DEFAULT 0,
    error TEXT,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (run_id, chunk_index),
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(run_id) REFERENCES runs(run_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_run_created ON events(run_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) now() int64 { return s.clock().UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// CreateRun inserts run, stamping its timestamps.
func (s *Store) CreateRun(ctx context.Context, run Run) error {
	if s.db == nil {
		return nil
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(run_id, run_key, document, profile, state, total_chunks, output_path, error, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Key, run.Document, run.Profile, run.State, run.TotalChunks, run.OutputPath, run.Error, now, now)
	return err
}

// UpdateRun rewrites the mutable fields of a run.
func (s *Store) UpdateRun(ctx context.Context, run Run) error {
	if s.db == nil {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, total_chunks = ?, output_path = ?, error = ?, profile = ?, updated_at = ?
		 WHERE run_id = ?`,
		run.State, run.TotalChunks, run.OutputPath, run.Error, run.Profile, s.now(), run.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `run_id, run_key, document, profile, state, total_chunks, output_path, error, created_at, updated_at`

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var document, profile, output, errText sql.NullString
	var created, updated int64
	if err := row.Scan(&r.ID, &r.Key, &document, &profile, &r.State, &r.TotalChunks, &output, &errText, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	r.Document = document.String
	r.Profile = profile.String
	r.OutputPath = output.String
	r.Error = errText.String
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return r, nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	if s.db == nil {
		return Run{}, ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, id))
}

// LatestByKey returns the most recent run recorded for key.
func (s *Store) LatestByKey(ctx context.Context, key string) (Run, error) {
	if s.db == nil {
		return Run{}, ErrNotFound
	}
	return scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_key = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, key))
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PutArtifact inserts or replaces the record of one chunk.
func (s *Store) PutArtifact(ctx context.Context, a Artifact) error {
	if s.db == nil {
		return nil
	}
	fallback := 0
	if a.Fallback {
		fallback = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(run_id, chunk_index, text_hash, status, raw_path, converted_path, audio_hash, attempts, fallback, error, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, chunk_index) DO UPDATE SET
		   text_hash=excluded.text_hash, status=excluded.status, raw_path=excluded.raw_path,
		   converted_path=excluded.converted_path, audio_hash=excluded.audio_hash, attempts=excluded.attempts, fallback=excluded.fallback,
		   error=excluded.error, updated_at=excluded.updated_at`,
		a.RunID, a.ChunkIndex, a.TextHash, a.Status, a.RawPath, a.ConvertedPath, a.AudioHash, a.Attempts, fallback, a.Error, s.now())
	return err
}

// Artifacts lists the chunk records of a run in index order.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]Artifact, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, chunk_index, text_hash, status, raw_path, converted_path, audio_hash, attempts, fallback, error, updated_at
		 FROM artifacts WHERE run_id = ? ORDER BY chunk_index ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var raw, converted, audioHash, errText sql.NullString
		var fallback int
		var updated int64
		if err := rows.Scan(&a.RunID, &a.ChunkIndex, &a.TextHash, &a.Status, &raw, &converted, &audioHash, &a.Attempts, &fallback, &errText, &updated); err != nil {
			return nil, err
		}
		a.RawPath = raw.String
		a.ConvertedPath = converted.String
		a.AudioHash = audioHash.String
		a.Error = errText.String
		a.Fallback = fallback != 0
		a.UpdatedAt = fromMillis(updated)
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifactsFrom drops chunk records at or beyond index.
func (s *Store) DeleteArtifactsFrom(ctx context.Context, runID string, index int) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE run_id = ? AND chunk_index >= ?`, runID, index)
	return err
}

// AppendEvent writes an event into the run timeline.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.db == nil {
		return nil
	}
	created := s.now()
	if !evt.CreatedAt.IsZero() {
		created = evt.CreatedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(run_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		evt.RunID, evt.Type, evt.Payload, created)
	return err
}

// ListEvents retrieves up to limit events for a run ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, runID string, limit int) ([]Event, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, event_type, payload, created_at
		 FROM events WHERE run_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var eventType sql.NullString
		var created int64
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Type = eventType.String
		e.CreatedAt = fromMillis(created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE updated_at < ?`, cutoff.UTC().UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRuns > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id IN (
			SELECT run_id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRuns)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
