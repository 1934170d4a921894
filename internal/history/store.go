// Package history keeps a SQLite record of every completed voiceover.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/core"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const defaultListLimit = 100

// ErrRecordNotFound is returned when no record has the requested id.
var ErrRecordNotFound = errors.New("history record not found")

// Store is a SQLite-backed history of completed voiceovers.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *logger.Logger
	clock func() time.Time
}

// Open opens or creates the database at cfg.Path and applies retention once.
func Open(ctx context.Context, cfg config.HistoryConfig, log *logger.Logger) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		mkdirErr := os.MkdirAll(dir, 0o750)
		if mkdirErr != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", mkdirErr)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pingErr := db.PingContext(ctx)
	if pingErr != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping sqlite: %w", pingErr)
	}

	store := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	schemaErr := store.initSchema(ctx)
	if schemaErr != nil {
		_ = db.Close()

		return nil, schemaErr
	}

	pruneErr := store.Prune(ctx)
	if pruneErr != nil && log != nil {
		log.Warn("History prune on start failed: %v", pruneErr)
	}

	return store, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS voiceovers (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    display_name TEXT NOT NULL,
    source_name TEXT,
    voice_id TEXT NOT NULL,
    model_id TEXT,
    artifact TEXT NOT NULL,
    chunk_count INTEGER NOT NULL,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_voiceovers_created ON voiceovers(created_at);
`

	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}

	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts rec, stamping CreatedAt when unset, then applies retention.
func (s *Store) Record(ctx context.Context, rec core.HistoryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}

	artifact, err := json.Marshal(rec.Artifact)
	if err != nil {
		return fmt.Errorf("failed to encode artifact reference: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO voiceovers(id, job_id, display_name, source_name, voice_id, model_id, artifact, chunk_count, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.JobID, rec.DisplayName, rec.SourceName, rec.VoiceID, rec.ModelID,
		string(artifact), rec.ChunkCount, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert history record %s: %w", rec.ID, err)
	}

	return s.Prune(ctx)
}

// List returns up to limit records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]core.HistoryRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, display_name, source_name, voice_id, model_id, artifact, chunk_count, created_at
		 FROM voiceovers ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var records []core.HistoryRecord

	for rows.Next() {
		rec, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, rec)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed to read history: %w", rowsErr)
	}

	return records, nil
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (core.HistoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, display_name, source_name, voice_id, model_id, artifact, chunk_count, created_at
		 FROM voiceovers WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.HistoryRecord{}, ErrRecordNotFound
	}

	return rec, err
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM voiceovers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete history record %s: %w", id, err)
	}

	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// Prune drops records older than the retention window and keeps at most MaxRecords.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.cfg.RetentionDays <= 0 && s.cfg.MaxRecords <= 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin prune: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)

		_, err = tx.ExecContext(ctx, `DELETE FROM voiceovers WHERE created_at < ?`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to prune by age: %w", err)
		}
	}

	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM voiceovers WHERE id IN (
			SELECT id FROM voiceovers ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return fmt.Errorf("failed to prune by count: %w", err)
		}
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (core.HistoryRecord, error) {
	var (
		rec        core.HistoryRecord
		sourceName sql.NullString
		modelID    sql.NullString
		artifact   string
		created    string
	)

	err := row.Scan(&rec.ID, &rec.JobID, &rec.DisplayName, &sourceName, &rec.VoiceID, &modelID,
		&artifact, &rec.ChunkCount, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.HistoryRecord{}, err
		}

		return core.HistoryRecord{}, fmt.Errorf("failed to scan history record: %w", err)
	}

	rec.SourceName = sourceName.String
	rec.ModelID = modelID.String

	decodeErr := json.Unmarshal([]byte(artifact), &rec.Artifact)
	if decodeErr != nil {
		return core.HistoryRecord{}, fmt.Errorf("failed to decode artifact reference: %w", decodeErr)
	}

	createdAt, parseErr := time.Parse(timeLayout, created)
	if parseErr == nil {
		rec.CreatedAt = createdAt
	}

	return rec, nil
}

func formatTime(at time.Time) string {
	return at.UTC().Format(timeLayout)
}
