package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/makeasinger/moment/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  status TEXT NOT NULL,
  original_audio_url TEXT NOT NULL,
  blueprint_json TEXT,
  final_audio_url TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// SQLiteStore keeps jobs in a single SQLite table. One connection is used so
// every transaction is serialized.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, job *model.Job) error {
	if err := prepareCreate(job, s.now()); err != nil {
		return err
	}
	blueprint, err := marshalBlueprint(job.Blueprint)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (id, status, original_audio_url, blueprint_json, final_audio_url, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(id) DO NOTHING`,
			job.ID,
			string(job.Status),
			job.OriginalAudioURL,
			blueprint,
			nullableString(job.FinalAudioURL),
			job.CreatedAt.UnixMilli(),
			job.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("create %s: %w", job.ID, model.ErrDuplicateKey)
		}
		return nil
	})
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, selectJob, id))
}

func (s *SQLiteStore) UpdateFields(ctx context.Context, id string, patch model.JobPatch) (bool, error) {
	return s.mutate(ctx, id, func(job *model.Job) error {
		return applyPatch(job, patch, s.now())
	})
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id string, partial map[string]any) (bool, error) {
	return s.mutate(ctx, id, func(job *model.Job) error {
		return applyMetadata(job, partial, s.now())
	})
}

func (s *SQLiteStore) mutate(ctx context.Context, id string, fn func(*model.Job) error) (bool, error) {
	found := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := scanJob(tx.QueryRowContext(ctx, selectJob, id))
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		if err := fn(job); err != nil {
			return err
		}
		blueprint, err := marshalBlueprint(job.Blueprint)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, blueprint_json = ?, final_audio_url = ?, updated_at = ? WHERE id = ?`,
			string(job.Status),
			blueprint,
			nullableString(job.FinalAudioURL),
			job.UpdatedAt.UnixMilli(),
			id,
		)
		if err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
	return found, err
}

// withTx runs fn in a transaction that commits on success and rolls back on
// error or panic.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const selectJob = `SELECT id, status, original_audio_url, blueprint_json, final_audio_url, created_at, updated_at
       FROM jobs WHERE id = ?`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		id, status, originalURL string
		blueprintJSON, finalURL sql.NullString
		createdMs, updatedMs    int64
	)
	if err := row.Scan(&id, &status, &originalURL, &blueprintJSON, &finalURL, &createdMs, &updatedMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job := &model.Job{
		ID:               id,
		Status:           model.JobStatus(status),
		OriginalAudioURL: originalURL,
		CreatedAt:        time.UnixMilli(createdMs),
		UpdatedAt:        time.UnixMilli(updatedMs),
	}
	if blueprintJSON.Valid && blueprintJSON.String != "" {
		var bp model.Blueprint
		if err := json.Unmarshal([]byte(blueprintJSON.String), &bp); err != nil {
			return nil, fmt.Errorf("unmarshal blueprint: %w", err)
		}
		job.Blueprint = &bp
	}
	if finalURL.Valid {
		url := finalURL.String
		job.FinalAudioURL = &url
	}
	return job, nil
}

func marshalBlueprint(bp *model.Blueprint) (any, error) {
	if bp == nil {
		return nil, nil
	}
	data, err := json.Marshal(bp)
	if err != nil {
		return nil, fmt.Errorf("marshal blueprint: %w", err)
	}
	return string(data), nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
