// Package store persists moment jobs. Every mutation is a short transaction
// scoped to a single job.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/moment/internal/model"
)

// JobStore is the durable record of jobs.
type JobStore interface {
	// Create inserts job, failing with model.ErrDuplicateKey if the id exists.
	Create(ctx context.Context, job *model.Job) error
	// Get returns the job or model.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Job, error)
	// UpdateFields applies patch atomically. found is false when the job
	// does not exist, which is not an error.
	UpdateFields(ctx context.Context, id string, patch model.JobPatch) (found bool, err error)
	// MergeMetadata merges partial into blueprint.metadata without touching
	// other keys. found is false when the job does not exist.
	MergeMetadata(ctx context.Context, id string, partial map[string]any) (found bool, err error)
	Close() error
}

// applyPatch is the read-modify-write body shared by the implementations.
func applyPatch(job *model.Job, patch model.JobPatch, now time.Time) error {
	return patch.Apply(job, now)
}

func applyMetadata(job *model.Job, partial map[string]any, now time.Time) error {
	if job.Blueprint == nil {
		return fmt.Errorf("merge metadata into %s: %w", job.ID, model.ErrNoBlueprint)
	}
	job.Blueprint.MergeMetadata(partial)
	job.UpdatedAt = now
	return nil
}

func prepareCreate(job *model.Job, now time.Time) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if job.Status == "" {
		job.Status = model.JobStatusPending
	}
	if !job.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", model.ErrInvalidTransition, job.Status)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return nil
}

// Driver names accepted by Open.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Open returns the store selected by driver. rdb is only used by the redis
// driver.
func Open(driver, sqlitePath string, rdb redis.UniversalClient, ttl time.Duration) (JobStore, error) {
	switch driver {
	case DriverRedis, "":
		if rdb == nil {
			return nil, fmt.Errorf("redis store requires a redis client")
		}
		return NewRedisStore(rdb, ttl), nil
	case DriverSQLite:
		return OpenSQLite(sqlitePath)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
