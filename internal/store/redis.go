package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/moment/internal/model"
)

const maxTxRetries = 16

// ErrTxConflict is returned when a job kept changing under an optimistic
// transaction for every retry.
var ErrTxConflict = errors.New("job transaction conflict")

// RedisStore keeps each job as a JSON document under job:{id}. Mutations run
// in WATCH/MULTI transactions and are retried when another writer touched
// the same job in between.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisStore creates a store. A ttl of 0 keeps jobs forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, now: time.Now}
}

func jobKey(id string) string {
	return fmt.Sprintf("job:%s", id)
}

func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	if err := prepareCreate(job, s.now()); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, jobKey(job.ID), data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	if !ok {
		return fmt.Errorf("create %s: %w", job.ID, model.ErrDuplicateKey)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *RedisStore) UpdateFields(ctx context.Context, id string, patch model.JobPatch) (bool, error) {
	if patch.Empty() {
		_, err := s.Get(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return err == nil, err
	}
	return s.mutate(ctx, id, func(job *model.Job) error {
		return applyPatch(job, patch, s.now())
	})
}

func (s *RedisStore) MergeMetadata(ctx context.Context, id string, partial map[string]any) (bool, error) {
	return s.mutate(ctx, id, func(job *model.Job) error {
		return applyMetadata(job, partial, s.now())
	})
}

func (s *RedisStore) Close() error {
	return nil
}

// mutate reads the job, applies fn and writes it back only if nobody else
// wrote the key in between. Returning an error from fn discards the write.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*model.Job) error) (bool, error) {
	key := jobKey(id)
	var found bool

	txf := func(tx *redis.Tx) error {
		found = false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true

		var job model.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, redis.KeepTTL)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return found, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return found, err
	}
	return true, fmt.Errorf("update %s: %w", id, ErrTxConflict)
}
