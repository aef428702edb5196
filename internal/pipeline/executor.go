package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/makeasinger/moment/internal/model"
)

// Executor submits a job's graph for execution and returns without waiting
// for it to finish. The returned id identifies the run.
type Executor interface {
	Submit(ctx context.Context, jobID string, graph Node, input Payload) (runID string, err error)
}

func isAbandoned(err error) bool {
	return errors.Is(err, ErrAbandoned)
}

// invoker runs single stages and joins with payload checks on both edges
// and metrics around the call. Executors share it.
type invoker struct {
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger
}

func (iv *invoker) runTask(ctx context.Context, name string, in Payload) (Payload, error) {
	fn, ok := iv.registry.Stage(name)
	if !ok {
		return Payload{}, Permanent(fmt.Errorf("unknown stage %q", name))
	}
	if err := in.Validate(); err != nil {
		return Payload{}, &StageError{Stage: name, JobID: in.JobID, Err: err}
	}

	start := time.Now()
	out, err := fn(ctx, in)
	if err == nil {
		err = checkOutput(out, in.JobID)
	}
	iv.metrics.observeStage(name, outcomeOf(err), time.Since(start))
	if err != nil {
		return Payload{}, &StageError{Stage: name, JobID: in.JobID, Err: err}
	}
	iv.logger.Debug("stage finished", "stage", name, "job_id", in.JobID, "kind", out.Kind)
	return out, nil
}

func (iv *invoker) runJoin(ctx context.Context, name string, in []Payload) (Payload, error) {
	fn, ok := iv.registry.Join(name)
	if !ok {
		return Payload{}, Permanent(fmt.Errorf("unknown join stage %q", name))
	}
	jobID, err := JoinJobID(in)
	if err != nil {
		return Payload{}, &StageError{Stage: name, Err: err}
	}
	for _, p := range in {
		if err := p.Validate(); err != nil {
			return Payload{}, &StageError{Stage: name, JobID: jobID, Err: err}
		}
	}

	start := time.Now()
	out, err := fn(ctx, in)
	if err == nil {
		err = checkOutput(out, jobID)
	}
	iv.metrics.observeStage(name, outcomeOf(err), time.Since(start))
	if err != nil {
		return Payload{}, &StageError{Stage: name, JobID: jobID, Err: err}
	}
	iv.logger.Debug("join finished", "stage", name, "job_id", jobID, "inputs", len(in))
	return out, nil
}

func checkOutput(out Payload, jobID string) error {
	if err := out.Validate(); err != nil {
		return err
	}
	if out.JobID != jobID {
		return &model.ValidationError{
			Field:   "job_id",
			Message: fmt.Sprintf("stage output belongs to %s, expected %s", out.JobID, jobID),
		}
	}
	return nil
}

// retryable reports whether a failed stage may run again.
func retryable(err error) bool {
	return err != nil && !IsPermanent(err) && !isAbandoned(err)
}
