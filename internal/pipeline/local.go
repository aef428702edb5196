package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// LocalOptions configures a LocalExecutor.
type LocalOptions struct {
	// Queue names the stage queue in logs.
	Queue string
	// Concurrency is the number of stages that may run at once.
	Concurrency int
	// MaxRetry is the number of extra attempts for a retryable failure.
	MaxRetry   int
	RetryDelay time.Duration
	// Sequential runs group members one at a time, in GroupOrder when set.
	// Submit then blocks until the run finishes.
	Sequential bool
	GroupOrder func(step Step) []string

	Metrics *Metrics
	Logger  *slog.Logger
}

// LocalExecutor interprets plans in process. Group members run concurrently
// on a conc pool, bounded by a shared slot budget.
type LocalExecutor struct {
	invoker
	opts LocalOptions

	slots chan struct{}

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalExecutor creates an executor that runs submitted graphs in the
// background.
func NewLocalExecutor(reg *Registry, opts LocalOptions) *LocalExecutor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &LocalExecutor{
		invoker: invoker{registry: reg, metrics: opts.Metrics, logger: logger},
		opts:    opts,
		slots:   make(chan struct{}, opts.Concurrency),
		base:    base,
		cancel:  cancel,
	}
}

// NewInlineExecutor creates a synchronous, deterministic executor.
func NewInlineExecutor(reg *Registry, opts LocalOptions) *LocalExecutor {
	opts.Sequential = true
	return NewLocalExecutor(reg, opts)
}

// Submit compiles graph and starts it. In sequential mode it runs to
// completion before returning; the run's error is logged, not returned.
func (e *LocalExecutor) Submit(ctx context.Context, jobID string, graph Node, input Payload) (string, error) {
	plan, err := e.registry.Compile(graph)
	if err != nil {
		return "", fmt.Errorf("invalid pipeline graph: %w", err)
	}
	if input.JobID != jobID {
		return "", fmt.Errorf("input payload belongs to %q, not %q", input.JobID, jobID)
	}
	if err := input.Validate(); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	if e.opts.Sequential {
		e.execute(ctx, runID, plan, input)
		return runID, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(e.base, runID, plan, input)
	}()
	return runID, nil
}

// Run executes graph and blocks until it finishes, returning the outputs of
// the last step.
func (e *LocalExecutor) Run(ctx context.Context, graph Node, input Payload) ([]Payload, error) {
	plan, err := e.registry.Compile(graph)
	if err != nil {
		return nil, fmt.Errorf("invalid pipeline graph: %w", err)
	}
	if err := input.Validate(); err != nil {
		return nil, err
	}
	return e.runPlan(ctx, plan, input)
}

// Wait blocks until every submitted run has finished.
func (e *LocalExecutor) Wait() {
	e.wg.Wait()
}

// Close cancels in-flight runs and waits for them to return.
func (e *LocalExecutor) Close() {
	e.cancel()
	e.wg.Wait()
}

func (e *LocalExecutor) execute(ctx context.Context, runID string, plan Plan, input Payload) {
	logger := e.logger.With("run_id", runID, "job_id", input.JobID, "queue", e.opts.Queue)
	logger.Info("pipeline run started", "steps", len(plan))

	_, err := e.runPlan(ctx, plan, input)
	switch {
	case err == nil:
		logger.Info("pipeline run completed")
	case isAbandoned(err):
		logger.Info("pipeline run abandoned", "reason", err)
	default:
		logger.Error("pipeline run failed", "error", err)
	}
}

func (e *LocalExecutor) runPlan(ctx context.Context, plan Plan, input Payload) ([]Payload, error) {
	cur := []Payload{input}
	for i, step := range plan {
		if len(cur) != 1 {
			err := fmt.Errorf("step %d expects one input, got %d", i, len(cur))
			e.metrics.observeRun(OutcomeFailure)
			return nil, err
		}
		out, err := e.runStep(ctx, step, cur[0])
		if err != nil {
			e.metrics.observeRun(outcomeOf(err))
			return nil, err
		}
		cur = out
	}
	e.metrics.observeRun(OutcomeSuccess)
	return cur, nil
}

func (e *LocalExecutor) runStep(ctx context.Context, step Step, in Payload) ([]Payload, error) {
	if !step.Parallel() {
		out, err := e.attemptTask(ctx, step.Tasks[0], in)
		if err != nil {
			return nil, err
		}
		return []Payload{out}, nil
	}

	results, err := e.runGroup(ctx, step, in)
	if err != nil {
		return nil, err
	}
	if step.Join == "" {
		return results, nil
	}

	out, err := e.withRetry(ctx, step.Join, func() (Payload, error) {
		release, err := e.acquire(ctx)
		if err != nil {
			return Payload{}, err
		}
		defer release()
		return e.runJoin(ctx, step.Join, results)
	})
	if err != nil {
		return nil, err
	}
	return []Payload{out}, nil
}

func (e *LocalExecutor) runGroup(ctx context.Context, step Step, in Payload) ([]Payload, error) {
	if e.opts.Sequential {
		order := step.Tasks
		if e.opts.GroupOrder != nil {
			order = e.opts.GroupOrder(step)
		}
		results := make([]Payload, 0, len(order))
		for _, name := range order {
			out, err := e.attemptTask(ctx, name, in)
			if err != nil {
				return nil, err
			}
			results = append(results, out)
		}
		return results, nil
	}

	p := pool.NewWithResults[Payload]().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError()
	for _, name := range step.Tasks {
		name := name
		p.Go(func(ctx context.Context) (Payload, error) {
			return e.attemptTask(ctx, name, in)
		})
	}
	return p.Wait()
}

func (e *LocalExecutor) attemptTask(ctx context.Context, name string, in Payload) (Payload, error) {
	return e.withRetry(ctx, name, func() (Payload, error) {
		release, err := e.acquire(ctx)
		if err != nil {
			return Payload{}, err
		}
		defer release()
		return e.runTask(ctx, name, in)
	})
}

func (e *LocalExecutor) withRetry(ctx context.Context, stage string, fn func() (Payload, error)) (Payload, error) {
	for attempt := 0; ; attempt++ {
		out, err := fn()
		if !retryable(err) || attempt >= e.opts.MaxRetry {
			return out, err
		}
		e.logger.Warn("stage failed, retrying", "stage", stage, "attempt", attempt+1, "error", err)
		if e.opts.RetryDelay > 0 {
			select {
			case <-ctx.Done():
				return Payload{}, ctx.Err()
			case <-time.After(e.opts.RetryDelay):
			}
		}
	}
}

// acquire takes a slot from the budget.
func (e *LocalExecutor) acquire(ctx context.Context) (func(), error) {
	select {
	case e.slots <- struct{}{}:
		return func() { <-e.slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
