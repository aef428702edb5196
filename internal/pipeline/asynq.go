package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// TaskTypeStage is the asynq task type of every pipeline stage.
const TaskTypeStage = "pipeline:stage"

// Enqueuer is the part of *asynq.Client the executor needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// stageMessage is the task payload. It carries the whole plan so any worker
// can schedule the next step without shared state.
type stageMessage struct {
	RunID  string  `json:"run_id"`
	JobID  string  `json:"job_id"`
	Plan   Plan    `json:"plan"`
	Step   int     `json:"step"`
	Member int     `json:"member"`
	Task   string  `json:"task,omitempty"`
	Join   bool    `json:"join,omitempty"`
	Input  Payload `json:"input"`
}

// AsynqOptions configures an AsynqExecutor.
type AsynqOptions struct {
	Queue     string
	MaxRetry  int
	Retention time.Duration // how long finished tasks are kept, also the dedup window
	Timeout   time.Duration // per stage, 0 uses the asynq default
	Metrics   *Metrics
	Logger    *slog.Logger
}

// AsynqExecutor runs plans on an asynq worker pool. Each stage is one task on
// the configured queue. Group members report to a Barrier and the member that
// completes the set enqueues the join.
type AsynqExecutor struct {
	invoker
	client  Enqueuer
	barrier Barrier
	opts    AsynqOptions
}

// NewAsynqExecutor creates an executor that enqueues through client.
func NewAsynqExecutor(reg *Registry, client Enqueuer, barrier Barrier, opts AsynqOptions) *AsynqExecutor {
	if opts.Queue == "" {
		opts.Queue = "default"
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqExecutor{
		invoker: invoker{registry: reg, metrics: opts.Metrics, logger: logger},
		client:  client,
		barrier: barrier,
		opts:    opts,
	}
}

// Queue returns the queue stages are enqueued on.
func (e *AsynqExecutor) Queue() string { return e.opts.Queue }

// Register installs the stage handler on mux.
func (e *AsynqExecutor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeStage, e.ProcessTask)
}

// Submit compiles graph and enqueues its first step.
func (e *AsynqExecutor) Submit(ctx context.Context, jobID string, graph Node, input Payload) (string, error) {
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
	if err := e.enqueueStep(ctx, runID, jobID, plan, 0, input); err != nil {
		return "", err
	}
	e.logger.Info("pipeline run submitted", "run_id", runID, "job_id", jobID, "queue", e.opts.Queue)
	return runID, nil
}

// ProcessTask handles one stage task.
func (e *AsynqExecutor) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var msg stageMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("failed to unmarshal stage message: %v: %w", err, asynq.SkipRetry)
	}
	if msg.Step < 0 || msg.Step >= len(msg.Plan) {
		return fmt.Errorf("stage message step %d out of range: %w", msg.Step, asynq.SkipRetry)
	}
	step := msg.Plan[msg.Step]
	logger := e.logger.With("run_id", msg.RunID, "job_id", msg.JobID, "step", msg.Step)

	if msg.Join {
		return e.processJoin(ctx, logger, msg, step)
	}

	out, err := e.runTask(ctx, msg.Task, msg.Input)
	if err != nil {
		return e.handleFailure(logger, msg.Task, err)
	}

	if !step.Parallel() {
		return e.advance(ctx, logger, msg, out)
	}

	key := barrierKey(msg.RunID, msg.Step)
	complete, err := e.barrier.Arrive(ctx, key, msg.Member, out, len(step.Tasks))
	if err != nil {
		return fmt.Errorf("failed to record group result: %w", err)
	}
	if !complete {
		return nil
	}
	if step.Join == "" {
		// A bare group can only be the last step.
		e.metrics.observeRun(OutcomeSuccess)
		logger.Info("pipeline run completed")
		return e.barrier.Clear(ctx, key)
	}

	join := msg
	join.Join = true
	join.Task = step.Join
	join.Member = len(step.Tasks)
	join.Input = Payload{}
	return e.enqueue(ctx, join)
}

func (e *AsynqExecutor) processJoin(ctx context.Context, logger *slog.Logger, msg stageMessage, step Step) error {
	key := barrierKey(msg.RunID, msg.Step)
	inputs, err := e.barrier.Results(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load group results: %w", err)
	}
	if len(inputs) != len(step.Tasks) {
		return fmt.Errorf("join %s has %d of %d group results: %w", step.Join, len(inputs), len(step.Tasks), asynq.SkipRetry)
	}

	out, err := e.runJoin(ctx, step.Join, inputs)
	if err != nil {
		return e.handleFailure(logger, step.Join, err)
	}
	if err := e.advance(ctx, logger, msg, out); err != nil {
		return err
	}
	if err := e.barrier.Clear(ctx, key); err != nil {
		logger.Warn("failed to clear group results", "error", err)
	}
	return nil
}

// advance enqueues the step after msg.Step with out as input, or finishes
// the run.
func (e *AsynqExecutor) advance(ctx context.Context, logger *slog.Logger, msg stageMessage, out Payload) error {
	next := msg.Step + 1
	if next >= len(msg.Plan) {
		e.metrics.observeRun(OutcomeSuccess)
		logger.Info("pipeline run completed")
		return nil
	}
	return e.enqueueStep(ctx, msg.RunID, msg.JobID, msg.Plan, next, out)
}

func (e *AsynqExecutor) handleFailure(logger *slog.Logger, stage string, err error) error {
	if isAbandoned(err) {
		e.metrics.observeRun(OutcomeAbandoned)
		logger.Info("pipeline run abandoned", "stage", stage, "reason", err)
		return nil
	}
	if IsPermanent(err) {
		e.metrics.observeRun(OutcomeFailure)
		logger.Error("stage failed permanently", "stage", stage, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger.Warn("stage failed", "stage", stage, "error", err)
	return err
}

func (e *AsynqExecutor) enqueueStep(ctx context.Context, runID, jobID string, plan Plan, idx int, input Payload) error {
	step := plan[idx]
	for member, name := range step.Tasks {
		msg := stageMessage{
			RunID:  runID,
			JobID:  jobID,
			Plan:   plan,
			Step:   idx,
			Member: member,
			Task:   name,
			Input:  input,
		}
		if err := e.enqueue(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// enqueue uses a deterministic task id so a retried handler cannot schedule
// the same step twice.
func (e *AsynqExecutor) enqueue(ctx context.Context, msg stageMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal stage message: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(e.opts.Queue),
		asynq.MaxRetry(e.opts.MaxRetry),
		asynq.Retention(e.opts.Retention),
		asynq.TaskID(fmt.Sprintf("%s:%d:%d", msg.RunID, msg.Step, msg.Member)),
	}
	if e.opts.Timeout > 0 {
		opts = append(opts, asynq.Timeout(e.opts.Timeout))
	}

	_, err = e.client.EnqueueContext(ctx, asynq.NewTask(TaskTypeStage, data), opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", msg.Task, err)
	}
	return nil
}

func barrierKey(runID string, step int) string {
	return fmt.Sprintf("pipeline:chord:%s:%d", runID, step)
}
