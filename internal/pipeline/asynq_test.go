package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue records enqueued tasks and rejects duplicate task ids the way
// asynq does.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	seen  map[string]bool
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{seen: make(map[string]bool)}
}

func (q *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, o := range opts {
		if o.Type() == asynq.TaskIDOpt {
			id := o.Value().(string)
			if q.seen[id] {
				return nil, asynq.ErrTaskIDConflict
			}
			q.seen[id] = true
		}
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{}, nil
}

// drain removes and returns every pending task.
func (q *fakeQueue) drain() []*asynq.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.tasks
	q.tasks = nil
	return out
}

type memoryBarrier struct {
	mu      sync.Mutex
	results map[string]map[int]Payload
}

func newMemoryBarrier() *memoryBarrier {
	return &memoryBarrier{results: make(map[string]map[int]Payload)}
}

func (b *memoryBarrier) Arrive(ctx context.Context, key string, member int, out Payload, total int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.results[key] == nil {
		b.results[key] = make(map[int]Payload)
	}
	b.results[key][member] = out
	return len(b.results[key]) == total, nil
}

func (b *memoryBarrier) Results(ctx context.Context, key string) ([]Payload, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members := make([]int, 0, len(b.results[key]))
	for m := range b.results[key] {
		members = append(members, m)
	}
	sort.Ints(members)
	out := make([]Payload, 0, len(members))
	for _, m := range members {
		out = append(out, b.results[key][m])
	}
	return out, nil
}

func (b *memoryBarrier) Clear(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.results, key)
	return nil
}

func taskName(t *testing.T, task *asynq.Task) string {
	var msg stageMessage
	require.NoError(t, json.Unmarshal(task.Payload(), &msg))
	if msg.Join {
		return "join:" + msg.Task
	}
	return msg.Task + "#" + strconv.Itoa(msg.Member)
}

func TestAsynqExecutorDrivesMomentShape(t *testing.T) {
	for name, reverse := range map[string]bool{"declared": false, "reversed": true} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			queue := newFakeQueue()
			barrier := newMemoryBarrier()
			exec := NewAsynqExecutor(rec.registry(), queue, barrier, AsynqOptions{Queue: "moments:op1", Logger: quietLogger()})
			ctx := context.Background()

			runID, err := exec.Submit(ctx, "J1", momentShape(), JobPayload("J1"))
			require.NoError(t, err)
			require.NotEmpty(t, runID)

			var processed []string
			for round := 0; round < 10; round++ {
				pending := queue.drain()
				if len(pending) == 0 {
					break
				}
				if reverse {
					for i, j := 0, len(pending)-1; i < j; i, j = i+1, j-1 {
						pending[i], pending[j] = pending[j], pending[i]
					}
				}
				for _, task := range pending {
					processed = append(processed, taskName(t, task))
					require.NoError(t, exec.ProcessTask(ctx, task))
				}
			}

			assert.Equal(t, []string{"analyze", "mark", "mix"}, filter(rec.snapshot(), "analyze", "mark", "mix"))
			require.Len(t, rec.joined, 1)
			assert.ElementsMatch(t, []AssetType{AssetVocals, AssetInstrumental}, rec.joined[0])
			assert.Equal(t, "join:mix", processed[len(processed)-1])
			assert.Empty(t, barrier.results, "group results are cleared after the join")
		})
	}
}

func filter(calls []string, keep ...string) []string {
	var out []string
	for _, c := range calls {
		for _, k := range keep {
			if c == k {
				out = append(out, c)
			}
		}
	}
	return out
}

func TestAsynqRedeliveredMemberDoesNotDuplicateJoin(t *testing.T) {
	rec := &recorder{}
	queue := newFakeQueue()
	barrier := newMemoryBarrier()
	exec := NewAsynqExecutor(rec.registry(), queue, barrier, AsynqOptions{Logger: quietLogger()})
	ctx := context.Background()

	_, err := exec.Submit(ctx, "J1", NewChord(NewGroup(NewTask("vocals"), NewTask("instrumental")), "mix"), JobPayload("J1"))
	require.NoError(t, err)

	members := queue.drain()
	require.Len(t, members, 2)
	for _, task := range members {
		require.NoError(t, exec.ProcessTask(ctx, task))
	}
	// at-least-once delivery: the second member runs again
	require.NoError(t, exec.ProcessTask(ctx, members[1]))

	joins := queue.drain()
	require.Len(t, joins, 1, "the join is enqueued under one task id")
	require.NoError(t, exec.ProcessTask(ctx, joins[0]))
	assert.Len(t, rec.joined, 1)
}

func TestAsynqFailureClassification(t *testing.T) {
	reg := NewRegistry()
	reg.Register("gone", func(ctx context.Context, in Payload) (Payload, error) {
		return Payload{}, Abandon("job deleted")
	})
	reg.Register("broken", func(ctx context.Context, in Payload) (Payload, error) {
		return Payload{}, Permanent(errors.New("tool returned ok=false"))
	})
	reg.Register("flaky", func(ctx context.Context, in Payload) (Payload, error) {
		return Payload{}, errors.New("timeout")
	})

	ctx := context.Background()
	run := func(stage string) error {
		queue := newFakeQueue()
		exec := NewAsynqExecutor(reg, queue, newMemoryBarrier(), AsynqOptions{Logger: quietLogger()})
		_, err := exec.Submit(ctx, "J1", NewTask(stage), JobPayload("J1"))
		require.NoError(t, err)
		tasks := queue.drain()
		require.Len(t, tasks, 1)
		return exec.ProcessTask(ctx, tasks[0])
	}

	assert.NoError(t, run("gone"))

	err := run("broken")
	assert.ErrorIs(t, err, asynq.SkipRetry)

	err = run("flaky")
	require.Error(t, err)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAsynqRejectsMalformedTask(t *testing.T) {
	exec := NewAsynqExecutor(NewRegistry(), newFakeQueue(), newMemoryBarrier(), AsynqOptions{Logger: quietLogger()})
	err := exec.ProcessTask(context.Background(), asynq.NewTask(TaskTypeStage, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAsynqEnqueuesOnConfiguredQueue(t *testing.T) {
	rec := &recorder{}
	var queues []string
	enq := enqueueFunc(func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
		for _, o := range opts {
			if o.Type() == asynq.QueueOpt {
				queues = append(queues, o.Value().(string))
			}
		}
		return &asynq.TaskInfo{}, nil
	})
	exec := NewAsynqExecutor(rec.registry(), enq, newMemoryBarrier(), AsynqOptions{Queue: "moments:op1", Logger: quietLogger()})
	assert.Equal(t, "moments:op1", exec.Queue())

	_, err := exec.Submit(context.Background(), "J1", momentShape(), JobPayload("J1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"moments:op1"}, queues)
}

type enqueueFunc func(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)

func (f enqueueFunc) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return f(ctx, task, opts...)
}
