package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/moment/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a moment-shaped stage set: analyze, mark, two renders and a
// mix join that concatenates the asset urls it receives.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	joined [][]AssetType
}

func (r *recorder) record(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) registry() *Registry {
	reg := NewRegistry()
	reg.Register("analyze", func(ctx context.Context, in Payload) (Payload, error) {
		r.record("analyze")
		return AnalysisPayload(in.JobID, &model.Blueprint{ID: in.JobID}, nil), nil
	})
	reg.Register("mark", func(ctx context.Context, in Payload) (Payload, error) {
		r.record("mark")
		return in, nil
	})
	reg.Register("vocals", func(ctx context.Context, in Payload) (Payload, error) {
		r.record("vocals")
		return AssetPayload(in.JobID, AssetVocals, "v.mp3"), nil
	})
	reg.Register("instrumental", func(ctx context.Context, in Payload) (Payload, error) {
		r.record("instrumental")
		return AssetPayload(in.JobID, AssetInstrumental, "i.mp3"), nil
	})
	reg.RegisterJoin("mix", func(ctx context.Context, in []Payload) (Payload, error) {
		r.record("mix")
		types := make([]AssetType, 0, len(in))
		for _, p := range in {
			types = append(types, p.Asset.Type)
		}
		r.mu.Lock()
		r.joined = append(r.joined, types)
		r.mu.Unlock()
		return MixPayload(in[0].JobID, "final.mp3", "preview"), nil
	})
	return reg
}

func momentShape() Node {
	return NewChain(
		NewTask("analyze"),
		NewTask("mark"),
		NewChord(NewGroup(NewTask("vocals"), NewTask("instrumental")), "mix"),
	)
}

func reversed(step Step) []string {
	out := make([]string, 0, len(step.Tasks))
	for i := len(step.Tasks) - 1; i >= 0; i-- {
		out = append(out, step.Tasks[i])
	}
	return out
}

func TestInlineExecutorRunsChainInOrder(t *testing.T) {
	rec := &recorder{}
	exec := NewInlineExecutor(rec.registry(), LocalOptions{Logger: quietLogger()})

	out, err := exec.Run(context.Background(), momentShape(), JobPayload("J1"))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, KindMix, out[0].Kind)
	assert.Equal(t, "final.mp3", out[0].Mix.FinalAudioURL)
	assert.Equal(t, []string{"analyze", "mark", "vocals", "instrumental", "mix"}, rec.snapshot())
}

func TestChordJoinSeesEveryResultInEitherOrder(t *testing.T) {
	for name, order := range map[string]func(Step) []string{
		"declared": nil,
		"reversed": reversed,
	} {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			exec := NewInlineExecutor(rec.registry(), LocalOptions{GroupOrder: order, Logger: quietLogger()})

			_, err := exec.Submit(context.Background(), "J1", momentShape(), JobPayload("J1"))
			require.NoError(t, err)

			require.Len(t, rec.joined, 1, "join must run exactly once")
			assert.ElementsMatch(t, []AssetType{AssetVocals, AssetInstrumental}, rec.joined[0])
			calls := rec.snapshot()
			assert.Equal(t, "mix", calls[len(calls)-1])
		})
	}
}

func TestConcurrentGroupJoinsInCompletionOrder(t *testing.T) {
	rec := &recorder{}
	reg := rec.registry()
	release := make(chan struct{})
	reg.Register("vocals", func(ctx context.Context, in Payload) (Payload, error) {
		<-release
		rec.record("vocals")
		return AssetPayload(in.JobID, AssetVocals, "v.mp3"), nil
	})
	reg.Register("instrumental", func(ctx context.Context, in Payload) (Payload, error) {
		rec.record("instrumental")
		close(release)
		return AssetPayload(in.JobID, AssetInstrumental, "i.mp3"), nil
	})

	exec := NewLocalExecutor(reg, LocalOptions{Concurrency: 2, Logger: quietLogger()})
	defer exec.Close()

	_, err := exec.Submit(context.Background(), "J1", momentShape(), JobPayload("J1"))
	require.NoError(t, err)
	exec.Wait()

	require.Len(t, rec.joined, 1)
	assert.Equal(t, []AssetType{AssetInstrumental, AssetVocals}, rec.joined[0])
}

func TestSlotBudgetBoundsGroupConcurrency(t *testing.T) {
	var running, peak int32
	track := func(t AssetType) StageFunc {
		return func(ctx context.Context, in Payload) (Payload, error) {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return AssetPayload(in.JobID, t, "x"), nil
		}
	}
	reg := NewRegistry()
	reg.Register("a", track(AssetVocals))
	reg.Register("b", track(AssetInstrumental))
	reg.Register("c", track(AssetVocals))

	exec := NewLocalExecutor(reg, LocalOptions{Concurrency: 1, Logger: quietLogger()})
	out, err := exec.Run(context.Background(), NewGroup(NewTask("a"), NewTask("b"), NewTask("c")), JobPayload("J1"))
	require.NoError(t, err)
	assert.Len(t, out, 3)
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
}

func TestGroupFailureSkipsJoin(t *testing.T) {
	rec := &recorder{}
	reg := rec.registry()
	reg.Register("instrumental", func(ctx context.Context, in Payload) (Payload, error) {
		return Payload{}, Permanent(errors.New("tool rejected blueprint"))
	})

	exec := NewLocalExecutor(reg, LocalOptions{Concurrency: 2, Logger: quietLogger()})
	_, err := exec.Run(context.Background(), momentShape(), JobPayload("J1"))
	require.Error(t, err)

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "instrumental", stageErr.Stage)
	assert.Empty(t, rec.joined)
}

func TestAbandonStopsRunWithoutRetry(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register("analyze", func(ctx context.Context, in Payload) (Payload, error) {
		atomic.AddInt32(&attempts, 1)
		return Payload{}, Abandon("job not found")
	})
	reg.Register("mark", func(ctx context.Context, in Payload) (Payload, error) {
		t.Fatal("mark must not run after an abandoned stage")
		return in, nil
	})

	metrics := NewMetrics(prometheus.NewRegistry())
	exec := NewInlineExecutor(reg, LocalOptions{MaxRetry: 3, Metrics: metrics, Logger: quietLogger()})
	_, err := exec.Run(context.Background(), NewChain(NewTask("analyze"), NewTask("mark")), JobPayload("J1"))
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestTransientFailuresAreRetried(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register("flaky", func(ctx context.Context, in Payload) (Payload, error) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return Payload{}, errors.New("connection reset")
		}
		return in, nil
	})

	exec := NewInlineExecutor(reg, LocalOptions{MaxRetry: 2, Logger: quietLogger()})
	_, err := exec.Run(context.Background(), NewTask("flaky"), JobPayload("J1"))
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestValidationFailuresAreNotRetried(t *testing.T) {
	var attempts int32
	reg := NewRegistry()
	reg.Register("analyze", func(ctx context.Context, in Payload) (Payload, error) {
		atomic.AddInt32(&attempts, 1)
		return Payload{}, &model.ValidationError{Field: "voice.voice_id", Message: "missing"}
	})

	exec := NewInlineExecutor(reg, LocalOptions{MaxRetry: 5, Logger: quietLogger()})
	_, err := exec.Run(context.Background(), NewTask("analyze"), JobPayload("J1"))
	assert.True(t, model.IsValidation(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestStageOutputForAnotherJobIsRejected(t *testing.T) {
	reg := NewRegistry()
	reg.Register("leak", func(ctx context.Context, in Payload) (Payload, error) {
		return JobPayload("J2"), nil
	})

	exec := NewInlineExecutor(reg, LocalOptions{Logger: quietLogger()})
	_, err := exec.Run(context.Background(), NewTask("leak"), JobPayload("J1"))
	assert.True(t, model.IsValidation(err))
}

func TestSubmitRejectsBadInput(t *testing.T) {
	rec := &recorder{}
	exec := NewInlineExecutor(rec.registry(), LocalOptions{Logger: quietLogger()})

	_, err := exec.Submit(context.Background(), "J1", momentShape(), JobPayload("J2"))
	assert.Error(t, err)

	_, err = exec.Submit(context.Background(), "J1", NewTask("unknown"), JobPayload("J1"))
	assert.Error(t, err)
	assert.Empty(t, rec.snapshot())
}

func TestMetricsAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := &recorder{}
	exec := NewInlineExecutor(rec.registry(), LocalOptions{Metrics: NewMetrics(reg), Logger: quietLogger()})
	_, err := exec.Run(context.Background(), momentShape(), JobPayload("J1"))
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "pipeline_stage_total")
	assert.Contains(t, names, "pipeline_stage_duration_seconds")
	assert.Contains(t, names, "pipeline_runs_total")
}
