// Package worker implements the moment pipeline stages.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/makeasinger/moment/internal/audio"
	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/config"
	"github.com/makeasinger/moment/internal/mcp"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
	"github.com/makeasinger/moment/internal/store"
)

// Stage names as registered with the pipeline registry.
const (
	StageAnalyze            = "analyze"
	StageMarkRendering      = "mark_rendering"
	StageRenderVocals       = "render_vocals"
	StageRenderInstrumental = "render_instrumental"
	StageMixAndMaster       = "mix_and_master"
	StageSeparateStems      = "separate_stems"
)

// Output kinds of the mix stage.
const (
	OutputPreview = "preview"
	OutputSong    = "song"
)

// Tools is the tool server surface the stages call.
type Tools interface {
	ValidateBlueprint(ctx context.Context, bp *model.Blueprint) (*mcp.ToolResult, error)
	SynthesizePreview(ctx context.Context, req mcp.PreviewRequest) (*mcp.ToolResult, error)
	CreateSong(ctx context.Context, bp *model.Blueprint, opts mcp.SongOptions) (*mcp.ToolResult, error)
}

// ToolFactory returns a fresh client per stage invocation so no session
// state is shared between stages.
type ToolFactory func() Tools

// NewToolFactory builds ToolClients from the tool server config.
func NewToolFactory(cfg config.MCPConfig, logger *slog.Logger) ToolFactory {
	return func() Tools {
		return mcp.NewToolClient(mcp.ToolClientOptions{
			SessionOptions: mcp.SessionOptions{
				ServerURL: cfg.BaseURL,
				AuthToken: cfg.AuthToken,
				Stateless: cfg.Stateless,
				Logger:    logger,
			},
			Timeout:     cfg.Timeout,
			SongTimeout: cfg.SongTimeout,
		})
	}
}

// Blueprints produces blueprints for jobs that arrive without one.
type Blueprints interface {
	Generate(ctx context.Context, jobID, originalAudioURL string) (*model.Blueprint, error)
	DefaultVoiceID() string
}

// Notifier receives job events for websocket subscribers.
type Notifier interface {
	BroadcastStatus(jobID string, status model.JobStatus, stage string)
	BroadcastComplete(jobID, finalAudioURL string)
	BroadcastError(jobID string, code, message string)
}

// Deps are the collaborators of the stages. Audio, Separator and Notifier
// are optional.
type Deps struct {
	Store      store.JobStore
	Tools      ToolFactory
	Blueprints Blueprints
	Storage    client.StorageClient
	Audio      audio.Processor
	Separator  client.StemSeparator
	Notifier   Notifier
	Download   func(ctx context.Context, url, dest string) error
}

// Options tune stage behaviour.
type Options struct {
	// OutputKind is used when the blueprint does not name one.
	OutputKind string
	Song       mcp.SongOptions
	TempDir    string
	Logger     *slog.Logger
}

// Stages holds the stage functions of the moment pipeline.
type Stages struct {
	Deps
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
}

func NewStages(deps Deps, opts Options) *Stages {
	if opts.OutputKind == "" {
		opts.OutputKind = OutputPreview
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Download == nil {
		deps.Download = client.DownloadFile
	}
	return &Stages{
		Deps:     deps,
		opts:     opts,
		validate: model.NewValidator(),
		logger:   opts.Logger,
	}
}

// Register installs every stage on reg.
func (s *Stages) Register(reg *pipeline.Registry) {
	reg.Register(StageAnalyze, s.Analyze)
	reg.Register(StageMarkRendering, s.MarkRendering)
	reg.Register(StageRenderVocals, s.RenderVocals)
	reg.Register(StageRenderInstrumental, s.RenderInstrumental)
	reg.RegisterJoin(StageMixAndMaster, s.MixAndMaster)
	reg.Register(StageSeparateStems, s.SeparateStems)
}

// MomentGraph is the pipeline every moment job runs.
func MomentGraph() pipeline.Node {
	return pipeline.NewChain(
		pipeline.NewTask(StageAnalyze),
		pipeline.NewTask(StageMarkRendering),
		pipeline.NewChord(
			pipeline.NewGroup(
				pipeline.NewTask(StageRenderVocals),
				pipeline.NewTask(StageRenderInstrumental),
			),
			StageMixAndMaster,
		),
		pipeline.NewTask(StageSeparateStems),
	)
}

// setStatus moves the job forward and notifies subscribers. A missing job
// abandons the run.
func (s *Stages) setStatus(ctx context.Context, jobID string, status model.JobStatus, stage string) error {
	found, err := s.Store.UpdateFields(ctx, jobID, model.StatusPatch(status))
	if err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return pipeline.Permanent(err)
		}
		return fmt.Errorf("failed to set status %s: %w", status, err)
	}
	if !found {
		return pipeline.Abandon(fmt.Sprintf("job %s not found", jobID))
	}
	s.logger.Info("job status updated", "job_id", jobID, "status", status, "stage", stage)
	if s.Notifier != nil {
		s.Notifier.BroadcastStatus(jobID, status, stage)
	}
	return nil
}

func (s *Stages) loadJob(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.Store.Get(ctx, jobID)
	if errors.Is(err, model.ErrNotFound) {
		return nil, pipeline.Abandon(fmt.Sprintf("job %s not found", jobID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return job, nil
}

// mergeMetadata merges into blueprint.metadata and reports whether the job
// still exists.
func (s *Stages) mergeMetadata(ctx context.Context, jobID string, partial map[string]any) error {
	found, err := s.Store.MergeMetadata(ctx, jobID, partial)
	if err != nil {
		return fmt.Errorf("failed to merge metadata: %w", err)
	}
	if !found {
		return pipeline.Abandon(fmt.Sprintf("job %s not found", jobID))
	}
	return nil
}

func (s *Stages) notifyError(jobID, code string, err error) {
	if s.Notifier == nil || errors.Is(err, pipeline.ErrAbandoned) {
		return
	}
	s.Notifier.BroadcastError(jobID, code, err.Error())
}

func (s *Stages) voiceID(bp *model.Blueprint) (string, error) {
	if bp != nil && bp.Voice.VoiceID != "" {
		return bp.Voice.VoiceID, nil
	}
	if s.Blueprints != nil && s.Blueprints.DefaultVoiceID() != "" {
		return s.Blueprints.DefaultVoiceID(), nil
	}
	return "", &model.ValidationError{
		Field:   "voice.voice_id",
		Message: "no voice id in blueprint and no default voice configured",
	}
}

func since(start time.Time) string {
	return time.Since(start).Round(time.Millisecond).String()
}
