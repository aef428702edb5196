package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
)

// Analyze produces the job's blueprint. An existing blueprint is reused,
// otherwise one is generated from the recording. The blueprint is checked
// locally and by the tool server before it is stored.
func (s *Stages) Analyze(ctx context.Context, in pipeline.Payload) (pipeline.Payload, error) {
	jobID := in.JobID
	start := time.Now()

	if err := s.setStatus(ctx, jobID, model.JobStatusAnalyzing, StageAnalyze); err != nil {
		return pipeline.Payload{}, err
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return pipeline.Payload{}, err
	}

	bp := job.Blueprint.Clone()
	if bp == nil {
		bp, err = s.Blueprints.Generate(ctx, jobID, job.OriginalAudioURL)
		if err != nil {
			s.notifyError(jobID, "ANALYZE_FAILED", err)
			return pipeline.Payload{}, fmt.Errorf("failed to build blueprint: %w", err)
		}
	}
	if bp.ID == "" {
		bp.ID = jobID
	}
	if bp.TimeSignature == "" {
		bp.TimeSignature = "4/4"
	}
	voiceID, err := s.voiceID(bp)
	if err != nil {
		s.notifyError(jobID, "ANALYZE_FAILED", err)
		return pipeline.Payload{}, err
	}
	bp.Voice.VoiceID = voiceID

	if err := model.ValidateBlueprint(s.validate, bp); err != nil {
		s.notifyError(jobID, "INVALID_BLUEPRINT", err)
		return pipeline.Payload{}, err
	}

	result, err := s.Tools().ValidateBlueprint(ctx, bp)
	if err != nil {
		return pipeline.Payload{}, fmt.Errorf("remote blueprint validation failed: %w", err)
	}
	validation := result.Structured()
	if result.IsError {
		s.logger.Warn("tool server flagged blueprint", "job_id", jobID, "validation", validation)
	}
	bp.MergeMetadata(map[string]any{"validation": validation})

	found, err := s.Store.UpdateFields(ctx, jobID, model.JobPatch{Blueprint: bp})
	if err != nil {
		return pipeline.Payload{}, fmt.Errorf("failed to store blueprint: %w", err)
	}
	if !found {
		return pipeline.Payload{}, pipeline.Abandon(fmt.Sprintf("job %s not found", jobID))
	}

	s.logger.Info("blueprint ready", "job_id", jobID, "style", bp.Style, "tempo_bpm", bp.TempoBPM, "took", since(start))
	return pipeline.AnalysisPayload(jobID, bp, validation), nil
}

// MarkRendering moves the job to RENDERING and passes its input on.
func (s *Stages) MarkRendering(ctx context.Context, in pipeline.Payload) (pipeline.Payload, error) {
	if err := s.setStatus(ctx, in.JobID, model.JobStatusRendering, StageMarkRendering); err != nil {
		return pipeline.Payload{}, err
	}
	return in, nil
}
