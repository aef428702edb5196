package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/makeasinger/moment/internal/mcp"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
)

// RenderVocals emits the placeholder vocal asset.
func (s *Stages) RenderVocals(ctx context.Context, in pipeline.Payload) (pipeline.Payload, error) {
	return renderAsset(in, pipeline.AssetVocals), nil
}

// RenderInstrumental emits the placeholder instrumental asset.
func (s *Stages) RenderInstrumental(ctx context.Context, in pipeline.Payload) (pipeline.Payload, error) {
	return renderAsset(in, pipeline.AssetInstrumental), nil
}

func renderAsset(in pipeline.Payload, t pipeline.AssetType) pipeline.Payload {
	return pipeline.AssetPayload(in.JobID, t, fmt.Sprintf("s3://renders/%s/%s.wav", in.JobID, t))
}

// MixAndMaster synthesizes the final audio on the tool server, uploads it
// and completes the job. The output kind comes from the blueprint metadata
// or the configured default.
func (s *Stages) MixAndMaster(ctx context.Context, inputs []pipeline.Payload) (pipeline.Payload, error) {
	jobID, err := pipeline.JoinJobID(inputs)
	if err != nil {
		return pipeline.Payload{}, err
	}
	start := time.Now()

	if err := s.setStatus(ctx, jobID, model.JobStatusMixing, StageMixAndMaster); err != nil {
		return pipeline.Payload{}, err
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return pipeline.Payload{}, err
	}
	bp := job.Blueprint
	if bp == nil {
		return pipeline.Payload{}, pipeline.Permanent(fmt.Errorf("job %s has no blueprint to synthesize", jobID))
	}

	voiceID, err := s.voiceID(bp)
	if err != nil {
		s.notifyError(jobID, "MIX_FAILED", err)
		return pipeline.Payload{}, err
	}
	kind := bp.MetadataString("output_kind")
	if kind == "" {
		kind = s.opts.OutputKind
	}

	tools := s.Tools()
	var result *mcp.ToolResult
	switch kind {
	case OutputPreview:
		result, err = tools.SynthesizePreview(ctx, mcp.PreviewRequest{
			Text:    bp.Lyrics,
			VoiceID: voiceID,
			ModelID: bp.Voice.ModelID,
		})
	case OutputSong:
		result, err = tools.CreateSong(ctx, bp, s.opts.Song)
	default:
		err = &model.ValidationError{Field: "metadata.output_kind", Message: fmt.Sprintf("unknown output kind %q", kind)}
	}
	if err != nil {
		s.notifyError(jobID, "MIX_FAILED", err)
		return pipeline.Payload{}, fmt.Errorf("%s synthesis failed: %w", kind, err)
	}

	synth := result.Synthesis()
	if !synth.OK {
		err := pipeline.Permanent(fmt.Errorf("%s synthesis rejected: %v", kind, result.Structured()))
		s.notifyError(jobID, "MIX_FAILED", err)
		return pipeline.Payload{}, err
	}
	if synth.OutputPath == "" {
		err := pipeline.Permanent(fmt.Errorf("%s synthesis returned no output path", kind))
		s.notifyError(jobID, "MIX_FAILED", err)
		return pipeline.Payload{}, err
	}
	if _, statErr := os.Stat(synth.OutputPath); statErr != nil {
		err := pipeline.Permanent(fmt.Errorf("synthesis output file not found: %w", statErr))
		s.notifyError(jobID, "MIX_FAILED", err)
		return pipeline.Payload{}, err
	}

	ext := strings.TrimPrefix(filepath.Ext(synth.OutputPath), ".")
	if ext == "" {
		ext = "mp3"
	}
	finalURL, err := s.Storage.UploadFile(ctx, synth.OutputPath, fmt.Sprintf("renders/%s/final.%s", jobID, ext))
	if err != nil {
		return pipeline.Payload{}, fmt.Errorf("failed to upload final mix: %w", err)
	}

	// listed in a fixed order whatever order the group finished in
	assets := make([]map[string]any, 0, 2)
	for _, t := range []pipeline.AssetType{pipeline.AssetVocals, pipeline.AssetInstrumental} {
		if a, ok := pipeline.FindAsset(inputs, t); ok {
			assets = append(assets, map[string]any{"type": string(a.Type), "url": a.URL})
		}
	}
	if err := s.mergeMetadata(ctx, jobID, map[string]any{"render_assets": assets, "output_kind": kind}); err != nil {
		return pipeline.Payload{}, err
	}

	completed := model.JobStatusCompleted
	found, err := s.Store.UpdateFields(ctx, jobID, model.JobPatch{Status: &completed, FinalAudioURL: &finalURL})
	if err != nil {
		return pipeline.Payload{}, fmt.Errorf("failed to complete job: %w", err)
	}
	if !found {
		return pipeline.Payload{}, pipeline.Abandon(fmt.Sprintf("job %s not found", jobID))
	}

	s.logger.Info("moment mixed", "job_id", jobID, "output_kind", kind, "final_audio_url", finalURL, "took", since(start))
	if s.Notifier != nil {
		s.Notifier.BroadcastStatus(jobID, completed, StageMixAndMaster)
		s.Notifier.BroadcastComplete(jobID, finalURL)
	}
	return pipeline.MixPayload(jobID, finalURL, kind), nil
}
