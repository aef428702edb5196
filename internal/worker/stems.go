package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"

	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/pipeline"
)

// SeparateStems splits the final mix into stems and records their URLs in
// metadata.stems. It is best effort: a failure is recorded in
// metadata.stems_error and the input passes through unchanged.
func (s *Stages) SeparateStems(ctx context.Context, in pipeline.Payload) (pipeline.Payload, error) {
	jobID := in.JobID
	if in.Mix == nil || in.Mix.FinalAudioURL == "" {
		s.recordStems(ctx, jobID, nil, errors.New("no final mix to separate"))
		return in, nil
	}

	var (
		stems map[string]string
		err   error
	)
	switch {
	case s.Separator != nil:
		stems, err = s.separateRemote(ctx, jobID, in.Mix.FinalAudioURL)
	case s.Audio != nil:
		stems, err = s.separateLocal(ctx, jobID, in.Mix.FinalAudioURL)
	default:
		s.logger.Debug("stem separation not configured", "job_id", jobID)
		return in, nil
	}
	s.recordStems(ctx, jobID, stems, err)
	return in, nil
}

func (s *Stages) recordStems(ctx context.Context, jobID string, stems map[string]string, stemErr error) {
	partial := map[string]any{"stems": stems}
	if stemErr != nil {
		s.logger.Warn("stem separation failed", "job_id", jobID, "error", stemErr)
		partial = map[string]any{"stems_error": stemErr.Error()}
	}
	if _, err := s.Store.MergeMetadata(ctx, jobID, partial); err != nil {
		s.logger.Warn("failed to record stems", "job_id", jobID, "error", err)
	}
}

func (s *Stages) separateRemote(ctx context.Context, jobID, finalURL string) (map[string]string, error) {
	resp, err := s.Separator.SeparateStems(ctx, &client.SeparateRequest{
		AudioURL:     finalURL,
		OutputPrefix: fmt.Sprintf("renders/%s/stems", jobID),
	})
	if err != nil {
		return nil, err
	}
	return resp.Stems, nil
}

func (s *Stages) separateLocal(ctx context.Context, jobID, finalURL string) (map[string]string, error) {
	workDir, err := os.MkdirTemp(s.opts.TempDir, "stems_"+jobID+"_")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	mixPath := filepath.Join(workDir, "final"+urlExtension(finalURL))
	if err := s.Download(ctx, finalURL, mixPath); err != nil {
		return nil, fmt.Errorf("failed to download final mix: %w", err)
	}
	pcmPath, err := s.Audio.DecodeToPCM(ctx, mixPath)
	if err != nil {
		return nil, err
	}
	files, err := s.Audio.SeparateStems(ctx, pcmPath)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	urls := make(map[string]string, len(files))
	for _, name := range names {
		u, err := s.Storage.UploadFile(ctx, files[name], fmt.Sprintf("renders/%s/stems/%s.wav", jobID, name))
		if err != nil {
			return nil, fmt.Errorf("failed to upload stem %s: %w", name, err)
		}
		urls[name] = u
	}
	return urls, nil
}

func urlExtension(raw string) string {
	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}
	if ext := filepath.Ext(path); ext != "" {
		return ext
	}
	return ".mp3"
}
