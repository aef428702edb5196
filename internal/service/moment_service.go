package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/makeasinger/moment/internal/client"
	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/pipeline"
	"github.com/makeasinger/moment/internal/store"
)

// ErrJobNotFound is returned when the requested job does not exist.
var ErrJobNotFound = model.ErrNotFound

// MomentUpload is an accepted recording waiting to become a job.
type MomentUpload struct {
	// JobID is optional; a UUID is generated when empty.
	JobID    string    `json:"job_id" validate:"required,job_id"`
	Filename string    `json:"file" validate:"required"`
	Body     io.Reader `json:"-"`
	// Blueprint, when set, is stored with the job and analyze reuses it.
	Blueprint *model.Blueprint `json:"-"`
}

// MomentService creates moment jobs and starts their pipeline.
type MomentService struct {
	store    store.JobStore
	storage  client.StorageClient
	executor pipeline.Executor
	graph    pipeline.Node
	validate *validator.Validate
	tempDir  string
	logger   *slog.Logger
}

func NewMomentService(js store.JobStore, storage client.StorageClient, exec pipeline.Executor, graph pipeline.Node, tempDir string, logger *slog.Logger) *MomentService {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MomentService{
		store:    js,
		storage:  storage,
		executor: exec,
		graph:    graph,
		validate: model.NewValidator(),
		tempDir:  tempDir,
		logger:   logger,
	}
}

// CreateMoment stores the upload, persists a PENDING job and submits the
// moment graph for it.
func (s *MomentService) CreateMoment(ctx context.Context, up MomentUpload) (*model.CreateMomentResponse, error) {
	up.JobID = strings.TrimSpace(up.JobID)
	if up.JobID == "" {
		up.JobID = uuid.New().String()
	}
	up.Filename = filepath.Base(strings.TrimSpace(up.Filename))
	if up.Filename == "." || up.Filename == string(filepath.Separator) {
		up.Filename = ""
	}
	if err := model.ValidateStruct(s.validate, &up, "upload"); err != nil {
		return nil, err
	}
	jobID, filename := up.JobID, up.Filename

	var bp *model.Blueprint
	if up.Blueprint != nil {
		bp = up.Blueprint.Clone()
		bp.ID = jobID
		if err := model.ValidateBlueprint(s.validate, bp); err != nil {
			return nil, err
		}
	}

	// The original recording is immutable once a job owns it, so an existing
	// id is refused before anything is written.
	if _, err := s.store.Get(ctx, jobID); err == nil {
		return nil, model.ErrDuplicateKey
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("failed to check job: %w", err)
	}

	uploadID := uuid.New().String()
	tempPath := filepath.Join(s.tempDir, "upload_"+uploadID+filepath.Ext(filename))
	if err := writeTemp(tempPath, up.Body); err != nil {
		return nil, fmt.Errorf("failed to save upload: %w", err)
	}
	defer os.Remove(tempPath)

	// A racing duplicate gets its own object and then loses at Create.
	objectKey := fmt.Sprintf("moments/%s/original/%s/%s", jobID, uploadID, filename)
	originalURL, err := s.storage.UploadFile(ctx, tempPath, objectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to upload recording: %w", err)
	}

	job := &model.Job{
		ID:               jobID,
		Status:           model.JobStatusPending,
		OriginalAudioURL: originalURL,
		Blueprint:        bp,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	runID, err := s.executor.Submit(ctx, jobID, s.graph, pipeline.JobPayload(jobID))
	if err != nil {
		return nil, fmt.Errorf("failed to submit pipeline: %w", err)
	}
	s.logger.Info("moment created", "job_id", jobID, "run_id", runID)

	return &model.CreateMomentResponse{
		JobID:     jobID,
		Status:    model.JobStatusPending,
		CreatedAt: job.CreatedAt,
	}, nil
}

// GetStatus returns the polling view of a job.
func (s *MomentService) GetStatus(ctx context.Context, jobID string) (*model.StatusResponse, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return model.NewStatusResponse(job), nil
}

func writeTemp(path string, body io.Reader) error {
	if body == nil {
		return fmt.Errorf("empty upload")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
