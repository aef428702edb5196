package handler

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/moment/internal/model"
	"github.com/makeasinger/moment/internal/service"
	"github.com/makeasinger/moment/pkg/response"
)

const maxUploadSize = 50 * 1024 * 1024 // 50MB

var audioExtensions = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".webm": true,
	".flac": true,
}

type MomentHandler struct {
	service *service.MomentService
}

func NewMomentHandler(svc *service.MomentService) *MomentHandler {
	return &MomentHandler{service: svc}
}

// Create handles POST /v1/create-moment
// @Summary      Create moment
// @Description  Upload a recording and start the moment pipeline for it
// @Tags         Moments
// @Accept       multipart/form-data
// @Produce      json
// @Param        file      formData file   true  "Recording (WAV, MP3, M4A, AAC, OGG, WEBM, FLAC; max 50MB)"
// @Param        job_id    formData string false "Job ID, generated when omitted"
// @Param        blueprint formData string false "Pre-built blueprint JSON"
// @Success      202 {object} model.CreateMomentResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/create-moment [post]
func (h *MomentHandler) Create(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return response.ValidationError(c, "File is required", nil)
	}

	if file.Size > maxUploadSize {
		return response.ValidationError(c, "File size exceeds 50MB limit", map[string]interface{}{
			"maxSize":  maxUploadSize,
			"fileSize": file.Size,
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	contentType := file.Header.Get("Content-Type")
	if !audioExtensions[ext] && !strings.HasPrefix(contentType, "audio/") {
		return response.ValidationError(c, "Invalid file type. Supported: WAV, MP3, M4A, AAC, OGG, WEBM, FLAC", map[string]interface{}{
			"filename":    file.Filename,
			"contentType": contentType,
		})
	}

	var bp *model.Blueprint
	if raw := strings.TrimSpace(c.FormValue("blueprint")); raw != "" {
		bp = &model.Blueprint{}
		if err := json.Unmarshal([]byte(raw), bp); err != nil {
			return response.ValidationError(c, "blueprint is not valid JSON", nil)
		}
	}

	f, err := file.Open()
	if err != nil {
		return response.ServiceError(c, "Failed to open file")
	}
	defer f.Close()

	result, err := h.service.CreateMoment(c.Context(), service.MomentUpload{
		JobID:     c.FormValue("job_id"),
		Filename:  file.Filename,
		Body:      f,
		Blueprint: bp,
	})
	switch {
	case err == nil:
		return response.Accepted(c, result)
	case model.IsValidation(err):
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	case errors.Is(err, model.ErrDuplicateKey):
		return response.Conflict(c, "Job already exists")
	default:
		return response.ServiceError(c, err.Error())
	}
}

// Status handles GET /v1/status/:jobId
// @Summary      Get moment status
// @Description  Get the current status, blueprint and final audio of a moment job
// @Tags         Moments
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.StatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /v1/status/{jobId} [get]
func (h *MomentHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.GetStatus(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// formatValidationErrors maps each failing field to its message.
func formatValidationErrors(err error) interface{} {
	errs := make(map[string]string)

	var verrs validator.ValidationErrors
	var multi model.ValidationErrors
	var single *model.ValidationError
	switch {
	case errors.As(err, &verrs):
		for _, e := range verrs {
			errs[e.Field()] = e.Tag()
		}
	case errors.As(err, &multi):
		for _, e := range multi {
			errs[e.Field] = e.Message
		}
	case errors.As(err, &single):
		errs[single.Field] = single.Message
	default:
		return nil
	}
	return errs
}
