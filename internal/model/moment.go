package model

import "time"

// CreateMomentResponse is returned once the job is persisted and queued.
type CreateMomentResponse struct {
	JobID     string    `json:"job_id"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// StatusResponse is the polling view of a job.
type StatusResponse struct {
	ID               string     `json:"id"`
	Status           JobStatus  `json:"status"`
	OriginalAudioURL string     `json:"original_audio_url"`
	Blueprint        *Blueprint `json:"blueprint_json,omitempty"`
	FinalAudioURL    *string    `json:"final_audio_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// NewStatusResponse builds the polling view of job.
func NewStatusResponse(job *Job) *StatusResponse {
	return &StatusResponse{
		ID:               job.ID,
		Status:           job.Status,
		OriginalAudioURL: job.OriginalAudioURL,
		Blueprint:        job.Blueprint,
		FinalAudioURL:    job.FinalAudioURL,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
	}
}
