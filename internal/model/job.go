package model

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a moment job. States only move forward.
type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusAnalyzing JobStatus = "ANALYZING"
	JobStatusRendering JobStatus = "RENDERING"
	JobStatusMixing    JobStatus = "MIXING"
	JobStatusCompleted JobStatus = "COMPLETED"
)

// StatusOrder lists every status in lifecycle order.
var StatusOrder = []JobStatus{
	JobStatusPending,
	JobStatusAnalyzing,
	JobStatusRendering,
	JobStatusMixing,
	JobStatusCompleted,
}

// Rank returns the position of s in StatusOrder, or -1 when unknown.
func (s JobStatus) Rank() int {
	for i, st := range StatusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.Rank() >= 0
}

// Transition classifies a status write against the current status.
type Transition int

const (
	TransitionAdvance Transition = iota // next status in order
	TransitionSame                      // no-op
	TransitionStale                     // earlier status, e.g. a retried stage
	TransitionSkip                      // jumps over at least one status
)

// TransitionTo classifies moving from s to next.
func (s JobStatus) TransitionTo(next JobStatus) Transition {
	from, to := s.Rank(), next.Rank()
	switch {
	case to == from:
		return TransitionSame
	case to < from:
		return TransitionStale
	case to == from+1:
		return TransitionAdvance
	default:
		return TransitionSkip
	}
}

// Job is the durable record of one moment.
type Job struct {
	ID               string     `json:"id"`
	Status           JobStatus  `json:"status"`
	OriginalAudioURL string     `json:"original_audio_url"`
	Blueprint        *Blueprint `json:"blueprint,omitempty"`
	FinalAudioURL    *string    `json:"final_audio_url,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// JobPatch is a partial update of a job's top-level fields. Nil fields are
// left untouched.
type JobPatch struct {
	Status        *JobStatus
	Blueprint     *Blueprint
	FinalAudioURL *string
}

// StatusPatch is shorthand for a patch that only moves the status.
func StatusPatch(s JobStatus) JobPatch {
	return JobPatch{Status: &s}
}

// Empty reports whether the patch changes nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Blueprint == nil && p.FinalAudioURL == nil
}

// Apply writes the patch onto job. A stale status is dropped silently while
// the rest of the patch still applies; skipping a status is an error and
// leaves job untouched.
func (p JobPatch) Apply(job *Job, now time.Time) error {
	if p.Status != nil {
		if !p.Status.Valid() {
			return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *p.Status)
		}
		switch job.Status.TransitionTo(*p.Status) {
		case TransitionSkip:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, *p.Status)
		case TransitionAdvance:
			job.Status = *p.Status
		}
	}
	if p.Blueprint != nil {
		job.Blueprint = p.Blueprint
	}
	if p.FinalAudioURL != nil {
		url := *p.FinalAudioURL
		job.FinalAudioURL = &url
	}
	job.UpdatedAt = now
	return nil
}
