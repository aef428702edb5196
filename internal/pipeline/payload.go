package pipeline

import (
	"fmt"

	"github.com/makeasinger/moment/internal/model"
)

// Kind tags the body a Payload carries.
type Kind string

const (
	KindJob      Kind = "job"
	KindAnalysis Kind = "analysis"
	KindAsset    Kind = "asset"
	KindMix      Kind = "mix"
)

// AssetType names a rendered asset.
type AssetType string

const (
	AssetVocals       AssetType = "vocals"
	AssetInstrumental AssetType = "instrumental"
)

// Asset is a rendered intermediate artifact.
type Asset struct {
	Type AssetType `json:"type"`
	URL  string    `json:"url"`
}

// MixResult is the output of the mix stage.
type MixResult struct {
	FinalAudioURL string `json:"final_audio_url"`
	OutputKind    string `json:"output_kind"`
}

// Payload is what flows along a graph edge. JobID is always set and exactly
// the body matching Kind is present.
type Payload struct {
	JobID      string           `json:"job_id"`
	Kind       Kind             `json:"kind"`
	Blueprint  *model.Blueprint `json:"blueprint,omitempty"`
	Validation map[string]any   `json:"validation,omitempty"`
	Asset      *Asset           `json:"asset,omitempty"`
	Mix        *MixResult       `json:"mix,omitempty"`
}

// JobPayload is the entry payload of a run.
func JobPayload(jobID string) Payload {
	return Payload{JobID: jobID, Kind: KindJob}
}

// AnalysisPayload carries the validated blueprint.
func AnalysisPayload(jobID string, bp *model.Blueprint, validation map[string]any) Payload {
	return Payload{JobID: jobID, Kind: KindAnalysis, Blueprint: bp, Validation: validation}
}

// AssetPayload carries one rendered asset.
func AssetPayload(jobID string, t AssetType, url string) Payload {
	return Payload{JobID: jobID, Kind: KindAsset, Asset: &Asset{Type: t, URL: url}}
}

// MixPayload carries the final mix.
func MixPayload(jobID, finalURL, outputKind string) Payload {
	return Payload{JobID: jobID, Kind: KindMix, Mix: &MixResult{FinalAudioURL: finalURL, OutputKind: outputKind}}
}

// Validate checks the payload shape at a graph edge.
func (p Payload) Validate() error {
	if p.JobID == "" {
		return &model.ValidationError{Field: "job_id", Message: "missing from payload"}
	}
	hasBlueprint := p.Blueprint != nil
	hasAsset := p.Asset != nil
	hasMix := p.Mix != nil

	switch p.Kind {
	case KindJob:
		if hasBlueprint || hasAsset || hasMix {
			return p.shapeError()
		}
	case KindAnalysis:
		if !hasBlueprint || hasAsset || hasMix {
			return p.shapeError()
		}
	case KindAsset:
		if hasBlueprint || !hasAsset || hasMix {
			return p.shapeError()
		}
		if p.Asset.Type == "" || p.Asset.URL == "" {
			return &model.ValidationError{Field: "asset", Message: "type and url are required"}
		}
	case KindMix:
		if hasBlueprint || hasAsset || !hasMix {
			return p.shapeError()
		}
	default:
		return &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown payload kind %q", p.Kind)}
	}
	return nil
}

func (p Payload) shapeError() error {
	return &model.ValidationError{Field: "kind", Message: fmt.Sprintf("payload body does not match kind %q", p.Kind)}
}

// JoinJobID returns the job id shared by every input of a join. Inputs that
// disagree, or carry no id at all, are rejected.
func JoinJobID(inputs []Payload) (string, error) {
	jobID := ""
	for _, in := range inputs {
		if in.JobID == "" {
			continue
		}
		if jobID == "" {
			jobID = in.JobID
			continue
		}
		if in.JobID != jobID {
			return "", &model.ValidationError{
				Field:   "job_id",
				Message: fmt.Sprintf("join inputs disagree: %s and %s", jobID, in.JobID),
			}
		}
	}
	if jobID == "" {
		return "", &model.ValidationError{Field: "job_id", Message: "missing from join inputs"}
	}
	return jobID, nil
}

// FindAsset returns the first asset of type t among inputs.
func FindAsset(inputs []Payload, t AssetType) (Asset, bool) {
	for _, in := range inputs {
		if in.Asset != nil && in.Asset.Type == t {
			return *in.Asset, true
		}
	}
	return Asset{}, false
}
