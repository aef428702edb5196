package model

import (
	"encoding/json"
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	KeyPattern           = regexp.MustCompile(`^[A-G](#|b)?m?$`)
	TimeSignaturePattern = regexp.MustCompile(`^[1-9][0-9]?/[1-9][0-9]?$`)
	// JobIDPattern keeps ids safe to use as path and object key segments.
	JobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// Blueprint describes the song the tool server should synthesize.
type Blueprint struct {
	ID            string         `json:"id" validate:"required,min=1,max=128"`
	Style         string         `json:"style" validate:"required,min=1,max=120"`
	TempoBPM      int            `json:"tempo_bpm" validate:"required,min=40,max=220"`
	Key           string         `json:"key" validate:"required,musical_key"`
	TimeSignature string         `json:"time_signature,omitempty" validate:"omitempty,time_signature"`
	Sections      []Section      `json:"sections" validate:"required,min=1,dive"`
	Lyrics        string         `json:"lyrics" validate:"required"`
	Voice         Voice          `json:"voice"`
	Metadata      map[string]any `json:"metadata"`
}

// Section is one structural part of the song.
type Section struct {
	Name   string   `json:"name" validate:"required"`
	Bars   int      `json:"bars" validate:"required,min=1,max=256"`
	Energy *float64 `json:"energy,omitempty" validate:"omitempty,gte=0,lte=1"`
	Prompt string   `json:"prompt,omitempty"`
}

// Voice holds the synthesis voice parameters.
type Voice struct {
	VoiceID           string   `json:"voice_id" validate:"required"`
	ModelID           string   `json:"model_id,omitempty"`
	Stability         *float64 `json:"stability,omitempty" validate:"omitempty,gte=0,lte=1"`
	SimilarityBoost   *float64 `json:"similarity_boost,omitempty" validate:"omitempty,gte=0,lte=1"`
	StyleExaggeration *float64 `json:"style_exaggeration,omitempty" validate:"omitempty,gte=0,lte=1"`
	SpeakerBoost      *bool    `json:"speaker_boost,omitempty"`
}

// Clone returns a deep copy, metadata included.
func (b *Blueprint) Clone() *Blueprint {
	if b == nil {
		return nil
	}
	data, err := json.Marshal(b)
	if err != nil {
		cp := *b
		return &cp
	}
	var cp Blueprint
	if err := json.Unmarshal(data, &cp); err != nil {
		cp = *b
	}
	return &cp
}

// MergeMetadata copies every key of partial into the metadata map.
func (b *Blueprint) MergeMetadata(partial map[string]any) {
	if b.Metadata == nil {
		b.Metadata = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		b.Metadata[k] = v
	}
}

// MetadataString returns a string metadata value, or "" when absent.
func (b *Blueprint) MetadataString(key string) string {
	if b == nil || b.Metadata == nil {
		return ""
	}
	s, _ := b.Metadata[key].(string)
	return strings.TrimSpace(s)
}

// NewValidator returns a validator with the blueprint rules registered and
// field names reported by their json tag.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("musical_key", func(fl validator.FieldLevel) bool {
		return KeyPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("time_signature", func(fl validator.FieldLevel) bool {
		return TimeSignaturePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("job_id", func(fl validator.FieldLevel) bool {
		return JobIDPattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateBlueprint checks b against the blueprint rules.
func ValidateBlueprint(v *validator.Validate, b *Blueprint) error {
	if b == nil {
		return &ValidationError{Field: "blueprint", Message: "missing"}
	}
	return ValidateStruct(v, b, "blueprint")
}

// ValidateStruct runs v over s and converts failures to ValidationErrors
// keyed by json field path. root names the value in non-field errors.
func ValidateStruct(v *validator.Validate, s any, root string) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ValidationError{Field: root, Message: err.Error()}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		out = append(out, &ValidationError{Field: field, Message: "failed on " + fe.Tag()})
	}
	return out
}
