package model

import (
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrDuplicateKey is returned when creating a job whose id already exists.
	ErrDuplicateKey = errors.New("job already exists")
	// ErrNoBlueprint is returned when merging metadata into a job that has
	// no blueprint yet.
	ErrNoBlueprint = errors.New("job has no blueprint")
	// ErrInvalidTransition is returned for status writes that skip a state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ValidationError reports a blueprint or payload that cannot be used.
// It is never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return "validation failed: " + e.Field + ": " + e.Message
}

// ValidationErrors collects several field failures.
type ValidationErrors []*ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		if e.Field == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Field+": "+e.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var single *ValidationError
	var multi ValidationErrors
	return errors.As(err, &single) || errors.As(err, &multi)
}
