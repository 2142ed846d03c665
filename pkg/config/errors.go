package config

import (
	"errors"
	"fmt"
)

// Sentinel configuration errors. Wrapped with context via fmt.Errorf("%w: ...").
var (
	ErrConfigNotFound    = errors.New("configuration file not found")
	ErrInvalidYAML       = errors.New("invalid YAML")
	ErrPipelineNotFound  = errors.New("pipeline definition not found")
	ErrValidation        = errors.New("configuration validation failed")
	ErrUnknownStageType  = errors.New("unknown stage type")
	ErrDanglingReference = errors.New("dangling transition target")
	ErrCycleDetected     = errors.New("sub-pipeline reference cycle detected")
	ErrDuplicateGateName = errors.New("duplicate gate check registration")
)

// LoadError wraps an error encountered while loading a named configuration file.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return e.File + ": " + e.Err.Error()
}

func (e *LoadError) Unwrap() error { return e.Err }

// NewLoadError constructs a LoadError for the given file.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

// ValidationError wraps a configuration validation failure with the
// component, id, and field it was raised against.
type ValidationError struct {
	Component string
	ID        string
	Field     string
	Err       error
}

func (e *ValidationError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %q field %q: %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s field %q: %v", e.Component, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewValidationError constructs a ValidationError for the given component/id/field.
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{Component: component, ID: id, Field: field, Err: err}
}
