package pipeline

import (
	"errors"
	"fmt"
)

// Sentinel lookup failures surfaced synchronously to the caller.
var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrPipelineNotReady = errors.New("pipeline not ready: no normalized structure")
)

// ValidationError rejects bad input synchronously. Project state is left
// unchanged.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// BusyError rejects an operation because a stage execution is already in
// flight for the project. The caller should poll and retry; nothing is
// queued.
type BusyError struct {
	ProjectID string
	Op        string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("project %s busy: %s rejected while a stage is in flight", e.ProjectID, e.Op)
}

// FailureKind classifies a typed stage failure.
type FailureKind string

const (
	// Extractor failures.
	FailUnreadableFile FailureKind = "unreadable_file"
	FailNoText         FailureKind = "no_extractable_text"
	FailExtraction     FailureKind = "extraction_fault"

	// Normalizer failures.
	FailTimeBudget      FailureKind = "time_budget_exceeded"
	FailUpstream        FailureKind = "upstream_fault"
	FailMalformedOutput FailureKind = "malformed_model_output"

	// Renderer failures.
	FailLayout    FailureKind = "layout_fault"
	FailResources FailureKind = "resource_exhaustion"
)

// StageError is a typed failure returned by a stage executor. The state
// machine records it as the project's error message; prior artifacts stay
// intact so a retry resumes rather than restarts.
type StageError struct {
	Stage string
	Kind  FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err as a typed failure of the given stage.
func NewStageError(stage string, kind FailureKind, err error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: err}
}
