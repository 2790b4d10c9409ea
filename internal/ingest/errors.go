package ingest

import (
	"errors"
	"fmt"
)

// Stage names a step of a run.
type Stage string

const (
	StageProvision       Stage = "provision"
	StageRead            Stage = "read"
	StageFlush           Stage = "flush"
	StageFinalFlush      Stage = "final-flush"
	StageTermWrite       Stage = "term-write"
	StageReconcile       Stage = "reconcile"
	StageReconcileQuery  Stage = "reconcile-query"
	StageReconcileDelete Stage = "reconcile-delete"
	StageDone            Stage = "done"
)

var (
	// ErrMissingTransformer is returned when a dataset has no Transformer.
	ErrMissingTransformer = errors.New("ingest: transformer required")

	// ErrMissingIDGenerator is returned when a dataset has no IDGenerator.
	ErrMissingIDGenerator = errors.New("ingest: id generator required")

	// ErrMissingSourceID is returned when reconciliation has no source to scope it.
	ErrMissingSourceID = errors.New("ingest: source id required")
)

// StageError is the fatal error of a run, tagged with the stage that failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingest: %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf reports the stage recorded in err, or "" when err is not a StageError.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}
