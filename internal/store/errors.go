package store

import "errors"

var (
	// ErrDuplicateID is returned by Insert when the job id already exists.
	ErrDuplicateID = errors.New("store: duplicate job id")
	// ErrNotFound is returned by Update/Get when the job id is unknown.
	ErrNotFound = errors.New("store: job not found")
	// ErrInvalidTransition is returned by Update when the requested status
	// change is not a legal edge in the DAG (spec.md §3).
	ErrInvalidTransition = errors.New("store: invalid status transition")
)
