package agent

import "errors"

var (
	// ErrNoProvider indicates no upstream provider was configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrMaxToolRounds indicates the tool loop hit its round cap without
	// the model producing a final answer.
	ErrMaxToolRounds = errors.New("tool loop exceeded maximum rounds")

	// ErrEmptyTranscript indicates a run was requested with no turns.
	ErrEmptyTranscript = errors.New("transcript is empty")
)
