package research

import "errors"

var (
	// ErrSessionNotFound indicates an unknown or expired session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidState indicates an operation not valid for the current phase.
	ErrInvalidState = errors.New("operation not valid in current phase")

	// ErrAdvanceInProgress indicates a phase advancement is already running
	// for the session.
	ErrAdvanceInProgress = errors.New("phase advancement already in progress")

	// ErrSessionFailed indicates the session has a recorded error and can no
	// longer advance.
	ErrSessionFailed = errors.New("session is in a failed state")
)
