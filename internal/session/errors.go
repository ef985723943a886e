package session

import "errors"

var (
	// ErrNotFound means the session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrBusy means a turn is already executing for the session.
	ErrBusy = errors.New("session busy")
	// ErrInvalidRequest means the payload has no usable content.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrAgent wraps failures at the agent harness boundary.
	ErrAgent = errors.New("agent execution failed")
)
