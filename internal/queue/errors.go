package queue

import "errors"

var (
	// ErrNotConnected is returned when an operation needs the connection and
	// the client is not in StateReady. Nothing is buffered.
	ErrNotConnected = errors.New("queue: not connected")
	// ErrSetup wraps a failure to create the task table or subscribe to the
	// channel on a live connection. It is terminal.
	ErrSetup = errors.New("queue: setup failed")
	// ErrRetriesExhausted is returned by Run when RetryPolicy.MaxAttempts
	// consecutive connection attempts have failed.
	ErrRetriesExhausted = errors.New("queue: connection retries exhausted")
	// ErrAlreadyRunning is returned by Run on every call after the first.
	ErrAlreadyRunning = errors.New("queue: client already running")
	// ErrInvalidPayload is returned by Publish when the payload cannot be
	// encoded as JSON.
	ErrInvalidPayload = errors.New("queue: invalid payload")
	// ErrHandlerPanic reports a panic recovered from a task handler.
	ErrHandlerPanic = errors.New("queue: handler panic")
)
