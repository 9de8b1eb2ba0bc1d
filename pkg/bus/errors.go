package bus

import "errors"

var (
	// ErrClosed is returned by every bridge operation once the bridge has been closed.
	ErrClosed = errors.New("bridge is closed")
	// ErrWorkerAlreadyRunning is returned when the dispatch core is started twice.
	ErrWorkerAlreadyRunning = errors.New("dispatch worker already running")
	// ErrTimeout is returned by Receive when no envelope arrived within the timeout.
	ErrTimeout = errors.New("receive timed out")
	// ErrSessionNotActive means a command had neither a live session nor a store to land in.
	ErrSessionNotActive = errors.New("no active session or data layer")
	// ErrBackpressure is returned by Send when the pending command cap is reached.
	ErrBackpressure = errors.New("outgoing command queue is full")
	// ErrInvalidCommand marks a malformed outgoing command.
	ErrInvalidCommand = errors.New("invalid outgoing command")
	// ErrInvalidArgument marks blank or malformed caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)
