package dnc

import "errors"

var (
	// ErrProgramNotFound indicates that the requested file does not exist
	// inside the program directory.
	ErrProgramNotFound = errors.New("dnc: program not found")

	// ErrTransferNotFound indicates an unknown transfer id.
	ErrTransferNotFound = errors.New("dnc: transfer not found")

	// ErrTransferActive is returned by Forget for a transfer that has not
	// reached a terminal state.
	ErrTransferActive = errors.New("dnc: transfer still active")

	// ErrInvalidRequest indicates a request that cannot be turned into a
	// line or engine configuration.
	ErrInvalidRequest = errors.New("dnc: invalid request")

	// ErrManagerClosed is returned by Submit after Shutdown.
	ErrManagerClosed = errors.New("dnc: manager closed")
)
