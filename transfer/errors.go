package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeTimeout indicates that the controller never initiated the
	// transfer. Usually the controller is not in receive mode.
	ErrHandshakeTimeout = errors.New("transfer: handshake timeout")

	// ErrProtocol indicates that bytes arrived during the handshake but never
	// formed a valid header.
	ErrProtocol = errors.New("transfer: protocol error")

	// ErrBlockTransferFailed indicates that a drip block was not acknowledged
	// within the retry limit. The concrete error is a *BlockError.
	ErrBlockTransferFailed = errors.New("transfer: block transfer failed")

	// ErrCanceled indicates that the transfer was canceled by the caller.
	ErrCanceled = errors.New("transfer: canceled")

	// ErrPauseUnsupported is returned by Pause and Resume in drip mode, where
	// the controller paces the transfer.
	ErrPauseUnsupported = errors.New("transfer: pause is only supported in standard mode")

	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("transfer: engine already started")

	// ErrNotRunning is returned by Pause and Resume once the transfer ended.
	ErrNotRunning = errors.New("transfer: not running")
)

// BlockError names the drip block that exhausted its retries.
type BlockError struct {
	// Block is the 1-based line number of the failed block.
	Block int
	// Attempts is the number of write attempts made.
	Attempts int
	// Last describes the outcome of the final attempt ("NAK" or "ACK timeout").
	Last string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("transfer: block %d failed after %d attempts (last: %s)", e.Block, e.Attempts, e.Last)
}

// Unwrap makes errors.Is(err, ErrBlockTransferFailed) hold.
func (e *BlockError) Unwrap() error { return ErrBlockTransferFailed }
