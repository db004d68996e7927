package serialport

import (
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrConnect indicates that the OS or driver rejected the device or its
	// configuration.
	ErrConnect = errors.New("serialport: cannot open port")

	// ErrClosed is returned by operations on a closed Port.
	ErrClosed = errors.New("serialport: port closed")

	// ErrWriteTimeout is returned when the output queue does not drain within
	// the write timeout, typically because the peer holds CTS low.
	ErrWriteTimeout = errors.New("serialport: write timeout")
)

// Port is an opened serial line.
//
// Read returns (0, nil) when nothing arrived within the read timeout; it
// never blocks longer than that. Write returns once all bytes have been
// handed to the line or fails with ErrWriteTimeout.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout changes the read timeout for subsequent reads.
	SetReadTimeout(d time.Duration) error
}

// Open configures and opens the line described by cfg. Every failure wraps
// ErrConnect.
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrConnect)
	}

	p, err := openPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, cfg.port, err)
	}

	return p, nil
}
