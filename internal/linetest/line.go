// Package linetest provides an in-memory serial line for exercising the
// transfer engine without hardware.
package linetest

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// DefaultReadTimeout is the read timeout of a new Line.
const DefaultReadTimeout = 10 * time.Millisecond

// Line is a fake serial port. Bytes injected with Inject are returned by
// Read; bytes passed to Write are recorded and handed to the responder, which
// plays the controller.
//
// Read returns everything pending at once, so bytes injected together are
// observed together.
type Line struct {
	mu          sync.Mutex
	rx          []byte
	written     bytes.Buffer
	writes      [][]byte
	readTimeout time.Duration
	closed      bool
	writeErr    error
	respond     func(l *Line, p []byte)

	notify  chan struct{}
	changed chan struct{}
}

// New returns an open Line with the default read timeout.
func New() *Line {
	return &Line{
		readTimeout: DefaultReadTimeout,
		notify:      make(chan struct{}, 1),
		changed:     make(chan struct{}),
	}
}

// Inject queues bytes sent by the controller.
func (l *Line) Inject(b ...byte) {
	l.mu.Lock()
	l.rx = append(l.rx, b...)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// OnWrite installs the controller simulation. fn runs after each Write on
// the writing goroutine and typically calls Inject.
func (l *Line) OnWrite(fn func(l *Line, p []byte)) {
	l.mu.Lock()
	l.respond = fn
	l.mu.Unlock()
}

// FailWrites makes subsequent writes fail with err.
func (l *Line) FailWrites(err error) {
	l.mu.Lock()
	l.writeErr = err
	l.mu.Unlock()
}

// Read implements io.Reader with the configured timeout. It returns (0, nil)
// on timeout and io.EOF once the line is closed and drained.
func (l *Line) Read(p []byte) (int, error) {
	l.mu.Lock()
	timeout := l.readTimeout
	l.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()

	for {
		l.mu.Lock()
		if len(l.rx) > 0 {
			n := copy(p, l.rx)
			l.rx = l.rx[n:]
			l.mu.Unlock()

			return n, nil
		}
		if l.closed {
			l.mu.Unlock()
			return 0, io.EOF
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-t.C:
			return 0, nil
		}
	}
}

// Write records p and runs the responder.
func (l *Line) Write(p []byte) (int, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	if l.writeErr != nil {
		err := l.writeErr
		l.mu.Unlock()

		return 0, err
	}
	l.written.Write(p)
	l.writes = append(l.writes, append([]byte(nil), p...))
	respond := l.respond
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()

	if respond != nil {
		respond(l, p)
	}

	return len(p), nil
}

// SetReadTimeout sets the read timeout.
func (l *Line) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("linetest: read timeout must be positive")
	}
	l.mu.Lock()
	l.readTimeout = d
	l.mu.Unlock()

	return nil
}

// Close closes the line. Pending reads return io.EOF.
func (l *Line) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}

	return nil
}

// Closed reports whether Close was called.
func (l *Line) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.closed
}

// Written returns a copy of all bytes written so far.
func (l *Line) Written() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	return bytes.Clone(l.written.Bytes())
}

// Writes returns a copy of each Write call's payload.
func (l *Line) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([][]byte, len(l.writes))
	copy(out, l.writes)

	return out
}

// WaitWritten blocks until cond holds for the written bytes or timeout
// elapses, and reports whether it held.
func (l *Line) WaitWritten(timeout time.Duration, cond func(written []byte) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		l.mu.Lock()
		ok := cond(l.written.Bytes())
		changed := l.changed
		l.mu.Unlock()

		if ok {
			return true
		}

		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}
