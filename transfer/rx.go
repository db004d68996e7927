package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/arloliu/go-dnc/internal/pool"
	"github.com/arloliu/go-dnc/protocol"
)

const (
	rxChunkSize  = 256
	rxQueueDepth = 64
)

// receiver pumps bytes from the line into a channel so the engine can look
// at controller input without blocking on a read: XOFF is noticed between
// lines even when no wait is in progress.
type receiver struct {
	src  io.Reader
	poll time.Duration

	ch     chan []byte
	done   chan struct{}
	errMu  sync.Mutex
	err    error
	cancel context.CancelFunc

	pending []byte
	// xoff is the software flow state last announced by the controller.
	xoff bool
}

func startReceiver(ctx context.Context, src io.Reader, poll time.Duration) *receiver {
	ctx, cancel := context.WithCancel(ctx)
	r := &receiver{
		src:    src,
		poll:   poll,
		ch:     make(chan []byte, rxQueueDepth),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go r.loop(ctx)

	return r
}

func (r *receiver) loop(ctx context.Context) {
	defer close(r.done)
	defer close(r.ch)

	for ctx.Err() == nil {
		buf := make([]byte, rxChunkSize)
		start := time.Now()
		n, err := r.src.Read(buf)
		if n > 0 {
			select {
			case r.ch <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			r.errMu.Lock()
			r.err = err
			r.errMu.Unlock()

			return
		}
		// a line without read timeout support returns at once
		if n == 0 {
			if err := pool.Sleep(ctx, r.poll-time.Since(start)); err != nil {
				return
			}
		}
	}
}

// stop ends the read loop and waits until it has returned.
func (r *receiver) stop() {
	r.cancel()
	<-r.done
}

func (r *receiver) readErr() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	if r.err == nil || errors.Is(r.err, io.EOF) {
		return fmt.Errorf("transfer: line closed: %w", io.ErrUnexpectedEOF)
	}

	return fmt.Errorf("transfer: read: %w", r.err)
}

// unread pushes b back in front of the pending input.
func (r *receiver) unread(b byte) {
	r.pending = append([]byte{b}, r.pending...)
}

// next returns the next input byte. ok is false when timeout elapsed first.
func (r *receiver) next(ctx context.Context, timeout time.Duration) (b byte, ok bool, err error) {
	if len(r.pending) == 0 {
		if timeout <= 0 {
			return r.nextNow(ctx)
		}

		t := pool.GetTimer(timeout)
		defer pool.PutTimer(t)

		for len(r.pending) == 0 {
			select {
			case <-ctx.Done():
				return 0, false, canceled(ctx)
			case chunk, open := <-r.ch:
				if !open {
					return 0, false, r.readErr()
				}
				r.pending = chunk
			case <-t.C:
				return 0, false, nil
			}
		}
	}

	b = r.pending[0]
	r.pending = r.pending[1:]

	return b, true, nil
}

func (r *receiver) nextNow(ctx context.Context) (byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, canceled(ctx)
	}

	select {
	case chunk, open := <-r.ch:
		if !open {
			return 0, false, r.readErr()
		}
		r.pending = chunk[1:]

		return chunk[0], true, nil
	default:
		return 0, false, nil
	}
}

// waitFor discards input until one of targets arrives or timeout elapses.
// DC1/DC3 that are not targets update the flow state.
func (r *receiver) waitFor(ctx context.Context, timeout time.Duration, targets ...byte) (byte, bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, false, nil
		}

		b, ok, err := r.next(ctx, remaining)
		if err != nil || !ok {
			return 0, false, err
		}
		for _, t := range targets {
			if b == t {
				return b, true, nil
			}
		}
		r.track(b)
	}
}

// track applies an XON/XOFF byte to the flow state. It reports whether the
// byte turned the flow off.
func (r *receiver) track(b byte) bool {
	switch b {
	case protocol.DC3:
		if !r.xoff {
			r.xoff = true
			return true
		}
	case protocol.DC1:
		r.xoff = false
	}

	return false
}

// drain consumes all input available right now, tracking flow bytes. It
// returns the number of XOFF transitions seen.
func (r *receiver) drain(ctx context.Context) (int, error) {
	pauses := 0
	for {
		b, ok, err := r.next(ctx, 0)
		if err != nil {
			return pauses, err
		}
		if !ok {
			return pauses, nil
		}
		if r.track(b) {
			pauses++
		}
	}
}

func canceled(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return fmt.Errorf("%w: %w", ErrCanceled, cause)
	}

	return ErrCanceled
}
