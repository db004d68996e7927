package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-dnc/internal/pool"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/protocol"
)

// Line is the byte channel to the controller. Read must return within a
// bounded time, possibly with no data; serialport.Port satisfies it.
type Line interface {
	io.Reader
	io.Writer
}

type readTimeoutSetter interface {
	SetReadTimeout(d time.Duration) error
}

// Engine runs one program over one line in the configured mode.
//
// An Engine is single use: Run may be called once. Pause, Resume, State and
// Progress are safe to call from other goroutines while Run is in progress.
type Engine struct {
	line    Line
	program *Program
	cfg     *Config
	report  Reporter
	logger  logger.Logger
	metrics *TransferMetrics

	state    AtomicState
	pauseReq atomic.Bool
	lines    atomic.Int64
	bytes    atomic.Int64

	rx *receiver
}

// NewEngine creates an engine that sends program over line. report may be
// nil.
func NewEngine(line Line, program *Program, cfg *Config, report Reporter) *Engine {
	if report == nil {
		report = func(Signal) {}
	}

	return &Engine{
		line:    line,
		program: program,
		cfg:     cfg,
		report:  report,
		logger:  cfg.logger.With("program", program.Name, "mode", string(cfg.mode)),
		metrics: cfg.metrics,
	}
}

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.state.Get() }

// Progress returns the completed line count and payload bytes sent.
func (e *Engine) Progress() (line int, bytes int64) {
	return int(e.lines.Load()), e.bytes.Load()
}

// Pause asks a standard transfer to stop at the next line boundary.
func (e *Engine) Pause() error {
	if e.cfg.mode != ModeStandard {
		return ErrPauseUnsupported
	}
	if e.state.Get().IsTerminal() {
		return ErrNotRunning
	}
	e.pauseReq.Store(true)

	return nil
}

// Resume continues a paused standard transfer.
func (e *Engine) Resume() error {
	if e.cfg.mode != ModeStandard {
		return ErrPauseUnsupported
	}
	if e.state.Get().IsTerminal() {
		return ErrNotRunning
	}
	e.pauseReq.Store(false)

	return nil
}

// Run performs the transfer and returns when it reached a terminal state:
// nil for Completed, an error wrapping ErrCanceled for Canceled and any
// other error for Failed. The terminal state is reported before Run returns.
func (e *Engine) Run(ctx context.Context) (err error) {
	if !e.state.ToHandshaking() {
		return ErrAlreadyStarted
	}

	e.metrics.ActiveTransfers.Add(1)
	defer e.metrics.ActiveTransfers.Add(-1)

	if s, ok := e.line.(readTimeoutSetter); ok {
		if err := s.SetReadTimeout(e.cfg.pollInterval); err != nil {
			e.logger.Warn("transfer: cannot set read timeout", "error", err)
		}
	}

	e.rx = startReceiver(ctx, e.line, e.cfg.pollInterval)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer: internal error: %v", r)
		}
		e.rx.stop()
		e.finish(err)
	}()

	e.signalState(Handshaking)

	switch e.cfg.mode {
	case ModeDrip:
		return e.runDrip(ctx)
	default:
		return e.runStandard(ctx)
	}
}

func (e *Engine) finish(err error) {
	final := Completed
	switch {
	case err == nil:
	case errors.Is(err, ErrCanceled):
		final = Canceled
	default:
		final = Failed
	}

	if !e.state.Finish(final) {
		return
	}

	line, bytes := e.Progress()
	switch final {
	case Completed:
		e.logger.Info("transfer: completed", "lines", line, "bytes", bytes)
	case Canceled:
		e.logger.Info("transfer: canceled", "line", line)
	default:
		e.logger.Error("transfer: failed", "line", line, "error", err)
	}

	e.report(Signal{Kind: SignalState, State: final, Line: line, Bytes: bytes, Err: err})
}

func (e *Engine) signalState(s State) {
	line, bytes := e.Progress()
	e.report(Signal{Kind: SignalState, State: s, Line: line, Bytes: bytes})
}

// warn logs msg and reports it as a warning signal.
func (e *Engine) warn(msg string) {
	e.logger.Warn("transfer: " + msg)

	line, bytes := e.Progress()
	e.report(Signal{Kind: SignalWarning, State: e.state.Get(), Line: line, Bytes: bytes, Message: msg})
}

func (e *Engine) advance(payload int) {
	line := e.lines.Add(1)
	bytes := e.bytes.Add(int64(payload))
	e.metrics.addLine(payload)

	e.report(Signal{Kind: SignalLine, State: e.state.Get(), Line: int(line), Bytes: bytes})
}

func (e *Engine) write(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return canceled(ctx)
	}

	for written := 0; written < len(b); {
		n, err := e.line.Write(b[written:])
		written += n
		if err != nil {
			return fmt.Errorf("transfer: write: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("transfer: write: %w", io.ErrShortWrite)
		}
	}

	return nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if err := pool.Sleep(ctx, d); err != nil {
		return canceled(ctx)
	}

	return nil
}

// --- standard mode ---

func (e *Engine) runStandard(ctx context.Context) error {
	if e.cfg.waitHandshake {
		e.logger.Info("transfer: waiting for DC1", "timeout", e.cfg.handshakeTimeout)

		_, ok, err := e.rx.waitFor(ctx, e.cfg.handshakeTimeout, protocol.DC1)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: no DC1 within %v, is the controller in receive mode?",
				ErrHandshakeTimeout, e.cfg.handshakeTimeout)
		}
		// the handshake DC1 also releases an XOFF sent before it
		e.rx.xoff = false
	}

	e.state.ToStreaming()
	e.signalState(Streaming)

	if e.cfg.nulCount > 0 {
		if err := e.write(ctx, make([]byte, e.cfg.nulCount)); err != nil {
			return err
		}
	}

	for i, text := range e.program.Lines {
		if err := e.lineBoundary(ctx); err != nil {
			return err
		}

		payload := protocol.EncodeLine(text, e.cfg.eol)
		if err := e.write(ctx, payload); err != nil {
			return err
		}
		e.advance(len(payload))
		e.logger.Debug("transfer: line sent", "line", i+1, "bytes", len(payload))

		if err := e.sleep(ctx, e.cfg.delay); err != nil {
			return err
		}
	}

	return e.finishStream(ctx)
}

// lineBoundary holds the stream while the caller paused it or the
// controller sent XOFF.
func (e *Engine) lineBoundary(ctx context.Context) error {
	if ctx.Err() != nil {
		return canceled(ctx)
	}

	if e.pauseReq.Load() && e.state.ToPaused() {
		e.logger.Info("transfer: paused", "line", e.lines.Load())
		e.signalState(Paused)

		for e.pauseReq.Load() {
			if err := e.sleep(ctx, e.cfg.pollInterval); err != nil {
				return err
			}
		}

		e.state.ToStreaming()
		e.logger.Info("transfer: resumed", "line", e.lines.Load())
		e.signalState(Streaming)
	}

	return e.waitFlow(ctx)
}

// waitFlow consumes pending controller input and blocks while XOFF is in
// effect. Cancellation is checked every poll interval.
func (e *Engine) waitFlow(ctx context.Context) error {
	pauses, err := e.rx.drain(ctx)
	if err != nil {
		return err
	}
	for ; pauses > 0; pauses-- {
		e.metrics.incFlowPauseCount()
	}

	if !e.rx.xoff {
		return nil
	}

	e.logger.Debug("transfer: XOFF from controller", "line", e.lines.Load())
	for e.rx.xoff {
		b, ok, err := e.rx.next(ctx, e.cfg.pollInterval)
		if err != nil {
			return err
		}
		if !ok {
			if ctx.Err() != nil {
				return canceled(ctx)
			}

			continue
		}
		e.rx.track(b)
	}
	e.logger.Debug("transfer: XON from controller", "line", e.lines.Load())

	return nil
}

// finishStream writes ETX and waits for the advisory EOT.
func (e *Engine) finishStream(ctx context.Context) error {
	if err := e.write(ctx, []byte{protocol.ETX}); err != nil {
		return err
	}

	_, ok, err := e.rx.waitFor(ctx, e.cfg.completeTimeout, protocol.EOT)
	if err != nil {
		return err
	}
	if !ok {
		e.warn(fmt.Sprintf("EOT not received within %v", e.cfg.completeTimeout))
	}

	return nil
}

// --- drip mode ---

func (e *Engine) runDrip(ctx context.Context) error {
	e.logger.Info("transfer: waiting for header", "timeout", e.cfg.handshakeTimeout)

	hdr, err := e.receiveHeader(ctx)
	if err != nil {
		return err
	}

	sendDC1 := false
	switch e.cfg.dc1Policy {
	case DC1On:
		sendDC1 = true
	case DC1Auto:
		sendDC1 = hdr.TrailingXON
	}
	e.logger.Info("transfer: header received", "header", hdr.String(), "dc1AfterBCC", sendDC1)
	e.report(Signal{Kind: SignalHeader, State: Handshaking, Header: &hdr})

	if err := e.write(ctx, []byte{protocol.ACK}); err != nil {
		return err
	}

	e.state.ToStreaming()
	e.signalState(Streaming)

	for i, text := range e.program.Lines {
		payload := protocol.EncodeLine(text, e.cfg.eol)
		frame := protocol.BuildBlock(payload)
		if sendDC1 {
			frame = append(frame, protocol.DC1)
		}

		if err := e.sendBlock(ctx, i+1, frame); err != nil {
			return err
		}
		e.advance(len(payload))
	}

	return e.finishStream(ctx)
}

// receiveHeader scans controller input for a valid header frame until the
// handshake window closes. Invalid frames are reported and skipped.
func (e *Engine) receiveHeader(ctx context.Context) (protocol.Header, error) {
	deadline := time.Now().Add(e.cfg.handshakeTimeout)
	var (
		frame    []byte
		inFrame  bool
		received int
		rejected int
		lastErr  error
	)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		b, ok, err := e.rx.next(ctx, remaining)
		if err != nil {
			return protocol.Header{}, err
		}
		if !ok {
			break
		}
		received++

		switch {
		case b == protocol.SOH:
			frame = append(frame[:0], b)
			inFrame = true
			continue
		case !inFrame:
			continue
		}

		frame = append(frame, b)
		if len(frame) > maxHeaderLength {
			inFrame = false
			rejected++
			lastErr = fmt.Errorf("%w: no ETB within %d bytes", protocol.ErrMalformedHeader, maxHeaderLength)
			e.warn(fmt.Sprintf("header without ETB after %d bytes discarded", maxHeaderLength))

			continue
		}
		if b != protocol.ETB {
			continue
		}

		inFrame = false
		hdr, err := e.completeHeader(ctx, frame, deadline)
		if err == nil {
			return hdr, nil
		}
		if errors.Is(err, ErrCanceled) {
			return protocol.Header{}, err
		}

		rejected++
		lastErr = err
		e.warn("invalid header: " + err.Error())
	}

	switch {
	case rejected > 0:
		return protocol.Header{}, fmt.Errorf("%w: %d invalid header(s), last: %w", ErrProtocol, rejected, lastErr)
	case received > 0:
		return protocol.Header{}, fmt.Errorf("%w: %d bytes received but no complete header", ErrProtocol, received)
	}

	return protocol.Header{}, fmt.Errorf("%w: no header within %v, is the controller in EXT mode with a program selected?",
		ErrHandshakeTimeout, e.cfg.handshakeTimeout)
}

// completeHeader reads the BCC following ETB and an optional DC1, then
// validates the frame.
func (e *Engine) completeHeader(ctx context.Context, frame []byte, deadline time.Time) (protocol.Header, error) {
	bcc, ok, err := e.rx.next(ctx, time.Until(deadline))
	if err != nil {
		return protocol.Header{}, err
	}
	if !ok {
		return protocol.Header{}, fmt.Errorf("%w: missing BCC", protocol.ErrMalformedHeader)
	}
	frame = append(frame, bcc)

	grace := max(2*e.cfg.pollInterval, headerTrailGrace)
	trail, ok, err := e.rx.next(ctx, grace)
	if err != nil {
		return protocol.Header{}, err
	}
	if ok {
		if trail == protocol.DC1 {
			frame = append(frame, trail)
		} else {
			e.rx.unread(trail)
		}
	}

	return protocol.ParseHeader(frame)
}

// sendBlock writes frame until the controller acknowledges it or the retry
// limit is exhausted. The delay follows every attempt.
func (e *Engine) sendBlock(ctx context.Context, block int, frame []byte) error {
	last := ""
	for attempt := 1; attempt <= e.cfg.retryLimit; attempt++ {
		if e.cfg.softwareFlow {
			if err := e.waitFlow(ctx); err != nil {
				return err
			}
		}

		if attempt > 1 {
			e.metrics.incBlockRetryCount()
			// a late reply to the previous attempt must not acknowledge this one
			if _, err := e.rx.drain(ctx); err != nil {
				return err
			}
		}
		if err := e.write(ctx, frame); err != nil {
			return err
		}
		e.metrics.incBlockWriteCount()

		resp, ok, err := e.rx.waitFor(ctx, e.cfg.ackTimeout, protocol.ACK, protocol.NAK)
		if err != nil {
			return err
		}

		switch {
		case ok && resp == protocol.ACK:
			e.logger.Debug("transfer: block acknowledged", "block", block, "attempt", attempt)
			return e.sleep(ctx, e.cfg.delay)
		case ok:
			last = "NAK"
			e.metrics.incNAKCount()
		default:
			last = "ACK timeout"
			e.metrics.incAckTimeoutCount()
		}

		e.warn(fmt.Sprintf("block %d: %s (attempt %d/%d)", block, last, attempt, e.cfg.retryLimit))
		if err := e.sleep(ctx, e.cfg.delay); err != nil {
			return err
		}
	}

	return &BlockError{Block: block, Attempts: e.cfg.retryLimit, Last: last}
}

const (
	maxHeaderLength  = 256
	headerTrailGrace = 20 * time.Millisecond
)
