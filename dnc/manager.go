package dnc

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/internal/pool"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

var (
	errCancelRequested = errors.New("dnc: canceled by request")
	errShutdown        = errors.New("dnc: manager shutdown")
)

// Manager runs, tracks and cancels transfers.
type Manager struct {
	cfg    *managerConfig
	logger logger.Logger

	transfers *xsync.MapOf[string, *entry]
	hub       *event.Hub

	lifecycle sync.Mutex
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// entry is the registry record of one transfer. status, control and
// tracker are guarded by mu; events are published while holding it so
// every observer sees them in order.
type entry struct {
	req    Request
	path   string
	lease  *serialport.Lease
	hub    *event.Hub
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu      sync.RWMutex
	status  Status
	control Control
	tracker rateTracker
}

// NewManager creates a manager.
func NewManager(opts ...Option) (*Manager, error) {
	cfg, err := newManagerConfig(opts)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:       cfg,
		logger:    cfg.logger,
		transfers: xsync.NewMapOf[string, *entry](),
		hub:       event.NewHub(cfg.eventBuffer),
	}, nil
}

// Metrics returns the engine counters shared by in-process transfers.
func (m *Manager) Metrics() *transfer.TransferMetrics { return m.cfg.metrics }

// ProgramDir returns the directory file names are resolved in.
func (m *Manager) ProgramDir() string { return m.cfg.programDir }

// Locker returns the port locker.
func (m *Manager) Locker() *serialport.Locker { return m.cfg.locker }

// Submit validates req, takes the port lease and starts the transfer in the
// background. It returns the transfer id without waiting for the transfer.
//
// The transfer outlives ctx; only its values are inherited.
func (m *Manager) Submit(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}

	path, err := m.resolve(req.FileName)
	if err != nil {
		return "", err
	}

	total, err := countFileLines(path)
	if err != nil {
		return "", err
	}

	if req.MachineID == "" {
		req.MachineID = m.cfg.machineID
	}
	if req.ProgramName == "" {
		req.ProgramName = filepath.Base(req.FileName)
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	id := uuid.NewString()
	lease, err := m.cfg.locker.Acquire(req.Port, id)
	if err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	now := m.cfg.now()
	e := &entry{
		req:    req,
		path:   path,
		lease:  lease,
		hub:    event.NewHub(m.cfg.eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
		status: Status{
			ID:          id,
			State:       transfer.Queued,
			Port:        req.Port,
			FileName:    req.FileName,
			Mode:        req.mode(),
			MachineID:   req.MachineID,
			ProgramName: req.ProgramName,
			LinesTotal:  total,
			CreatedAt:   now,
		},
	}
	m.transfers.Store(id, e)

	e.mu.Lock()
	m.publishLocked(e, event.KindRunning, now, nil)
	e.mu.Unlock()

	m.logger.Info("dnc: transfer queued",
		"transfer_id", id, "port", req.Port, "file", req.FileName,
		"mode", string(req.mode()), "lines", total)

	m.wg.Add(1)
	go m.run(runCtx, e)

	return id, nil
}

// Cancel stops a transfer. The port is released and the transfer reported
// canceled at once; Cancel then waits up to the grace period for the runner
// to return. Canceling a finished transfer is a no-op.
func (m *Manager) Cancel(id string) error {
	e, ok := m.transfers.Load(id)
	if !ok {
		return ErrTransferNotFound
	}

	e.cancel(errCancelRequested)
	m.finish(e, fmt.Errorf("%w: %w", transfer.ErrCanceled, errCancelRequested))

	timer := pool.GetTimer(m.cfg.gracePeriod)
	defer pool.PutTimer(timer)

	select {
	case <-e.done:
	case <-timer.C:
		m.logger.Warn("dnc: transfer did not stop within grace period",
			"transfer_id", id, "grace", m.cfg.gracePeriod)
	}

	return nil
}

// Status returns a snapshot of a transfer.
func (m *Manager) Status(id string) (Status, error) {
	e, ok := m.transfers.Load(id)
	if !ok {
		return Status{}, ErrTransferNotFound
	}

	return e.snapshot(), nil
}

// Events subscribes to the events of one transfer. The subscription starts
// with the most recent event and its channel is closed after the terminal
// event.
func (m *Manager) Events(id string) (*event.Subscription, error) {
	e, ok := m.transfers.Load(id)
	if !ok {
		return nil, ErrTransferNotFound
	}

	return e.hub.Subscribe(), nil
}

// Subscribe observes the events of all transfers. The channel is closed by
// Shutdown.
func (m *Manager) Subscribe() *event.Subscription {
	return m.hub.Subscribe()
}

// Pause holds a standard transfer at the next line boundary.
func (m *Manager) Pause(id string) error {
	return m.control(id, Control.Pause)
}

// Resume continues a paused transfer.
func (m *Manager) Resume(id string) error {
	return m.control(id, Control.Resume)
}

func (m *Manager) control(id string, fn func(Control) error) error {
	e, ok := m.transfers.Load(id)
	if !ok {
		return ErrTransferNotFound
	}

	e.mu.RLock()
	state, ctl, mode := e.status.State, e.control, e.status.Mode
	e.mu.RUnlock()

	switch {
	case state.IsTerminal():
		return transfer.ErrNotRunning
	case mode != transfer.ModeStandard || ctl == nil:
		return transfer.ErrPauseUnsupported
	}

	return fn(ctl)
}

// List returns snapshots of all known transfers, oldest first.
func (m *Manager) List() []Status {
	out := make([]Status, 0, m.transfers.Size())
	m.transfers.Range(func(_ string, e *entry) bool {
		out = append(out, e.snapshot())
		return true
	})

	slices.SortFunc(out, func(a, b Status) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	return out
}

// Health summarizes the manager for liveness probes.
type Health struct {
	Transfers    int        `json:"transfers"`
	Active       int        `json:"active_transfers"`
	Subscribers  int        `json:"subscribers"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	ShuttingDown bool       `json:"shutting_down"`
}

// Health counts known and running transfers and manager-wide subscribers.
func (m *Manager) Health() Health {
	h := Health{
		Subscribers:  m.hub.Len(),
		ShuttingDown: m.closed.Load() || m.hub.Closed(),
	}

	m.transfers.Range(func(_ string, e *entry) bool {
		h.Transfers++
		e.mu.RLock()
		if !e.status.State.IsTerminal() {
			h.Active++
		}
		e.mu.RUnlock()

		return true
	})

	if ev, ok := m.hub.Last(); ok {
		ts := ev.TS
		h.LastEventAt = &ts
	}

	return h
}

// Forget drops a finished transfer from the registry.
func (m *Manager) Forget(id string) error {
	e, ok := m.transfers.Load(id)
	if !ok {
		return ErrTransferNotFound
	}

	e.mu.RLock()
	terminal := e.status.State.IsTerminal()
	e.mu.RUnlock()
	if !terminal {
		return ErrTransferActive
	}

	m.transfers.Delete(id)

	return nil
}

// Shutdown cancels every running transfer and waits until all of them
// stopped or ctx is done. Submit fails with ErrManagerClosed afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.lifecycle.Lock()
	m.closed.Store(true)
	m.lifecycle.Unlock()

	m.transfers.Range(func(_ string, e *entry) bool {
		e.cancel(errShutdown)
		return true
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		m.transfers.Range(func(_ string, e *entry) bool {
			m.finish(e, fmt.Errorf("%w: %w", transfer.ErrCanceled, errShutdown))
			return true
		})
	}

	m.hub.Close()

	return err
}

func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()
	defer close(e.done)
	defer e.cancel(nil)

	job := &Job{
		ID:          e.status.ID,
		Request:     e.req,
		ProgramPath: e.path,
		report:      func(s transfer.Signal) { m.onSignal(e, s) },
		control: func(c Control) {
			e.mu.Lock()
			e.control = c
			e.mu.Unlock()
		},
	}

	e.mu.Lock()
	e.tracker.start(m.cfg.now())
	e.mu.Unlock()

	m.finish(e, m.runJob(ctx, job))
}

func (m *Manager) runJob(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dnc: runner panic: %v", r)
		}
	}()

	return m.cfg.runner.Run(ctx, job)
}

// onSignal folds an engine signal into the status and publishes the
// matching event. Terminal states are decided by finish alone.
func (m *Manager) onSignal(e *entry, s transfer.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.State.IsTerminal() {
		return
	}

	now := m.cfg.now()

	switch s.Kind {
	case transfer.SignalLine:
		rate, eta := e.tracker.sample(now, s.Line, e.status.LinesTotal)
		e.status.Line = s.Line
		e.status.BytesSent = s.Bytes
		e.status.RateLPS = rate
		e.status.ETASec = &eta
		m.publishLocked(e, event.KindAck, now, nil)

	case transfer.SignalState:
		if s.State.IsTerminal() {
			return
		}
		e.status.State = s.State
		if e.status.StartedAt == nil {
			e.status.StartedAt = &now
		}
		m.publishLocked(e, event.KindRunning, now, nil)

	case transfer.SignalHeader:
		if s.Header == nil {
			return
		}
		e.status.HeaderName = s.Header.Name
		m.publishLocked(e, event.KindRunning, now, map[string]any{
			"header":        s.Header.Name,
			"dc1_after_bcc": s.Header.TrailingXON,
		})

	case transfer.SignalWarning:
		m.publishLocked(e, event.KindRunning, now, map[string]any{"warning": s.Message})
	}
}

// finish releases the port lease, moves a transfer into its terminal state
// and emits the terminal event. Only the first call has an effect.
func (m *Manager) finish(e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status.State.IsTerminal() {
		return
	}

	if rerr := e.lease.Release(); rerr != nil {
		m.logger.Warn("dnc: release port lease", "transfer_id", e.status.ID, "error", rerr)
	}

	now := m.cfg.now()
	state, kind := transfer.Completed, event.KindCompleted
	switch {
	case err == nil:
		zero := 0.0
		e.status.ETASec = &zero
	case errors.Is(err, transfer.ErrCanceled):
		state, kind = transfer.Canceled, event.KindCanceled
	default:
		state, kind = transfer.Failed, event.KindError
		e.status.Error = err.Error()
	}

	e.status.State = state
	e.status.FinishedAt = &now
	m.publishLocked(e, kind, now, nil)
	e.hub.Close()

	if state == transfer.Failed {
		m.logger.Error("dnc: transfer failed",
			"transfer_id", e.status.ID, "line", e.status.Line, "error", err)
	} else {
		m.logger.Info("dnc: transfer finished",
			"transfer_id", e.status.ID, "state", state.String(), "line", e.status.Line)
	}
}

func (m *Manager) publishLocked(e *entry, kind event.Kind, now time.Time, extra map[string]any) {
	ev := e.status.event(kind, now, extra)
	e.hub.Publish(ev)
	m.hub.Publish(ev)
}

func (e *entry) snapshot() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.status
}

// resolve maps a file name to a regular file inside the program directory.
func (m *Manager) resolve(name string) (string, error) {
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}

	path := filepath.Join(m.cfg.programDir, name)
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrProgramNotFound, name)
	}

	return path, nil
}

func countFileLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrProgramNotFound, err)
	}
	defer f.Close()

	return transfer.CountLines(f)
}
