package dnc

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/internal/linetest"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// fakePorts opens in-memory lines and lets each test play the controller.
type fakePorts struct {
	mu    sync.Mutex
	lines map[string]*linetest.Line
	setup func(port string, l *linetest.Line)
}

func (f *fakePorts) open(cfg *serialport.Config) (io.ReadWriteCloser, error) {
	l := linetest.New()
	if f.setup != nil {
		f.setup(cfg.Port(), l)
	}

	f.mu.Lock()
	f.lines[cfg.Port()] = l
	f.mu.Unlock()

	return l, nil
}

func (f *fakePorts) line(port string) *linetest.Line {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lines[port]
}

type testEnv struct {
	mgr        *Manager
	ports      *fakePorts
	programDir string
	lockDir    string
}

// newTestEnv creates a manager backed by fake lines, a temporary program
// directory and a temporary lock directory.
func newTestEnv(t *testing.T, setup func(port string, l *linetest.Line), opts ...Option) *testEnv {
	t.Helper()

	env := &testEnv{
		ports:      &fakePorts{lines: map[string]*linetest.Line{}, setup: setup},
		programDir: t.TempDir(),
		lockDir:    t.TempDir(),
	}

	defaults := []Option{
		WithProgramDir(env.programDir),
		WithLockDir(env.lockDir),
		WithGracePeriod(2 * time.Second),
		WithRunner(&InProcessRunner{Open: env.ports.open, PollInterval: 2 * time.Millisecond}),
	}

	mgr, err := NewManager(append(defaults, opts...)...)
	require.NoError(t, err)
	env.mgr = mgr

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return env
}

// writeProgram stores a program of n lines and returns its file name and
// the payload bytes it produces with CRLF terminators.
func (env *testEnv) writeProgram(t *testing.T, name string, n int) int64 {
	t.Helper()

	var sb strings.Builder
	var bytes int64
	for i := 1; i <= n; i++ {
		line := fmt.Sprintf("%d L X+%d.000 Y-%d.500 FMAX", i, i, i)
		sb.WriteString(line + "\n")
		bytes += int64(len(line) + 2)
	}
	require.NoError(t, os.WriteFile(filepath.Join(env.programDir, name), []byte(sb.String()), 0o600))

	return bytes
}

func dripRequest(port, file string) Request {
	return Request{
		Port:             port,
		FileName:         file,
		Mode:             transfer.ModeDrip,
		HandshakeTimeout: 2 * time.Second,
		AckTimeout:       200 * time.Millisecond,
		CompleteTimeout:  100 * time.Millisecond,
	}
}

// dripController makes every opened line answer as a drip controller.
func dripController(reply linetest.Reply) func(string, *linetest.Line) {
	return func(_ string, l *linetest.Line) {
		c := linetest.NewDripController(l, reply, true)
		c.SendHeader(l, "PROG", false)
	}
}

// collect reads sub until it is closed.
func collect(t *testing.T, sub *event.Subscription, timeout time.Duration) []event.ProgressEvent {
	t.Helper()

	var out []event.ProgressEvent
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("event stream not closed within %v, got %d events", timeout, len(out))
			return nil
		}
	}
}

func terminalEvents(evs []event.ProgressEvent) []event.ProgressEvent {
	var out []event.ProgressEvent
	for _, ev := range evs {
		if ev.Kind.IsTerminal() {
			out = append(out, ev)
		}
	}

	return out
}

func waitLine(t *testing.T, mgr *Manager, id string, line int) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, err := mgr.Status(id)
		return err == nil && st.Line >= line
	}, 3*time.Second, 2*time.Millisecond)
}

func nopLogger(t *testing.T) logger.Logger {
	t.Helper()
	return logger.NewSlogWriter(io.Discard, logger.ErrorLevel, false)
}
