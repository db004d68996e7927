package transfer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dnc/internal/linetest"
)

// newTestConfig creates a Config with short timeouts suitable for tests.
func newTestConfig(t *testing.T, mode Mode, opts ...Option) *Config {
	t.Helper()

	defaults := []Option{
		WithHandshakeTimeout(500 * time.Millisecond),
		WithAckTimeout(200 * time.Millisecond),
		WithCompleteTimeout(100 * time.Millisecond),
		WithPollInterval(2 * time.Millisecond),
	}

	cfg, err := NewConfig(mode, append(defaults, opts...)...)
	require.NoError(t, err)

	return cfg
}

// newTestProgram builds a program from text.
func newTestProgram(t *testing.T, text string) *Program {
	t.Helper()

	p, err := LoadProgram("TEST.H", strings.NewReader(text))
	require.NoError(t, err)

	return p
}

// recorder collects engine signals.
type recorder struct {
	mu      sync.Mutex
	signals []Signal
}

func (r *recorder) report(s Signal) {
	r.mu.Lock()
	r.signals = append(r.signals, s)
	r.mu.Unlock()
}

func (r *recorder) all() []Signal {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Signal(nil), r.signals...)
}

func (r *recorder) ofKind(k SignalKind) []Signal {
	var out []Signal
	for _, s := range r.all() {
		if s.Kind == k {
			out = append(out, s)
		}
	}

	return out
}

func (r *recorder) states() []State {
	var out []State
	for _, s := range r.ofKind(SignalState) {
		out = append(out, s.State)
	}

	return out
}

// startEngine runs e in a goroutine and returns the channel of its result.
func startEngine(ctx context.Context, e *Engine) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	return done
}

func waitResult(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatal("engine did not finish in time")
		return nil
	}
}

// eotOnETX makes the fake controller answer ETX with EOT.
func eotOnETX(l *linetest.Line, p []byte) {
	if len(p) == 1 && p[0] == 0x03 {
		l.Inject(0x04)
	}
}

func countPrefix(writes [][]byte, first byte) int {
	n := 0
	for _, w := range writes {
		if len(w) > 0 && w[0] == first {
			n++
		}
	}

	return n
}
