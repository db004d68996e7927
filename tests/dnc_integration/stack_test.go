package dncintegration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/internal/httpapi"
	"github.com/arloliu/go-dnc/internal/linetest"
	"github.com/arloliu/go-dnc/internal/metrics"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/publish"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// recordingBus keeps every published message.
type recordingBus struct {
	mu   sync.Mutex
	msgs []busMsg
}

type busMsg struct {
	channel string
	payload []byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, busMsg{channel: channel, payload: append([]byte(nil), payload...)})

	return nil
}

func (b *recordingBus) events(t *testing.T) ([]string, []event.ProgressEvent) {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()

	channels := make([]string, 0, len(b.msgs))
	evs := make([]event.ProgressEvent, 0, len(b.msgs))
	for _, m := range b.msgs {
		ev, err := publish.Decode(publish.EncodingCBOR, m.payload)
		require.NoError(t, err)
		channels = append(channels, m.channel)
		evs = append(evs, ev)
	}

	return channels, evs
}

// stack is the service assembled the way dnc-service wires it, with
// in-memory serial lines and bus.
type stack struct {
	mgr        *dnc.Manager
	engine     *transfer.TransferMetrics
	bus        *recordingBus
	srv        *httptest.Server
	programDir string

	mu    sync.Mutex
	lines map[string]*linetest.Line
	setup map[string]func(*linetest.Line)
}

func newStack(t *testing.T) *stack {
	t.Helper()

	s := &stack{
		engine:     &transfer.TransferMetrics{},
		bus:        &recordingBus{},
		programDir: t.TempDir(),
		lines:      map[string]*linetest.Line{},
		setup:      map[string]func(*linetest.Line){},
	}
	log := logger.NewSlogWriter(io.Discard, logger.ErrorLevel, false)

	mgr, err := dnc.NewManager(
		dnc.WithProgramDir(s.programDir),
		dnc.WithLockDir(t.TempDir()),
		dnc.WithMachineID("CNC-TEST-7"),
		dnc.WithGracePeriod(2*time.Second),
		dnc.WithEventBuffer(4096),
		dnc.WithLogger(log),
		dnc.WithMetrics(s.engine),
		dnc.WithRunner(&dnc.InProcessRunner{
			Open:         s.open,
			Metrics:      s.engine,
			Logger:       log,
			PollInterval: 2 * time.Millisecond,
		}),
	)
	require.NoError(t, err)
	s.mgr = mgr

	m := metrics.New(s.engine)
	pub, err := publish.New(s.bus,
		publish.WithEncoding(publish.EncodingCBOR),
		publish.WithAckRate(0, 1),
		publish.WithLogger(log),
	)
	require.NoError(t, err)
	m.RegisterPublisher(pub)

	observers := sync.WaitGroup{}
	observers.Add(2)
	metricsSub, pubSub := mgr.Subscribe(), mgr.Subscribe()
	go func() { defer observers.Done(); _ = m.Run(context.Background(), metricsSub) }()
	go func() { defer observers.Done(); _ = pub.Run(context.Background(), pubSub) }()

	api, err := httpapi.New(mgr, httpapi.WithMetrics(m), httpapi.WithLogger(log),
		httpapi.WithPortLister(func() ([]serialport.PortInfo, error) { return nil, nil }))
	require.NoError(t, err)
	s.srv = httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		s.srv.Close()
		observers.Wait()
	})

	return s
}

func (s *stack) open(cfg *serialport.Config) (io.ReadWriteCloser, error) {
	l := linetest.New()

	s.mu.Lock()
	s.lines[cfg.Port()] = l
	setup := s.setup[cfg.Port()]
	s.mu.Unlock()

	if setup != nil {
		setup(l)
	}

	return l, nil
}

func (s *stack) onOpen(port string, fn func(*linetest.Line)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setup[port] = fn
}

func (s *stack) line(port string) *linetest.Line {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lines[port]
}

// writeProgram stores n program lines and returns the CRLF payload size.
func (s *stack) writeProgram(t *testing.T, name string, n int) int64 {
	t.Helper()

	var sb strings.Builder
	var size int64
	for i := 1; i <= n; i++ {
		line := fmt.Sprintf("%d L X%+.3f Y%+.3f R0 F2000", i, float64(i)/4, -float64(i)/8)
		sb.WriteString(line + "\n")
		size += int64(len(line) + 2)
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.programDir, name), []byte(sb.String()), 0o600))

	return size
}

func (s *stack) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func (s *stack) submit(t *testing.T, body map[string]any) (int, string) {
	t.Helper()

	resp, data := s.do(t, http.MethodPost, "/transfers", body)
	if resp.StatusCode != http.StatusAccepted {
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		require.NoError(t, json.Unmarshal(data, &env))
		return resp.StatusCode, env.Error.Code
	}

	var out struct {
		TransferID string `json:"transfer_id"`
	}
	require.NoError(t, json.Unmarshal(data, &out))

	return resp.StatusCode, out.TransferID
}

func (s *stack) status(t *testing.T, id string) dnc.Status {
	t.Helper()

	resp, data := s.do(t, http.MethodGet, "/transfers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var st dnc.Status
	require.NoError(t, json.Unmarshal(data, &st))

	return st
}

func (s *stack) waitTerminal(t *testing.T, id string, timeout time.Duration) dnc.Status {
	t.Helper()

	var st dnc.Status
	require.Eventually(t, func() bool {
		st = s.status(t, id)
		return st.State.IsTerminal()
	}, timeout, 10*time.Millisecond)

	return st
}

// dripBody is a drip submission with fast timeouts and no inter-block delay.
func dripBody(port, file string) map[string]any {
	return map[string]any{
		"port":              port,
		"file_name":         file,
		"mode":              "drip",
		"retries":           3,
		"delay":             0,
		"dc1_after_bcc":     "auto",
		"handshake_timeout": 2,
		"ack_timeout":       0.5,
		"complete_timeout":  0.2,
	}
}
