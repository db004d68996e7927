package httpapi

import (
	"bufio"
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
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/internal/metrics"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// gateRunner reports one line, then waits for release or cancellation.
type gateRunner struct {
	release chan struct{}
}

func (g *gateRunner) Run(ctx context.Context, job *dnc.Job) error {
	job.Report(transfer.Signal{Kind: transfer.SignalState, State: transfer.Handshaking})
	job.Report(transfer.Signal{Kind: transfer.SignalState, State: transfer.Streaming})
	job.Report(transfer.Signal{Kind: transfer.SignalLine, State: transfer.Streaming, Line: 1, Bytes: 12})

	select {
	case <-g.release:
		job.Report(transfer.Signal{Kind: transfer.SignalLine, State: transfer.Streaming, Line: 2, Bytes: 24})
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", transfer.ErrCanceled, context.Cause(ctx))
	}
}

type testServer struct {
	*httptest.Server
	mgr  *dnc.Manager
	gate *gateRunner
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()

	programDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(programDir, "PART7.H"), []byte("0 BEGIN PGM PART7 MM\n1 END PGM PART7 MM\n"), 0o600))

	gate := &gateRunner{release: make(chan struct{})}
	mgr, err := dnc.NewManager(
		dnc.WithProgramDir(programDir),
		dnc.WithLockDir(t.TempDir()),
		dnc.WithRunner(gate),
		dnc.WithGracePeriod(time.Second),
	)
	require.NoError(t, err)

	srv, err := New(mgr, opts...)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	return &testServer{Server: ts, mgr: mgr, gate: gate}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			rd = bytes.NewReader(data)
		}
	}

	req, err := http.NewRequest(method, ts.URL+path, rd)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, data
}

func (ts *testServer) submit(t *testing.T, port string) string {
	t.Helper()

	resp, body := ts.do(t, http.MethodPost, "/transfers", map[string]any{"port": port, "file_name": "PART7.H"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var out submitResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotEmpty(t, out.TransferID)
	assert.Equal(t, "/transfers/"+out.TransferID, resp.Header.Get("Location"))

	return out.TransferID
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()

	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env), string(body))

	return env.Error.Code
}

func TestServer_TransferLifecycle(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "/dev/ttyUSB0")

	require.Eventually(t, func() bool {
		st, _ := ts.mgr.Status(id)
		return st.Line == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, body := ts.do(t, http.MethodGet, "/transfers/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st dnc.Status
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, transfer.Streaming, st.State)
	assert.Equal(t, 2, st.LinesTotal)
	assert.Equal(t, transfer.ModeDrip, st.Mode)

	resp, body = ts.do(t, http.MethodGet, "/transfers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []dnc.Status
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)

	resp, body = ts.do(t, http.MethodDelete, "/transfers/"+id, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "transfer_active", errorCode(t, body))

	resp, body = ts.do(t, http.MethodPost, "/transfers/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "pause_unsupported", errorCode(t, body))

	resp, body = ts.do(t, http.MethodPost, "/transfers/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, transfer.Canceled, st.State)

	resp, _ = ts.do(t, http.MethodDelete, "/transfers/"+id, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/transfers/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestServer_SubmitErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.submit(t, "/dev/ttyUSB0")

	tests := []struct {
		name     string
		body     any
		wantCode int
		wantErr  string
	}{
		{"malformed json", "{", http.StatusBadRequest, "invalid_request"},
		{"unknown field", `{"port":"/dev/ttyUSB1","file_name":"PART7.H","speed":1}`, http.StatusBadRequest, "invalid_request"},
		{"bad mode", map[string]any{"port": "/dev/ttyUSB1", "file_name": "PART7.H", "mode": "turbo"}, http.StatusBadRequest, "invalid_request"},
		{"bad dc1", map[string]any{"port": "/dev/ttyUSB1", "file_name": "PART7.H", "dc1_after_bcc": "maybe"}, http.StatusBadRequest, "invalid_request"},
		{"bad bits", map[string]any{"port": "/dev/ttyUSB1", "file_name": "PART7.H", "bits": 5}, http.StatusBadRequest, "invalid_request"},
		{"missing program", map[string]any{"port": "/dev/ttyUSB1", "file_name": "NOPE.H"}, http.StatusNotFound, "program_not_found"},
		{"escaping path", map[string]any{"port": "/dev/ttyUSB1", "file_name": "../PART7.H"}, http.StatusNotFound, "program_not_found"},
		{"busy port", map[string]any{"port": "/dev/ttyUSB0", "file_name": "PART7.H"}, http.StatusConflict, "port_busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.do(t, http.MethodPost, "/transfers", tt.body)
			assert.Equal(t, tt.wantCode, resp.StatusCode, string(body))
			assert.Equal(t, tt.wantErr, errorCode(t, body))
		})
	}
}

func TestServer_SSE(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "/dev/ttyUSB0")

	resp, err := http.Get(ts.URL + "/transfers/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(ts.gate.release)

	var names []string
	var last event.ProgressEvent
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			names = append(names, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
		}
	}

	require.NotEmpty(t, names)
	assert.Equal(t, "completed", names[len(names)-1])
	assert.Equal(t, event.KindCompleted, last.Kind)
	assert.Equal(t, id, last.TransferID)
	assert.Equal(t, 2, last.Line)
}

func TestServer_SSEKeepAlive(t *testing.T) {
	ts := newTestServer(t, WithKeepAlive(20*time.Millisecond))
	id := ts.submit(t, "/dev/ttyUSB0")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/transfers/"+id+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	found := false
	for sc.Scan() {
		if sc.Text() == ": keepalive" {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestServer_SSEUnknownTransfer(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodGet, "/transfers/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestServer_WebSocket(t *testing.T) {
	ts := newTestServer(t)
	id := ts.submit(t, "/dev/ttyUSB0")

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/transfers/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	close(ts.gate.release)

	var evs []event.ProgressEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var ev event.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		evs = append(evs, ev)
	}

	require.NotEmpty(t, evs)
	assert.Equal(t, event.KindCompleted, evs[len(evs)-1].Kind)
}

func TestServer_Info(t *testing.T) {
	m := metrics.New(&transfer.TransferMetrics{})
	ts := newTestServer(t, WithMetrics(m), WithPortLister(func() ([]serialport.PortInfo, error) {
		return []serialport.PortInfo{{Device: "/dev/ttyUSB0", USB: true, VID: "0403", PID: "6001"}}, nil
	}))

	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","transfers":0,"active_transfers":0,"subscribers":0,"shutting_down":false}`, string(body))

	resp, body = ts.do(t, http.MethodGet, "/ports", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var ports []serialport.PortInfo
	require.NoError(t, json.Unmarshal(body, &ports))
	require.Len(t, ports, 1)
	assert.Equal(t, "/dev/ttyUSB0", ports[0].Device)

	resp, body = ts.do(t, http.MethodGet, "/programs", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var progs []dnc.ProgramInfo
	require.NoError(t, json.Unmarshal(body, &progs))
	require.Len(t, progs, 1)
	assert.Equal(t, "PART7.H", progs[0].Name)

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dnc_http_requests_total{method="GET",route="GET /healthz",status="200"} 1`)
	assert.Contains(t, string(body), "dnc_engine_lines_sent_total 0")
}

func TestServer_Health(t *testing.T) {
	ts := newTestServer(t)
	sub := ts.mgr.Subscribe()
	defer sub.Close()

	id := ts.submit(t, "/dev/ttyUSB0")
	require.Eventually(t, func() bool {
		st, _ := ts.mgr.Status(id)
		return st.Line == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp, body := ts.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h healthResponse
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Transfers)
	assert.Equal(t, 1, h.Active)
	assert.Equal(t, 1, h.Subscribers)
	require.NotNil(t, h.LastEventAt)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.mgr.Shutdown(ctx))

	resp, body = ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, "shutting_down", h.Status)
	assert.True(t, h.ShuttingDown)
	assert.Zero(t, h.Active)
	assert.Zero(t, h.Subscribers)
}

func TestServer_Recovery(t *testing.T) {
	ts := newTestServer(t, WithPortLister(func() ([]serialport.PortInfo, error) {
		panic("enumeration exploded")
	}))

	resp, body := ts.do(t, http.MethodGet, "/ports", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal_error", errorCode(t, body))
}

func TestTransferRequest_ToRequest(t *testing.T) {
	var tr transferRequest
	require.NoError(t, json.Unmarshal([]byte(`{
		"port":"/dev/ttyUSB0","file_name":"PART7.H","mode":"standard",
		"dc1_after_bcc":true,"ack_timeout":1.5,"nuls":0
	}`), &tr))

	req, err := tr.toRequest()
	require.NoError(t, err)
	assert.Equal(t, transfer.ModeStandard, req.Mode)
	assert.Equal(t, transfer.DC1On, req.DC1AfterBCC)
	assert.Equal(t, 1500*time.Millisecond, req.AckTimeout)
	assert.Equal(t, defaultDelay, req.Delay)
	require.NotNil(t, req.NulCount)
	assert.Zero(t, *req.NulCount)

	tr = transferRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{"port":"p","file_name":"f","delay":0,"dc1_after_bcc":"auto"}`), &tr))
	req, err = tr.toRequest()
	require.NoError(t, err)
	assert.Zero(t, req.Delay)
	assert.Equal(t, transfer.DC1Auto, req.DC1AfterBCC)
	assert.Empty(t, req.Mode)
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)

	mgr, err := dnc.NewManager()
	require.NoError(t, err)
	for _, opt := range []Option{WithLogger(nil), WithKeepAlive(0), WithPingInterval(-1), WithPortLister(nil)} {
		_, err := New(mgr, opt)
		assert.Error(t, err)
	}
}
