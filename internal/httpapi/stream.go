package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arloliu/go-dnc/event"
)

const (
	wsWriteWait  = 10 * time.Second
	wsReadLimit  = 512
	wsPongFactor = 2
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) handleTransferEvents(w http.ResponseWriter, r *http.Request) {
	sub, err := s.mgr.Events(r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}

	s.serveSSE(w, r, sub)
}

func (s *Server) handleAllEvents(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, s.mgr.Subscribe())
}

// serveSSE streams sub as server-sent events named after the event kind,
// with a comment line every keepalive interval. It returns when sub is
// closed or the client goes away.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sub *event.Subscription) {
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("httpapi: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// handleTransferWS streams the events of one transfer as JSON text
// messages and closes the socket normally after the terminal event.
func (s *Server) handleTransferWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := s.mgr.Events(id)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	defer sub.Close()

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("httpapi: websocket upgrade failed", "transfer_id", id, "error", err)
		return
	}
	defer conn.Close()

	readDone := make(chan struct{})
	go s.wsReadPump(conn, readDone)

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-readDone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transfer finished"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// wsReadPump consumes client frames so control messages are processed and
// closes done when the peer disconnects.
func (s *Server) wsReadPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	pongWait := wsPongFactor * s.pingInterval
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
