// Package httpapi serves the transfer manager over HTTP: a JSON REST API,
// server-sent event streams and WebSocket streams of progress events.
package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/arloliu/go-dnc/dnc"
	"github.com/arloliu/go-dnc/internal/metrics"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
)

const (
	// DefaultKeepAlive is the interval of SSE keepalive comments.
	DefaultKeepAlive = 15 * time.Second
	// DefaultPingInterval is the interval of WebSocket pings.
	DefaultPingInterval = 30 * time.Second
)

// Server routes HTTP requests to a Manager.
type Server struct {
	mgr          *dnc.Manager
	metrics      *metrics.Metrics
	logger       logger.Logger
	listPorts    func() ([]serialport.PortInfo, error)
	keepAlive    time.Duration
	pingInterval time.Duration
}

// Option configures a Server.
type Option interface {
	apply(*Server) error
}

type optFunc func(*Server) error

func (f optFunc) apply(s *Server) error { return f(s) }

// WithMetrics serves m on /metrics and records request metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return optFunc(func(s *Server) error {
		s.metrics = m
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(s *Server) error {
		if l == nil {
			return errors.New("httpapi: logger must not be nil")
		}
		s.logger = l

		return nil
	})
}

// WithKeepAlive sets the SSE keepalive interval.
func WithKeepAlive(d time.Duration) Option {
	return optFunc(func(s *Server) error {
		if d <= 0 {
			return errors.New("httpapi: keepalive must be positive")
		}
		s.keepAlive = d

		return nil
	})
}

// WithPingInterval sets the WebSocket ping interval.
func WithPingInterval(d time.Duration) Option {
	return optFunc(func(s *Server) error {
		if d <= 0 {
			return errors.New("httpapi: ping interval must be positive")
		}
		s.pingInterval = d

		return nil
	})
}

// WithPortLister replaces serialport.ListPorts.
func WithPortLister(fn func() ([]serialport.PortInfo, error)) Option {
	return optFunc(func(s *Server) error {
		if fn == nil {
			return errors.New("httpapi: port lister must not be nil")
		}
		s.listPorts = fn

		return nil
	})
}

// New creates a server for mgr.
func New(mgr *dnc.Manager, opts ...Option) (*Server, error) {
	if mgr == nil {
		return nil, errors.New("httpapi: manager must not be nil")
	}

	s := &Server{
		mgr:          mgr,
		logger:       logger.GetLogger(),
		listPorts:    serialport.ListPorts,
		keepAlive:    DefaultKeepAlive,
		pingInterval: DefaultPingInterval,
	}

	for _, opt := range opts {
		if err := opt.apply(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Handler returns the routed handler with logging, recovery and metrics
// middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /transfers", s.handleSubmit)
	mux.HandleFunc("GET /transfers", s.handleList)
	mux.HandleFunc("GET /transfers/{id}", s.handleStatus)
	mux.HandleFunc("DELETE /transfers/{id}", s.handleForget)
	mux.HandleFunc("POST /transfers/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /transfers/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /transfers/{id}/resume", s.handleResume)
	mux.HandleFunc("GET /transfers/{id}/events", s.handleTransferEvents)
	mux.HandleFunc("GET /transfers/{id}/ws", s.handleTransferWS)
	mux.HandleFunc("GET /events", s.handleAllEvents)
	mux.HandleFunc("GET /programs", s.handlePrograms)
	mux.HandleFunc("GET /ports", s.handlePorts)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.recovery(s.observe(mux))
}
