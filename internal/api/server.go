// Package api provides the HTTP API server and the process wiring for ForwardPipe.
//
// Routes:
//
//	POST /messages          submit a message for forwarding (202 with job id)
//	GET  /jobs/{id}         delivery report for a submitted job
//	GET  /backlog/stats     backlog counts, oldest pending age and admission state
//	GET  /healthz           liveness plus connectivity status
//	POST /webhooks/twilio   Twilio inbound webhook, when enabled
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ForwardPipe/internal/connectivity"
	"github.com/BTreeMap/ForwardPipe/internal/dispatch"
	"github.com/BTreeMap/ForwardPipe/internal/models"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/google/uuid"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	// maxRequestBody bounds POST /messages payloads.
	maxRequestBody = 64 << 10
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	TwilioWebhook   http.HandlerFunc
	Jobs            JobLookup
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithShutdownTimeout bounds how long shutdown waits for in-flight work.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) {
		o.ShutdownTimeout = d
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook at /webhooks/twilio.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) {
		o.TwilioWebhook = h
	}
}

// WithJobLookup enables GET /jobs/{id}.
func WithJobLookup(j JobLookup) Option {
	return func(o *Opts) {
		o.Jobs = j
	}
}

// Intake accepts inbound messages for forwarding.
type Intake interface {
	Accept(ctx context.Context, msg models.InboundMessage) (uuid.UUID, error)
}

// JobLookup returns delivery reports by job id.
type JobLookup interface {
	Lookup(id uuid.UUID) (report dispatch.Report, pending bool, ok bool)
}

// Connectivity reports the cached network status.
type Connectivity interface {
	Status() connectivity.Status
	StatusDescription() string
	Mode() string
}

// Admission reports the limiter's state.
type Admission interface {
	CurrentCount() int
	Capacity() int
	Window() time.Duration
	TimeUntilNextSlot() time.Duration
}

// Server serves the ForwardPipe HTTP API.
type Server struct {
	intake  Intake
	backlog store.BacklogRepo
	network Connectivity
	limiter Admission
	opts    Opts
	started time.Time
	inner   *http.Server
}

// NewServer creates a Server. Call ListenAndServe to start it.
func NewServer(intake Intake, backlog store.BacklogRepo, network Connectivity, limiter Admission, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		intake:  intake,
		backlog: backlog,
		network: network,
		limiter: limiter,
		opts:    cfg,
		started: time.Now(),
	}
	s.inner = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /messages", s.submitHandler)
	mux.HandleFunc("GET /backlog/stats", s.backlogStatsHandler)
	mux.HandleFunc("GET /healthz", s.healthHandler)
	if s.opts.Jobs != nil {
		mux.HandleFunc("GET /jobs/{id}", s.jobHandler)
	}
	if s.opts.TwilioWebhook != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.opts.TwilioWebhook)
	}
	return mux
}

// Handler returns the route handler.
func (s *Server) Handler() http.Handler {
	return s.inner.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.inner.Addr
}

// ListenAndServe serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) ListenAndServe() error {
	slog.Info("Server.ListenAndServe: API listening", "addr", s.inner.Addr)
	if err := s.inner.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
