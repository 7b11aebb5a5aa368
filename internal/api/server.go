// Package api serves the daemon's admin surface: run history, live run
// event streams, manual dispatch, the project roster, and webhook intake.
// Metrics get their own listener so scrapes never contend with the API.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/conveyor/internal/daemon"
	"git.home.luguber.info/inful/conveyor/internal/errors"
	"git.home.luguber.info/inful/conveyor/internal/logfields"
	"git.home.luguber.info/inful/conveyor/internal/metrics"
)

const requestTimeout = 60 * time.Second

// Config sizes the listeners. MetricsHandler is served on MetricsListen
// when both are set; leaving MetricsListen empty disables that listener.
type Config struct {
	Listen         string
	MaxConns       int
	WebhookPath    string
	MetricsListen  string
	MetricsHandler http.Handler

	Logger   *slog.Logger
	Recorder metrics.Recorder
}

// Server is the daemon's HTTP front. Listeners are bound in Start so port
// conflicts fail startup atomically rather than after requests arrive.
type Server struct {
	daemon  *daemon.Daemon
	logger  *slog.Logger
	status  *errors.HTTPErrorAdapter
	webhook *daemon.WebhookHandler

	listen        string
	maxConns      int
	metricsListen string

	api     *http.Server
	metrics *http.Server
}

// NewServer wires the router against a constructed daemon.
func NewServer(d *daemon.Daemon, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		daemon:        d,
		logger:        logger,
		status:        errors.NewHTTPErrorAdapter(logger),
		listen:        cfg.Listen,
		maxConns:      cfg.MaxConns,
		metricsListen: cfg.MetricsListen,
	}
	s.webhook = daemon.NewWebhookHandler(d.Project, d, cfg.Recorder, logger)

	// No WriteTimeout: event streams stay open until the client leaves.
	s.api = &http.Server{
		Handler:           s.routes(cfg.WebhookPath),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsListen != "" {
		handler := cfg.MetricsHandler
		if handler == nil {
			handler = metrics.HTTPHandler(nil)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		s.metrics = &http.Server{
			Handler:           mux,
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
	}

	return s
}

func (s *Server) routes(webhookPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))
			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{id}", s.handleGetRun)
			r.Get("/projects", s.handleListProjects)
			r.Post("/projects/{name}/dispatch", s.handleDispatch)
		})
		// The event stream outlives any request timeout.
		r.Get("/runs/{id}/events", s.handleRunEvents)
	})

	hooks := strings.TrimRight(webhookPath, "/")
	if hooks == "" {
		hooks = "/hooks"
	}
	r.Post(hooks+"/{project}", func(w http.ResponseWriter, r *http.Request) {
		s.webhook.Handle(w, r, chi.URLParam(r, "project"))
	})

	return r
}

// Start binds and serves both listeners. Bind failures are joined so the
// operator sees every conflicting port at once.
func (s *Server) Start() error {
	apiLn, apiErr := net.Listen("tcp", s.listen)
	var metricsLn net.Listener
	var metricsErr error
	if s.metrics != nil {
		metricsLn, metricsErr = net.Listen("tcp", s.metricsListen)
	}
	if err := stderrors.Join(apiErr, metricsErr); err != nil {
		if apiLn != nil {
			_ = apiLn.Close()
		}
		if metricsLn != nil {
			_ = metricsLn.Close()
		}
		return errors.DaemonError("failed to bind listeners").WithCause(err).Build()
	}

	if s.maxConns > 0 {
		apiLn = netutil.LimitListener(apiLn, s.maxConns)
	}

	go s.serve(s.api, apiLn, "api")
	s.logger.Info("api listening", slog.String("addr", s.listen))

	if s.metrics != nil {
		go s.serve(s.metrics, metricsLn, "metrics")
		s.logger.Info("metrics listening", slog.String("addr", s.metricsListen))
	}
	return nil
}

func (s *Server) serve(srv *http.Server, ln net.Listener, name string) {
	if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.logger.Error("http server failed", slog.String("server", name), logfields.Error(err))
	}
}

// Shutdown stops both listeners, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	apiErr := s.api.Shutdown(ctx)
	var metricsErr error
	if s.metrics != nil {
		metricsErr = s.metrics.Shutdown(ctx)
	}
	return stderrors.Join(apiErr, metricsErr)
}

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) writeData(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := s.status.StatusCodeFor(err)
	msg := err.Error()
	if c, ok := errors.AsClassified(err); ok {
		msg = c.Message()
	}
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path), logfields.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(Response{Success: false, Error: msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.daemon.Ready() {
		s.writeError(w, r, errors.DaemonError("daemon is not accepting work").Build())
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"status":      "ready",
		"queue_depth": s.daemon.Queue().Depth(),
		"active_runs": len(s.daemon.Queue().Active()),
	})
}
