// Package admin serves the local control API: health, metrics, status,
// audit history and operator overrides.
package admin

import (
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"gpuwatch/internal/agent"
	"gpuwatch/internal/audit"
	"gpuwatch/internal/policy"
	"gpuwatch/internal/window"
)

const (
	defaultAuditLimit = 100
	shutdownTimeout   = 5 * time.Second
)

// ErrTokenRequired is returned when the server would listen beyond loopback
// without a bearer token.
var ErrTokenRequired = errors.New("admin token required when listening beyond loopback")

// Controller is the agent surface the API drives.
type Controller interface {
	Status() agent.Status
	ReloadPolicies(ctx context.Context, path string) (*policy.Profile, error)
	Suppress(ctx context.Context, name string, d time.Duration) (time.Time, error)
	Resume(ctx context.Context, name string) error
	ToggleChaos() (bool, error)
	AuditLog(ctx context.Context, f audit.Filter) ([]audit.Record, error)
	Plan() (policy.PlanResult, error)
}

// Options configures a Server.
type Options struct {
	Listen string
	Token  string
	// Metrics serves /metrics. Omitted when nil.
	Metrics http.Handler
	Logger  *slog.Logger
	// Listening is told when the listener opens and closes.
	Listening func(bool)
}

// Server is the control API.
type Server struct {
	ctrl   Controller
	opts   Options
	router *mux.Router
	tpl    *template.Template
	logger *slog.Logger
}

//go:embed templates/index.html
var content embed.FS

// NewServer validates opts and builds the router. Listening on a
// non-loopback address without a token is refused.
func NewServer(ctrl Controller, opts Options) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("admin: controller is required")
	}
	if !IsLoopback(opts.Listen) && opts.Token == "" {
		return nil, fmt.Errorf("%w (listen %q)", ErrTokenRequired, opts.Listen)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tpl := template.Must(template.New("index.html").Funcs(template.FuncMap{
		"pct": func(p *float64) string {
			if p == nil {
				return "n/a"
			}
			return strconv.FormatFloat(*p, 'f', 1, 64)
		},
	}).ParseFS(content, "templates/index.html"))
	s := &Server{ctrl: ctrl, opts: opts, router: mux.NewRouter(), tpl: tpl, logger: opts.Logger}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.router.HandleFunc("/", s.handleIndex).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/audit", s.handleAudit).Methods(http.MethodGet)
	s.router.HandleFunc("/policies/plan", s.handlePlan).Methods(http.MethodGet)
	s.router.HandleFunc("/policies/reload", s.handleReload).Methods(http.MethodPost)
	s.router.HandleFunc("/policies/{name}/suppress", s.handleSuppress).Methods(http.MethodPost)
	s.router.HandleFunc("/policies/{name}/suppress", s.handleResume).Methods(http.MethodDelete)
	s.router.HandleFunc("/chaos", s.handleToggleChaos).Methods(http.MethodPost)

	s.router.Use(s.recoveryMiddleware, s.loggingMiddleware, s.authMiddleware)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("admin listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("control API listening", "addr", ln.Addr().String(), "auth", s.opts.Token != "")
	s.notify(true)
	defer s.notify(false)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) notify(on bool) {
	if s.opts.Listening != nil {
		s.opts.Listening(on)
	}
}

// IsLoopback reports whether addr ("host:port") only accepts local
// connections. An empty host binds every interface.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.Token)) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="gpuwatch"`)
			writeError(w, http.StatusUnauthorized, errors.New("invalid or missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("control request", "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("control handler panicked", "path", r.URL.Path, "panic", p)
				writeError(w, http.StatusInternalServerError, errors.New("internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tpl.Execute(w, s.ctrl.Status()); err != nil {
		s.logger.Error("render index", "err", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ctrl.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"node":      st.Node,
		"ticks":     st.Ticks,
		"last_tick": st.LastTick,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		Policy: q.Get("policy"),
		Target: q.Get("target"),
		Result: audit.Result(q.Get("result")),
		Limit:  defaultAuditLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since: %w", err))
			return
		}
		f.Since = ts
	}
	recs, err := s.ctrl.AuditLog(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Plan()
	switch {
	case errors.Is(err, window.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusConflict, err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	p, err := s.ctrl.ReloadPolicies(r.Context(), "")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"profile":  p.Name,
		"version":  p.Version,
		"policies": len(p.Policies),
	})
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	d, err := time.ParseDuration(r.URL.Query().Get("for"))
	if err != nil || d <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter for must be a positive duration"))
		return
	}
	until, err := s.ctrl.Suppress(r.Context(), name, d)
	if err != nil {
		writeError(w, overrideStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": name, "suppressed_until": until.UTC()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.ctrl.Resume(r.Context(), name); err != nil {
		writeError(w, overrideStatus(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func overrideStatus(err error) int {
	switch {
	case errors.Is(err, policy.ErrUnknownPolicy):
		return http.StatusNotFound
	case errors.Is(err, policy.ErrNotSuppressed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleToggleChaos(w http.ResponseWriter, r *http.Request) {
	state, err := s.ctrl.ToggleChaos()
	if err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chaos": state})
}
