// Package api serves the connector over a local JSON API so a GUI shell can
// drive it. Calls into the orchestrator are serialized.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sharifconnect/sharifconnect/pkg/log"
	"github.com/sharifconnect/sharifconnect/pkg/model"
)

const (
	APIVersion     = "v1"
	DefaultAddress = "127.0.0.1:8787"

	requestIDHeader = "X-Request-Id"
)

// Service is what the API drives, see connect.Orchestrator.
type Service interface {
	Login(username, password string, remember bool) model.Result[string]
	Logout()
	LoggedIn() bool
	Username() string
	ChangeCredentials(newUsername, newPassword, currentPassword string) model.Result[[]string]
	Classify(ctx context.Context) model.NetworkState
	Connect(ctx context.Context) model.ConnectionResult
	Disconnect(ctx context.Context) model.ConnectionResult
	ListOtherSessions(ctx context.Context) model.Result[model.SessionList]
	TerminateOtherSession(ctx context.Context, sessionID string) model.Result[model.ActiveSession]
	Profile(ctx context.Context) model.Result[model.Profile]
	BandwidthLogs(ctx context.Context) model.Result[[]model.UsageEntry]
}

// ServerOptions configures the HTTP server. Zero values get local defaults;
// WriteTimeout is long because a tunnel dial can take most of a minute.
type ServerOptions struct {
	Addr              string
	ReadTimeout       time.Duration
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	// Token is the bearer token every call but healthz must carry. A random
	// one is generated when empty.
	Token string
	// Route reports the default route for /v1/status. Optional.
	Route  func() (gw, dev string, err error)
	Logger *zap.SugaredLogger
}

type Server struct {
	http   *http.Server
	svc    Service
	mu     sync.Mutex
	route  func() (gw, dev string, err error)
	logger *zap.SugaredLogger
	opts   ServerOptions
}

func NewServer(svc Service, opts ServerOptions) *Server {
	if svc == nil {
		panic("api.NewServer: service is nil")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddress
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ReadHeaderTimeout == 0 {
		opts.ReadHeaderTimeout = 2 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 2 * time.Minute
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = 60 * time.Second
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.Token == "" {
		opts.Token = NewToken()
	}
	opts.Logger = log.OrNop(opts.Logger)

	s := &Server{
		svc:    svc,
		route:  opts.Route,
		logger: opts.Logger,
		opts:   opts,
	}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Router(),
		ReadTimeout:       opts.ReadTimeout,
		ReadHeaderTimeout: opts.ReadHeaderTimeout,
		WriteTimeout:      opts.WriteTimeout,
		IdleTimeout:       opts.IdleTimeout,
		ErrorLog:          zap.NewStdLog(opts.Logger.Desugar()),
		BaseContext: func(l net.Listener) context.Context {
			return context.Background()
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.localOnly)

	r.Route("/"+APIVersion, func(r chi.Router) {
		r.Get("/healthz", s.handleHealthz)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Use(requireJSON)
			r.Get("/status", s.handleStatus)
			r.Post("/login", s.handleLogin)
			r.Post("/logout", s.handleLogout)
			r.Post("/credentials", s.handleCredentials)
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Get("/sessions", s.handleSessions)
			r.Delete("/sessions/{id}", s.handleTerminate)
			r.Get("/profile", s.handleProfile)
			r.Get("/usage", s.handleUsage)
		})
	})
	return r
}

// Token is the bearer token clients must send.
func (s *Server) Token() string { return s.opts.Token }

// NewToken returns a random per-launch api token.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

// Start serves in a background goroutine and returns immediately. A bind
// failure is reported on the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Infow("api listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("api stopped", "error", err)
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts down the server, waiting up to ShutdownTimeout.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": TimeNow().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	state := s.svc.Classify(r.Context())
	resp := StatusResponse{
		State:     int(state),
		StateName: state.String(),
		LoggedIn:  s.svc.LoggedIn(),
		Username:  s.svc.Username(),
	}
	s.mu.Unlock()

	if s.route != nil {
		if gw, dev, err := s.route(); err == nil {
			resp.Route = RouteView{Gateway: gw, Device: dev}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	res := s.svc.Login(req.Username, req.Password, req.Remember)
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.svc.Logout()
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, model.Result[string]{Success: true, Message: "logged out", Timestamp: TimeNow()})
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.mu.Lock()
	res := s.svc.ChangeCredentials(req.NewUsername, req.NewPassword, req.CurrentPassword)
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.svc.Connect(r.Context())
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.svc.Disconnect(r.Context())
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.svc.ListOtherSessions(r.Context())
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	res := s.svc.TerminateOtherSession(r.Context(), id)
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.svc.Profile(r.Context())
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	res := s.svc.BandwidthLogs(r.Context())
	s.mu.Unlock()
	writeResult(w, res.Success, res.Error, res)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeResult maps an orchestrator result onto an HTTP status.
func writeResult(w http.ResponseWriter, ok bool, kind string, v any) {
	writeJSON(w, statusFor(ok, kind), v)
}

func statusFor(ok bool, kind string) int {
	if ok {
		return http.StatusOK
	}
	switch kind {
	case "not_logged_in":
		return http.StatusUnauthorized
	case "auth":
		return http.StatusForbidden
	case "invalid_input":
		return http.StatusBadRequest
	case "state_mismatch":
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := TimeNow()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Infow("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", w.Header().Get(requestIDHeader),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// TimeNow is swapped in tests.
var TimeNow = time.Now
