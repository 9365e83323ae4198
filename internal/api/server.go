// Package api exposes a small HTTP control surface for refreshd: health
// checks, on-demand refresh sessions and foreground/background switching.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/app/orchestration"
	"github.com/massimiliano76/AltStore/internal/domain/refresh"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
	"github.com/massimiliano76/AltStore/pkg/common/otel"
)

// SessionRunner starts refresh sessions.
type SessionRunner interface {
	Run(ctx context.Context, opts orchestration.RunOptions) (*refresh.Session, error)
}

// StateController switches the process between foreground and background.
type StateController interface {
	EnterForeground(ctx context.Context)
	EnterBackground(ctx context.Context)
	IsBackground() bool
}

// NotificationCenter reports what is waiting to be shown.
type NotificationCenter interface {
	Pending() []string
	Badge() int
}

// Server serves the control API.
type Server struct {
	addr   string
	router *chi.Mux

	sessions      SessionRunner
	state         StateController
	notifications NotificationCenter

	logger *logger.Logger
	tracer trace.Tracer
}

// NewServer creates a Server listening on addr.
func NewServer(
	addr string,
	sessions SessionRunner,
	state StateController,
	notifications NotificationCenter,
	log *logger.Logger,
	tracer trace.Tracer,
) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggerMiddleware(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:          addr,
		router:        r,
		sessions:      sessions,
		state:         state,
		notifications: notifications,
		logger:        log.With("component", "control_api"),
		tracer:        tracer,
	}
	s.routes()
	return s
}

func loggerMiddleware(log *logger.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				ctx := r.Context()
				log.Info(ctx, "Request completed",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration", time.Since(start),
					"trace_id", otel.GetTraceID(ctx),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

func (s *Server) routes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/readiness", s.handleReadiness)

		r.Post("/refresh", s.handleRefresh)
		r.Post("/foreground", s.handleForeground)
		r.Post("/background", s.handleBackground)
		r.Get("/notifications", s.handleNotifications)
	})
}

// Handler returns the traced HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "refreshd.api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/v1/health" && r.URL.Path != "/v1/readiness"
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type sessionResponse struct {
	SessionID   string   `json:"session_id"`
	State       string   `json:"state"`
	FetchResult string   `json:"fetch_result"`
	Candidates  []string `json:"candidates"`
	Alive       []string `json:"alive"`
	Error       string   `json:"error,omitempty"`
}

func newSessionResponse(session *refresh.Session) sessionResponse {
	resp := sessionResponse{
		SessionID:   session.ID,
		State:       session.State().String(),
		FetchResult: session.FetchResult().String(),
		Candidates:  refresh.BundleIDs(session.Candidates),
		Alive:       session.Alive(),
	}
	if outcome, ok := session.Outcome(); ok {
		if err := outcome.Error(); err != nil {
			resp.Error = err.Error()
		}
	}
	return resp
}

// handleRefresh runs one session and answers when it is terminal.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	// The session must not die with the client connection.
	ctx := context.WithoutCancel(r.Context())

	session, err := s.sessions.Run(ctx, orchestration.RunOptions{IsLaunch: r.URL.Query().Get("launch") == "true"})
	switch {
	case errors.Is(err, refresh.ErrSessionInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		s.logger.Error(ctx, "refresh session failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(ctx, w, http.StatusOK, newSessionResponse(session))
}

type stateResponse struct {
	Background bool `json:"background"`
}

func (s *Server) handleForeground(w http.ResponseWriter, r *http.Request) {
	s.state.EnterForeground(r.Context())
	s.writeJSON(r.Context(), w, http.StatusOK, stateResponse{Background: s.state.IsBackground()})
}

func (s *Server) handleBackground(w http.ResponseWriter, r *http.Request) {
	s.state.EnterBackground(r.Context())
	s.writeJSON(r.Context(), w, http.StatusOK, stateResponse{Background: s.state.IsBackground()})
}

type notificationsResponse struct {
	Pending []string `json:"pending"`
	Badge   int      `json:"badge"`
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(r.Context(), w, http.StatusOK, notificationsResponse{
		Pending: s.notifications.Pending(),
		Badge:   s.notifications.Badge(),
	})
}

func (s *Server) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn(ctx, "failed to encode response", "error", err)
	}
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(shutdownCtx, "failed to shutdown server", "error", err)
		}
	}()

	s.logger.Info(ctx, "starting server", "addr", server.Addr)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
