// Package server exposes the HTTP surface: provider webhooks and the
// admin API for starting, approving, and inspecting onboarding threads.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/onboarding-cli/internal/store"
	"github.com/sells-group/onboarding-cli/internal/webhook"
)

// Options wires the server's collaborators.
type Options struct {
	Store      store.Store
	Engine     webhook.Advancer
	Verifier   *webhook.Verifier
	Dispatcher *webhook.Dispatcher

	// AdminToken guards the /api routes. Empty disables the admin surface.
	AdminToken string

	// CORSOrigins is the allow-list for the admin dashboard. Empty means
	// same-origin only.
	CORSOrigins []string

	// EsignSecret, when set, must match the e-sign callback's auth header.
	EsignSecret string
}

// Server is the HTTP front for the onboarding pipeline.
type Server struct {
	opts   Options
	router *chi.Mux
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/calendly", s.handleCalendlyWebhook)
	r.Post("/webhook/esign", s.handleEsignWebhook)

	if opts.AdminToken != "" {
		r.Route("/api", func(api chi.Router) {
			if len(opts.CORSOrigins) > 0 {
				api.Use(cors.Handler(cors.Options{
					AllowedOrigins:   opts.CORSOrigins,
					AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
					AllowedHeaders:   []string{"Authorization", "Content-Type"},
					AllowCredentials: true,
					MaxAge:           300,
				}))
			}
			api.Use(s.requireAdmin)

			api.Post("/threads", s.handleStartThread)
			api.Get("/threads", s.handleListThreads)
			api.Get("/threads/{id}", s.handleGetThread)
			api.Get("/threads/{id}/audit", s.handleGetAudit)
			api.Post("/threads/{id}/approve", s.handleApprove)
		})
	}

	s.router = r
	return s
}

// Handler returns the root http.Handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("starting server", zap.Int("port", port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

// requireAdmin enforces the bearer admin token with a constant-time compare.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// errorBody is the structured error shape admins see. Webhook senders never
// receive it; they get bare 200/401.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}
