// Package api provides the HTTP API server for studiomail.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/apertura-studio/studiomail/internal/config"
	"github.com/apertura-studio/studiomail/internal/engine"
	"github.com/apertura-studio/studiomail/internal/mail"
	"github.com/apertura-studio/studiomail/internal/mailapi"
	"github.com/apertura-studio/studiomail/internal/scheduler"
	"github.com/apertura-studio/studiomail/internal/store"
)

// MailEngine defines the sync-engine operations the API needs.
type MailEngine interface {
	Sync(ctx context.Context, accountID string, folder mail.Folder) (*engine.SyncOutcome, error)
	LoadMore(ctx context.Context, accountID string, folder mail.Folder) (*engine.SyncOutcome, error)
	List(accountID string, folder mail.Folder, limit int) ([]*mail.EmailRecord, error)
	Counts(accountID string) (map[mail.Folder]store.FolderCount, error)
	Stats() (*store.Stats, error)
	Mutate(ctx context.Context, accountID string, op engine.Operation, emailID string, target mail.Folder) (*engine.Mutation, error)
	Send(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error)
	SaveDraft(ctx context.Context, accountID string, msg *mailapi.OutgoingMessage) (*mail.EmailRecord, error)
}

// SyncScheduler defines the scheduler operations the API needs.
type SyncScheduler interface {
	IsScheduled(accountID string) bool
	TriggerSync(accountID string) error
	Status() []scheduler.AccountStatus
	IsRunning() bool
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	engine      MailEngine
	scheduler   SyncScheduler
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *visitorLimiter
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eng MailEngine, sched SyncScheduler, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    eng,
		scheduler: sched,
		logger:    logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))
	r.Use(corsMiddleware(s.cfg.Server.AllowedOrigins))

	s.rateLimiter = newVisitorLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)
	r.Use(s.rateLimiter.middleware)

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	// API routes (auth required)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleStats)

		r.Route("/accounts/{account}", func(r chi.Router) {
			r.Get("/folders", s.handleFolderCounts)
			r.Get("/folders/{folder}/messages", s.handleListFolder)
			r.Post("/folders/{folder}/sync", s.handleSyncFolder)
			r.Post("/folders/{folder}/more", s.handleLoadMore)

			r.Post("/messages/{id}/actions", s.handleMessageAction)
			r.Delete("/messages/{id}", s.handleDeleteMessage)

			r.Post("/messages/send", s.handleSend)
			r.Post("/messages/draft", s.handleSaveDraft)
		})

		// Scheduler
		r.Get("/accounts", s.handleListAccounts)
		r.Post("/sync/{account}", s.handleTriggerSync)
		r.Get("/scheduler/status", s.handleSchedulerStatus)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication; set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
