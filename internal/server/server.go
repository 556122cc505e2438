// Package server is the reference chat backend: REST endpoints over the
// sqlite store plus the realtime hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"renddirect/internal/config"
	"renddirect/internal/db"
	"renddirect/internal/websocket"
)

type Server struct {
	cfg      *config.Config
	db       *db.DB
	hub      *websocket.Hub
	handlers *Handlers
	logger   *zap.Logger
	http     *http.Server
}

func New(cfg *config.Config, database *db.DB, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := websocket.NewHub(roomBackend{db: database}, logger)
	h := NewHandlers(cfg, database, hub, logger)
	s := &Server{
		cfg:      cfg,
		db:       database,
		hub:      hub,
		handlers: h,
		logger:   logger.Named("server"),
	}
	s.http = &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the full routing tree. The websocket endpoint bypasses
// CORS and request logging.
func (s *Server) Handler() http.Handler {
	h := s.handlers
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/register", logRequest(s.logger, h.HandleRegister))
	mux.HandleFunc("POST /api/auth/login", logRequest(s.logger, h.HandleLogin))
	mux.HandleFunc("POST /api/auth/logout", logRequest(s.logger, h.HandleLogout))
	mux.Handle("GET /api/auth/me", h.WithAuth(logRequest(s.logger, h.HandleMe)))

	mux.Handle("POST /api/properties", h.WithAuth(logRequest(s.logger, h.HandleCreateProperty)))

	mux.Handle("GET /api/conversations", h.WithAuth(logRequest(s.logger, h.HandleConversations)))
	mux.Handle("POST /api/conversations", h.WithAuth(logRequest(s.logger, h.HandleStartConversation)))
	mux.Handle("GET /api/conversations/unread-count", h.WithAuth(logRequest(s.logger, h.HandleUnreadCount)))
	mux.Handle("GET /api/conversations/{id}", h.WithAuth(logRequest(s.logger, h.HandleConversation)))
	mux.Handle("GET /api/conversations/{id}/messages", h.WithAuth(logRequest(s.logger, h.HandleMessages)))
	mux.Handle("POST /api/conversations/{id}/messages", h.WithAuth(logRequest(s.logger, h.HandleSendMessage)))
	mux.Handle("POST /api/conversations/{id}/read", h.WithAuth(logRequest(s.logger, h.HandleMarkRead)))
	mux.Handle("POST /api/conversations/{id}/reveal-phone", h.WithAuth(logRequest(s.logger, h.HandleRevealPhone)))

	api := h.WithCORS(mux)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			h.HandleWebSocket(w, r)
			return
		}
		api.ServeHTTP(w, r)
	})
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ServerAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the hub and serves on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go s.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Hub exposes the realtime hub so callers sharing a listener can run it.
func (s *Server) Hub() *websocket.Hub { return s.hub }

func logRequest(logger *zap.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("started", zap.String("method", r.Method), zap.String("path", r.URL.Path))

		// Create a custom response writer to capture the status code
		lrw := newLoggingResponseWriter(w)

		next.ServeHTTP(lrw, r)

		logger.Info("completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", lrw.statusCode),
			zap.Duration("duration", time.Since(start)))
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingResponseWriter(w http.ResponseWriter) *loggingResponseWriter {
	return &loggingResponseWriter{w, http.StatusOK}
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}
