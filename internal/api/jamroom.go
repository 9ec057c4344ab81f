package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/jamlabs/go-jamroom/internal/catalogue"
	"github.com/jamlabs/go-jamroom/internal/config"
	"github.com/jamlabs/go-jamroom/internal/registry"
	"github.com/jamlabs/go-jamroom/internal/server"
	"github.com/jamlabs/go-jamroom/internal/stats"
	"github.com/jamlabs/go-jamroom/internal/uploads"
)

type JamApp struct {
	log            *log.Logger
	registry       *registry.Registry
	js             *server.JamServer
	catalogue      *catalogue.Client
	uploads        *uploads.Store
	stats          stats.StatsProvider
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
	adminUser      string
	adminPass      string
}

// NewJamApp wires the HTTP surface. ups may be nil when remote storage
// is not configured; upload endpoints then answer 503.
func NewJamApp(mux *http.ServeMux, logger *log.Logger, js *server.JamServer, reg *registry.Registry,
	cat *catalogue.Client, ups *uploads.Store, sp stats.StatsProvider, cfg *config.Config) *JamApp {
	s := &JamApp{
		log:            logger,
		registry:       reg,
		js:             js,
		catalogue:      cat,
		uploads:        ups,
		stats:          sp,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
		adminUser:      cfg.AdminUser,
		adminPass:      cfg.AdminPass,
	}

	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("GET /api/rooms", http.HandlerFunc(s.listRooms))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms/{id}", http.HandlerFunc(s.getRoom))
	mux.Handle("POST /api/uploads", s.authMiddleware(s.upload))
	mux.Handle("GET /api/uploads", s.authMiddleware(s.listUploads))
	mux.Handle("POST /api/uploads/permanent", s.authMiddleware(s.togglePermanent))
	mux.Handle("DELETE /api/uploads", s.authMiddleware(s.deleteUpload))
	mux.Handle("GET /api/admin/uploads", s.adminMiddleware(s.adminListUploads))
	mux.Handle("POST /api/admin/uploads/permanent", s.adminMiddleware(s.adminSetPermanent))
	mux.Handle("DELETE /api/admin/uploads", s.adminMiddleware(s.adminDeleteUpload))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

func (s *JamApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *JamApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
