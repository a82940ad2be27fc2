// Package api exposes the signing pipeline over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/signplane/internal/auth"
	httpmiddleware "github.com/wolfeidau/signplane/internal/http"
	"github.com/wolfeidau/signplane/internal/logger"
	"github.com/wolfeidau/signplane/internal/signing"
)

const (
	ProcessPath = "/signserver/process"
	HealthPath  = "/health"

	// multipart parts beyond this are spooled to disk by net/http.
	formMemoryBytes = 32 << 20
	formOverhead    = 1 << 20
)

// Signer is the part of signing.Pipeline the handlers use.
type Signer interface {
	Sign(ctx context.Context, req signing.Request) (*signing.SignedDocument, error)
}

// Config tunes the HTTP surface.
type Config struct {
	// CORSOrigins enables CORS on the signing route when non-empty.
	CORSOrigins []string
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// Verifier requires bearer tokens on the signing route when set.
	Verifier *auth.Verifier
	// MaxDocumentBytes bounds the request body.
	MaxDocumentBytes int64
}

type Server struct {
	router chi.Router
	signer Signer
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewServer(signer Signer, cfg Config, logger zerolog.Logger) *Server {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = signing.DefaultMaxDocumentBytes
	}

	s := &Server{
		router: chi.NewRouter(),
		signer: signer,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(httpmiddleware.ClientIPMiddleware(s.cfg.TrustProxy))
	s.router.Use(logger.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get(HealthPath, s.handleHealth)

	s.router.Group(func(r chi.Router) {
		corsEnabled := len(s.cfg.CORSOrigins) > 0
		if corsEnabled {
			r.Use(cors.New(cors.Options{
				AllowedOrigins: s.cfg.CORSOrigins,
				AllowedMethods: []string{http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Authorization", "Content-Type"},
				ExposedHeaders: []string{"Content-Disposition"},
			}).Handler)
		}
		if s.cfg.Verifier != nil {
			r.Use(s.cfg.Verifier.Middleware())
		}

		if corsEnabled {
			// preflight is answered by cors before reaching auth or this
			r.Options(ProcessPath, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNoContent)
			})
		}
		r.Post(ProcessPath, s.handleProcess)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// HTTPServer wraps handler with the timeouts used by every listener.
func HTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       5 * time.Minute,
		MaxHeaderBytes:    8 * 1024, // 8KiB
	}
}
