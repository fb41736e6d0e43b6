// Package web provides the HTTP server for the upload field demo: the
// backend that receives uploads, the stored-file server, and a small host
// form that embeds one live upload field.
package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/uploadfield/internal/config"
	"github.com/JonMunkholm/uploadfield/internal/field"
	"github.com/JonMunkholm/uploadfield/internal/recovery"
	mw "github.com/JonMunkholm/uploadfield/internal/web/middleware"
)

// DemoFieldID is the field mounted on the demo form.
const DemoFieldID = "attachments"

// Options are the collaborators a Server needs beyond its configuration.
type Options struct {
	// Recovery stores unfinished uploads; nil disables recovery.
	Recovery recovery.Store
	// Client is used by field transports (default: a client without timeout).
	Client *http.Client
}

// Server is the HTTP server for the upload field demo.
type Server struct {
	cfg      *config.Config
	router   *chi.Mux
	server   *http.Server
	storage  *Storage
	forms    *FormHost
	limiters []*rateLimiter
}

// NewServer creates the server and mounts the demo field.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	storage, err := NewStorage(cfg.Storage.Dir, cfg.FilesURL())
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		storage: storage,
		forms:   NewFormHost(managerOptions(cfg, opts), filepath.Join(cfg.Storage.Dir, ".spool")),
	}

	err = s.forms.Mount(DemoFieldID, field.Config{
		MaxFiles:     cfg.Field.MaxFiles,
		MaxSizeBytes: cfg.Field.MaxSizeBytes,
		Accept:       cfg.Field.Accept,
		HelpText:     cfg.Field.HelpText,
	}, true, "")
	if err != nil {
		return nil, fmt.Errorf("mount demo field: %w", err)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s, nil
}

func managerOptions(cfg *config.Config, opts Options) field.ManagerOptions {
	m := field.ManagerOptions{
		Endpoint:      cfg.UploadEndpoint(),
		FieldName:     cfg.Upload.FieldName,
		TransferLimit: cfg.Upload.MaxConcurrent,
		Timeout:       cfg.Upload.Timeout,
		Client:        opts.Client,
		Logger:        slog.Default(),
	}
	if key := cfg.UploadAPIKey(); key != "" {
		m.Headers = http.Header{mw.APIKeyHeader: []string{key}}
	}
	if cfg.Recovery.Enabled && opts.Recovery != nil {
		m.Recovery = opts.Recovery
		m.RecoveryOptions = recovery.Options{
			Retention:     cfg.Recovery.Retention,
			MaxSpoolBytes: cfg.Recovery.MaxSpoolBytes,
		}
	}
	return m
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders(s.cfg.Security.EnableCSP))

	if s.cfg.Rate.Enabled {
		s.router.Use(s.newLimiter(s.cfg.Rate.RequestsPerMinute).middleware)
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	// Uploads and file transfers run without the request timeout.
	s.router.Group(func(r chi.Router) {
		if s.cfg.Rate.Enabled {
			r.Use(s.newLimiter(s.cfg.Rate.UploadLimit).middleware)
		}
		r.With(mw.APIKeyAuth(s.cfg.Security.RequireAPIKey, s.cfg.Security.APIKeys)).
			Post("/api/upload", s.handleUpload)
		r.Post("/field/{fieldID}/files", s.handleFieldFiles)
	})

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.Server.RequestTimeout))

		r.Get("/", s.handlePage)
		r.Handle("/files/*", http.StripPrefix("/files/", s.storage.Handler()))

		r.Route("/field/{fieldID}/files/{fileID}", func(r chi.Router) {
			r.Post("/"+field.FileRemove, s.handleFileAction(field.FileRemove))
			r.Post("/"+field.FileRetry, s.handleFileAction(field.FileRetry))
			r.Post("/"+field.FilePause, s.handleFileAction(field.FilePause))
			r.Post("/"+field.FileResume, s.handleFileAction(field.FileResume))
		})

		r.Route("/field/{fieldID}", func(r chi.Router) {
			r.Get("/", s.handleFieldView)
			r.Post("/remove", s.handleFieldRemove)
			r.Post("/touch", s.handleFieldTouch)
		})

		r.Route("/api/field/{fieldID}", func(r chi.Router) {
			r.Get("/value", s.handleFieldValue)
			r.Put("/config", s.handleFieldConfig)
		})
	})
}

func (s *Server) newLimiter(perMinute int) *rateLimiter {
	rl := newRateLimiter(perMinute, time.Minute)
	s.limiters = append(s.limiters, rl)
	return rl
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("server listening", "addr", s.server.Addr, "upload_endpoint", s.cfg.UploadEndpoint())
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, then
// releases the form fields.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.Close()
	return err
}

// Close unmounts every field and stops background work. In-flight
// transfers are abandoned.
func (s *Server) Close() {
	s.forms.Close()
	for _, rl := range s.limiters {
		rl.stop()
	}
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Forms returns the host form state.
func (s *Server) Forms() *FormHost {
	return s.forms
}

// securityHeaders adds security headers to all responses.
func securityHeaders(enableCSP bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
			if enableCSP {
				// htmx is loaded from unpkg; uploaded images may be previewed.
				w.Header().Set("Content-Security-Policy",
					"default-src 'self'; script-src 'self' https://unpkg.com; style-src 'self' 'unsafe-inline'; img-src 'self' data:")
			}
			next.ServeHTTP(w, r)
		})
	}
}
