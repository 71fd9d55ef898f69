// Package server exposes the master-data admin API over HTTP: entity CRUD
// guarded by concurrency tokens, two-step bulk actions, file upload and
// download, and the process-log audit view.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/masterdata-cli/internal/config"
	"github.com/sells-group/masterdata-cli/internal/store"
	"github.com/sells-group/masterdata-cli/internal/validity"
)

// Server wires the domain engines to HTTP handlers.
type Server struct {
	store    store.Store
	validity *validity.Engine
	upload   config.UploadConfig
	limiter  *rate.Limiter
	log      *zap.Logger
}

// New creates a server over the given store.
func New(st store.Store, cfg *config.Config) *Server {
	return &Server{
		store:    st,
		validity: validity.New(st),
		upload:   cfg.Upload,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Server.RateLimit), cfg.Server.RateBurst),
		log:      zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the chi router with the full middleware stack.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)
	r.Use(s.rateLimit)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Principal"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/audit", s.handleAudit)

		r.Route("/{entity}", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Post("/upload", s.handleUpload)
			r.Get("/download", s.handleDownload)
			r.Post("/bulk/confirm", s.handleBulkConfirm)
			r.Post("/bulk/execute", s.handleBulkExecute)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Put("/", s.handleUpdate)
				r.Delete("/", s.handleDelete)
				r.Post("/copy-forward", s.handleCopyForward)
			})
		})
	})

	return r
}

// requestLogger logs one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// recoverer converts panics into the generic 500 response instead of
// killing the connection.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"))
				s.internalError(w, r, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies a process-wide token bucket to all requests.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal identifies the acting user. The API trusts the upstream proxy
// to authenticate and forward the username.
func principal(r *http.Request) string {
	if p := r.Header.Get("X-Principal"); p != "" {
		return p
	}
	return "anonymous"
}
