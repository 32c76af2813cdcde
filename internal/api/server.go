// Package api exposes the knowledge base over HTTP. Handlers decode requests,
// call the core service and map domain errors onto status codes.
package api

import (
	"context"
	"expvar"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gennotes/internal/archive"
	"gennotes/internal/auth"
	"gennotes/internal/core"
)

// Pagination limits for list endpoints.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

const maxBodyBytes = 8 << 20

// Server holds the dependencies shared by all handlers.
type Server struct {
	svc      *core.Service
	verifier *auth.Verifier
	exports  *archive.Worker
	logger   *slog.Logger
	gatherer prometheus.Gatherer
	vars     bool
}

// Option configures a Server.
type Option func(*Server)

// WithVerifier sets the bearer token verifier. Without one every write is rejected.
func WithVerifier(v *auth.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithArchive enables the export endpoints.
func WithArchive(w *archive.Worker) Option {
	return func(s *Server) { s.exports = w }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithGatherer serves the gatherer's metrics at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithDebugVars serves the process expvar variables at /debug/vars.
func WithDebugVars() Option {
	return func(s *Server) { s.vars = true }
}

// NewServer builds a server over svc.
func NewServer(svc *core.Service, opts ...Option) *Server {
	s := &Server{
		svc:      svc,
		verifier: auth.NewVerifier("", "", ""),
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.authenticate)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.vars {
		r.Handle("/debug/vars", expvar.Handler())
	}

	r.Route("/api", func(api chi.Router) {
		api.Get("/me/", s.handleMe)

		api.Route("/variant", func(vr chi.Router) {
			vr.Get("/", s.listVariants)
			vr.With(s.requireWriter).Post("/", s.createVariant)
			vr.Get("/{ref}/", s.getVariant)
			vr.With(s.requireWriter).Put("/{ref}/", s.updateVariant(replaceMode))
			vr.With(s.requireWriter).Patch("/{ref}/", s.updateVariant(mergeMode))
			vr.Delete("/{ref}/", methodNotAllowed)
			vr.Get("/{ref}/revisions/", s.variantRevisions)
		})

		api.Route("/relation", func(rr chi.Router) {
			rr.Get("/", s.listRelations)
			rr.With(s.requireWriter).Post("/", s.createRelation)
			rr.Get("/{id}/", s.getRelation)
			rr.With(s.requireWriter).Put("/{id}/", s.updateRelation(replaceMode))
			rr.With(s.requireWriter).Patch("/{id}/", s.updateRelation(mergeMode))
			rr.With(s.requireWriter).Delete("/{id}/", s.deleteRelation)
			rr.Get("/{id}/revisions/", s.relationRevisions)
		})

		if s.exports != nil {
			api.With(s.requireWriter).Post("/export/", s.enqueueExport)
			api.Get("/export/{id}/", s.getExport)
		}
	})
	return r
}

type ctxKey int

const (
	requestIDKey ctxKey = iota
	decisionKey
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		s.logger.LogAttrs(r.Context(), level, "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", requestIDFrom(r.Context())),
		)
	})
}

// authenticate attaches the authorization decision for the bearer token,
// if any, to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := s.verifier.Authorize(r.Header.Get("Authorization"))
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), decisionKey, d)))
	})
}

func decisionFrom(ctx context.Context) auth.Decision {
	d, _ := ctx.Value(decisionKey).(auth.Decision)
	return d
}

// requireWriter rejects requests whose decision does not allow edits.
func (s *Server) requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := decisionFrom(r.Context()).Err(); err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeErrorStatus(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"Method \""+r.Method+"\" not allowed.", nil)
}

type meResponse struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	Authorized bool   `json:"can_edit"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	d := decisionFrom(r.Context())
	if !d.Authenticated {
		writeError(w, r, d.Err())
		return
	}
	writeJSON(w, http.StatusOK, meResponse{ID: d.User.ID, Username: d.User.Username, Authorized: d.Authorized})
}

func (s *Server) enqueueExport(w http.ResponseWriter, r *http.Request) {
	job, err := s.exports.Enqueue(r.Context(), decisionFrom(r.Context()).User)
	if err != nil {
		writeErrorStatus(w, r, http.StatusServiceUnavailable, "export_unavailable", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) getExport(w http.ResponseWriter, r *http.Request) {
	job, ok := s.exports.Get(chi.URLParam(r, "id"))
	if !ok {
		writeErrorStatus(w, r, http.StatusNotFound, "not_found", "export not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
