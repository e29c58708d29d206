// Package api provides the HTTP surface of cartshared: the row store over
// JSON, change streams over SSE, directory lookups and health.
package api

import (
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/listenupapp/cartshare/internal/changefeed"
	"github.com/listenupapp/cartshare/internal/directory"
	"github.com/listenupapp/cartshare/internal/logger"
	"github.com/listenupapp/cartshare/internal/metrics"
	"github.com/listenupapp/cartshare/internal/ratelimit"
	"github.com/listenupapp/cartshare/internal/rowstore"
	"github.com/listenupapp/cartshare/internal/sse"
)

// Options holds the dependencies of a Server. Store is required; Feed is
// required for change streams.
type Options struct {
	Store          rowstore.Client
	Feed           *changefeed.Feed
	Directory      *directory.Directory
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
	AllowedOrigins []string
	WriteRate      float64
	WriteBurst     int
	SSEOptions     []sse.Option
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	store     rowstore.Client
	feed      *changefeed.Feed
	directory *directory.Directory
	metrics   *metrics.Metrics
	limiter   *ratelimit.KeyedRateLimiter
	access    *access
	router    *chi.Mux
	api       huma.API
	logger    *slog.Logger
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(opts Options) *Server {
	if opts.WriteRate <= 0 {
		opts.WriteRate = 20
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 40
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Directory == nil {
		opts.Directory = directory.New(opts.Store, nil)
	}

	s := &Server{
		store:     opts.Store,
		feed:      opts.Feed,
		directory: opts.Directory,
		metrics:   opts.Metrics,
		limiter:   ratelimit.New(opts.WriteRate, opts.WriteBurst),
		access:    &access{store: opts.Store},
		router:    chi.NewRouter(),
		logger:    logger.OrDiscard(opts.Logger),
	}

	// chi refuses middleware after the first route, and humachi registers
	// the docs routes on construction.
	s.setupMiddleware(opts.AllowedOrigins)

	humaConfig := huma.DefaultConfig("CartShare API", "1.0.0")
	humaConfig.Info.Description = "Row store, change streams and directory for shared shopping lists."
	s.api = humachi.New(s.router, humaConfig)
	RegisterErrorHandler()

	s.registerHealthRoutes()
	s.registerRowRoutes()
	s.registerDirectoryRoutes()

	if s.feed != nil {
		opts.SSEOptions = append([]sse.Option{sse.WithAuthorizer(s.authorizeStream)}, opts.SSEOptions...)
		stream := sse.NewHandler(s.feed, s.logger.With("component", "sse"), opts.SSEOptions...)
		s.router.Get("/api/v1/rows/{collection}/stream", stream.ServeHTTP)
	}
	s.router.Handle("/metrics", s.metrics.Handler())

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// API exposes the huma API, mainly for tests and OpenAPI export.
func (s *Server) API() huma.API {
	return s.api
}

// Close releases background resources.
func (s *Server) Close() {
	s.limiter.Stop()
}

// setupMiddleware configures middleware stack.
func (s *Server) setupMiddleware(origins []string) {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger.With("component", "http")))
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", UserIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	s.router.Use(identityMiddleware)
	s.router.Use(ratelimit.Middleware(s.limiter, writeKey, s.onRateLimited,
		http.MethodPost, http.MethodPatch, http.MethodDelete))
}

func (s *Server) onRateLimited(r *http.Request, key string) {
	s.metrics.RateLimited()
	s.logger.Debug("write rate limited", "key", key, "path", r.URL.Path)
}

// writeKey buckets writes per acting user, falling back to the client IP.
func writeKey(r *http.Request) string {
	if userID := r.Header.Get(UserIDHeader); userID != "" {
		return "user:" + userID
	}
	return "ip:" + ratelimit.ClientIP(r)
}
