// Package server provides the HTTP surface for the gateway: chat
// streaming, conversation and user management, and the runtime
// introspection endpoints.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/agentsession"
	"github.com/relaygate/gateway/internal/llmqueue"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/lru"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/progress"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/streaming"
	"github.com/relaygate/gateway/internal/tool"
)

// Config holds server configuration.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8080,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // no write timeout for SSE
	}
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server

	chat          *streaming.Handler
	admission     *admission.Admission
	queue         *llmqueue.Queue
	registry      *tool.Registry
	executor      *tool.Executor
	users         repo.UserRepo
	conversations repo.ConversationRepo
	messages      repo.MessageRepo
	lru           *lru.Scheduler
	metrics       *metrics.Metrics
}

// Deps bundles the services New wires into route handlers.
type Deps struct {
	Providers     map[string]provider.Provider
	Admission     *admission.Admission
	Queue         *llmqueue.Queue
	Registry      *tool.Registry
	Executor      *tool.Executor
	Adapters      *tool.AdapterChain
	Progress      *progress.Store
	Sessions      *agentsession.Store
	Users         repo.UserRepo
	Conversations repo.ConversationRepo
	Messages      repo.MessageRepo
	LRU           *lru.Scheduler
	Metrics       *metrics.Metrics
}

// New builds a Server and wires its routes.
func New(cfg *Config, deps Deps) *Server {
	r := chi.NewRouter()

	streamDeps := streaming.Deps{
		Admission:     deps.Admission,
		Queue:         deps.Queue,
		Registry:      deps.Registry,
		Executor:      deps.Executor,
		Adapters:      deps.Adapters,
		Progress:      deps.Progress,
		Sessions:      deps.Sessions,
		Conversations: deps.Conversations,
		Messages:      deps.Messages,
		Metrics:       deps.Metrics,
	}

	s := &Server{
		config:        cfg,
		router:        r,
		chat:          streaming.NewHandler(streamDeps, deps.Providers),
		admission:     deps.Admission,
		queue:         deps.Queue,
		registry:      deps.Registry,
		executor:      deps.Executor,
		users:         deps.Users,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		lru:           deps.LRU,
		metrics:       deps.Metrics,
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link", "X-Request-ID", "X-Queue-Token", "X-Queue-Position", "X-Queue-Estimated-Wait"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through the structured logger instead
// of chi's stdlib-backed middleware.Logger, matching the rest of the
// gateway's logging.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logging.Logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("requestId", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
