package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/futago/internal/auth"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/ratelimit"
	"github.com/ashita-ai/futago/internal/search"
	"github.com/ashita-ai/futago/internal/service/decisionlog"
	"github.com/ashita-ai/futago/internal/service/dedupe"
	"github.com/ashita-ai/futago/internal/storage"
)

// Server is the futago HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Buffer, Broker, Finder, Limiter, MCPServer,
// OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Store         storage.Store
	JWTMgr        *auth.JWTManager
	Authenticator *auth.Authenticator
	Dedupe        *dedupe.Service
	Logger        *slog.Logger

	// Optional dependencies.
	Buffer    *decisionlog.Buffer
	Broker    *Broker
	Finder    search.CandidateFinder
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Metadata.
	Version        string
	Backend        string
	EmbeddingsName string
	OpenAPISpec    []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Authenticator:       cfg.Authenticator,
		Dedupe:              cfg.Dedupe,
		Buffer:              cfg.Buffer,
		Broker:              cfg.Broker,
		Finder:              cfg.Finder,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		Backend:             cfg.Backend,
		EmbeddingsName:      cfg.EmbeddingsName,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	perClient := ratelimit.Middleware(limiter, clientKeyFunc, cfg.Logger, rejectRateLimited)
	perIP := ratelimit.Middleware(limiter, func(r *http.Request) string {
		return "ip:" + ratelimit.IPKeyFunc(r)
	}, cfg.Logger, rejectRateLimited)

	readRole := func(next http.Handler) http.Handler { return perClient(requireRole(model.RoleReader)(next)) }
	serviceRole := func(next http.Handler) http.Handler { return perClient(requireRole(model.RoleService)(next)) }
	adminRole := func(next http.Handler) http.Handler { return perClient(requireRole(model.RoleAdmin)(next)) }

	mux := http.NewServeMux()

	// Public.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.Handle("POST /auth/token", perIP(http.HandlerFunc(h.HandleAuthToken)))

	// Evaluation.
	mux.Handle("POST /v1/evaluate", serviceRole(http.HandlerFunc(h.HandleEvaluate)))
	mux.Handle("POST /v1/tickets/check", serviceRole(http.HandlerFunc(h.HandleCheckTicket)))
	mux.Handle("GET /v1/records/{record_id}/decisions", readRole(http.HandlerFunc(h.HandleListDecisions)))

	// Incidents.
	mux.Handle("GET /v1/incidents", readRole(http.HandlerFunc(h.HandleListIncidents)))
	mux.Handle("POST /v1/incidents", adminRole(http.HandlerFunc(h.HandleCreateIncident)))
	mux.Handle("POST /v1/incidents/{incident_id}/resolve", adminRole(http.HandlerFunc(h.HandleResolveIncident)))

	// Keys.
	mux.Handle("POST /v1/keys", adminRole(http.HandlerFunc(h.HandleCreateKey)))

	// Events.
	mux.Handle("GET /v1/subscribe", readRole(http.HandlerFunc(h.HandleSubscribe)))

	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", serviceRole(mcpHTTP))
	}

	// Middleware chain (outermost first): request ID → security headers →
	// tracing → logging → auth → recovery → mux. Rate limits and roles are
	// applied per route.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
