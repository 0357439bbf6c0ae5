// Package futago is the public API for embedding the futago duplicate
// detection server in another program.
//
//	app, err := futago.New(
//	    futago.WithVersion(version),
//	    futago.WithLogger(logger),
//	    futago.WithIncidentLinker(myLinker),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
// Public collaborator types use plain Go types and are adapted here.
package futago

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/futago/api"
	"github.com/ashita-ai/futago/internal/auth"
	"github.com/ashita-ai/futago/internal/config"
	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/mcp"
	"github.com/ashita-ai/futago/internal/ratelimit"
	"github.com/ashita-ai/futago/internal/search"
	"github.com/ashita-ai/futago/internal/server"
	"github.com/ashita-ai/futago/internal/service/decisionlog"
	"github.com/ashita-ai/futago/internal/service/dedupe"
	"github.com/ashita-ai/futago/internal/service/embedding"
	"github.com/ashita-ai/futago/internal/service/incidents"
	"github.com/ashita-ai/futago/internal/storage"
	"github.com/ashita-ai/futago/internal/storage/sqlite"
	"github.com/ashita-ai/futago/internal/telemetry"
	"github.com/ashita-ai/futago/migrations"
)

// startupTimeout bounds database connection, migrations and Qdrant setup.
const startupTimeout = 60 * time.Second

// App is the futago server lifecycle. Construct with New, run with Run.
type App struct {
	cfg          config.Config
	store        storage.Store
	srv          *server.Server
	buf          *decisionlog.Buffer
	outbox       *search.OutboxWorker // nil unless Postgres and Qdrant are configured
	qdrantIndex  *search.QdrantIndex
	broker       *server.Broker // nil when no notify connection
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown
	closeLog     func() error
	logger       *slog.Logger
	version      string
}

// New connects to storage, runs migrations and wires all subsystems. It does
// not start goroutines or accept connections; call Run.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	var cfg config.Config
	if o.cfg != nil {
		cfg = *o.cfg
	} else {
		var err error
		if cfg, err = config.Load(); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog := o.logger, func() error { return nil }
	if logger == nil {
		level, _ := config.ParseLevel(cfg.LogLevel)
		logger, closeLog = config.SetupLogger(cfg.LogFile, level)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("futago starting", "version", version, "port", cfg.Port, "storage", cfg.StorageBackend)

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	app := &App{
		cfg:          cfg,
		otelShutdown: otelShutdown,
		closeLog:     closeLog,
		logger:       logger,
		version:      version,
	}
	if err := app.wire(ctx, o); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

// wire builds everything between storage and the HTTP server. On error the
// caller releases whatever was set on a.
func (a *App) wire(ctx context.Context, o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	var db *storage.DB
	switch cfg.StorageBackend {
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = s
		if err := s.RunMigrations(ctx, migrations.SQLite()); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	default:
		var err error
		if db, err = storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = db
		db.RegisterPoolMetrics()
		if err := db.RunMigrations(ctx, migrations.FS); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if cfg.JWTPrivateKeyPath == "" {
		logger.Warn("no JWT key pair configured, using an ephemeral key; tokens will not survive a restart")
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("FUTAGO_ADMIN_API_KEY not set, the admin client cannot authenticate")
	}

	var embedder embedding.Provider
	embeddingsName := "custom"
	if o.embeddingProvider != nil {
		embedder = &embeddingAdapter{inner: o.embeddingProvider}
		logger.Info("embedding provider: custom", "dimensions", embedder.Dimensions())
	} else {
		embedder = embedding.New(ctx, embedding.Settings{
			Provider:     cfg.EmbeddingProvider,
			Dimensions:   cfg.EmbeddingDimensions,
			OpenAIAPIKey: cfg.OpenAIAPIKey,
			OpenAIModel:  cfg.EmbeddingModel,
			OllamaURL:    cfg.OllamaURL,
			OllamaModel:  cfg.OllamaModel,
		}, logger)
		embeddingsName = providerName(embedder)
	}

	// Qdrant is fed by the Postgres outbox, so SQLite deployments use the
	// store's own similarity fallback.
	var finder search.CandidateFinder
	switch {
	case cfg.QdrantURL == "":
		logger.Info("qdrant not configured, similar candidates come from storage")
	case db == nil:
		logger.Warn("QDRANT_URL ignored: the qdrant index requires the postgres backend")
	case embedding.IsNoop(embedder):
		logger.Warn("QDRANT_URL ignored: no embedding provider available")
	default:
		idx, err := search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(embedder.Dimensions()), //nolint:gosec // dimensions are validated positive
		}, logger)
		if err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		a.qdrantIndex = idx
		if err := idx.EnsureCollection(ctx); err != nil {
			return fmt.Errorf("qdrant: %w", err)
		}
		a.outbox = search.NewOutboxWorker(db.Pool(), idx, logger, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		finder = idx
		logger.Info("qdrant index enabled", "collection", cfg.QdrantCollection)
	}

	engineCfg := cfg.EngineConfig()
	if o.linker != nil || o.lister != nil {
		engineCfg.Linker = dedup.IncidentLinker(o.linker)
		engineCfg.Lister = dedup.IncidentLister(o.lister)
	} else {
		collab, err := incidents.ForPolicy(cfg.IncidentPolicy, a.store)
		if err != nil {
			return err
		}
		collab.Apply(&engineCfg)
	}

	a.buf = decisionlog.NewBuffer(a.store, logger, 100, cfg.DecisionBufferSize, cfg.DecisionFlushInterval)

	deps := dedupe.Deps{
		Store:    a.store,
		Finder:   finder,
		Embedder: embedder,
		Log:      a.buf,
		Logger:   logger,
	}
	if db != nil {
		deps.Notifier = db
	}
	svc, err := dedupe.New(deps, dedupe.Settings{
		Engine:        engineCfg,
		Lookback:      cfg.CandidateLookback,
		MaxCandidates: cfg.MaxCandidates,
	})
	if err != nil {
		return err
	}

	if db != nil && db.HasNotifyConn() {
		a.broker = server.NewBroker(db, logger)
	}

	mcpSrv := mcp.New(svc, a.store, logger, a.version)
	a.limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst)

	a.srv = server.New(server.ServerConfig{
		Store:               a.store,
		JWTMgr:              jwtMgr,
		Authenticator:       auth.NewAuthenticator(a.store, cfg.AdminAPIKey),
		Dedupe:              svc,
		Logger:              logger,
		Buffer:              a.buf,
		Broker:              a.broker,
		Finder:              finder,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		Version:             a.version,
		Backend:             cfg.StorageBackend,
		EmbeddingsName:      embeddingsName,
		OpenAPISpec:         api.OpenAPISpec,
	})
	return nil
}

// Handler returns the root HTTP handler, for tests and for mounting futago
// under another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// Run starts the background workers and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown runs on return; callers
// should not call it separately.
func (a *App) Run(ctx context.Context) error {
	// Workers outlive ctx so shutdown can drain them in order.
	workerCtx := context.WithoutCancel(ctx)
	brokerCtx, stopBroker := context.WithCancel(workerCtx)
	defer stopBroker()

	a.buf.Start(workerCtx)
	if a.outbox != nil {
		a.outbox.Start(workerCtx)
	}
	brokerDone := make(chan struct{})
	if a.broker != nil {
		go func() {
			defer close(brokerDone)
			a.broker.Start(brokerCtx)
		}()
	} else {
		close(brokerDone)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		a.logger.Error("http server failed", "error", runErr)
	}

	shutdownErr := a.shutdown(stopBroker, brokerDone)
	return errors.Join(runErr, shutdownErr)
}

// shutdown stops the server in phases: HTTP drain, outbox drain, broker stop,
// decision log drain, then telemetry and storage.
func (a *App) shutdown(stopBroker context.CancelFunc, brokerDone <-chan struct{}) error {
	a.logger.Info("futago shutting down")
	timeout := a.cfg.ShutdownTimeout

	httpCtx, httpCancel := contextWithOptionalTimeout(context.Background(), timeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	if a.outbox != nil {
		outboxCtx, outboxCancel := contextWithOptionalTimeout(context.Background(), timeout)
		a.outbox.Drain(outboxCtx)
		outboxCancel()
	}

	stopBroker()
	<-brokerDone

	var err error
	bufCtx, bufCancel := contextWithOptionalTimeout(context.Background(), timeout)
	a.buf.Drain(bufCtx)
	bufCancel()
	if n := a.buf.Len(); n > 0 {
		a.logger.Error("decision log drain incomplete, unflushed entries will be lost",
			"remaining", n,
			"configured_timeout", timeout,
		)
		err = fmt.Errorf("decision log drain: %d entries not written", n)
	}

	a.close()
	a.logger.Info("futago stopped")
	return err
}

// close releases everything New acquired. Fields may be nil after a failed
// New.
func (a *App) close() {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	if a.store != nil {
		a.store.Close(context.Background())
	}
	if a.otelShutdown != nil {
		if err := a.otelShutdown(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.closeLog != nil {
		_ = a.closeLog()
	}
}

// embeddingAdapter exposes a public EmbeddingProvider as embedding.Provider.
type embeddingAdapter struct {
	inner EmbeddingProvider
}

func (a *embeddingAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	v, err := a.inner.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(v), nil
}

func (a *embeddingAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vs, err := a.inner.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(texts) {
		return nil, fmt.Errorf("futago: embedding provider returned %d vectors for %d texts", len(vs), len(texts))
	}
	out := make([]pgvector.Vector, len(vs))
	for i, v := range vs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *embeddingAdapter) Dimensions() int {
	return a.inner.Dimensions()
}

func providerName(p embedding.Provider) string {
	switch p.(type) {
	case *embedding.OpenAIProvider:
		return "openai"
	case *embedding.OllamaProvider:
		return "ollama"
	case *embedding.NoopProvider:
		return "noop"
	default:
		return "custom"
	}
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
