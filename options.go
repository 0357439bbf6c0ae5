package futago

import (
	"log/slog"

	"github.com/ashita-ai/futago/internal/config"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	cfg               *config.Config
	port              int
	databaseURL       string
	logger            *slog.Logger
	version           string
	embeddingProvider EmbeddingProvider
	linker            IncidentLinker
	lister            ActiveIncidentLister
}

// WithConfig supplies a complete configuration instead of reading the
// environment. It is validated by New.
func WithConfig(cfg config.Config) Option {
	return func(o *resolvedOptions) { o.cfg = &cfg }
}

// WithPort overrides the TCP port from config (FUTAGO_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the logger is built from FUTAGO_LOG_LEVEL and FUTAGO_LOG_FILE.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider.
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embeddingProvider = p }
}

// WithIncidentLinker replaces the configured incident policy with fn.
// It takes precedence over WithActiveIncidentLister.
func WithIncidentLinker(fn IncidentLinker) Option {
	return func(o *resolvedOptions) { o.linker = fn }
}

// WithActiveIncidentLister replaces the configured incident policy with fn.
func WithActiveIncidentLister(fn ActiveIncidentLister) Option {
	return func(o *resolvedOptions) { o.lister = fn }
}
