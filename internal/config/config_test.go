package config

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.875")
	v, err := envFloat("TEST_FLOAT", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.875, v)

	t.Setenv("TEST_FLOAT_BAD", "high")
	_, err = envFloat("TEST_FLOAT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="high" is not a valid number`, err.Error())
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	v, err := envBool("TEST_BOOL", true)
	require.NoError(t, err)
	assert.False(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "90s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "soon")
	_, err = envDuration("TEST_DUR_BAD", time.Second)
	require.Error(t, err)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, BackendPostgres, cfg.StorageBackend)
	assert.Equal(t, 0.92, cfg.ExactThreshold)
	assert.Equal(t, 0.85, cfg.LikelyThreshold)
	assert.Equal(t, 1.0, cfg.TimeWindowHours)
	assert.True(t, cfg.RequireSameAccount)
	assert.True(t, cfg.RequireSameError)
	assert.Equal(t, IncidentPolicyFirst, cfg.IncidentPolicy)
}

func TestLoadCollectsParseErrors(t *testing.T) {
	t.Setenv("FUTAGO_PORT", "eighty")
	t.Setenv("FUTAGO_EXACT_THRESHOLD", "very")

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalid))
	assert.Contains(t, err.Error(), "FUTAGO_PORT")
	assert.Contains(t, err.Error(), "FUTAGO_EXACT_THRESHOLD")
}

func TestLoadEngineOverrides(t *testing.T) {
	t.Setenv("FUTAGO_EXACT_THRESHOLD", "0.95")
	t.Setenv("FUTAGO_LIKELY_THRESHOLD", "0.8")
	t.Setenv("FUTAGO_TIME_WINDOW_HOURS", "2.5")
	t.Setenv("FUTAGO_REQUIRE_SAME_ERROR", "false")

	cfg, err := Load()
	require.NoError(t, err)
	ec := cfg.EngineConfig()
	assert.Equal(t, 0.95, ec.Thresholds.Exact)
	assert.Equal(t, 0.8, ec.Thresholds.Likely)
	assert.Equal(t, 2.5, ec.Metadata.TimeWindowHours)
	assert.True(t, ec.Metadata.RequireSameAccount)
	assert.False(t, ec.Metadata.RequireSameError)
}

func validConfig(t *testing.T) Config {
	t.Helper()
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"thresholds inverted", func(c *Config) { c.LikelyThreshold = 0.95 }, "likely threshold"},
		{"negative window", func(c *Config) { c.TimeWindowHours = -1 }, "time_window_hours"},
		{"NaN window", func(c *Config) { c.TimeWindowHours = math.NaN() }, "time_window_hours"},
		{"NaN exact threshold", func(c *Config) { c.ExactThreshold = math.NaN() }, "exact threshold"},
		{"unknown backend", func(c *Config) { c.StorageBackend = "mysql" }, "FUTAGO_STORAGE"},
		{"sqlite without path", func(c *Config) { c.StorageBackend = BackendSQLite; c.SQLitePath = "" }, "FUTAGO_SQLITE_PATH"},
		{"unknown provider", func(c *Config) { c.EmbeddingProvider = "cohere" }, "FUTAGO_EMBEDDING_PROVIDER"},
		{"unknown incident policy", func(c *Config) { c.IncidentPolicy = "smart" }, "FUTAGO_INCIDENT_POLICY"},
		{"half jwt keys", func(c *Config) { c.JWTPrivateKeyPath = "/tmp/k.pem" }, "FUTAGO_JWT_PUBLIC_KEY"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "FUTAGO_LOG_LEVEL"},
		{"port out of range", func(c *Config) { c.Port = 70000 }, "FUTAGO_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var a, b bytes.Buffer
	logger := SetupLoggerWithWriters(&a, &b, slog.LevelInfo)
	logger.Debug("hidden")
	logger.Info("evaluated", "action", "auto_merge")

	assert.Contains(t, a.String(), `"action":"auto_merge"`)
	assert.Contains(t, b.String(), `"action":"auto_merge"`)
	assert.NotContains(t, a.String(), "hidden")
}

func TestSetupLoggerFile(t *testing.T) {
	path := t.TempDir() + "/futago.log"
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("hello")
	require.NoError(t, cleanup())
	assert.FileExists(t, path)
}
