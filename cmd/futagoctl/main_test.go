package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/futago/internal/auth"
	"github.com/ashita-ai/futago/internal/dedup"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/storage/sqlite"
	"github.com/ashita-ai/futago/migrations"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--no-color"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFixture(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "case.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const exactFixture = `
input:
  record_id: t-2
  account_id: acct-1
  error_text: "  Login FAILED 401 "
  received_at: 2025-03-01T10:30:00Z
  candidates:
    - id: t-1
      account_id: acct-1
      error_text: login failed 401
      received_at: 2025-03-01T10:00:00Z
    - id: t-0
      account_id: acct-2
      error_text: login failed 401
      received_at: 2025-03-01T10:10:00Z
expect:
  action: auto_merge
`

func TestEvaluateHumanOutput(t *testing.T) {
	out, err := execute(t, "", "evaluate", "-f", writeFixture(t, exactFixture))
	require.NoError(t, err)

	assert.Contains(t, out, "record t-2")
	assert.Contains(t, out, "action auto_merge (2 candidates)")
	assert.Contains(t, out, "t-1")
	assert.Contains(t, out, "Same account, same error string, same timeframe")
	assert.NotContains(t, out, "t-0")
}

func TestEvaluateJSONSemanticMatch(t *testing.T) {
	fixture := `
metadata:
  require_same_error: false
input:
  record_id: r-2
  account_id: acct-1
  embedding: [1, 0, 0]
  candidates:
    - id: r-1
      account_id: acct-9
      embedding: [0.9, 0.44, 0]
`
	out, err := execute(t, "", "evaluate", "--json", "-f", writeFixture(t, fixture))
	require.NoError(t, err)

	var d dedup.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, dedup.ActionAgentReview, d.Action)
	require.Len(t, d.Matches, 1)
	assert.Equal(t, dedup.KindLikely, d.Matches[0].Kind)
	require.NotNil(t, d.Matches[0].Score)
	assert.InDelta(t, 0.8984, *d.Matches[0].Score, 0.0001)
}

func TestEvaluateFromStdin(t *testing.T) {
	out, err := execute(t, exactFixture, "evaluate", "-f", "-")
	require.NoError(t, err)
	assert.Contains(t, out, "action auto_merge")
}

func TestEvaluateActiveIncidents(t *testing.T) {
	fixture := `
active_incidents: [INC-5, INC-4]
input:
  record_id: r-1
  candidates: []
expect:
  action: link_and_notify
  linked_incident_id: INC-5
`
	out, err := execute(t, "", "evaluate", "-f", writeFixture(t, fixture))
	require.NoError(t, err)
	assert.Contains(t, out, "incident INC-5")
	assert.Contains(t, out, "linked to active incident")
}

func TestEvaluateExpectationMismatch(t *testing.T) {
	fixture := `
input:
  record_id: r-1
  candidates: []
expect:
  action: auto_merge
`
	_, err := execute(t, "", "evaluate", "-f", writeFixture(t, fixture))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected action auto_merge, got none")
}

func TestEvaluateRejectsBadFixtures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		errText string
	}{
		{name: "empty", body: "", errText: "fixture is empty"},
		{name: "unknown field", body: "input:\n  record_id: a\n  colour: red\n", errText: "colour"},
		{name: "missing record id", body: "input:\n  candidates: []\n", errText: "record_id is required"},
		{name: "bad thresholds", body: "thresholds:\n  exact: 0.5\n  likely: 0.9\ninput:\n  record_id: a\n", errText: "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "", "evaluate", "-f", writeFixture(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}

	_, err := execute(t, "", "evaluate")
	assert.Error(t, err, "--file is required")
}

func TestEvaluateWithDatabaseIncidents(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "futago.db")

	store, err := sqlite.Open(ctx, dbPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, store.RunMigrations(ctx, migrations.SQLite()))
	_, err = store.CreateIncident(ctx, model.Incident{ID: "INC-3", Title: "Checkout errors", Product: "checkout"})
	require.NoError(t, err)
	store.Close(ctx)

	fixture := writeFixture(t, "input:\n  record_id: r-1\n  product_tag: checkout\n  candidates: []\n")

	out, err := execute(t, "", "evaluate", "--json", "--db", dbPath, "--policy", "product", "-f", fixture)
	require.NoError(t, err)
	var d dedup.Decision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, dedup.ActionLinkAndNotify, d.Action)
	require.NotNil(t, d.LinkedIncidentID)
	assert.Equal(t, "INC-3", *d.LinkedIncidentID)

	out, err = execute(t, "", "evaluate", "--json", "--db", dbPath, "--policy", "none", "-f", fixture)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, dedup.ActionNone, d.Action)

	both := writeFixture(t, "active_incidents: [X]\ninput:\n  record_id: r-1\n")
	_, err = execute(t, "", "evaluate", "--db", dbPath, "-f", both)
	assert.ErrorContains(t, err, "mutually exclusive")
}

func TestHashKey(t *testing.T) {
	out, err := execute(t, "", "hash-key", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	ok, err := auth.VerifyAPIKey("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err = execute(t, "from-stdin\n", "hash-key")
	require.NoError(t, err)
	ok, err = auth.VerifyAPIKey("from-stdin", strings.TrimSpace(out))
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = execute(t, "\n", "hash-key")
	assert.Error(t, err)
}

func TestGenKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")

	out, err := execute(t, "", "genkey", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, privateKeyFile)

	priv := filepath.Join(dir, privateKeyFile)
	pub := filepath.Join(dir, publicKeyFile)
	info, err := os.Stat(priv)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(priv, pub, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.APIKey{ClientID: "svc", Role: model.RoleService})
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, model.RoleService, claims.Role)

	_, err = execute(t, "", "genkey", "--dir", dir)
	assert.ErrorContains(t, err, "already exists")

	_, err = execute(t, "", "genkey", "--dir", dir, "--force")
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "futagoctl dev\n", out)
}
