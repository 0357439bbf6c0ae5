package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/futago/internal/auth"
	"github.com/ashita-ai/futago/internal/model"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) model.APIError {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	return apiErr
}

func TestRequireRole(t *testing.T) {
	cases := []struct {
		name    string
		role    model.Role
		min     model.Role
		want    int
		noClaim bool
	}{
		{name: "admin passes service", role: model.RoleAdmin, min: model.RoleService, want: http.StatusOK},
		{name: "service passes service", role: model.RoleService, min: model.RoleService, want: http.StatusOK},
		{name: "reader fails service", role: model.RoleReader, min: model.RoleService, want: http.StatusForbidden},
		{name: "service fails admin", role: model.RoleService, min: model.RoleAdmin, want: http.StatusForbidden},
		{name: "no claims", min: model.RoleReader, want: http.StatusUnauthorized, noClaim: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
			if !tc.noClaim {
				req = req.WithContext(ContextWithClaims(req.Context(), &auth.Claims{ClientID: "c", Role: tc.role}))
			}
			rec := httptest.NewRecorder()
			requireRole(tc.min)(http.HandlerFunc(okHandler)).ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.APIKey{ClientID: "worker", Role: model.RoleService})
	require.NoError(t, err)

	var seen *auth.Claims
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := authMiddleware(mgr, inner)

	t.Run("public path", func(t *testing.T) {
		seen = nil
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, seen)
	})
	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
		req.Header.Set("Authorization", "bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "worker", seen.ClientID)
		assert.Equal(t, model.RoleService, seen.Role)
	})
	t.Run("wrong scheme", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
		req.Header.Set("Authorization", "Basic "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "invalid authorization format", decodeError(t, rec).Error.Message)
	})
	t.Run("token from another key pair", func(t *testing.T) {
		other, err := auth.NewJWTManager("", "", time.Hour)
		require.NoError(t, err)
		forged, _, err := other.IssueToken(model.APIKey{ClientID: "worker", Role: model.RoleAdmin})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
		req.Header.Set("Authorization", "Bearer "+forged)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestLoggingSeesClaimsFromAuth(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.APIKey{ClientID: "worker", Role: model.RoleReader})
	require.NoError(t, err)

	var outer *statusWriter
	capture := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outer = wrapStatus(w)
			next.ServeHTTP(outer, r)
		})
	}
	handler := capture(authMiddleware(mgr, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/incidents", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, outer)
	assert.Equal(t, http.StatusAccepted, outer.statusCode)
	require.NotNil(t, outer.claims())
	assert.Equal(t, "worker", outer.claims().ClientID)
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := requestIDMiddleware(recoveryMiddleware(testLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/evaluate", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	apiErr := decodeError(t, rec)
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
	assert.NotEmpty(t, apiErr.Meta.RequestID)
}

func TestRequestIDMiddleware(t *testing.T) {
	var got string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("x", 200))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Len(t, got, 36, "oversized ids are replaced with a uuid")
	assert.Equal(t, got, rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	securityHeadersMiddleware(http.HandlerFunc(okHandler)).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
}

func TestDecodeJSON(t *testing.T) {
	type body struct {
		Name string `json:"name"`
	}

	cases := []struct {
		name     string
		payload  string
		maxBytes int64
		want     int
	}{
		{name: "empty", payload: "", want: http.StatusBadRequest},
		{name: "malformed", payload: "{", want: http.StatusBadRequest},
		{name: "unknown field", payload: `{"name":"a","other":1}`, want: http.StatusBadRequest},
		{name: "two objects", payload: `{"name":"a"} {"name":"b"}`, want: http.StatusBadRequest},
		{name: "too large", payload: `{"name":"` + strings.Repeat("a", 100) + `"}`, maxBytes: 32, want: http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.payload))
			var b body
			err := decodeJSON(rec, req, &b, tc.maxBytes)
			require.Error(t, err)
			handleDecodeError(rec, req, err)
			assert.Equal(t, tc.want, rec.Code)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, rec).Error.Code)
		})
	}

	t.Run("ok", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"futago"}`))
		var b body
		require.NoError(t, decodeJSON(rec, req, &b, 1024))
		assert.Equal(t, "futago", b.Name)
	})
}

func TestQueryHelpers(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?limit=5000&active=true", nil)
	assert.Equal(t, maxQueryLimit, queryLimit(req, 50))
	active, err := queryBool(req, "active", false)
	require.NoError(t, err)
	assert.True(t, active)

	req = httptest.NewRequest(http.MethodGet, "/?limit=-3&active=sometimes", nil)
	assert.Equal(t, 1, queryLimit(req, 50))
	_, err = queryBool(req, "active", false)
	assert.Error(t, err)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, 50, queryLimit(req, 50))
	active, err = queryBool(req, "active", true)
	require.NoError(t, err)
	assert.True(t, active)
}
