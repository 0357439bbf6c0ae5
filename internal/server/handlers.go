package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/futago/internal/auth"
	"github.com/ashita-ai/futago/internal/model"
	"github.com/ashita-ai/futago/internal/search"
	"github.com/ashita-ai/futago/internal/service/decisionlog"
	"github.com/ashita-ai/futago/internal/service/dedupe"
	"github.com/ashita-ai/futago/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	jwtMgr              *auth.JWTManager
	authn               *auth.Authenticator
	dedupe              *dedupe.Service
	buffer              *decisionlog.Buffer
	broker              *Broker
	finder              search.CandidateFinder
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	backend             string
	embeddingsName      string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Broker, Finder, OpenAPISpec.
type HandlersDeps struct {
	Store               storage.Store
	JWTMgr              *auth.JWTManager
	Authenticator       *auth.Authenticator
	Dedupe              *dedupe.Service
	Buffer              *decisionlog.Buffer
	Broker              *Broker
	Finder              search.CandidateFinder
	Logger              *slog.Logger
	Version             string
	Backend             string
	EmbeddingsName      string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		authn:               d.Authenticator,
		dedupe:              d.Dedupe,
		buffer:              d.Buffer,
		broker:              d.Broker,
		finder:              d.Finder,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		backend:             d.Backend,
		embeddingsName:      d.EmbeddingsName,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	key, err := h.authn.Authenticate(r.Context(), req.ClientID, req.APIKey)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		writeInternalError(h.logger, w, r, "failed to verify credentials", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key)
	if err != nil {
		writeInternalError(h.logger, w, r, "failed to issue token", err)
		return
	}

	h.logger.Info("token issued",
		"client_id", key.ClientID,
		"role", key.Role,
		"ip", r.RemoteAddr,
		"request_id", RequestIDFromContext(r.Context()),
	)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleEvaluate handles POST /v1/evaluate.
func (h *Handlers) HandleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateEvaluateRequest(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	d, err := h.dedupe.Evaluate(r.Context(), req)
	if err != nil {
		writeInternalError(h.logger, w, r, "evaluation failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleCheckTicket handles POST /v1/tickets/check.
func (h *Handlers) HandleCheckTicket(w http.ResponseWriter, r *http.Request) {
	var req model.CheckTicketRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.ValidateTicket(req.Ticket); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.dedupe.CheckTicket(r.Context(), req.Ticket, dedupe.CheckOptions{Persist: req.Persist})
	if err != nil {
		writeInternalError(h.logger, w, r, "ticket check failed", err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleListDecisions handles GET /v1/records/{record_id}/decisions.
func (h *Handlers) HandleListDecisions(w http.ResponseWriter, r *http.Request) {
	recordID := r.PathValue("record_id")
	if recordID == "" || len(recordID) > model.MaxIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid record_id")
		return
	}

	entries, err := h.store.ListDecisions(r.Context(), recordID, queryLimit(r, 50))
	if err != nil {
		writeInternalError(h.logger, w, r, "failed to list decisions", err)
		return
	}
	if entries == nil {
		entries = []model.DecisionLog{}
	}
	writeJSON(w, r, http.StatusOK, entries)
}

// HandleListIncidents handles GET /v1/incidents.
func (h *Handlers) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	activeOnly, err := queryBool(r, "active", false)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	incidents, err := h.store.ListIncidents(r.Context(), activeOnly)
	if err != nil {
		writeInternalError(h.logger, w, r, "failed to list incidents", err)
		return
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	writeJSON(w, r, http.StatusOK, incidents)
}

// HandleCreateIncident handles POST /v1/incidents.
func (h *Handlers) HandleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req model.CreateIncidentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.Title = strings.TrimSpace(req.Title)
	if req.ID == "" || req.Title == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id and title are required")
		return
	}
	if len(req.ID) > model.MaxIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "id is too long")
		return
	}

	inc, err := h.store.CreateIncident(r.Context(), model.Incident{
		ID:      req.ID,
		Title:   req.Title,
		Product: strings.TrimSpace(req.Product),
	})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "incident already exists: "+req.ID)
			return
		}
		writeInternalError(h.logger, w, r, "failed to create incident", err)
		return
	}
	h.logger.Info("incident opened", "incident_id", inc.ID, "product", inc.Product)
	writeJSON(w, r, http.StatusCreated, inc)
}

// HandleResolveIncident handles POST /v1/incidents/{incident_id}/resolve.
func (h *Handlers) HandleResolveIncident(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("incident_id")
	inc, err := h.store.ResolveIncident(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "incident not found: "+id)
			return
		}
		writeInternalError(h.logger, w, r, "failed to resolve incident", err)
		return
	}
	h.logger.Info("incident resolved", "incident_id", inc.ID)
	writeJSON(w, r, http.StatusOK, inc)
}

// HandleCreateKey handles POST /v1/keys. The raw key is returned once.
func (h *Handlers) HandleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req model.CreateKeyRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" || len(req.ClientID) > model.MaxIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid client_id")
		return
	}
	if req.ClientID == auth.AdminClientID {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is reserved: "+auth.AdminClientID)
		return
	}
	if !req.Role.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "role must be one of admin, service, reader")
		return
	}
	if err := model.ValidateKeyLabel(req.Label); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	key, raw, err := auth.NewKey(req.ClientID, req.Role, req.Label)
	if err != nil {
		writeInternalError(h.logger, w, r, "failed to generate key", err)
		return
	}
	created, err := h.store.CreateAPIKey(r.Context(), key)
	if err != nil {
		writeInternalError(h.logger, w, r, "failed to store key", err)
		return
	}

	issuer := ""
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		issuer = claims.ClientID
	}
	h.logger.Info("api key created",
		"client_id", created.ClientID,
		"role", created.Role,
		"prefix", created.Prefix,
		"created_by", issuer,
	)
	writeJSON(w, r, http.StatusCreated, model.APIKeyWithRawKey{APIKey: created, RawKey: raw})
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Idle SSE connections would otherwise be cut at WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Storage:      storeStatus,
		Backend:      h.backend,
		Embeddings:   h.embeddingsName,
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}

	if h.finder != nil {
		if err := h.finder.Healthy(r.Context()); err == nil {
			resp.Qdrant = "connected"
		} else {
			resp.Qdrant = "disconnected"
		}
	}
	if h.broker != nil {
		resp.SSEBroker = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

func queryBool(r *http.Request, key string, defaultVal bool) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("invalid " + key + ": expected true or false")
	}
	return b, nil
}
