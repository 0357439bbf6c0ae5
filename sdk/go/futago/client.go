package futago

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the futago server (e.g. "http://localhost:8080").
	BaseURL string

	// ClientID identifies the API key holder.
	ClientID string

	// APIKey is the secret used to obtain a JWT token.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the futago API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL, ClientID, or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("futago: BaseURL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("futago: ClientID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("futago: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.ClientID, cfg.APIKey, httpClient),
	}, nil
}

// Evaluate runs duplicate detection for a record against the candidates in
// req. Nothing is stored. Requires the service role.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*Decision, error) {
	if req.Candidates == nil {
		req.Candidates = []Candidate{}
	}
	var resp Decision
	if err := c.post(ctx, "/v1/evaluate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CheckTicket compares a ticket against stored records. With persist the
// ticket becomes a future candidate and the decision is logged. Requires the
// service role.
func (c *Client) CheckTicket(ctx context.Context, t Ticket, persist bool) (*CheckTicketResponse, error) {
	body := map[string]any{"ticket": t, "persist": persist}
	var resp CheckTicketResponse
	if err := c.post(ctx, "/v1/tickets/check", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decisions returns the logged decisions for a record, newest first. A
// non-positive limit uses the server default.
func (c *Client) Decisions(ctx context.Context, recordID string, limit int) ([]DecisionLog, error) {
	path := "/v1/records/" + url.PathEscape(recordID) + "/decisions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp []DecisionLog
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Incidents lists incidents, newest first.
func (c *Client) Incidents(ctx context.Context, activeOnly bool) ([]Incident, error) {
	path := "/v1/incidents"
	if activeOnly {
		path += "?active=true"
	}
	var resp []Incident
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// OpenIncident opens an incident. Requires the admin role.
func (c *Client) OpenIncident(ctx context.Context, req CreateIncidentRequest) (*Incident, error) {
	var resp Incident
	if err := c.post(ctx, "/v1/incidents", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ResolveIncident resolves an incident. Requires the admin role.
func (c *Client) ResolveIncident(ctx context.Context, id string) (*Incident, error) {
	var resp Incident
	if err := c.post(ctx, "/v1/incidents/"+url.PathEscape(id)+"/resolve", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateKey creates an API key. The raw key is only returned here. Requires
// the admin role.
func (c *Client) CreateKey(ctx context.Context, req CreateKeyRequest) (*APIKey, error) {
	var resp APIKey
	if err := c.post(ctx, "/v1/keys", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health reports server health. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("futago: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("futago: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h Health
	if err := handleResponse(resp, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("futago: marshal request body: %w", err)
		}
	}
	return c.do(ctx, http.MethodPost, path, encoded, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	return c.do(ctx, http.MethodGet, path, nil, dest)
}

// do sends an authenticated request. A 401 drops the cached token and the
// request is retried once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body []byte, dest any) error {
	for attempt := 0; ; attempt++ {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("futago: create request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("futago: %s %s: %w", method, req.URL.Path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate()
			continue
		}
		err = handleResponse(resp, dest)
		_ = resp.Body.Close()
		return err
	}
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("futago: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}
	if err := unwrapData(bodyBytes, dest); err != nil {
		return fmt.Errorf("futago: decode response: %w", err)
	}
	return nil
}

// unwrapData decodes the "data" member of the server's envelope into dest.
func unwrapData(body []byte, dest any) error {
	var envelope apiEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return err
	}
	if envelope.Data == nil {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
