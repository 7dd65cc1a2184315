// Package client is the HTTP client for the vmplane controller API. It is
// shared by vmctl and the agent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vmplane/pkg/api"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout bounds calls that are not long-polls.
const DefaultTimeout = 30 * time.Second

// pollGrace is added on top of a server-side wait so the server answers first.
const pollGrace = 5 * time.Second

// Client handles API calls to the vmplane controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// New creates a new client with the given base URL and bearer token.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		// Deadlines are per request, long-polls outlive DefaultTimeout.
		HTTPClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	return HasStatus(err, http.StatusNotFound)
}

// HasStatus reports whether err is an API error with the given status.
func HasStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// do sends one request and decodes a JSON response into out when out is not
// nil. Statuses outside 2xx become *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errResp api.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
			apiErr.Details = errResp.Details
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return resp.StatusCode, apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// CreateTenant sends POST /tenants. The client token must be the system secret.
func (c *Client) CreateTenant(ctx context.Context, req api.CreateTenantRequest) (*api.CreateTenantResponse, error) {
	var result api.CreateTenantResponse
	if _, err := c.do(ctx, http.MethodPost, "/tenants", req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateAPIKey sends POST /tenants/{id}/keys. The client token must be the system secret.
func (c *Client) CreateAPIKey(ctx context.Context, tenantID string, req api.CreateAPIKeyRequest) (*api.CreateAPIKeyResponse, error) {
	var result api.CreateAPIKeyResponse
	if _, err := c.do(ctx, http.MethodPost, "/tenants/"+url.PathEscape(tenantID)+"/keys", req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// IssueLease sends POST /license/lease.
func (c *Client) IssueLease(ctx context.Context, req api.IssueLeaseRequest) (*api.IssueLeaseResponse, error) {
	var result api.IssueLeaseResponse
	if _, err := c.do(ctx, http.MethodPost, "/license/lease", req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// Heartbeat sends POST /license/heartbeat.
func (c *Client) Heartbeat(ctx context.Context, leaseID string) (*api.LeaseResponse, error) {
	var result api.LeaseResponse
	if _, err := c.do(ctx, http.MethodPost, "/license/heartbeat", api.HeartbeatRequest{LeaseID: leaseID}, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// RevokeLease sends POST /license/revoke.
func (c *Client) RevokeLease(ctx context.Context, leaseID, reason string) (*api.RevokeLeaseResponse, error) {
	var result api.RevokeLeaseResponse
	req := api.RevokeLeaseRequest{LeaseID: leaseID, Reason: reason}
	if _, err := c.do(ctx, http.MethodPost, "/license/revoke", req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLease sends GET /license/leases/{id}.
func (c *Client) GetLease(ctx context.Context, leaseID string) (*api.LeaseResponse, error) {
	var result api.LeaseResponse
	if _, err := c.do(ctx, http.MethodGet, "/license/leases/"+url.PathEscape(leaseID), nil, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateCommand sends POST /vm-ops/commands.
func (c *Client) CreateCommand(ctx context.Context, req api.CreateCommandRequest) (*api.CommandResponse, error) {
	var result api.CommandResponse
	if _, err := c.do(ctx, http.MethodPost, "/vm-ops/commands", req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListOptions filters ListCommands. Zero values are omitted.
type ListOptions struct {
	AgentID     string
	Status      string
	CommandType string
	Limit       int
	Offset      int
}

func (o ListOptions) query() string {
	q := url.Values{}
	if o.AgentID != "" {
		q.Set("agent_id", o.AgentID)
	}
	if o.Status != "" {
		q.Set("status", o.Status)
	}
	if o.CommandType != "" {
		q.Set("command_type", o.CommandType)
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		q.Set("offset", strconv.Itoa(o.Offset))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// ListCommands sends GET /vm-ops/commands.
func (c *Client) ListCommands(ctx context.Context, opts ListOptions) ([]api.CommandResponse, error) {
	var result []api.CommandResponse
	if _, err := c.do(ctx, http.MethodGet, "/vm-ops/commands"+opts.query(), nil, &result, 0); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCommand sends GET /vm-ops/commands/{id}.
func (c *Client) GetCommand(ctx context.Context, id string) (*api.CommandResponse, error) {
	var result api.CommandResponse
	if _, err := c.do(ctx, http.MethodGet, "/vm-ops/commands/"+url.PathEscape(id), nil, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// NextCommand long-polls GET /vm-ops/commands/next. It returns nil, nil when
// nothing arrived within timeout.
func (c *Client) NextCommand(ctx context.Context, agentID string, timeout time.Duration) (*api.CommandResponse, error) {
	q := url.Values{}
	q.Set("agent_id", agentID)
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))

	var result *api.CommandResponse
	if _, err := c.do(ctx, http.MethodGet, "/vm-ops/commands/next?"+q.Encode(), nil, &result, timeout+pollGrace); err != nil {
		return nil, err
	}
	return result, nil
}

// PatchCommand sends PATCH /vm-ops/commands/{id}.
func (c *Client) PatchCommand(ctx context.Context, id string, req api.PatchCommandRequest) (*api.CommandResponse, error) {
	var result api.CommandResponse
	if _, err := c.do(ctx, http.MethodPatch, "/vm-ops/commands/"+url.PathEscape(id), req, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelCommand sends POST /vm-ops/commands/{id}/cancel.
func (c *Client) CancelCommand(ctx context.Context, id string) (*api.CommandResponse, error) {
	var result api.CommandResponse
	if _, err := c.do(ctx, http.MethodPost, "/vm-ops/commands/"+url.PathEscape(id)+"/cancel", nil, &result, 0); err != nil {
		return nil, err
	}
	return &result, nil
}

// AddLog sends POST /vm-ops/commands/{id}/logs.
func (c *Client) AddLog(ctx context.Context, id, content string) error {
	_, err := c.do(ctx, http.MethodPost, "/vm-ops/commands/"+url.PathEscape(id)+"/logs", api.AddLogRequest{Content: content}, nil, 0)
	return err
}

// GetLogs sends GET /vm-ops/commands/{id}/logs.
func (c *Client) GetLogs(ctx context.Context, id string, afterID int64, limit int) ([]api.LogEntry, error) {
	q := url.Values{}
	q.Set("after_id", strconv.FormatInt(afterID, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var result api.GetLogsResponse
	if _, err := c.do(ctx, http.MethodGet, "/vm-ops/commands/"+url.PathEscape(id)+"/logs?"+q.Encode(), nil, &result, 0); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// Dispatch sends POST /vm-ops/{kind}/{action}. With wait > 0 the controller
// holds the request until the command is terminal or wait elapses; done
// reports which of the two happened.
func (c *Client) Dispatch(ctx context.Context, kind, action string, req api.DispatchRequest, wait time.Duration) (cmd *api.CommandResponse, done bool, err error) {
	path := "/vm-ops/" + url.PathEscape(kind) + "/" + url.PathEscape(action)
	if wait > 0 {
		path += "?wait=" + strconv.Itoa(int(wait/time.Second))
	}

	var result api.CommandResponse
	status, err := c.do(ctx, http.MethodPost, path, req, &result, wait+DefaultTimeout)
	if err != nil {
		return nil, false, err
	}
	return &result, status == http.StatusOK, nil
}
