// Package backend wraps the scheduling backend's Instagram endpoints. The
// backend owns the durable account bindings; this client only observes
// them.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Account is one linked Instagram account as reported by the backend.
type Account struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// ExchangeResponse is the body of a completed code exchange.
type ExchangeResponse struct {
	Message  string    `json:"message"`
	Accounts []Account `json:"accounts"`
}

// CredentialStatus is the body of a check-credentials query.
type CredentialStatus struct {
	HasCredentials bool     `json:"has_credentials"`
	Usernames      []string `json:"usernames"`
}

// APIError is a non-2xx backend response. The body is preserved because
// the backend sometimes returns success-shaped data inside error payloads;
// callers must inspect Payload even on error status.
type APIError struct {
	StatusCode int
	Detail     string
	Payload    *ExchangeResponse
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("backend returned %d", e.StatusCode)
}

// Client talks to the scheduling backend.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the backend at baseURL. token is sent as a
// bearer header on authenticated endpoints.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// AuthURL asks the backend for a provider authorization URL bound to
// redirectURI.
func (c *Client) AuthURL(ctx context.Context, redirectURI string) (string, error) {
	var out struct {
		AuthURL string `json:"auth_url"`
	}
	body := map[string]string{"redirect_uri": redirectURI}
	if err := c.post(ctx, "/instagram/oauth/auth", body, &out); err != nil {
		return "", fmt.Errorf("fetch auth url: %w", err)
	}
	if out.AuthURL == "" {
		return "", fmt.Errorf("fetch auth url: backend returned empty auth_url")
	}
	return out.AuthURL, nil
}

// CompleteOAuth exchanges an authorization code for linked accounts. On a
// non-2xx status it returns an *APIError carrying whatever the error body
// held.
func (c *Client) CompleteOAuth(ctx context.Context, code string) (*ExchangeResponse, error) {
	var out ExchangeResponse
	body := map[string]string{"code": code}
	if err := c.post(ctx, "/instagram/oauth/complete", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckCredentials queries whether the user has any linked accounts.
func (c *Client) CheckCredentials(ctx context.Context) (CredentialStatus, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/instagram/check-credentials", nil)
	if err != nil {
		return CredentialStatus{}, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return CredentialStatus{}, fmt.Errorf("check credentials: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CredentialStatus{}, readAPIError(resp)
	}

	var out CredentialStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return CredentialStatus{}, fmt.Errorf("decode credentials: %w", err)
	}
	return out, nil
}

// Disconnect unlinks one account by username.
func (c *Client) Disconnect(ctx context.Context, username string) error {
	body := map[string]string{"username": username}
	if err := c.post(ctx, "/instagram/disconnect", body, nil); err != nil {
		return fmt.Errorf("disconnect %s: %w", username, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return readAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// readAPIError drains an error response into an APIError, parsing as much
// of the body as possible.
func readAPIError(resp *http.Response) *APIError {
	apiErr := &APIError{StatusCode: resp.StatusCode}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || len(raw) == 0 {
		return apiErr
	}

	var envelope struct {
		Detail   string    `json:"detail"`
		Message  string    `json:"message"`
		Accounts []Account `json:"accounts"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		apiErr.Detail = string(raw)
		return apiErr
	}

	apiErr.Detail = envelope.Detail
	if apiErr.Detail == "" {
		apiErr.Detail = envelope.Message
	}
	if envelope.Message != "" || len(envelope.Accounts) > 0 {
		apiErr.Payload = &ExchangeResponse{
			Message:  envelope.Message,
			Accounts: envelope.Accounts,
		}
	}
	return apiErr
}
