// Package syncclient is the HTTP client for the remote score store.
package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tallyhq/tally/internal/events"
	"github.com/tallyhq/tally/internal/game"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	// ErrConflict signals the server rejected a push because the
	// client's base version is stale. The ConflictResponse carries the
	// server's view so a resolver can reconcile.
	ErrConflict = errors.New("version conflict")
)

// Client is an HTTP client for the tally sync server.
type Client struct {
	BaseURL  string
	APIKey   string
	ClientID string
	HTTP     *http.Client
}

// New creates a new sync client.
func New(baseURL, apiKey, clientID string) *Client {
	return &Client{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		ClientID: clientID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// --- Wire types ---

// EventInput is a single event in a push request.
type EventInput struct {
	ID           string          `json:"id"`
	ActionType   string          `json:"action_type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    string          `json:"timestamp"`
	LocalVersion int64           `json:"local_version"`
	UserID       string          `json:"user_id,omitempty"`
	ClientID     string          `json:"client_id"`
}

// PushRequest is the body for POST /v1/games/{id}/events.
type PushRequest struct {
	ClientID    string       `json:"client_id"`
	BaseVersion int64        `json:"base_version"`
	Events      []EventInput `json:"events"`
}

// PushResponse is the success response to a push: the new server
// version and the subset of event ids the server actually applied.
type PushResponse struct {
	ServerVersion int64    `json:"server_version"`
	AppliedEvents []string `json:"applied_events"`
}

// ConflictResponse is the 409 body: the server's snapshot and version.
type ConflictResponse struct {
	Snapshot      game.State `json:"snapshot"`
	ServerVersion int64      `json:"server_version"`
}

// ForcePushRequest is the body for POST /v1/games/{id}/snapshots.
type ForcePushRequest struct {
	Snapshot     game.State `json:"snapshot"`
	LocalVersion int64      `json:"local_version"`
	Force        bool       `json:"force"`
}

// ForcePushResponse acknowledges a snapshot override.
type ForcePushResponse struct {
	ServerVersion int64 `json:"server_version"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// --- Methods ---

// PushEvents sends a batch of pending events with the client's last
// synced version as base. On a 409 the returned error wraps ErrConflict
// and the *ConflictResponse is non-nil.
func (c *Client) PushEvents(ctx context.Context, gameID string, baseVersion int64, evs []events.GameEvent) (*PushResponse, *ConflictResponse, error) {
	req := PushRequest{ClientID: c.ClientID, BaseVersion: baseVersion}
	for _, ev := range evs {
		req.Events = append(req.Events, EventInput{
			ID:           ev.ID,
			ActionType:   string(ev.Action),
			Payload:      ev.Payload,
			Timestamp:    ev.Timestamp.Format(time.RFC3339Nano),
			LocalVersion: ev.LocalVersion,
			UserID:       ev.UserID,
			ClientID:     ev.ClientID,
		})
	}

	status, body, err := c.do(ctx, "POST", fmt.Sprintf("/v1/games/%s/events", gameID), req)
	if err != nil {
		return nil, nil, err
	}
	if status == http.StatusConflict {
		var conflict ConflictResponse
		if err := json.Unmarshal(body, &conflict); err != nil {
			return nil, nil, fmt.Errorf("decode conflict response: %w", err)
		}
		return nil, &conflict, fmt.Errorf("%w: server at version %d", ErrConflict, conflict.ServerVersion)
	}
	if err := checkStatus(status, body); err != nil {
		return nil, nil, err
	}
	var resp PushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil, nil
}

// ForcePushSnapshot overrides the server's state with the local
// snapshot. Intended for explicit user-driven client-wins resolution.
func (c *Client) ForcePushSnapshot(ctx context.Context, gameID string, snapshot game.State, localVersion int64) (*ForcePushResponse, error) {
	req := ForcePushRequest{Snapshot: snapshot, LocalVersion: localVersion, Force: true}
	status, body, err := c.do(ctx, "POST", fmt.Sprintf("/v1/games/%s/snapshots", gameID), req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status, body); err != nil {
		return nil, err
	}
	var resp ForcePushResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// HealthCheck hits /healthz to verify server reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	status, body, err := c.do(ctx, "GET", "/healthz", nil)
	if err != nil {
		return err
	}
	return checkStatus(status, body)
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

func checkStatus(status int, body []byte) error {
	if status < 400 {
		return nil
	}
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != "" {
		switch status {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		default:
			return &apiErr
		}
	}
	return fmt.Errorf("HTTP %d: %s", status, string(body))
}
