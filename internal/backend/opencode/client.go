// Package opencode implements the subprocess-server backend.
//
// client.go - HTTP communication layer
//
// This file contains:
// - REST client methods for the opencode server API (doJSON)
// - Async prompt submission (PromptAsync)
// - SSE event subscription (SubscribeEvents)
//
// The server speaks HTTP REST for commands and SSE for event streaming.
// One Client exists per running server, all bound to loopback.
package opencode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to one opencode server instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for a server on the given loopback port.
func NewClient(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientURL creates a client for an explicit base URL. Tests use this to
// point the client at an httptest server.
func NewClientURL(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is the server's error envelope.
type apiError struct {
	Name string `json:"name"`
	Data struct {
		Message string `json:"message"`
	} `json:"data"`
}

// doJSON executes a request and decodes the JSON response into out (if
// non-nil). Non-2xx responses are returned as errors carrying the server's
// error name when one is present.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Name != "" {
			return fmt.Errorf("%s %s: %s: %s", method, path, apiErr.Name, apiErr.Data.Message)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

// Health checks whether the server is responding.
func (c *Client) Health(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/global/health", nil, nil)
}

// sessionEnvelope is the server's session object.
type sessionEnvelope struct {
	ID     string          `json:"id"`
	Title  string          `json:"title"`
	Revert *revertEnvelope `json:"revert,omitempty"`
}

type revertEnvelope struct {
	MessageID string `json:"messageID"`
	Diff      string `json:"diff,omitempty"`
}

// CreateSession creates a new server session and returns its id.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	var result sessionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/session", map[string]any{}, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("create session returned no id")
	}
	return result.ID, nil
}

// Session fetches one session by id.
func (c *Client) Session(ctx context.Context, sessionID string) (*sessionEnvelope, error) {
	var result sessionEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Rename updates a session's title.
func (c *Client) Rename(ctx context.Context, sessionID, title string) error {
	return c.doJSON(ctx, http.MethodPatch, "/session/"+sessionID, map[string]string{"title": title}, nil)
}

// messageEnvelope is one conversation entry as the server returns it.
type messageEnvelope struct {
	Info struct {
		ID      string `json:"id"`
		Role    string `json:"role"`
		Created int64  `json:"created"`
	} `json:"info"`
	Parts []partEnvelope `json:"parts"`
}

type partEnvelope struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
	Mime string `json:"mime,omitempty"`
}

// Messages lists a session's conversation history.
func (c *Client) Messages(ctx context.Context, sessionID string) ([]messageEnvelope, error) {
	var result []messageEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/message", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// PromptAsync submits a prompt turn. The call returns once the server has
// accepted the message; output arrives on the SSE stream.
// model format: "providerID/modelID" (e.g. "anthropic/claude-sonnet-4-5").
func (c *Client) PromptAsync(ctx context.Context, sessionID string, parts []map[string]string, model, variant string) error {
	body := map[string]any{"parts": parts}

	if model != "" {
		mp := strings.SplitN(model, "/", 2)
		if len(mp) == 2 {
			body["model"] = map[string]string{
				"providerID": mp[0],
				"modelID":    mp[1],
			}
		}
	}
	if variant != "" && variant != "off" {
		body["variant"] = variant
	}

	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/prompt_async", body, nil)
}

// Abort asks the server to stop the session's current operation.
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/abort", nil, nil)
}

// Revert undoes the last turn, returning the new revert boundary.
func (c *Client) Revert(ctx context.Context, sessionID string) (*revertEnvelope, error) {
	var result sessionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/revert", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Revert, nil
}

// Unrevert redoes the most recently reverted turn.
func (c *Client) Unrevert(ctx context.Context, sessionID string) (*revertEnvelope, error) {
	var result sessionEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/unrevert", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Revert, nil
}

// permissionEnvelope is one unresolved permission request.
type permissionEnvelope struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	Title     string         `json:"title"`
	Patterns  []string       `json:"patterns,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Created   int64          `json:"time.created"`
}

// Permissions lists the session's unresolved permission requests.
func (c *Client) Permissions(ctx context.Context, sessionID string) ([]permissionEnvelope, error) {
	var result []permissionEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/session/"+sessionID+"/permissions", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReplyPermission resolves one permission request. response is "once",
// "always", or "reject"; pattern optionally narrows a standing policy.
func (c *Client) ReplyPermission(ctx context.Context, sessionID, permissionID, response, pattern string) error {
	body := map[string]string{"response": response}
	if pattern != "" {
		body["pattern"] = pattern
	}
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/permissions/"+permissionID, body, nil)
}

// ReplyQuestion answers an agent question with the chosen answers.
func (c *Client) ReplyQuestion(ctx context.Context, questionID string, answers []string) error {
	return c.doJSON(ctx, http.MethodPost, "/question/"+questionID+"/reply", map[string]any{"answers": answers}, nil)
}

// RejectQuestion dismisses an agent question without answering.
func (c *Client) RejectQuestion(ctx context.Context, questionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/question/"+questionID+"/reject", nil, nil)
}

// providerEnvelope is one model provider from the server config.
type providerEnvelope struct {
	Providers []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Models map[string]struct {
			Name string `json:"name"`
		} `json:"models"`
	} `json:"providers"`
	Default map[string]string `json:"default"`
}

// Providers fetches the server's model catalog.
func (c *Client) Providers(ctx context.Context) (*providerEnvelope, error) {
	var result providerEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/config/providers", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// commandEnvelope is one registered command.
type commandEnvelope struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Commands lists the server's registered commands.
func (c *Client) Commands(ctx context.Context) ([]commandEnvelope, error) {
	var result []commandEnvelope
	if err := c.doJSON(ctx, http.MethodGet, "/command", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// SendCommand runs a registered command in a session.
func (c *Client) SendCommand(ctx context.Context, sessionID, command, arguments string) error {
	body := map[string]string{"command": command}
	if arguments != "" {
		body["arguments"] = arguments
	}
	return c.doJSON(ctx, http.MethodPost, "/session/"+sessionID+"/command", body, nil)
}

// SubscribeEvents opens the server's SSE stream. The returned reader stays
// open until closed or the context is cancelled; the caller owns it.
func (c *Client) SubscribeEvents(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any per-request timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}
