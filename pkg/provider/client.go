// Package provider implements the client for the VPS control-plane API: the
// billing panel that owns the leased servers, performs OS reinstalls and
// password resets, and exposes those as asynchronous tasks to poll.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// APIError is a non-2xx response from the control plane.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// Server is one server as reported by the control plane.
type Server struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	PublicIP string `json:"main_ip"`
	Status   string `json:"status"`
}

// Task is one asynchronous control-plane operation. The panel reports
// completion as a flag and dumps whatever the operation printed, sometimes
// HTML, into Output.
type Task struct {
	ID        string `json:"id"`
	Action    string `json:"action"`
	Completed bool   `json:"completed"`
	Output    string `json:"output"`
}

// Client is an HTTP client for the control-plane API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a control-plane client. requestTimeout bounds individual
// HTTP calls, not task completion; waiting for tasks is the Poller's job.
func NewClient(baseURL, apiKey string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// ListServers lists all servers on the account.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var out struct {
		Servers []Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/servers", nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// GetServerID resolves a hostname handle to the provider-assigned server ID.
func (c *Client) GetServerID(ctx context.Context, handle string) (string, error) {
	servers, err := c.ListServers(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range servers {
		if s.Hostname == handle {
			return s.ID, nil
		}
	}
	return "", fmt.Errorf("server %q not found at provider", handle)
}

// ReinstallOS starts an OS reinstall and returns the task ID to poll. The
// public key is injected into the fresh image's root account.
func (c *Client) ReinstallOS(ctx context.Context, serverID, osTemplate, sshPublicKey string) (string, error) {
	body := map[string]string{
		"template": osTemplate,
		"ssh_key":  sshPublicKey,
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	path := fmt.Sprintf("/api/v1/servers/%s/reinstall", serverID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	log.Info().Str("server_id", serverID).Str("task_id", out.TaskID).
		Str("template", osTemplate).Msg("reinstall task submitted")
	return out.TaskID, nil
}

// ResetPassword starts a root password reset and returns the task ID.
func (c *Client) ResetPassword(ctx context.Context, serverID string) (string, error) {
	var out struct {
		TaskID string `json:"task_id"`
	}
	path := fmt.Sprintf("/api/v1/servers/%s/reset-password", serverID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.TaskID, nil
}

// GetTask fetches the current state of a task.
func (c *Client) GetTask(ctx context.Context, serverID, taskID string) (*Task, error) {
	var out Task
	path := fmt.Sprintf("/api/v1/servers/%s/tasks/%s", serverID, taskID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do performs one authenticated JSON round-trip.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Op:         fmt.Sprintf("%s %s", method, path),
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
