package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	applog "github.com/luftsport/nif-integration/pkg/log"
	"github.com/luftsport/nif-integration/pkg/types"
)

// Client talks to a running daemon's control surface
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a control client against host:port
func NewClient(host string, port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://%s:%d", host, port),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e errorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("daemon said: %s", e.Error)
		}
		return fmt.Errorf("daemon returned http %d", resp.StatusCode)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode daemon response: %w", err)
	}
	return nil
}

// Status reports daemon liveness and whether the fleet is running
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var status StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Shutdown asks the daemon to exit cleanly
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown", nil)
}

// StartWorkers starts the fleet
func (c *Client) StartWorkers(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/workers/start", nil)
}

// StopWorkers stops the fleet but keeps the daemon alive
func (c *Client) StopWorkers(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/workers/shutdown", nil)
}

// RebootWorkers stops and restarts the fleet
func (c *Client) RebootWorkers(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/workers/reboot", nil)
}

// Workers lists the fleet's state records
func (c *Client) Workers(ctx context.Context) ([]types.WorkerSnapshot, error) {
	var out []types.WorkerSnapshot
	if err := c.do(ctx, http.MethodGet, "/workers", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Worker returns one worker's state record
func (c *Client) Worker(ctx context.Context, index int) (*types.WorkerSnapshot, error) {
	var out types.WorkerSnapshot
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/workers/%d", index), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RestartWorker restarts one worker by index
func (c *Client) RestartWorker(ctx context.Context, index int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/workers/%d/restart", index), nil)
}

// WorkerLog fetches one worker's retained error records
func (c *Client) WorkerLog(ctx context.Context, index int) ([]applog.Record, error) {
	var out []applog.Record
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/workers/%d/log", index), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Logs fetches the retained error records for the whole fleet
func (c *Client) Logs(ctx context.Context) ([]WorkerLog, error) {
	var out []WorkerLog
	if err := c.do(ctx, http.MethodGet, "/workers/logs", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FailedTenants lists tenants whose workers could not start
func (c *Client) FailedTenants(ctx context.Context) ([]types.FailedTenant, error) {
	var out []types.FailedTenant
	if err := c.do(ctx, http.MethodGet, "/workers/failed", &out); err != nil {
		return nil, err
	}
	return out, nil
}
