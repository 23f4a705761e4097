package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"
	"time"

	"alembic/internal/api"
	"alembic/internal/queue"
)

// apiClient is a thin HTTP client for the daemon's API surface.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) SubmitTask(ctx context.Context, req api.SubmitTaskRequest) (api.SubmitTaskResponse, error) {
	var resp api.SubmitTaskResponse
	err := c.post(ctx, "/api/tasks", req, &resp)
	return resp, err
}

func (c *apiClient) SubmitBatch(ctx context.Context, req api.SubmitBatchRequest) (api.SubmitBatchResponse, error) {
	var resp api.SubmitBatchResponse
	err := c.post(ctx, "/api/batches", req, &resp)
	return resp, err
}

func (c *apiClient) GetTask(ctx context.Context, id string) (api.Task, error) {
	var task api.Task
	err := c.get(ctx, "/api/tasks/"+id, &task)
	return task, err
}

func (c *apiClient) CancelTask(ctx context.Context, id string) (api.Task, error) {
	var task api.Task
	err := c.post(ctx, "/api/tasks/"+id+"/cancel", nil, &task)
	return task, err
}

func (c *apiClient) GetBatch(ctx context.Context, id string) (api.BatchDetail, error) {
	var detail api.BatchDetail
	err := c.get(ctx, "/api/batches/"+id, &detail)
	return detail, err
}

func (c *apiClient) ListTasks(ctx context.Context, user string, statuses []queue.Status, limit int) (api.TaskListResponse, error) {
	path := fmt.Sprintf("/api/tasks?limit=%d", limit)
	if user != "" {
		path += "&user=" + user
	}
	for _, status := range statuses {
		path += "&status=" + string(status)
	}
	var resp api.TaskListResponse
	err := c.get(ctx, path, &resp)
	return resp, err
}

func (c *apiClient) Formats(ctx context.Context) (api.FormatListResponse, error) {
	var resp api.FormatListResponse
	err := c.get(ctx, "/api/formats", &resp)
	return resp, err
}

func (c *apiClient) Status(ctx context.Context) (api.DaemonStatus, error) {
	var status api.DaemonStatus
	err := c.get(ctx, "/api/status", &status)
	return status, err
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *apiClient) post(ctx context.Context, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("connect to daemon at %s: connection refused; start it with `alembicd`", c.base)
		}
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
			return fmt.Errorf("daemon: %s", payload.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode daemon response: %w", err)
	}
	return nil
}
