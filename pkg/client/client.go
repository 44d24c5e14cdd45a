package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matplo/procorg/internal/scheduler"
	"github.com/matplo/procorg/internal/store"
)

// Client is a typed HTTP client for the procorg API server. It carries the
// caller's username on every request; the server resolves it to a
// principal (credential verification happens in front of the server).
type Client struct {
	baseURL  string
	username string
	client   *http.Client
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Username string
	Timeout  time.Duration
}

// New creates a new procorg API client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://127.0.0.1:8420"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		username: cfg.Username,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Procorg-User", c.username)
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var ae apiError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err == nil && ae.Error != "" {
			return fmt.Errorf("%s %s: %s (HTTP %d)", method, path, ae.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Register creates a new definition.
func (c *Client) Register(ctx context.Context, name, command, cronExpr, description string) (store.Definition, error) {
	req := map[string]string{
		"name": name, "command": command,
		"cron_expr": cronExpr, "description": description,
	}
	var def store.Definition
	err := c.do(ctx, http.MethodPost, "/api/processes", req, &def)
	return def, err
}

// Unregister deletes a definition.
func (c *Client) Unregister(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/processes/"+url.PathEscape(name), nil, nil)
}

// List returns the definitions visible to the caller.
func (c *Client) List(ctx context.Context) ([]store.Definition, error) {
	var defs []store.Definition
	err := c.do(ctx, http.MethodGet, "/api/processes", nil, &defs)
	return defs, err
}

// Toggle enables or disables a definition.
func (c *Client) Toggle(ctx context.Context, name string, enabled bool) (store.Definition, error) {
	var def store.Definition
	path := "/api/processes/" + url.PathEscape(name) + "/toggle?enabled=" + strconv.FormatBool(enabled)
	err := c.do(ctx, http.MethodPost, path, nil, &def)
	return def, err
}

// Run starts one execution of name with args.
func (c *Client) Run(ctx context.Context, name string, args []string) (store.Execution, error) {
	var e store.Execution
	req := map[string][]string{"args": args}
	err := c.do(ctx, http.MethodPost, "/api/processes/"+url.PathEscape(name)+"/run", req, &e)
	return e, err
}

// Stop terminates a running execution.
func (c *Client) Stop(ctx context.Context, executionID string) (store.Execution, error) {
	var e store.Execution
	err := c.do(ctx, http.MethodPost, "/api/executions/"+url.PathEscape(executionID)+"/stop", nil, &e)
	return e, err
}

// Executions lists execution records, newest first.
func (c *Client) Executions(ctx context.Context, name string, status store.Status) ([]store.Execution, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if status != "" {
		q.Set("status", string(status))
	}
	path := "/api/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var execs []store.Execution
	err := c.do(ctx, http.MethodGet, path, nil, &execs)
	return execs, err
}

// LogChunk is one page of log lines plus the offset to resume from.
type LogChunk struct {
	Lines      []string `json:"lines"`
	NextOffset int      `json:"next_offset"`
}

// Logs reads a page of an execution's log stream.
func (c *Client) Logs(ctx context.Context, executionID, stream string, offset, maxLines int) (LogChunk, error) {
	q := url.Values{}
	q.Set("stream", stream)
	q.Set("offset", strconv.Itoa(offset))
	if maxLines > 0 {
		q.Set("max", strconv.Itoa(maxLines))
	}
	var chunk LogChunk
	err := c.do(ctx, http.MethodGet, "/api/executions/"+url.PathEscape(executionID)+"/logs?"+q.Encode(), nil, &chunk)
	return chunk, err
}

// State polls the change marker; changed is true when records changed
// since the given marker.
func (c *Client) State(ctx context.Context, since int64) (marker int64, changed bool, err error) {
	var resp struct {
		Marker  int64 `json:"marker"`
		Changed bool  `json:"changed"`
	}
	err = c.do(ctx, http.MethodGet, "/api/state?since="+strconv.FormatInt(since, 10), nil, &resp)
	return resp.Marker, resp.Changed, err
}

// SchedulerInfo fetches the serving instance's scheduler snapshot.
func (c *Client) SchedulerInfo(ctx context.Context) (scheduler.Info, error) {
	var info scheduler.Info
	err := c.do(ctx, http.MethodGet, "/api/scheduler", nil, &info)
	return info, err
}
