// Package client wraps the supervisor HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/apierror"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/ipc"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/metadata"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/supervisor"
	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/worker/stats"
)

// HTTPClient can perform any http request
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Client struct {
	client  HTTPClient
	address string
	logger  *slog.Logger
}

// New creates a client for the supervisor at address with a default http client.
func New(address string, logger *slog.Logger) *Client {
	return NewWithHTTPClient(address, logger, &http.Client{})
}

func NewWithHTTPClient(address string, logger *slog.Logger, httpClient HTTPClient) *Client {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return &Client{
		client:  httpClient,
		address: strings.TrimSuffix(address, "/"),
		logger:  logger,
	}
}

// CallResult is what a function answered.
type CallResult struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Deploy (re)starts the worker of name. A non-nil desc is stored in the
// registry first.
func (c *Client) Deploy(ctx context.Context, name string, desc *metadata.FunctionDescriptor) error {
	return c.admin(ctx, "deploy", supervisor.AdminRequest{Name: name, Function: desc})
}

func (c *Client) Delete(ctx context.Context, name string) error {
	return c.admin(ctx, "delete", supervisor.AdminRequest{Name: name})
}

func (c *Client) Reset(ctx context.Context, name string, keep bool) error {
	return c.admin(ctx, "reset", supervisor.AdminRequest{Name: name, Keep: keep})
}

func (c *Client) Debug(ctx context.Context, name string, opts ipc.DebugOptions) error {
	return c.admin(ctx, "debug", supervisor.AdminRequest{Name: name, Type: opts.Type, Port: opts.Port, Pause: opts.Pause})
}

func (c *Client) Clear(ctx context.Context) error {
	return c.admin(ctx, "clear", supervisor.AdminRequest{})
}

func (c *Client) Workers(ctx context.Context) ([]supervisor.WorkerStatus, error) {
	var list []supervisor.WorkerStatus
	if err := c.getJSON(ctx, "/api/workers", &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Host(ctx context.Context) (*supervisor.HostMetrics, error) {
	var host supervisor.HostMetrics
	if err := c.getJSON(ctx, "/api/host", &host); err != nil {
		return nil, err
	}
	return &host, nil
}

// Call invokes name with body under path. Error answers produced by the
// supervisor itself are returned as *apierror.Error; anything the function
// answered is returned as is.
func (c *Client) Call(ctx context.Context, name metadata.FunctionName, method, path, contentType string, body []byte) (*CallResult, error) {
	url := fmt.Sprintf("%s/%s/%s/%s/%s", c.address, name.Project, name.Location, name.ShortName, strings.TrimPrefix(path, "/"))
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("error sending call", "function", name.String(), "error", err)
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if isEnvelope(resp, raw) {
		return nil, apierror.FromEnvelope(resp.StatusCode, raw)
	}
	return &CallResult{StatusCode: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// Events follows the lifecycle event stream until ctx is done or fn returns
// an error. A non-empty id resumes an earlier stream. The listener id is
// returned so that the caller can resume later.
func (c *Client) Events(ctx context.Context, id string, fn func(stats.StatusUpdate) error) (string, error) {
	url := c.address + "/api/events"
	if id != "" {
		url += "?id=" + id
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", apierror.FromEnvelope(resp.StatusCode, raw)
	}
	id = resp.Header.Get(supervisor.ListenerIDHeader)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var su stats.StatusUpdate
		if err := json.Unmarshal(scanner.Bytes(), &su); err != nil {
			return id, fmt.Errorf("malformed event: %w", err)
		}
		if err := fn(su); err != nil {
			return id, err
		}
	}
	if ctx.Err() != nil {
		return id, nil
	}
	return id, scanner.Err()
}

func (c *Client) admin(ctx context.Context, op string, body supervisor.AdminRequest) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.address+"/api/"+op, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("error sending admin request", "op", op, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return apierror.FromEnvelope(resp.StatusCode, raw)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.address+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apierror.FromEnvelope(resp.StatusCode, raw)
	}
	return json.Unmarshal(raw, v)
}

// isEnvelope reports whether resp carries a supervisor error envelope rather
// than a function answer.
func isEnvelope(resp *http.Response, raw []byte) bool {
	if resp.StatusCode < http.StatusBadRequest || !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return false
	}
	var body apierror.Body
	if err := json.Unmarshal(raw, &body); err != nil {
		return false
	}
	return body.Error.Code == resp.StatusCode && body.Error.Status != "" && body.Error.Message != ""
}
