// ABOUTME: HTTP client for the central fleet server API
// ABOUTME: Used by the relay to forward bus traffic and by the fleet-server CLI subcommands

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

	"github.com/Davery92/sara-jarvis/internal/bus"
	"github.com/Davery92/sara-jarvis/internal/fleet"
)

// ErrServer marks a non-2xx answer from the server.
var ErrServer = errors.New("server rejected request")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrServer) match any APIError.
func (e *APIError) Is(target error) bool {
	return target == ErrServer
}

// Client talks to the fleet server over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the server at baseURL. Every request is bounded
// by timeout.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server URL requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// handleErrorResponse extracts the message from an error body.
func handleErrorResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var errResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// Heartbeat forwards an agent heartbeat.
func (c *Client) Heartbeat(ctx context.Context, hb bus.Heartbeat) error {
	return c.do(ctx, http.MethodPost, "/agents/heartbeat/", hb, nil)
}

// UpdateDeviceStatus forwards a device status report.
func (c *Client) UpdateDeviceStatus(ctx context.Context, ds bus.DeviceStatus) error {
	return c.do(ctx, http.MethodPost, "/update_device_status/", ds, nil)
}

// CommandResponse forwards an agent's response to a command.
func (c *Client) CommandResponse(ctx context.Context, agentID string, resp bus.Response) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/command/response/", resp, nil)
}

// Presence forwards an agent's presence announcement.
func (c *Client) Presence(ctx context.Context, p bus.Presence) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(p.AgentID)+"/presence/", p, nil)
}

// DispatchCommand asks the server to send cmd to agentID and returns the
// command id it assigned.
func (c *Client) DispatchCommand(ctx context.Context, agentID string, cmd bus.Command) (string, error) {
	var out struct {
		CommandID string `json:"command_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/command/", cmd, &out); err != nil {
		return "", err
	}
	return out.CommandID, nil
}

// Agents lists every known agent.
func (c *Client) Agents(ctx context.Context) ([]fleet.AgentView, error) {
	var out struct {
		Agents []fleet.AgentView `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents/", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Devices lists the latest status of every device.
func (c *Client) Devices(ctx context.Context) ([]fleet.DeviceView, error) {
	var out struct {
		Devices []fleet.DeviceView `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices/", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// DeviceHistory returns a device's status log, newest first. A zero limit
// uses the server default.
func (c *Client) DeviceHistory(ctx context.Context, agentID, deviceID string, limit int) ([]fleet.DeviceView, error) {
	path := "/devices/" + url.PathEscape(agentID) + "/" + url.PathEscape(deviceID) + "/history/"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		History []fleet.DeviceView `json:"history"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.History, nil
}

// Command returns a command's tracked state, waiting up to wait for a
// pending command to finish.
func (c *Client) Command(ctx context.Context, commandID string, wait time.Duration) (fleet.CommandRecord, error) {
	path := "/commands/" + url.PathEscape(commandID) + "/"
	if wait > 0 {
		path += "?wait=" + url.QueryEscape(wait.String())
	}
	var out fleet.CommandRecord
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return fleet.CommandRecord{}, err
	}
	return out, nil
}

// Health returns the server's health summary.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
