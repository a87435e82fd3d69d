// Package httpbackend reaches a worker agent over HTTP. The same package
// provides the agent-side handler served by "meteor agent --http".
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oriys/meteor/internal/backend"
	"github.com/oriys/meteor/internal/config"
	"github.com/oriys/meteor/internal/domain"
	"github.com/oriys/meteor/internal/observability"
)

const (
	headerRuntime = "X-Meteor-Runtime"
	headerMemory  = "X-Meteor-Memory"
)

type invokeResponse struct {
	ActivationID string `json:"activation_id"`
}

// Client is a ComputeBackend backed by one HTTP agent endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for the agent at endpoint (e.g. http://10.0.0.5:9090).
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// Factory builds one client per region endpoint.
func Factory() backend.Factory {
	return func(region string, cfg config.BackendConfig) (backend.ComputeBackend, error) {
		if region == "" {
			return nil, fmt.Errorf("http backend requires at least one region endpoint")
		}
		return New(region, cfg.Timeout), nil
	}
}

func (c *Client) Name() string { return "http:" + c.endpoint }

func (c *Client) RuntimeKey(runtimeName string, memoryMB int) string {
	return fmt.Sprintf("%s/%dMB", runtimeName, memoryMB)
}

// Invoke posts the payload. 429 and 503 mean the agent is saturated.
func (c *Client) Invoke(ctx context.Context, runtimeName string, memoryMB int, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/invoke", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerRuntime, runtimeName)
	req.Header.Set(headerMemory, strconv.Itoa(memoryMB))
	observability.InjectHTTPHeaders(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("invoke %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusServiceUnavailable:
		io.Copy(io.Discard, resp.Body)
		return "", nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var out invokeResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode invoke response from %s: %w", c.endpoint, err)
		}
		return out.ActivationID, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("invoke %s: status %d: %s", c.endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (c *Client) RuntimeMeta(ctx context.Context, runtimeName string, memoryMB int) (*domain.RuntimeMeta, error) {
	q := url.Values{}
	q.Set("name", runtimeName)
	q.Set("memory", strconv.Itoa(memoryMB))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/runtime?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("runtime %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime %s: status %d", c.endpoint, resp.StatusCode)
	}
	var meta domain.RuntimeMeta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decode runtime metadata: %w", err)
	}
	return &meta, nil
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
