package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"olav/internal/config"
	"olav/internal/types"
)

// ===== API CLIENT =====

// APIClient issues whitelisted HTTP calls against configured systems
// (NetBox and friends). Capability matching happens in the engine; this
// client only knows endpoints and auth.
type APIClient struct {
	endpoints map[string]config.APIEndpointConfig
	client    *http.Client
}

// NewAPIClient creates a client over the configured systems.
func NewAPIClient(endpoints map[string]config.APIEndpointConfig) *APIClient {
	return &APIClient{
		endpoints: endpoints,
		client:    &http.Client{},
	}
}

// Do executes one request and returns the response body. Non-2xx statuses
// are errors: 401/403 → Auth, 404 → NotFound, rest → Transport.
func (c *APIClient) Do(ctx context.Context, system, method, path string, body any, timeout time.Duration) (string, error) {
	ep, ok := c.endpoints[system]
	if !ok || ep.BaseURL == "" {
		return "", types.Errorf(types.KindNotFound, "no API endpoint configured for system %q", system)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	url := strings.TrimRight(ep.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ep.TokenEnv != "" {
		if token := os.Getenv(ep.TokenEnv); token != "" {
			req.Header.Set("Authorization", "Token "+token)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", types.Errorf(types.KindTimeout, "%s %s on %s exceeded deadline", method, path, system)
		}
		return "", types.WrapError(types.KindTransport, "request to "+system+" failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", types.WrapError(types.KindTransport, "failed to read response from "+system, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", types.Errorf(types.KindAuth, "%s rejected credentials (%d)", system, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return "", types.Errorf(types.KindNotFound, "%s has no resource at %s", system, path)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return "", types.Errorf(types.KindTransport, "%s returned %d: %s", system, resp.StatusCode, truncate(string(respBody), 256))
	}
	return string(respBody), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
