package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"olav/internal/types"
)

// ===== HTTP PROVIDER =====

// HTTPProvider reads devices from an inventory-of-record service.
// Expected endpoints: GET /devices (JSON array) and GET /devices/{name}.
// The bearer token is read from the environment at request time so rotation
// does not require a restart.
type HTTPProvider struct {
	baseURL  string
	tokenEnv string
	client   *http.Client
}

// NewHTTPProvider creates a provider against the given base URL. tokenEnv
// names the environment variable holding the bearer token; empty means
// unauthenticated.
func NewHTTPProvider(baseURL, tokenEnv string) *HTTPProvider {
	return &HTTPProvider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tokenEnv: tokenEnv,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// List returns the full roster.
func (p *HTTPProvider) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := p.get(ctx, "/devices", &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// Get returns one device by name.
func (p *HTTPProvider) Get(ctx context.Context, name string) (Device, error) {
	var d Device
	if err := p.get(ctx, "/devices/"+url.PathEscape(name), &d); err != nil {
		return Device{}, err
	}
	return d, nil
}

func (p *HTTPProvider) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build inventory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.tokenEnv != "" {
		if token := os.Getenv(p.tokenEnv); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return types.WrapError(types.KindTransport, "inventory request failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return types.Errorf(types.KindNotFound, "inventory has no record for %s", path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return types.Errorf(types.KindAuth, "inventory rejected credentials (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Errorf(types.KindTransport, "inventory returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode inventory response: %w", err)
	}
	return nil
}
