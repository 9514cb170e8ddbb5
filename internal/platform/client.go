// internal/platform/client.go
// Package platform provides a client for the FanzDash platform registry.
// The registry answers which platforms exist and whether a creator belongs to
// one, which the upload service checks before opening sessions.
package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// Client for interacting with the platform registry service.
type Client struct {
	base string       // Base URL of the registry service
	hc   *http.Client // HTTP client with custom configuration
}

// Platform represents a registry entry for one platform.
type Platform struct {
	PlatformID  string `json:"platformId"`  // Stable platform identifier
	DisplayName string `json:"displayName"` // Human-readable name
	Active      bool   `json:"active"`      // Whether the platform accepts uploads
	CreatedAt   string `json:"createdAt"`   // When the platform was registered
}

// ErrNotFound is returned when a platform is not registered.
var ErrNotFound = errors.New("platform not found")

// New creates a new registry client with the specified base URL.
// It configures appropriate timeouts for registry requests.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves the registry entry for the specified platform ID.
// Returns ErrNotFound when the platform is not registered.
func (c *Client) Get(ctx context.Context, platformID string) (Platform, error) {
	u, _ := url.Parse(c.base)
	u.Path = "/api/platform.get"
	q := u.Query()
	q.Set("platformId", platformID)
	u.RawQuery = q.Encode()

	req, _ := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	resp, err := c.hc.Do(req)
	if err != nil {
		return Platform{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Platform
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return Platform{}, err
		}
		return p, nil
	case http.StatusNotFound:
		return Platform{}, ErrNotFound
	default:
		return Platform{}, fmt.Errorf("platform get failed: %s", resp.Status)
	}
}
