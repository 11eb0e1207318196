// Package brands is the client for the brand profile service.
package brands

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/outflowhq/outflow/pkg/models"
	"github.com/outflowhq/outflow/pkg/resilient"
)

type Client struct {
	baseURL string
	apiKey  string
	rc      *resilient.Client
}

func NewClient(baseURL, apiKey string, rc *resilient.Client) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, rc: rc}
}

// FetchProfile fetches-or-extracts the sales profile for a brand URL. The
// service caches extractions, so repeated calls for the same URL are cheap.
func (c *Client) FetchProfile(ctx context.Context, brandURL string) (*models.BrandProfile, error) {
	resp, err := c.rc.Call(ctx, c.baseURL, "/v1/profiles", resilient.Request{
		Method:  http.MethodPost,
		Body:    map[string]string{"url": brandURL},
		Headers: map[string]string{"Authorization": "Bearer " + c.apiKey},
	})
	if err != nil {
		return nil, fmt.Errorf("fetch brand profile for %s: %w", brandURL, err)
	}

	var profile models.BrandProfile
	if err := resp.DecodeJSON(&profile); err != nil {
		return nil, err
	}

	return &profile, nil
}

// PlaceholderProfile derives a minimal profile from the brand URL's domain.
// Used when the profile service fails, so a run proceeds with degraded
// personalization instead of aborting.
func PlaceholderProfile(brandURL string) models.BrandProfile {
	domain := DomainOf(brandURL)

	name := domain
	if name == "" {
		name = brandURL
	} else if dot := strings.Index(name, "."); dot > 0 {
		name = name[:dot]
	}

	return models.BrandProfile{
		Name:        name,
		Domain:      domain,
		Placeholder: true,
	}
}

// DomainOf extracts the bare host from a brand URL, tolerating missing
// schemes and stripping a www prefix.
func DomainOf(brandURL string) string {
	raw := strings.TrimSpace(brandURL)
	if raw == "" {
		return ""
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return ""
	}

	host := parsed.Hostname()

	return strings.TrimPrefix(host, "www.")
}
