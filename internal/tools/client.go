package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	successStatus = "success"
	maxBody       = 5 << 20 // 5 MB
	queryTimeout  = 30 * time.Second
)

// Endpoint is a query backend: a base URL and an optional tenant sent as
// X-Scope-OrgID for multi-tenant Mimir and Loki.
type Endpoint struct {
	URL    string
	Tenant string
}

type querier struct {
	name     string
	endpoint Endpoint
	client   *http.Client
}

func newQuerier(name string, ep Endpoint) *querier {
	return &querier{
		name:     name,
		endpoint: ep,
		client: &http.Client{
			Timeout:   queryTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// get issues a GET against the endpoint path with query q and returns the
// body of a 200 response.
func (c *querier) get(ctx context.Context, apiPath string, q url.Values) ([]byte, error) {
	if c.endpoint.URL == "" {
		return nil, errors.New(c.name + " endpoint is not configured")
	}
	u, err := url.Parse(c.endpoint.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, apiPath)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.endpoint.Tenant != "" {
		req.Header.Set("X-Scope-OrgID", c.endpoint.Tenant)
	}

	resp, err := c.client.Do(req) //nolint:gosec // endpoint comes from config; tool params are query-encoded
	if err != nil {
		return nil, fmt.Errorf("%s query failed: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, string(body))
	}
	return body, nil
}
