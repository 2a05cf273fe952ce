package cbsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// CatalogClient talks to a Kapowarr server's REST API. Kapowarr exposes
// no "list everything" endpoint worth trusting, so callers enumerate
// volumes by probing ids; see Syncer.
type CatalogClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewCatalogClient builds a client for the given Kapowarr base URL
// (scheme and host, no trailing slash needed).
func NewCatalogClient(baseURL, apiKey string, log zerolog.Logger) *CatalogClient {
	return &CatalogClient{
		baseURL: trimTrailingSlash(baseURL),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "kapowarr").Logger(),
	}
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// kapowarrEnvelope is the uniform {error, result} wrapper Kapowarr puts
// around every response body.
type kapowarrEnvelope struct {
	Error  *string         `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *CatalogClient) get(ctx context.Context, path string, out interface{}) error {
	u := fmt.Sprintf("%s%s?api_key=%s", c.baseURL, path, url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrUnavailable, path, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var env kapowarrEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode response for %s: %w", path, err)
	}
	if env.Error != nil && *env.Error != "" {
		// Kapowarr reports unknown ids as an error string, not a 404.
		return fmt.Errorf("%w: %s", ErrNotFound, *env.Error)
	}
	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("decode result for %s: %w", path, err)
		}
	}
	return nil
}

// TotalVolumes returns the aggregate volume count from the stats
// endpoint. This is the cheap staleness signal checked before any full
// enumeration.
func (c *CatalogClient) TotalVolumes(ctx context.Context) (int, error) {
	var stats struct {
		Volumes int `json:"volumes"`
	}
	if err := c.get(ctx, "/api/volumes/stats", &stats); err != nil {
		return 0, fmt.Errorf("fetch volume stats: %w", err)
	}
	return stats.Volumes, nil
}

// VolumeByID fetches one volume's full detail, issues and files included.
// Returns ErrNotFound for ids with no volume behind them.
func (c *CatalogClient) VolumeByID(ctx context.Context, id int) (*VolumeDetail, error) {
	var detail VolumeDetail
	if err := c.get(ctx, fmt.Sprintf("/api/volumes/%d", id), &detail); err != nil {
		return nil, err
	}
	detail.ID = id
	detail.CachedAt = time.Now().UTC()
	return &detail, nil
}

// Ping verifies the server is reachable and the key is accepted.
func (c *CatalogClient) Ping(ctx context.Context) error {
	if _, err := c.TotalVolumes(ctx); err != nil {
		return fmt.Errorf("ping kapowarr: %w", err)
	}
	return nil
}
