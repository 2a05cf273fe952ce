package cbsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const comicVineUserAgent = "cbsync/1.0"

// MetadataClient fetches per-issue metadata from ComicVine. ComicVine
// rate-limits aggressively and answers overruns with HTTP 403, so issue
// fetches retry a couple of times on a fixed delay before giving up.
type MetadataClient struct {
	baseURL    string
	apiKey     string
	client     *http.Client
	retryDelay time.Duration
	maxTries   uint
	log        zerolog.Logger
}

// NewMetadataClient builds a ComicVine client. baseURL is normally
// https://comicvine.gamespot.com/api.
func NewMetadataClient(baseURL, apiKey string, log zerolog.Logger) *MetadataClient {
	return &MetadataClient{
		baseURL:    trimTrailingSlash(baseURL),
		apiKey:     apiKey,
		client:     &http.Client{Timeout: 30 * time.Second},
		retryDelay: 5 * time.Second,
		maxTries:   3,
		log:        log.With().Str("component", "comicvine").Logger(),
	}
}

// IssueMetadata is the subset of a ComicVine issue record that feeds the
// generated ComicInfo document.
type IssueMetadata struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	IssueNumber string `json:"issue_number"`
	CoverDate   string `json:"cover_date"`
	StoreDate   string `json:"store_date"`
	Description string `json:"description"`
	SiteURL     string `json:"site_detail_url"`

	Volume struct {
		Name string `json:"name"`
	} `json:"volume"`

	PersonCredits    []CreditRef `json:"person_credits"`
	CharacterCredits []CreditRef `json:"character_credits"`
	StoryArcCredits  []CreditRef `json:"story_arc_credits"`
}

// CreditRef is one person/character/arc entry on an issue. Role is only
// set on person credits and may hold several comma-separated roles.
type CreditRef struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type comicVineEnvelope struct {
	StatusCode int             `json:"status_code"`
	Error      string          `json:"error"`
	Results    json.RawMessage `json:"results"`
}

// IssueMetadata fetches one issue by its ComicVine id. A 403 is treated
// as rate limiting and retried on a fixed 5s delay up to 3 attempts;
// any other failure is permanent for this call.
func (c *MetadataClient) IssueMetadata(ctx context.Context, sourceID int64) (*IssueMetadata, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	u := fmt.Sprintf("%s/issue/4000-%d/?api_key=%s&format=json",
		c.baseURL, sourceID, url.QueryEscape(c.apiKey))

	op := func() (*IssueMetadata, error) {
		meta, err := c.fetchIssue(ctx, u)
		if err != nil {
			if isRateLimited(err) {
				c.log.Warn().Int64("comicvine_id", sourceID).Msg("rate limited, backing off")
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return meta, nil
	}

	meta, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(c.maxTries))
	if err != nil {
		return nil, fmt.Errorf("fetch issue %d: %w", sourceID, err)
	}
	return meta, nil
}

type rateLimitError struct{ status string }

func (e *rateLimitError) Error() string { return "rate limited: " + e.status }

func isRateLimited(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *MetadataClient) fetchIssue(ctx context.Context, u string) (*IssueMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	// ComicVine rejects requests without a User-Agent.
	req.Header.Set("User-Agent", comicVineUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return nil, &rateLimitError{status: resp.Status}
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: comicvine returned %s", ErrUnavailable, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var env comicVineEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.StatusCode != 1 {
		if env.StatusCode == 101 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, env.Error)
		}
		return nil, fmt.Errorf("%w: comicvine status %d: %s", ErrUnavailable, env.StatusCode, env.Error)
	}

	var meta IssueMetadata
	if err := json.Unmarshal(env.Results, &meta); err != nil {
		return nil, fmt.Errorf("decode issue: %w", err)
	}
	return &meta, nil
}

// Ping checks that the API key is accepted by fetching a trivially small
// resource.
func (c *MetadataClient) Ping(ctx context.Context) error {
	if c.apiKey == "" {
		return ErrNotConfigured
	}
	u := fmt.Sprintf("%s/types/?api_key=%s&format=json&limit=1", c.baseURL, url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", comicVineUserAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping comicvine: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping comicvine: %w: %s", ErrUnavailable, resp.Status)
	}
	return nil
}
