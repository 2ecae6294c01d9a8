package cvefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/log"
	"github.com/scanforge/scanforge/pkg/types"
)

const (
	// DefaultWindow is how far back the published-date filter reaches.
	DefaultWindow = 7 * 24 * time.Hour

	// DefaultCacheTTL is how long a CVE id stays in the novelty cache.
	DefaultCacheTTL = 24 * time.Hour

	// feedTimeFormat is the ISO-8601 variant the feed's date filter takes.
	feedTimeFormat = "2006-01-02T15:04:05.000"

	// maxBodyBytes guards against a runaway feed response.
	maxBodyBytes = 64 * 1024 * 1024
)

func cveKey(id string) string { return "cve:" + id }

// Config tunes the feed client.
type Config struct {
	URL      string
	Window   time.Duration
	CacheTTL time.Duration
	Timeout  time.Duration
}

// Client fetches recently published CVEs and partitions them by novelty
// against the Redis cache. Feed calls run behind a circuit breaker so a
// flapping upstream fails fast instead of stalling pipeline runs.
type Client struct {
	cfg     Config
	httpc   *http.Client
	rdb     redis.UniversalClient
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewClient creates a feed client.
func NewClient(cfg Config, rdb redis.UniversalClient) *Client {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:   cfg,
		httpc: &http.Client{Timeout: cfg.Timeout},
		rdb:   rdb,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cvefeed",
			Timeout: time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
		logger: log.WithComponent("cvefeed"),
		now:    time.Now,
	}
}

// feed response shape, NVD 2.0 style.
type feedResponse struct {
	Vulnerabilities []struct {
		CVE struct {
			ID           string `json:"id"`
			Published    string `json:"published"`
			Descriptions []struct {
				Lang  string `json:"lang"`
				Value string `json:"value"`
			} `json:"descriptions"`
			References []struct {
				URL string `json:"url"`
			} `json:"references"`
		} `json:"cve"`
	} `json:"vulnerabilities"`
}

// Fetch queries the feed for CVEs published inside the window.
func (c *Client) Fetch(ctx context.Context) ([]types.CVERecord, error) {
	end := c.now().UTC()
	start := end.Add(-c.cfg.Window)

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidInput, "feed url: %v", err)
	}
	q := u.Query()
	q.Set("pubStartDate", start.Format(feedTimeFormat))
	q.Set("pubEndDate", end.Format(feedTimeFormat))
	u.RawQuery = q.Encode()

	body, err := c.breaker.Execute(func() (interface{}, error) {
		return c.get(ctx, u.String())
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, errdefs.Wrapf(errdefs.ErrFeedUnavailable, "circuit open")
		}
		return nil, err
	}

	var resp feedResponse
	if err := json.Unmarshal(body.([]byte), &resp); err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrInvalidOutput, "feed response: %v", err)
	}

	records := make([]types.CVERecord, 0, len(resp.Vulnerabilities))
	for _, v := range resp.Vulnerabilities {
		if v.CVE.ID == "" {
			continue
		}
		rec := types.CVERecord{ID: v.CVE.ID}
		if t, err := time.Parse(feedTimeFormat, v.CVE.Published); err == nil {
			rec.PublishedAt = t.UTC()
		}
		for _, d := range v.CVE.Descriptions {
			if d.Lang == "en" {
				rec.Description = d.Value
				break
			}
		}
		for _, ref := range v.CVE.References {
			rec.References = append(rec.References, ref.URL)
		}
		records = append(records, rec)
	}

	c.logger.Info().
		Int("count", len(records)).
		Time("since", start).
		Msg("cve feed fetched")
	return records, nil
}

func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrFeedUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errdefs.Wrapf(errdefs.ErrFeedUnavailable, "feed returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrFeedUnavailable, "read feed body: %v", err)
	}
	return body, nil
}

// FilterNovel returns the records not seen inside the cache TTL, marking
// them seen. A record's cache entry holds its serialized form for later
// lookup by cve:{id}.
func (c *Client) FilterNovel(ctx context.Context, records []types.CVERecord) ([]types.CVERecord, error) {
	novel := make([]types.CVERecord, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cve %s: %w", rec.ID, err)
		}
		added, err := c.rdb.SetNX(ctx, cveKey(rec.ID), data, c.cfg.CacheTTL).Result()
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "cache cve %s: %v", rec.ID, err)
		}
		if added {
			novel = append(novel, rec)
		}
	}

	c.logger.Info().
		Int("total", len(records)).
		Int("novel", len(novel)).
		Msg("cve novelty partition")
	return novel, nil
}

// Lookup returns a cached CVE record.
func (c *Client) Lookup(ctx context.Context, cveID string) (*types.CVERecord, error) {
	data, err := c.rdb.Get(ctx, cveKey(cveID)).Bytes()
	if err == redis.Nil {
		return nil, errdefs.Wrapf(errdefs.ErrNotFound, "cve %s", cveID)
	}
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrKVUnavailable, "cve %s: %v", cveID, err)
	}
	var rec types.CVERecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cve %s: %w", cveID, err)
	}
	return &rec, nil
}
