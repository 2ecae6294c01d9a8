package cvefeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scanforge/scanforge/pkg/errdefs"
	"github.com/scanforge/scanforge/pkg/types"
)

const feedBody = `{
  "vulnerabilities": [
    {"cve": {
      "id": "CVE-2024-1111",
      "published": "2024-06-01T10:00:00.000",
      "descriptions": [
        {"lang": "es", "value": "descripcion"},
        {"lang": "en", "value": "A remote code execution flaw."}
      ],
      "references": [{"url": "https://example.com/advisory"}]
    }},
    {"cve": {
      "id": "CVE-2024-2222",
      "published": "2024-06-02T11:30:00.000",
      "descriptions": [{"lang": "en", "value": "An information disclosure."}],
      "references": []
    }}
  ]
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *miniredis.Miniredis) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return NewClient(Config{URL: srv.URL, Window: 7 * 24 * time.Hour}, rdb), mr
}

func TestFetchParsesFeed(t *testing.T) {
	var gotQuery atomic.Value
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		w.Write([]byte(feedBody))
	})

	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "CVE-2024-1111", records[0].ID)
	assert.Equal(t, "A remote code execution flaw.", records[0].Description, "english description wins")
	assert.Equal(t, []string{"https://example.com/advisory"}, records[0].References)
	assert.Equal(t, time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), records[0].PublishedAt)

	q := gotQuery.Load().(url.Values)
	start, err := time.Parse(feedTimeFormat, q.Get("pubStartDate"))
	require.NoError(t, err)
	end, err := time.Parse(feedTimeFormat, q.Get("pubEndDate"))
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, end.Sub(start), "published-date window")
}

func TestFetchFeedError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrFeedUnavailable)
}

func TestFetchCircuitOpens(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 5; i++ {
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, errdefs.ErrFeedUnavailable)
	}
	// After three consecutive failures the breaker stops calling out.
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchBadJSON(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	})

	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, errdefs.ErrInvalidOutput)
}

func TestFilterNovel(t *testing.T) {
	c, mr := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	records := []types.CVERecord{
		{ID: "CVE-2024-1111", Description: "first"},
		{ID: "CVE-2024-2222", Description: "second"},
	}

	novel, err := c.FilterNovel(ctx, records)
	require.NoError(t, err)
	assert.Len(t, novel, 2, "everything is novel on first sight")

	novel, err = c.FilterNovel(ctx, records)
	require.NoError(t, err)
	assert.Empty(t, novel, "cached records are filtered out")

	// Cache entries expire, records become novel again.
	mr.FastForward(25 * time.Hour)
	novel, err = c.FilterNovel(ctx, records)
	require.NoError(t, err)
	assert.Len(t, novel, 2)
}

func TestLookup(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	ctx := context.Background()

	_, err := c.FilterNovel(ctx, []types.CVERecord{{ID: "CVE-2024-1111", Description: "cached"}})
	require.NoError(t, err)

	rec, err := c.Lookup(ctx, "CVE-2024-1111")
	require.NoError(t, err)
	assert.Equal(t, "cached", rec.Description)

	_, err = c.Lookup(ctx, "CVE-2099-0000")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}
