// ABOUTME: Tests for the per-client, per-kind publish quota and its middleware.
// ABOUTME: Uses package api (not api_test) to reach the unexported quota.
package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishQuota_BurstThenRefill(t *testing.T) {
	t.Parallel()
	q := newPublishQuota(60, 2, time.Hour) // one token per second
	key := quotaKey{client: "10.0.0.1", kind: "webhook"}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := range 2 {
		_, ok := q.take(key, now)
		require.True(t, ok, "publish %d within burst", i+1)
	}
	wait, ok := q.take(key, now)
	require.False(t, ok)
	require.Equal(t, time.Second, wait)

	// A rejected publish must not consume the token it waited on.
	_, ok = q.take(key, now.Add(time.Second))
	require.True(t, ok)
}

func TestPublishQuota_KindsAndClientsAreSeparate(t *testing.T) {
	t.Parallel()
	q := newPublishQuota(1, 1, time.Hour)
	now := time.Now()

	_, ok := q.take(quotaKey{client: "10.0.0.1", kind: "webhook"}, now)
	require.True(t, ok)
	_, ok = q.take(quotaKey{client: "10.0.0.1", kind: "webhook"}, now)
	require.False(t, ok, "second webhook from the same client")

	_, ok = q.take(quotaKey{client: "10.0.0.1", kind: "email"}, now)
	require.True(t, ok, "email has its own bucket")
	_, ok = q.take(quotaKey{client: "10.0.0.2", kind: "webhook"}, now)
	require.True(t, ok, "other client has its own bucket")
}

func TestPublishQuota_EvictsIdleBuckets(t *testing.T) {
	t.Parallel()
	q := newPublishQuota(60, 1, time.Minute)
	now := time.Now()

	q.take(quotaKey{client: "10.0.0.1", kind: "webhook"}, now)
	q.take(quotaKey{client: "10.0.0.2", kind: "email"}, now)
	require.Equal(t, 2, q.size())

	// Past the TTL the next take sweeps both stale buckets, then adds its own.
	q.take(quotaKey{client: "10.0.0.3", kind: "log"}, now.Add(2*time.Minute))
	require.Equal(t, 1, q.size())
}

func TestRetryAfter(t *testing.T) {
	t.Parallel()
	require.Equal(t, "1", retryAfter(0))
	require.Equal(t, "1", retryAfter(200*time.Millisecond))
	require.Equal(t, "3", retryAfter(2100*time.Millisecond))
}

func newQuotaHandler(t *testing.T, perMinute, burst int) http.Handler {
	t.Helper()
	srv := &Server{ //nolint:exhaustruct // test: only rateLimiter needed
		rateLimiter: newPublishQuota(perMinute, burst, time.Hour),
	}
	return srv.publishRateLimit()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The handler still sees the full body after the kind was read.
		var sb bytes.Buffer
		_, err := sb.ReadFrom(r.Body)
		require.NoError(t, err)
		_, _ = w.Write([]byte(sb.String()))
	}))
}

func postTask(h http.Handler, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/tasks", strings.NewReader(body))
	req.RemoteAddr = "192.0.2.7:51000"
	h.ServeHTTP(rec, req)
	return rec
}

func TestPublishRateLimit_PerKind(t *testing.T) {
	t.Parallel()
	h := newQuotaHandler(t, 1, 2)
	webhook := `{"kind":"webhook","data":{"url":"https://example.com"}}`

	for i := range 2 {
		rec := postTask(h, webhook)
		require.Equal(t, http.StatusOK, rec.Code, "publish %d", i+1)
		require.Equal(t, webhook, rec.Body.String())
	}

	rec := postTask(h, webhook)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = postTask(h, `{"kind":"email","data":{}}`)
	require.Equal(t, http.StatusOK, rec.Code, "exhausted webhook quota must not block email")
}

func TestPublishRateLimit_ReadsAreNotLimited(t *testing.T) {
	t.Parallel()
	h := newQuotaHandler(t, 1, 1)

	for i := range 5 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks/stats", nil))
		require.Equal(t, http.StatusOK, rec.Code, "GET %d", i+1)
	}
}
