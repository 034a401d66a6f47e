// ABOUTME: Handler tests for health, metrics and task endpoints against a fake queue.
// ABOUTME: No database needed; the queue is an in-memory stand-in.
package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/scarson/pgtasks/internal/api"
	"github.com/scarson/pgtasks/internal/config"
	"github.com/scarson/pgtasks/internal/metrics"
	"github.com/scarson/pgtasks/internal/queue"
	"github.com/scarson/pgtasks/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	connected bool
	published []any
	stats     store.Stats
	err       error
}

func (q *fakeQueue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

func (q *fakeQueue) Publish(_ context.Context, payload any) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return 0, q.err
	}
	q.published = append(q.published, payload)
	return int64(len(q.published)), nil
}

func (q *fakeQueue) Stats(context.Context) (store.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats, q.err
}

func newHandler(t *testing.T, q *fakeQueue) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.AddPublished(3)
	return api.NewServer(q, &config.Config{}, reg).Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		connected  bool
		wantStatus int
		wantBody   string
	}{
		{true, http.StatusOK, "ok"},
		{false, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("connected=%v", tc.connected), func(t *testing.T) {
			t.Parallel()
			rec := do(t, newHandler(t, &fakeQueue{connected: tc.connected}), http.MethodGet, "/healthz", "")
			require.Equal(t, tc.wantStatus, rec.Code)

			var body struct {
				Status string `json:"status"`
			}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			require.Equal(t, tc.wantBody, body.Status)
			require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	rec := do(t, newHandler(t, &fakeQueue{connected: true}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "pgtasks_tasks_published_total 3")
}

func TestPublishTask(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{connected: true}
	h := newHandler(t, q)

	rec := do(t, h, http.MethodPost, "/api/v1/tasks", `{"kind":"log","data":{"msg":"hi"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Equal(t, int64(1), out.ID)

	q.mu.Lock()
	defer q.mu.Unlock()
	require.Len(t, q.published, 1)
	raw, err := json.Marshal(q.published[0])
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"log","data":{"msg":"hi"}}`, string(raw))
}

func TestPublishTask_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		err        error
		body       string
		wantStatus int
	}{
		{"not connected", queue.ErrNotConnected, `{"kind":"log"}`, http.StatusServiceUnavailable},
		{"storage failure", fmt.Errorf("publish: %w", io.ErrUnexpectedEOF), `{"kind":"log"}`, http.StatusInternalServerError},
		{"missing kind", nil, `{"data":1}`, http.StatusUnprocessableEntity},
		{"empty kind", nil, `{"kind":""}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			h := newHandler(t, &fakeQueue{connected: true, err: tc.err})
			rec := do(t, h, http.MethodPost, "/api/v1/tasks", tc.body)
			require.Equal(t, tc.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestTaskStats(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{connected: true, stats: store.Stats{Total: 5, Eligible: 3, Leased: 2}}
	rec := do(t, newHandler(t, q), http.MethodGet, "/api/v1/tasks/stats", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got store.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	require.Equal(t, q.stats, got)
}

func TestTaskStats_NotConnected(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{err: queue.ErrNotConnected}
	rec := do(t, newHandler(t, q), http.MethodGet, "/api/v1/tasks/stats", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
