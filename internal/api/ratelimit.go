// ABOUTME: Publish quota for POST /tasks, one token bucket per client and task kind.
// ABOUTME: A burst of one kind (say webhooks) cannot starve the client's other kinds.
package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// quotaKey identifies one bucket. Kind is taken from the envelope in the
// request body; requests whose kind cannot be read share the "" bucket and
// are rejected by validation downstream.
type quotaKey struct {
	client string
	kind   string
}

type quotaBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type publishQuota struct {
	mu        sync.Mutex
	buckets   map[quotaKey]*quotaBucket
	perSecond rate.Limit
	burst     int
	evictTTL  time.Duration
	lastSweep time.Time
}

func newPublishQuota(perMinute, burst int, evictTTL time.Duration) *publishQuota {
	return &publishQuota{
		buckets:   make(map[quotaKey]*quotaBucket),
		perSecond: rate.Limit(float64(perMinute) / 60),
		burst:     burst,
		evictTTL:  evictTTL,
	}
}

// take consumes one publish from key's bucket at now. When the bucket is
// empty nothing is consumed and the wait until the next token is returned.
func (q *publishQuota) take(key quotaKey, now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if now.Sub(q.lastSweep) >= q.evictTTL/2 {
		q.sweepLocked(now)
	}

	b, ok := q.buckets[key]
	if !ok {
		b = &quotaBucket{lim: rate.NewLimiter(q.perSecond, q.burst)}
		q.buckets[key] = b
	}
	b.lastSeen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return delay, false
	}
	return 0, true
}

// sweepLocked drops buckets idle for longer than evictTTL. Runs inline from
// take so the quota needs no goroutine of its own.
func (q *publishQuota) sweepLocked(now time.Time) {
	cutoff := now.Add(-q.evictTTL)
	for key, b := range q.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(q.buckets, key)
		}
	}
	q.lastSweep = now
}

func (q *publishQuota) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buckets)
}

// publishKind reads the envelope kind from a POST body and rewinds the body
// for the handler. The chi RequestSize middleware already bounds the read.
func publishKind(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	raw, err := io.ReadAll(r.Body)
	r.Body.Close() //nolint:errcheck,gosec // G104: body fully consumed
	r.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var head struct {
		Kind string `json:"kind"`
	}
	if json.Unmarshal(raw, &head) != nil {
		return ""
	}
	return head.Kind
}

func clientHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// retryAfter renders a wait as whole seconds, never less than one.
func retryAfter(d time.Duration) string {
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}

// publishRateLimit returns a middleware that charges POST requests against the
// client's quota for the posted task kind; reads pass through. The client is
// r.RemoteAddr, so chi's RealIP middleware must run first behind a proxy.
func (srv *Server) publishRateLimit() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key := quotaKey{client: clientHost(r), kind: publishKind(r)}
			if wait, ok := srv.rateLimiter.take(key, time.Now()); !ok {
				w.Header().Set("Retry-After", retryAfter(wait))
				http.Error(w, "publish quota exceeded for task kind", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
