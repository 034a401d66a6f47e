// ABOUTME: Built-in "webhook" task kind: POSTs the task body to a URL with an HMAC signature.
// ABOUTME: Production uses an SSRF-safe doyensec/safeurl client with redirects disabled.
package worker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// KindWebhook is the built-in kind handled by WebhookHandler.
const KindWebhook = "webhook"

// Signature headers set on every webhook request.
const (
	HeaderTimestamp = "X-Pgtasks-Timestamp"
	HeaderSignature = "X-Pgtasks-Signature"
)

// WebhookTask is the data of a webhook task.
type WebhookTask struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// deniedHeaders are header keys a task must not override.
var deniedHeaders = map[string]bool{
	"host":                true,
	"content-type":        true,
	"content-length":      true,
	"transfer-encoding":   true,
	"connection":          true,
	"x-pgtasks-timestamp": true,
	"x-pgtasks-signature": true,
}

// NewSafeClient returns an SSRF-safe *http.Client for webhook delivery.
// Redirect following is disabled; timeout is 10 seconds.
func NewSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// WebhookHandler returns a Handler that delivers WebhookTask data with client.
// When secret is non-empty each request is signed with HMAC-SHA256 over
// "timestamp.body". Delivery failures are returned, so the task is retried
// once its lease lapses.
func WebhookHandler(client *http.Client, secret string) Handler {
	return func(ctx context.Context, data json.RawMessage) error {
		var wt WebhookTask
		if err := json.Unmarshal(data, &wt); err != nil {
			return fmt.Errorf("decode webhook task: %w", err)
		}
		if wt.URL == "" {
			return errors.New("webhook task has no url")
		}
		return sendWebhook(ctx, client, secret, wt)
	}
}

func sendWebhook(ctx context.Context, client *http.Client, secret string, wt WebhookTask) error {
	body := []byte(wt.Body)
	if len(body) == 0 {
		body = []byte("null")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wt.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range wt.Headers {
		if !deniedHeaders[strings.ToLower(k)] {
			req.Header.Set(k, v)
		}
	}

	if secret != "" {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+sign(secret, ts, body))
	}

	resp, err := client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // discard errors are irrelevant

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
