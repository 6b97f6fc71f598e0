package alerts

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
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/riskengine/internal/circuitbreaker"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/retry"
)

const (
	HeaderEvent     = "X-Riskengine-Event"
	HeaderTimestamp = "X-Riskengine-Timestamp"
	HeaderSignature = "X-Riskengine-Signature"
)

// WebhookNotifier POSTs signed JSON alerts to a single endpoint.
// Transport errors, 429 and 5xx responses are retried; other 4xx are not.
// Repeated failures open a circuit keyed by the endpoint host.
type WebhookNotifier struct {
	url     string
	host    string
	secret  []byte
	client  *http.Client
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewWebhookNotifier creates a notifier for endpoint signed with secret.
func NewWebhookNotifier(endpoint, secret string, logger *slog.Logger) (*WebhookNotifier, error) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("alerts: invalid webhook url %q", endpoint)
	}
	return &WebhookNotifier{
		url:     endpoint,
		host:    u.Host,
		secret:  []byte(secret),
		client:  &http.Client{Timeout: 10 * time.Second},
		policy:  retry.DefaultPolicy,
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// WithRetryPolicy overrides the retry schedule.
func (w *WebhookNotifier) WithRetryPolicy(p retry.Policy) *WebhookNotifier {
	w.policy = p
	return w
}

// WithBreaker overrides the circuit breaker.
func (w *WebhookNotifier) WithBreaker(b *circuitbreaker.Breaker) *WebhookNotifier {
	w.breaker = b
	return w
}

// WithHTTPClient overrides the HTTP client.
func (w *WebhookNotifier) WithHTTPClient(c *http.Client) *WebhookNotifier {
	w.client = c
	return w
}

// Notify delivers a, retrying transient failures.
func (w *WebhookNotifier) Notify(ctx context.Context, a *Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("alerts: marshal: %w", err)
	}

	err = w.policy.Do(ctx, func(attempt int) error {
		err := w.breaker.Execute(w.host, func() error { return w.post(ctx, a.Type, payload) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		if err != nil {
			w.logger.Debug("alert delivery attempt failed", "attempt", attempt, "alert_id", a.ID, "error", err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
	case errors.Is(err, circuitbreaker.ErrOpen):
		metrics.AlertDeliveriesTotal.WithLabelValues("circuit_open").Inc()
	default:
		metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
	}
	if err != nil {
		return fmt.Errorf("alerts: deliver %s: %w", a.ID, err)
	}
	return nil
}

// Healthy reports whether the endpoint circuit is not open.
func (w *WebhookNotifier) Healthy() bool {
	return w.breaker.State(w.host) != circuitbreaker.StateOpen
}

func (w *WebhookNotifier) post(ctx context.Context, event EventType, payload []byte) error {
	ts := strconv.FormatInt(w.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(event))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(w.secret, ts, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("webhook rejected alert with %d", resp.StatusCode))
	}
}

// Sign returns the signature header value for payload sent at timestamp ts:
// "sha256=" + hex(HMAC-SHA256(secret, ts + "." + payload)).
func Sign(secret []byte, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(secret []byte, ts string, payload []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, payload)), []byte(signature))
}
