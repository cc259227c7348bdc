package cloudevent

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
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature-256"

// UserAgent identifies deliveries made by a Sender.
const UserAgent = "jobhost-notify/1"

// maxErrorBody bounds how much of a failed response is kept for logging.
const maxErrorBody = 512

// Sender posts CloudEvents in structured JSON mode. The trace context of the
// request context travels in the W3C traceparent header.
type Sender struct {
	client     *http.Client
	propagator propagation.TextMapPropagator
}

// NewSender creates a sender whose requests time out after timeout.
func NewSender(timeout time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		propagator: propagation.TraceContext{},
	}
}

// Send delivers event to url, signing the body when signingKey is set.
// Non-2xx responses are returned as *HTTPError.
func (s *Sender) Send(ctx context.Context, url string, event *CloudEvent, signingKey string) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	event.writeHeaders(req.Header)
	req.Header.Set("User-Agent", UserAgent)
	if signingKey != "" {
		req.Header.Set(SignatureHeader, Sign(body, signingKey))
	}
	s.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", event.Type, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// writeHeaders sets the content type and the ce-* attribute headers.
func (e *CloudEvent) writeHeaders(h http.Header) {
	h.Set("Content-Type", "application/cloudevents+json")
	h.Set("Ce-Specversion", e.SpecVersion)
	h.Set("Ce-Type", e.Type)
	h.Set("Ce-Source", e.Source)
	h.Set("Ce-Id", e.ID)
	h.Set("Ce-Time", e.Time.Format(time.RFC3339))
	if e.Subject != "" {
		h.Set("Ce-Subject", e.Subject)
	}
}

// Sign returns the "sha256=<hex>" HMAC of payload under key.
func Sign(payload []byte, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload under key, in constant time.
func Verify(payload []byte, key, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, key)), []byte(signature))
}

// HTTPError is a non-2xx delivery response.
type HTTPError struct {
	StatusCode int
	Body       string // start of the response body
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether err wraps a 4xx response. Such deliveries
// are not retried.
func IsClientError(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode >= 400 && he.StatusCode < 500
	}
	return false
}
