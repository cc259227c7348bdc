package cloudevent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/trace"
)

func TestIsClientError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"400", &HTTPError{StatusCode: 400}, true},
		{"499 boundary", &HTTPError{StatusCode: 499}, true},
		{"wrapped 404", fmt.Errorf("deliver: %w", &HTTPError{StatusCode: 404}), true},
		{"500", &HTTPError{StatusCode: 500}, false},
		{"399", &HTTPError{StatusCode: 399}, false},
		{"non-HTTP", context.DeadlineExceeded, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := IsClientError(tt.err); got != tt.expected {
				t.Errorf("IsClientError(%v) = %v, want %v", tt.err, got, tt.expected)
			}
		})
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()
	payload := []byte(`{"test":"data"}`)

	sig := Sign(payload, "secret-key")
	if !strings.HasPrefix(sig, "sha256=") || len(sig) != len("sha256=")+64 {
		t.Fatalf("unexpected signature format %q", sig)
	}
	if !Verify(payload, "secret-key", sig) {
		t.Error("signature should verify with the same key")
	}
	if Verify(payload, "other-key", sig) {
		t.Error("signature must not verify with a different key")
	}
	if Verify([]byte(`{"test":"tampered"}`), "secret-key", sig) {
		t.Error("signature must not verify a different payload")
	}
}

func TestSender_Send(t *testing.T) {
	t.Parallel()

	var (
		gotHeaders http.Header
		gotBody    []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	event := New("job.updated", "jobhost", "job-1", at, map[string]string{"status": "completed"})

	if err := NewSender(time.Second).Send(context.Background(), server.URL, event, "k"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := gotHeaders.Get("Ce-Type"); got != "job.updated" {
		t.Errorf("Ce-Type = %q", got)
	}
	if got := gotHeaders.Get("Ce-Subject"); got != "job-1" {
		t.Errorf("Ce-Subject = %q", got)
	}
	if got := gotHeaders.Get("Ce-Time"); got != "2024-05-01T08:00:00Z" {
		t.Errorf("Ce-Time = %q, want UTC", got)
	}
	if !Verify(gotBody, "k", gotHeaders.Get(SignatureHeader)) {
		t.Error("body signature does not verify")
	}

	var decoded CloudEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not a CloudEvent: %v", err)
	}
	if decoded.ID == "" || decoded.SpecVersion != SpecVersion {
		t.Errorf("unexpected event %+v", decoded)
	}
}

func TestSender_SendErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SignatureHeader) != "" {
			t.Error("unsigned send must not set a signature")
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("  queue full\n"))
	}))
	defer server.Close()

	err := NewSender(time.Second).Send(context.Background(), server.URL, New("t", "s", "", time.Now(), nil), "")
	if err == nil || IsClientError(err) {
		t.Fatalf("expected a retryable HTTP error, got %v", err)
	}
	if got := err.Error(); got != "HTTP 503: queue full" {
		t.Errorf("error = %q", got)
	}
}

func TestSender_PropagatesTraceContext(t *testing.T) {
	t.Parallel()

	var traceparent, userAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("Traceparent")
		userAgent = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	if err := NewSender(time.Second).Send(ctx, server.URL, New("t", "s", "", time.Now(), nil), ""); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if want := "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"; traceparent != want {
		t.Errorf("traceparent = %q, want %q", traceparent, want)
	}
	if userAgent != UserAgent {
		t.Errorf("User-Agent = %q", userAgent)
	}
}
