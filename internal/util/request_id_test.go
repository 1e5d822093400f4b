package util

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWithRequestIDPropagatesIncomingHeader(t *testing.T) {
	const incoming = "req-incoming-123"
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestIDFromRequest(r); got != incoming {
			t.Fatalf("unexpected request id in context: got %q want %q", got, incoming)
		}
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/project", nil)
	req.Header.Set("X-Request-Id", incoming)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != incoming {
		t.Fatalf("unexpected response request id: got %q want %q", got, incoming)
	}
}

func TestWithRequestIDReplacesUnsafeHeader(t *testing.T) {
	for _, incoming := range []string{
		"",
		"line\nbreak",
		"spaces are not allowed",
		strings.Repeat("a", maxRequestIDLen+1),
	} {
		var seen string
		handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = RequestIDFromRequest(r)
		}))
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-Id", incoming)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if seen == "" || seen == incoming {
			t.Fatalf("incoming %q: expected generated id, got %q", incoming, seen)
		}
		if got := rec.Header().Get("X-Request-Id"); got != seen {
			t.Fatalf("incoming %q: response id %q does not match context id %q", incoming, got, seen)
		}
	}
}

func TestContextWithRequestIDResumesJobRequest(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-from-job")
	if got := RequestIDFromContext(ctx); got != "req-from-job" {
		t.Fatalf("request id = %q", got)
	}
	if LoggerFromContext(ctx) == LoggerFromContext(context.Background()) {
		t.Fatal("expected a request-scoped logger")
	}

	base := context.Background()
	if ContextWithRequestID(base, "") != base {
		t.Fatal("empty id should leave ctx untouched")
	}
}
