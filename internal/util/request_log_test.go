package util

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestLogRecorderFlushes(t *testing.T) {
	h := WithRequestLog("api", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected flusher")
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("data: hi\n\n"))
		f.Flush()
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/questions/ask", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if !rec.Flushed {
		t.Fatal("expected underlying writer to be flushed")
	}
}

func TestLoggerFromContext(t *testing.T) {
	if LoggerFromContext(context.Background()) != slog.Default() {
		t.Fatal("expected default logger")
	}
	l := slog.Default().With("request_id", "r1")
	ctx := ContextWithLogger(context.Background(), l)
	if LoggerFromContext(ctx) != l {
		t.Fatal("expected stored logger")
	}
}
