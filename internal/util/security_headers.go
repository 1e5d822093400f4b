package util

import (
	"mime"
	"net/http"
	"strings"
)

// WithSecurityHeaders adds security headers to API responses. Responses are
// never cached; answer streams (text/event-stream) also opt out of proxy
// buffering and transforms so chunks reach the browser as they are flushed.
func WithSecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Cache-Control", "no-store")

		// HSTS only over HTTPS (direct or forwarded).
		if r.TLS != nil || strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https") {
			h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(&streamHeaderWriter{ResponseWriter: w}, r)
	})
}

// streamHeaderWriter adjusts headers once the handler has chosen its content type.
type streamHeaderWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *streamHeaderWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		if IsEventStream(w.Header().Get("Content-Type")) {
			h := w.Header()
			h.Set("Cache-Control", "no-store, no-transform")
			h.Set("X-Accel-Buffering", "no")
			h.Del("Content-Length")
		}
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *streamHeaderWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *streamHeaderWriter) Flush() {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *streamHeaderWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// IsEventStream reports whether a Content-Type value names server-sent events.
func IsEventStream(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/event-stream"
}
