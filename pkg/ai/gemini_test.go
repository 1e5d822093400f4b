package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func newFakeGemini(t *testing.T) (*GeminiClient, *[]generateRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []generateRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("key") {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"key must not be sent in the query"}}`))
			return
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key"}}`))
			return
		}
		switch {
		case strings.HasSuffix(r.URL.Path, ":embedContent"):
			var req embedRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.TaskType != TaskRetrievalQuery || req.OutputDimensionality != 3 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"unexpected embed request"}}`))
				return
			}
			_, _ = w.Write([]byte(`{"embedding":{"values":[0.1,0.2,0.3]}}`))
		case strings.HasSuffix(r.URL.Path, ":generateContent"):
			var req generateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			mu.Lock()
			seen = append(seen, req)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"hello "},{"text":"world"}]}}]}`))
		case strings.HasSuffix(r.URL.Path, ":streamGenerateContent"):
			if r.URL.Query().Get("alt") != "sse" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "text/event-stream")
			for _, piece := range []string{"one ", "two ", "three"} {
				fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", piece)
			}
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	client, err := NewGeminiClient("test-key", WithGeminiBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, &seen
}

func TestGeminiEmbedderSendsTaskTypeAndDimensions(t *testing.T) {
	client, _ := newFakeGemini(t)
	embedder := NewGeminiEmbedder(client, "models/text-embedding-004", 3)

	vec, err := embedder.EmbedText(context.Background(), "what is main.go?", TaskRetrievalQuery)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vec) != 3 || vec[2] != 0.3 {
		t.Fatalf("unexpected vector: %v", vec)
	}
}

func TestGeminiGeneratorJoinsPartsAndSetsJSONMime(t *testing.T) {
	client, seen := newFakeGemini(t)
	gen := NewGeminiGenerator(client, "gemini-1.5-flash")

	text, err := gen.GenerateText(context.Background(), "system", "user")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text != "hello world" {
		t.Fatalf("unexpected text: %q", text)
	}
	if _, err := gen.GenerateJSON(context.Background(), "", "user"); err != nil {
		t.Fatalf("generate json: %v", err)
	}
	if len(*seen) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(*seen))
	}
	first, second := (*seen)[0], (*seen)[1]
	if first.SystemInstruction == nil || first.GenerationConfig != nil {
		t.Fatalf("unexpected plain request: %+v", first)
	}
	if second.SystemInstruction != nil || second.GenerationConfig == nil || second.GenerationConfig.ResponseMimeType != "application/json" {
		t.Fatalf("unexpected json request: %+v", second)
	}
}

func TestGeminiStreamDeliversDeltasInOrder(t *testing.T) {
	client, _ := newFakeGemini(t)
	gen := NewGeminiGenerator(client, "gemini-2.5-flash")

	var deltas []string
	full, err := gen.StreamText(context.Background(), "", "question", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if full != "one two three" {
		t.Fatalf("unexpected full text: %q", full)
	}
	if strings.Join(deltas, "|") != "one |two |three" {
		t.Fatalf("unexpected deltas: %v", deltas)
	}
}

func TestGeminiAPIErrorMessageSurfaces(t *testing.T) {
	client, _ := newFakeGemini(t)
	client.apiKey = "wrong"
	_, err := client.GenerateText(context.Background(), "m", "", "hi")
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestGeminiTransportErrorOmitsKey(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	client, err := NewGeminiClient("secret-gemini-key", WithGeminiBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GenerateText(context.Background(), "m", "", "hi")
	if err == nil {
		t.Fatal("expected transport error")
	}
	if strings.Contains(err.Error(), "secret-gemini-key") {
		t.Fatalf("error leaks api key: %v", err)
	}
	_, err = client.StreamText(context.Background(), "m", "", "hi", func(string) error { return nil })
	if err == nil || strings.Contains(err.Error(), "secret-gemini-key") {
		t.Fatalf("stream error = %v", err)
	}
}

func TestNewGeminiClientRequiresKey(t *testing.T) {
	if _, err := NewGeminiClient("  "); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
