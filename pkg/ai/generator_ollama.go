package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// OllamaGenerator wraps OllamaClient with a fixed model for text generation
// using the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

// NewOllamaGenerator builds an Ollama-based Generator.
func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// GenerateText implements TextGenerator using Ollama /api/chat.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.chat(ctx, systemPrompt, userPrompt, "")
}

// GenerateJSON sets Ollama's format=json switch.
func (g *OllamaGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.chat(ctx, systemPrompt, userPrompt, "json")
}

// StreamText reads the NDJSON chat stream until the done frame.
func (g *OllamaGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string) error) (string, error) {
	reqBody, err := g.request(systemPrompt, userPrompt, "")
	if err != nil {
		return "", err
	}
	reqBody.Stream = true

	var full strings.Builder
	err = g.client.streamJSON(ctx, "/api/chat", reqBody, func(line []byte) error {
		var frame ollamaChatResponse
		if err := json.Unmarshal(line, &frame); err != nil {
			return fmt.Errorf("decode ollama stream frame: %w", err)
		}
		if frame.Message.Content == "" {
			return nil
		}
		full.WriteString(frame.Message.Content)
		if onDelta != nil {
			return onDelta(frame.Message.Content)
		}
		return nil
	})
	if err != nil {
		return full.String(), fmt.Errorf("ollama stream: %w", err)
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return full.String(), nil
}

func (g *OllamaGenerator) chat(ctx context.Context, systemPrompt, userPrompt, format string) (string, error) {
	reqBody, err := g.request(systemPrompt, userPrompt, format)
	if err != nil {
		return "", err
	}
	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}

func (g *OllamaGenerator) request(systemPrompt, userPrompt, format string) (ollamaChatRequest, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return ollamaChatRequest{}, fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})
	return ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Format:   format,
	}, nil
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Format   string              `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
}
