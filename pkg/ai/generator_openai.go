package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIGenerator calls an OpenAI-compatible chat completions endpoint.
// Works with OpenAI itself and with vLLM, LiteLLM, OpenRouter and similar gateways.
type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIGenerator builds an OpenAI-backed Generator.
// baseURL should include the /v1 prefix; empty uses api.openai.com.
// apiKey can be empty for local models that do not require authentication.
func NewOpenAIGenerator(baseURL, apiKey, model string) *OpenAIGenerator {
	return &OpenAIGenerator{
		client: newOpenAIClient(baseURL, apiKey),
		model:  strings.TrimSpace(model),
	}
}

func newOpenAIClient(baseURL, apiKey string) *openai.Client {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if v := strings.TrimRight(strings.TrimSpace(baseURL), "/"); v != "" {
		cfg.BaseURL = v
	}
	return openai.NewClientWithConfig(cfg)
}

// GenerateText implements TextGenerator using the chat completions API.
func (g *OpenAIGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return g.complete(ctx, g.request(systemPrompt, userPrompt))
}

// GenerateJSON requests a json_object response format.
func (g *OpenAIGenerator) GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	req := g.request(systemPrompt, userPrompt)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	return g.complete(ctx, req)
}

// StreamText implements StreamGenerator using chat completion chunks.
func (g *OpenAIGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string) error) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai generation model required")
	}
	req := g.request(systemPrompt, userPrompt)
	req.Stream = true
	stream, err := g.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return full.String(), fmt.Errorf("openai stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return full.String(), err
			}
		}
	}
	if strings.TrimSpace(full.String()) == "" {
		return "", fmt.Errorf("empty response from openai api")
	}
	return full.String(), nil
}

func (g *OpenAIGenerator) request(systemPrompt, userPrompt string) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userPrompt})
	return openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: messages,
	}
}

func (g *OpenAIGenerator) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if g.model == "" {
		return "", fmt.Errorf("openai generation model required")
	}
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from openai api")
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty response from openai api")
	}
	return text, nil
}

// OpenAIEmbedder embeds text through the OpenAI embeddings endpoint.
type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIEmbedder builds an OpenAI-backed Embedder.
func NewOpenAIEmbedder(baseURL, apiKey, model string, dimensions int) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:     newOpenAIClient(baseURL, apiKey),
		model:      strings.TrimSpace(model),
		dimensions: dimensions,
	}
}

// EmbedText implements Embedder. OpenAI ignores task types.
func (e *OpenAIEmbedder) EmbedText(ctx context.Context, text, _ string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text required")
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("openai embed response missing embedding")
	}
	return resp.Data[0].Embedding, nil
}
