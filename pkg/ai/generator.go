package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// JSONGenerator asks the provider to constrain its reply to a single JSON object.
type JSONGenerator interface {
	GenerateJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator delivers the reply incrementally. onDelta is called for each
// text fragment in order; returning an error from it aborts the stream.
// The full concatenated reply is returned on success.
type StreamGenerator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onDelta func(string) error) (string, error)
}

// Generator is the full capability set every bundled provider offers.
type Generator interface {
	TextGenerator
	JSONGenerator
	StreamGenerator
}
