package parley

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends the transcript plus tool definitions and returns a complete
	// response, which may contain tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}
