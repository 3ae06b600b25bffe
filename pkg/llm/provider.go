package llm

import "context"

// Provider defines the interface for interacting with LLM backends.
// Implementations handle protocol-specific details such as request
// formatting, authentication, and response parsing.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message) (*Response, error)

	// CompleteStructured sends a chat completion request whose output is
	// mechanically constrained to the given JSON schema. The returned
	// content is the raw JSON document; callers unmarshal and validate it
	// against their own types.
	CompleteStructured(ctx context.Context, messages []Message, schema Schema) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. The channel is closed when generation finishes
	// or ctx is cancelled.
	Stream(ctx context.Context, messages []Message) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}
