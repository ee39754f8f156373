package ai

import "context"

// Request holds everything a provider needs for one blocking completion
// call. APIKey is resolved immediately before the call (see pkg/creds) so
// expiring tokens are never cached across attempts.
type Request struct {
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  *float64
	APIKey       string
}

// Provider performs a blocking LLM completion. The session core only
// needs completions for summarization; streaming transports wrap this
// interface however they like.
//
// Implementations must honour ctx cancellation and return ctx.Err() (or
// an error wrapping it) when cancelled mid-flight.
type Provider interface {
	// Name returns the provider identifier, e.g. "openai", "anthropic".
	Name() string

	// Complete runs one completion call and returns the final message.
	Complete(ctx context.Context, model string, req Request) (*AssistantMessage, error)
}
