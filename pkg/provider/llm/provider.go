// Package llm defines the Provider interface for Large Language Model backends.
//
// The orchestrator only ever streams: replies are spoken sentence by sentence,
// so the first tokens matter far more than the full response. Providers that
// speak an OpenAI-compatible protocol (OpenAI, DeepSeek) and the any-llm-go
// backends implement this interface in sub-packages.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
)

// CompletionRequest holds all inputs for a completion call.
type CompletionRequest struct {
	// SystemPrompt is sent as the first message when non-empty.
	SystemPrompt string

	// Messages is the conversation history in chronological order.
	Messages []Message

	// Temperature controls sampling randomness. Zero uses the provider default.
	Temperature float64

	// MaxTokens limits the completion length. Zero uses the provider default.
	MaxTokens int
}

// Chunk is a single streamed piece of a completion.
type Chunk struct {
	// Text is the incremental text delta.
	Text string

	// FinishReason is set on the final chunk ("stop", "length",
	// FinishReasonError, …).
	FinishReason string

	// Err is set when FinishReason is FinishReasonError.
	Err error
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a streaming completion. The returned channel is
	// closed when the stream ends or ctx is cancelled. Failures after the
	// stream has started arrive as a terminal Chunk with FinishReasonError.
	//
	// Connection and authentication failures wrap capability.ErrUnavailable.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Capabilities reports what the configured model supports.
	Capabilities() ModelCapabilities
}
