// Package ai streams assistant responses into conversations. A Provider
// produces tokens; the orchestrator owns the per-conversation stream slot,
// batches tokens into chunk events, enforces timeouts, and persists the
// finished response as a regular message.
package ai

import "context"

// Turn is one entry of the prompt window sent to the provider.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Provider generates a streamed response for a prompt window. The token
// channel is closed when the response completes; a single error on the error
// channel aborts the stream. Implementations must honor ctx cancellation.
type Provider interface {
	Stream(ctx context.Context, systemPrompt string, turns []Turn) (<-chan string, <-chan error)
}
