package ai

import (
	"context"
	"strings"
	"time"
)

// EchoProvider is a development provider that streams the last user turn
// back word by word. It keeps the full streaming path exercisable without an
// API key, the same way MockValidator stands in for the identity provider.
type EchoProvider struct {
	// Delay between words. Zero means no artificial pacing, used by tests.
	Delay time.Duration
}

// Stream echoes the most recent user turn.
func (p *EchoProvider) Stream(ctx context.Context, systemPrompt string, turns []Turn) (<-chan string, <-chan error) {
	tokens := make(chan string, 16)
	errs := make(chan error, 1)

	var last string
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "user" {
			last = turns[i].Content
			break
		}
	}
	if last == "" {
		last = "nothing to echo"
	}

	go func() {
		defer close(tokens)
		words := strings.Fields("You said: " + last)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case tokens <- w:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
			if p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}
	}()

	return tokens, errs
}
