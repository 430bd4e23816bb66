// Package provider streams text generations from a language model.
package provider

import "context"

// Request is a single generation call.
type Request struct {
	Model       string
	Prompt      string
	Temperature float64
	// APIKey overrides the client's key selection when set.
	APIKey string
}

// Usage is the provider's own token accounting, when it reports one.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Event is one item on a generation stream: a text unit, a final usage
// report, or an error. The channel is closed after the last event.
type Event struct {
	Text  string
	Usage *Usage
	Err   error
}

// Provider starts streaming generations. Cancelling ctx stops the stream
// and closes the channel.
type Provider interface {
	Stream(ctx context.Context, req Request) (<-chan Event, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, req Request) (<-chan Event, error)

// Stream calls f.
func (f Func) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	return f(ctx, req)
}
