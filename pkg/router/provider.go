// Package router implements the Model Router: provider abstraction,
// per-provider circuit breaking, and bounded retry with backoff.
package router

import "context"

// ResponseKind distinguishes the two shapes a provider may return.
type ResponseKind string

const (
	ResponseFinalization ResponseKind = "FINALIZATION"
	ResponseToolCall     ResponseKind = "TOOL_CALL"
)

// Request is the normalized request sent to a provider.
type Request struct {
	Messages    []RequestMessage
	ToolCatalog []ToolDescriptor
	MaxTokens   int
}

// RequestMessage is one turn of context sent to the model.
type RequestMessage struct {
	Role string
	Text string
}

// ToolDescriptor is a tool's prompt-facing shape (name/description/schema).
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema []byte
}

// NormalizedResponse is a provider's normalized reply: either a
// finalization or a tool call, never both.
type NormalizedResponse struct {
	Kind ResponseKind

	Text string

	ToolName string
	ToolArgs map[string]any

	Cost float64
}

// Provider is one model backend. Implementations that speak free-form
// text are responsible for parsing tool calls out of it themselves;
// the router only ever sees NormalizedResponse.
type Provider interface {
	Name() string
	Send(ctx context.Context, req Request) (NormalizedResponse, error)
	EstimateCost(req Request, resp NormalizedResponse) float64
}
