// Package llm provides the completion-provider boundary for Kamen.
//
// The provider sits between a conversation's accumulated message log and the
// remote completion API. Its sole responsibility is one round trip: send an
// ordered role-tagged message sequence for a given model, return the
// generated text plus the total token usage the API reports. Retry policy,
// context reduction, and persona bookkeeping all live above this layer.
package llm

import "context"

// Message roles, matching the completion API wire values.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single role-tagged turn sent to the completion API.
type Message struct {
	Role    string
	Content string
}

// Request is the input to a single completion call.
type Request struct {
	// Model is the completion model identifier (per-persona).
	Model string
	// Messages is the full ordered conversation log, oldest first.
	Messages []Message
}

// Response is the result of a completion call.
type Response struct {
	// Text is the generated assistant message.
	Text string
	// TotalTokens is the total token usage the API reported for this call
	// (prompt + completion). Conversations use it as their budget counter.
	TotalTokens int
}

// Provider performs a single completion round trip. Implementations must be
// safe for concurrent use. Remote failures are returned as-is: the reference
// behaviour does not retry completion calls.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
