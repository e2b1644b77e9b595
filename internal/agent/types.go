package agent

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation. Sequence is assigned on append and
// never reused within a controller.
type Message struct {
	Role     Role
	Content  string
	Sequence uint64
}

// ExchangeRequest is what the backend sees for one send: the full history
// including the new user message, plus side-channel hints.
type ExchangeRequest struct {
	Messages []Message
	Mode     string
	Context  map[string]any
}

// ChatBackend produces the assistant reply for a conversation.
type ChatBackend interface {
	Exchange(ctx context.Context, req ExchangeRequest) (string, error)
}

// Journal records committed exchanges somewhere durable.
type Journal interface {
	Record(ctx context.Context, conversationID string, messages []Message) error
}

// ErrClosed is returned by Send when the controller was closed while the
// exchange was in flight.
var ErrClosed = errors.New("agent: controller closed")

// ExchangeFailedError wraps a chat backend or transport failure.
type ExchangeFailedError struct {
	Err error
}

func (e *ExchangeFailedError) Error() string {
	return fmt.Sprintf("exchange failed: %v", e.Err)
}

func (e *ExchangeFailedError) Unwrap() error { return e.Err }

// FailurePolicy decides what history looks like after a failed exchange.
type FailurePolicy int

const (
	// FailureRollback removes the optimistic user message.
	FailureRollback FailurePolicy = iota
	// FailureApologize keeps the user message and answers with ApologyText.
	FailureApologize
)

const ApologyText = "Sorry, something went wrong. Please try again."
