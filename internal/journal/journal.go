// Package journal keeps a durable record of committed conversation turns.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/voice-assistant/internal/agent"
)

// Entry is one stored message.
type Entry struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sequence       uint64    `json:"seq"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Sink stores entries.
type Sink interface {
	agent.Journal
	Close() error
}

func entries(conversationID string, msgs []agent.Message, now time.Time) ([]Entry, error) {
	if conversationID == "" {
		return nil, errors.New("journal: conversation id missing")
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Entry{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			Sequence:       m.Sequence,
			Role:           string(m.Role),
			Content:        m.Content,
			CreatedAt:      now.UTC(),
		})
	}
	return out, nil
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, string, []agent.Message) error { return nil }
func (Nop) Close() error                                          { return nil }
