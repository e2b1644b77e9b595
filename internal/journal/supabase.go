package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/voice-assistant/internal/agent"
)

type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Table          string
}

// Supabase inserts entries into a Supabase (PostgREST) table.
type Supabase struct {
	client *supabase.Client
	table  string
}

func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	table := cfg.Table
	if table == "" {
		table = "chats"
	}
	return &Supabase{client: client, table: table}, nil
}

type supabaseRow struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Sequence       uint64 `json:"seq"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	CreatedAt      string `json:"created_at"`
}

// Record inserts all messages in one request. The client has no context
// support; ctx is only checked up front.
func (s *Supabase) Record(ctx context.Context, conversationID string, msgs []agent.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	es, err := entries(conversationID, msgs, time.Now())
	if err != nil {
		return err
	}
	rows := make([]supabaseRow, 0, len(es))
	for _, e := range es {
		rows = append(rows, supabaseRow{
			ID:             e.ID,
			ConversationID: e.ConversationID,
			Sequence:       e.Sequence,
			Role:           e.Role,
			Content:        e.Content,
			CreatedAt:      e.CreatedAt.Format(time.RFC3339Nano),
		})
	}
	if _, _, err := s.client.From(s.table).Insert(rows, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert into supabase %s: %w", s.table, err)
	}
	return nil
}

func (s *Supabase) Close() error { return nil }
