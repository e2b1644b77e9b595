package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

type ctxKey string

const ctxKeyConversationID ctxKey = "conversation_id"

// ConversationHeader carries the conversation id from the client to the
// backend.
const ConversationHeader = "X-Conversation-ID"

var logger atomic.Pointer[slog.Logger]

func init() {
	logger.Store(slog.New(slog.NewTextHandler(os.Stderr, nil)))
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger {
	return logger.Load()
}

// Setup replaces the process-wide logger. format is "json" or "text"; level is
// one of debug, info, warn, error (anything else means info).
func Setup(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	l := slog.New(h)
	logger.Store(l)
	return l
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger tagged with the component name.
func Component(name string) *slog.Logger {
	return Logger().With("component", name)
}

// WithConversationID stores a conversation id in the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyConversationID, id)
}

// ConversationID returns the id stored by WithConversationID, or "".
func ConversationID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyConversationID).(string)
	return id
}

// LoggerFromContext adds conversation_id if present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	id := ConversationID(ctx)
	if id == "" {
		return Logger()
	}
	return Logger().With("conversation_id", id)
}
