package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/voice-assistant/internal/llm"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/tts"
)

// ChatCompleter answers a conversation given a system prompt.
type ChatCompleter interface {
	Complete(ctx context.Context, system string, msgs []llm.Message) (string, error)
}

// Archiver keeps a copy of synthesized audio and returns its key, or "".
type Archiver interface {
	Put(contentType string, data []byte) string
}

// ArchiveKeyHeader carries the storage key of an archived clip.
const ArchiveKeyHeader = "X-Archive-Key"

type Handlers struct {
	Chat    ChatCompleter
	Speech  tts.Synthesizer
	Archive Archiver
}

func NewHandlers(chat ChatCompleter, speech tts.Synthesizer) Handlers {
	return Handlers{Chat: chat, Speech: speech}
}

func (h Handlers) WithArchive(a Archiver) Handlers {
	h.Archive = a
	return h
}

func (h Handlers) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.POST("/chat", h.chat)
	e.POST("/synthesize-speech", h.synthesizeSpeech)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []chatMessage  `json:"messages"`
	Mode     string         `json:"mode"`
	Context  map[string]any `json:"context"`
}

type chatResponse struct {
	Message string `json:"message"`
}

type speechRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func detail(c echo.Context, status int, format string, args ...any) error {
	return c.JSON(status, errorResponse{Detail: fmt.Sprintf(format, args...)})
}

// requestLogger tags the route and the caller's conversation id, if sent.
func requestLogger(c echo.Context, route string) *slog.Logger {
	ctx := observability.WithConversationID(c.Request().Context(), c.Request().Header.Get(observability.ConversationHeader))
	return observability.LoggerFromContext(ctx).With("component", "http", "route", route)
}

func (h Handlers) chat(c echo.Context) error {
	log := requestLogger(c, "/chat")
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid JSON body")
	}
	msgs, err := validateMessages(req.Messages)
	if err != nil {
		return detail(c, http.StatusBadRequest, "%v", err)
	}
	if h.Chat == nil {
		return detail(c, http.StatusServiceUnavailable, "chat provider not configured")
	}
	reply, err := h.Chat.Complete(c.Request().Context(), llm.SystemPrompt(req.Mode, req.Context), msgs)
	if err != nil {
		log.Error("chat completion failed", "messages", len(msgs), "err", err)
		return detail(c, http.StatusBadGateway, "Chat failed: %v", err)
	}
	return c.JSON(http.StatusOK, chatResponse{Message: reply})
}

func validateMessages(in []chatMessage) ([]llm.Message, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	out := make([]llm.Message, 0, len(in))
	for i, m := range in {
		switch m.Role {
		case "user", "assistant":
		default:
			return nil, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("messages[%d]: content must not be blank", i)
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

func (h Handlers) synthesizeSpeech(c echo.Context) error {
	log := requestLogger(c, "/synthesize-speech")
	var req speechRequest
	if err := c.Bind(&req); err != nil {
		return detail(c, http.StatusBadRequest, "invalid JSON body")
	}
	if strings.TrimSpace(req.Text) == "" {
		return detail(c, http.StatusBadRequest, "text must not be blank")
	}
	if h.Speech == nil {
		return detail(c, http.StatusServiceUnavailable, "speech provider not configured")
	}
	audio, contentType, err := h.Speech.Synthesize(c.Request().Context(), req.Text)
	if err != nil {
		log.Error("speech synthesis failed", "chars", len(req.Text), "err", err)
		return detail(c, http.StatusBadGateway, "Speech synthesis failed: %v", err)
	}
	if h.Archive != nil {
		if key := h.Archive.Put(contentType, audio); key != "" {
			c.Response().Header().Set(ArchiveKeyHeader, key)
		}
	}
	return c.Blob(http.StatusOK, contentType, audio)
}
