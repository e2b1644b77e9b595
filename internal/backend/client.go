package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/chadiek/voice-assistant/internal/agent"
	"github.com/chadiek/voice-assistant/internal/observability"
)

const maxAudioBytes = 32 << 20

// Client talks to the assistant backend's /chat and /synthesize-speech
// endpoints.
type Client struct {
	HTTPClient *http.Client
	BaseURL    string
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages []wireMessage  `json:"messages"`
	Mode     string         `json:"mode,omitempty"`
	Context  map[string]any `json:"context,omitempty"`
}

type chatResponse struct {
	Message string `json:"message"`
}

type speechRequest struct {
	Text string `json:"text"`
}

type errorBody struct {
	Detail any `json:"detail"`
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	Endpoint string
	Status   int
	Detail   string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: status=%d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: status=%d: %s", e.Endpoint, e.Status, e.Detail)
}

func NewClient(baseURL string) *Client {
	return &Client{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		BaseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Exchange sends the conversation to POST /chat and returns the assistant reply.
func (c *Client) Exchange(ctx context.Context, req agent.ExchangeRequest) (string, error) {
	body := chatRequest{Mode: req.Mode, Context: req.Context}
	body.Messages = make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	resp, err := c.post(ctx, "/chat", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("chat: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError("chat", resp.StatusCode, b, "Chat failed")
	}
	var cr chatResponse
	if err := sonic.Unmarshal(b, &cr); err != nil {
		return "", fmt.Errorf("chat: decode response: %w", err)
	}
	return cr.Message, nil
}

// Synthesize asks POST /synthesize-speech for an audio rendition of text.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := c.post(ctx, "/synthesize-speech", speechRequest{Text: text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, newAPIError("synthesize-speech", resp.StatusCode, b, "")
	}
	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("synthesize-speech: read audio: %w", err)
	}
	if len(audio) > maxAudioBytes {
		return nil, fmt.Errorf("synthesize-speech: audio exceeds %d bytes", maxAudioBytes)
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesize-speech: empty audio")
	}
	return audio, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	if c.BaseURL == "" {
		return nil, fmt.Errorf("%s: backend url missing", strings.TrimPrefix(path, "/"))
	}
	reqBody, err := sonic.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", strings.TrimPrefix(path, "/"), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if id := observability.ConversationID(ctx); id != "" {
		req.Header.Set(observability.ConversationHeader, id)
	}
	log := observability.LoggerFromContext(ctx).With("component", "backend", "path", path)
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Debug("request failed", "err", err, "elapsed", time.Since(start))
		return nil, err
	}
	log.Debug("response", "status", resp.StatusCode, "elapsed", time.Since(start))
	return resp, nil
}

func newAPIError(endpoint string, status int, body []byte, fallback string) *APIError {
	e := &APIError{Endpoint: endpoint, Status: status, Detail: fallback}
	var eb errorBody
	if len(body) == 0 || sonic.Unmarshal(body, &eb) != nil || eb.Detail == nil {
		return e
	}
	switch d := eb.Detail.(type) {
	case string:
		if d != "" {
			e.Detail = d
		}
	default:
		if b, err := sonic.Marshal(d); err == nil {
			e.Detail = string(b)
		}
	}
	return e
}
