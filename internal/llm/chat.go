package llm

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const basePrompt = "You are a helpful assistant."

type Message struct {
	Role    string
	Content string
}

// Provider is an OpenAI-compatible chat completions endpoint.
type Provider struct {
	Name    string
	BaseURL string
	Model   string
}

var (
	Featherless = Provider{Name: "featherless", BaseURL: "https://api.featherless.ai/v1", Model: "deepseek-ai/DeepSeek-V3.2"}
	Cerebras    = Provider{Name: "cerebras", BaseURL: "https://api.cerebras.ai/v1", Model: "gpt-oss-120b"}
)

// ProviderByName resolves a configured provider name. Empty means featherless.
func ProviderByName(name string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", Featherless.Name:
		return Featherless, nil
	case Cerebras.Name:
		return Cerebras, nil
	default:
		return Provider{}, fmt.Errorf("unknown chat provider %q", name)
	}
}

type Client struct {
	api      *openai.Client
	provider Provider
}

// NewClient builds a chat client for p. model overrides p.Model when set.
func NewClient(p Provider, apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%s api key missing", p.Name)
	}
	if model != "" {
		p.Model = model
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = p.BaseURL
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &Client{api: openai.NewClientWithConfig(cfg), provider: p}, nil
}

func (c *Client) Provider() Provider { return c.provider }

// Complete sends the system prompt followed by msgs and returns the trimmed
// reply of the first choice.
func (c *Client) Complete(ctx context.Context, system string, msgs []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    c.provider.Model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(msgs)+1),
	}
	if system != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s chat: %w", c.provider.Name, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%s chat: empty choices", c.provider.Name)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("%s chat: empty reply", c.provider.Name)
	}
	return answer, nil
}

// SystemPrompt composes the system message from an optional mode and
// context. Context keys are emitted in sorted order.
func SystemPrompt(mode string, context map[string]any) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if mode = strings.TrimSpace(mode); mode != "" {
		fmt.Fprintf(&b, " Respond in %s mode.", mode)
	}
	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nContext:")
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %v", k, context[k])
		}
	}
	return b.String()
}
