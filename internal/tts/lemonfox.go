package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

const maxClipBytes = 32 << 20

// Synthesizer turns text into a complete audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (audio []byte, contentType string, err error)
}

// LemonfoxClient speaks through Lemonfox's OpenAI-compatible speech endpoint.
type LemonfoxClient struct {
	api    *openai.Client
	voice  string
	model  string
	format openai.SpeechResponseFormat
}

const LemonfoxBaseURL = "https://api.lemonfox.ai/v1"

func NewLemonfoxClient(apiKey, voice string) (*LemonfoxClient, error) {
	return newLemonfox(apiKey, LemonfoxBaseURL, voice, "tts-1")
}

func newLemonfox(apiKey, baseURL, voice, model string) (*LemonfoxClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("lemonfox: API key missing")
	}
	if voice == "" {
		voice = "sarah"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &LemonfoxClient{
		api:    openai.NewClientWithConfig(cfg),
		voice:  voice,
		model:  model,
		format: openai.SpeechResponseFormatMp3,
	}, nil
}

func (l *LemonfoxClient) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("lemonfox: empty text")
	}
	resp, err := l.api.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(l.model),
		Input:          text,
		Voice:          openai.SpeechVoice(l.voice),
		ResponseFormat: l.format,
	})
	if err != nil {
		return nil, "", fmt.Errorf("lemonfox: speech: %w", err)
	}
	defer resp.Close()
	audio, err := io.ReadAll(io.LimitReader(resp, maxClipBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("lemonfox: read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, "", fmt.Errorf("lemonfox: empty audio")
	}
	if len(audio) > maxClipBytes {
		return nil, "", fmt.Errorf("lemonfox: audio exceeds %d bytes", maxClipBytes)
	}
	ct := resp.Header().Get("Content-Type")
	if ct == "" || strings.HasPrefix(ct, "application/") {
		ct = "audio/mpeg"
	}
	return audio, ct, nil
}
