package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"

	"github.com/chadiek/voice-assistant/internal/observability"
)

// DeepgramClient synthesizes linear16 PCM over Deepgram's speak websocket and
// hands it back as a WAV clip.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	idleWindow time.Duration
	maxWait    time.Duration
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	return &DeepgramClient{
		apiKey:     apiKey,
		model:      model,
		sampleRate: 24000,
		idleWindow: 400 * time.Millisecond,
		maxWait:    12 * time.Second,
	}
}

func (d *DeepgramClient) Synthesize(ctx context.Context, text string) ([]byte, string, error) {
	if d.apiKey == "" {
		return nil, "", fmt.Errorf("deepgram: API key missing")
	}
	if strings.TrimSpace(text) == "" {
		return nil, "", fmt.Errorf("deepgram: empty text")
	}
	pcm, err := d.collectPCM(ctx, text)
	if err != nil {
		return nil, "", err
	}
	return wavFile(pcm, d.sampleRate, 1, 16), "audio/wav", nil
}

// collectPCM streams text and gathers audio frames until the stream has been
// quiet for idleWindow after the first frame, or maxWait passes.
func (d *DeepgramClient) collectPCM(ctx context.Context, text string) ([]byte, error) {
	log := observability.Component("tts").With("provider", "deepgram")
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   "linear16",
		SampleRate: d.sampleRate,
	}

	var (
		mu       sync.Mutex
		buf      bytes.Buffer
		lastRecv time.Time
	)
	cb := &speakCallback{onBinary: func(data []byte) error {
		if len(data) == 0 {
			return nil
		}
		mu.Lock()
		buf.Write(data)
		lastRecv = time.Now()
		mu.Unlock()
		return nil
	}}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, fmt.Errorf("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		log.Warn("flush failed", "err", err)
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(d.maxWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		mu.Lock()
		last, n := lastRecv, buf.Len()
		mu.Unlock()
		if n > 0 && time.Since(last) > d.idleWindow {
			break
		}
		if time.Now().After(deadline) {
			if n == 0 {
				return nil, fmt.Errorf("deepgram: no audio within %s", d.maxWait)
			}
			log.Warn("synthesis hit deadline, returning partial audio", "bytes", n)
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	return bytes.Clone(buf.Bytes()), nil
}

// wavFile prefixes little-endian PCM with a canonical 44-byte RIFF header.
func wavFile(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	blockAlign := channels * bitsPerSample / 8
	var out bytes.Buffer
	out.Grow(44 + len(pcm))
	out.WriteString("RIFF")
	_ = binary.Write(&out, binary.LittleEndian, uint32(36+len(pcm)))
	out.WriteString("WAVEfmt ")
	_ = binary.Write(&out, binary.LittleEndian, uint32(16))
	_ = binary.Write(&out, binary.LittleEndian, uint16(1))
	_ = binary.Write(&out, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&out, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&out, binary.LittleEndian, uint32(sampleRate*blockAlign))
	_ = binary.Write(&out, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&out, binary.LittleEndian, uint16(bitsPerSample))
	out.WriteString("data")
	_ = binary.Write(&out, binary.LittleEndian, uint32(len(pcm)))
	out.Write(pcm)
	return out.Bytes()
}

type speakCallback struct{ onBinary func([]byte) error }

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
