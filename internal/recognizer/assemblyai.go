package recognizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/chadiek/voice-assistant/internal/capture"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/transcript"
)

const (
	DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"
	DefaultSampleRate   = 16000

	// 100ms of 16-bit mono audio at 16kHz; AssemblyAI wants 50-1000ms chunks.
	chunkBytes = 3200
	// terminateGrace bounds how long Stop waits for the Termination message.
	terminateGrace = 3 * time.Second
)

// AssemblyAI is a streaming speech recognizer backed by AssemblyAI's v3
// realtime API and a local audio source.
type AssemblyAI struct {
	APIKey     string
	URL        string
	SampleRate int
	NewSource  SourceFactory
	Dialer     *websocket.Dialer
}

func NewAssemblyAI(apiKey string, source SourceFactory) *AssemblyAI {
	return &AssemblyAI{
		APIKey:     apiKey,
		URL:        DefaultStreamingURL,
		SampleRate: DefaultSampleRate,
		NewSource:  source,
		Dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Available reports whether a run could be opened at all.
func (a *AssemblyAI) Available() bool {
	return a.APIKey != "" && a.NewSource != nil
}

// Open allocates a stream. Nothing is dialed until Start.
func (a *AssemblyAI) Open(cfg capture.Config) (capture.Handle, error) {
	if !a.Available() {
		return nil, capture.ErrCapabilityUnavailable
	}
	return &stream{
		rec:     a,
		cfg:     cfg,
		signals: make(chan capture.Signal, 64),
		unsub:   make(chan struct{}),
		done:    make(chan struct{}),
		log:     observability.Component("assemblyai"),
	}, nil
}

type baseMessage struct {
	Type string `json:"type"`
}

type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
	Words         []struct {
		Confidence float64 `json:"confidence"`
	} `json:"words"`
}

type terminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// stream is one recognition run: a websocket session fed by one audio source.
type stream struct {
	rec *AssemblyAI
	cfg capture.Config
	log *slog.Logger

	signals   chan capture.Signal
	unsub     chan struct{}
	unsubOnce sync.Once

	mu       sync.Mutex
	conn     *websocket.Conn
	source   AudioSource
	started  bool
	stopping bool
	results  []transcript.RecognitionResult
	sawTurn  bool

	writeMu  sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
}

func (s *stream) Subscribe() (<-chan capture.Signal, func()) {
	return s.signals, func() { s.unsubOnce.Do(func() { close(s.unsub) }) }
}

func (s *stream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("assemblyai: stream already started")
	}
	s.started = true
	s.mu.Unlock()

	params := url.Values{}
	params.Set("sample_rate", strconv.Itoa(s.rec.SampleRate))
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	wsURL := fmt.Sprintf("%s?%s", s.rec.URL, params.Encode())

	headers := http.Header{}
	headers.Set("Authorization", s.rec.APIKey)

	dialer := s.rec.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	s.log.Debug("connecting", "url", wsURL, "locale", s.cfg.Locale)
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return fmt.Errorf("assemblyai: %s: %w", capture.CodeServiceNotAllowed, err)
			}
			return fmt.Errorf("assemblyai: connect status=%d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	source, err := s.rec.NewSource(s.rec.SampleRate)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("assemblyai: open audio source: %w", err)
	}

	s.mu.Lock()
	aborted := s.isDone()
	if !aborted {
		s.conn, s.source = conn, source
	}
	s.mu.Unlock()
	if aborted {
		_ = source.Close()
		_ = conn.Close()
		return nil
	}

	go s.readLoop(conn)
	go s.sendLoop(conn, source)
	return nil
}

// Stop ends audio and asks the service to flush the last turn. The stream
// ends when the Termination message arrives or after a grace period.
func (s *stream) Stop() error {
	s.mu.Lock()
	if s.stopping || s.isDone() {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	conn, source := s.conn, s.source
	s.mu.Unlock()

	if conn == nil {
		s.terminate()
		return nil
	}
	if source != nil {
		_ = source.Close()
	}
	if err := s.write(conn, websocket.TextMessage, []byte(`{"type":"Terminate"}`)); err != nil {
		s.terminate()
		return fmt.Errorf("assemblyai: terminate: %w", err)
	}
	time.AfterFunc(terminateGrace, s.terminate)
	return nil
}

// Abort drops the connection immediately.
func (s *stream) Abort() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	s.terminate()
	return nil
}

// terminate releases the connection and audio source and emits End once.
func (s *stream) terminate() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		conn, source := s.conn, s.source
		s.conn, s.source = nil, nil
		close(s.done)
		s.mu.Unlock()
		if source != nil {
			_ = source.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.emit(capture.EndSignal())
	})
}

func (s *stream) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// emit delivers sig in order unless the subscriber has gone away.
func (s *stream) emit(sig capture.Signal) {
	select {
	case s.signals <- sig:
	case <-s.unsub:
	}
}

func (s *stream) write(conn *websocket.Conn, kind int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(kind, data)
}

func (s *stream) sendLoop(conn *websocket.Conn, source AudioSource) {
	buf := make([]byte, chunkBytes)
	for {
		n, err := io.ReadFull(source, buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			if werr := s.write(conn, websocket.BinaryMessage, frame); werr != nil {
				if !s.isDone() {
					s.log.Debug("send audio", "err", werr)
				}
				return
			}
		}
		if err != nil {
			if !s.isDone() && !s.isStopping() && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				s.log.Warn("audio source read", "err", err)
				s.emit(capture.ErrorSignal("audio-capture", err.Error()))
			}
			return
		}
	}
}

func (s *stream) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *stream) readLoop(conn *websocket.Conn) {
	defer s.terminate()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.isDone() || s.isStopping() {
				return
			}
			code, msg := classifyReadError(err)
			s.log.Warn("assemblyai connection lost", "code", code, "err", err)
			s.emit(capture.ErrorSignal(code, msg))
			return
		}
		if !s.process(message) {
			return
		}
	}
}

// process handles one server message. It returns false once the session has
// terminated.
func (s *stream) process(message []byte) bool {
	var base baseMessage
	if err := sonic.Unmarshal(message, &base); err != nil {
		s.log.Debug("undecodable message", "err", err)
		return true
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := sonic.Unmarshal(message, &msg); err == nil {
			s.log.Debug("session began", "id", msg.ID, "expires_at", time.Unix(msg.ExpiresAt, 0).Format(time.RFC3339))
		}
	case "Turn":
		var msg turnMessage
		if err := sonic.Unmarshal(message, &msg); err != nil {
			s.log.Debug("undecodable turn", "err", err)
			return true
		}
		if ev, ok := s.applyTurn(msg); ok {
			s.emit(capture.EventSignal(ev))
		}
	case "Termination":
		var msg terminationMessage
		_ = sonic.Unmarshal(message, &msg)
		s.log.Debug("session terminated", "audio_seconds", msg.AudioDurationSeconds, "session_seconds", msg.SessionDurationSeconds)
		s.mu.Lock()
		heard := s.sawTurn
		s.mu.Unlock()
		if !heard {
			s.emit(capture.ErrorSignal(capture.CodeNoSpeech, ""))
		}
		return false
	case "Error":
		var msg errorMessage
		_ = sonic.Unmarshal(message, &msg)
		s.emit(capture.ErrorSignal(capture.CodeNetwork, msg.Error))
	default:
		s.log.Debug("unknown message type", "type", base.Type)
	}
	return true
}

// applyTurn records a turn update in the cumulative result list and returns
// the event describing it. Updates to an already final turn are ignored.
func (s *stream) applyTurn(msg turnMessage) (transcript.RecognitionEvent, bool) {
	if msg.TurnOrder < 0 {
		return transcript.RecognitionEvent{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.results) <= msg.TurnOrder {
		s.results = append(s.results, transcript.RecognitionResult{})
	}
	if s.results[msg.TurnOrder].Final {
		return transcript.RecognitionEvent{}, false
	}
	if msg.Transcript != "" {
		s.sawTurn = true
	}
	s.results[msg.TurnOrder] = transcript.RecognitionResult{
		Alternatives: []transcript.Alternative{{Transcript: msg.Transcript, Confidence: meanConfidence(msg)}},
		Final:        msg.EndOfTurn,
	}
	results := make([]transcript.RecognitionResult, len(s.results))
	copy(results, s.results)
	return transcript.RecognitionEvent{ResultIndex: msg.TurnOrder, Results: results}, true
}

func meanConfidence(msg turnMessage) float64 {
	if len(msg.Words) == 0 {
		return 0
	}
	var sum float64
	for _, w := range msg.Words {
		sum += w.Confidence
	}
	return sum / float64(len(msg.Words))
}

func classifyReadError(err error) (code, message string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch {
		case ce.Code == websocket.ClosePolicyViolation, ce.Code >= 4000 && ce.Code < 4100:
			return capture.CodeNotAllowed, ce.Text
		case ce.Code == websocket.CloseNormalClosure:
			return capture.CodeAborted, ce.Text
		}
		return capture.CodeNetwork, ce.Text
	}
	return capture.CodeNetwork, err.Error()
}
