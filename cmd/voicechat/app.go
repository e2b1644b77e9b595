package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/chadiek/voice-assistant/internal/agent"
	"github.com/chadiek/voice-assistant/internal/barge"
	"github.com/chadiek/voice-assistant/internal/capture"
	"github.com/chadiek/voice-assistant/internal/journal"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/playback"
	"github.com/chadiek/voice-assistant/internal/transcript"
)

const helpText = `commands:
  <text>      add text to the input buffer and send it
  /listen     start speech capture
  /stop       stop speech capture
  /send       send the input buffer
  /play [N]   narrate assistant message N (latest when omitted)
  /history    print the conversation
  /reset      start a new conversation
  /quit       exit`

// app is the terminal front end over the capture, conversation and playback
// controllers.
type app struct {
	capture *capture.Session
	agent   *agent.Controller
	player  *playback.Controller
	barge   *barge.Detector
	journal journal.Sink
	log     *slog.Logger

	outMu sync.Mutex
	out   io.Writer

	sends sync.WaitGroup
}

func (a *app) printf(format string, args ...any) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprintf(a.out, format+"\n", args...)
}

// listen wires the controllers' listeners to the terminal. Speech heard
// while a reply is being narrated stops the narration.
func (a *app) listen() {
	if a.barge == nil {
		a.barge = barge.NewDetector(barge.DefaultConfig(), func(t barge.Trigger) {
			a.log.Debug("barge-in", "words", t.Words)
			a.player.Stop()
			a.printf("[interrupted]")
		})
	}
	a.capture.
		OnTranscript(func(st transcript.State) {
			a.barge.NotifyPartial(st.Display())
			if st.Interim != "" {
				a.printf("~ %s", st.Display())
			}
		}).
		OnError(func(err error) { a.printf("! %v", err) }).
		OnState(func(s capture.State) { a.printf("[mic %s]", s) })
	a.agent.
		OnChange(func(msgs []agent.Message) {
			if n := len(msgs); n > 0 && msgs[n-1].Role == agent.RoleAssistant {
				m := msgs[n-1]
				a.printf("assistant #%d: %s", m.Sequence, m.Content)
			}
		}).
		OnError(func(err error) { a.printf("! %v", err) })
	a.player.
		OnState(func(s playback.State) {
			if !s.Active {
				a.barge.SetSpeaking(false)
				return
			}
			for _, m := range a.agent.History() {
				if m.Sequence == s.ActiveID {
					a.barge.NotifyTTSText(m.Content)
				}
			}
			a.barge.SetSpeaking(true)
			a.printf("[playing #%d]", s.ActiveID)
		}).
		OnError(func(err error) { a.printf("! %v", err) })
}

// run reads commands until EOF, /quit or ctx is done.
func (a *app) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	a.printf("%s", helpText)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if quit := a.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (a *app) handle(ctx context.Context, line string) bool {
	cmd, arg := parseLine(line)
	switch cmd {
	case "":
	case "text":
		buffer := a.capture.Transcript().Finalized
		a.capture.Seed(strings.TrimSpace(buffer + " " + arg))
		a.send(ctx)
	case "/listen":
		if err := a.capture.Start(ctx); err != nil {
			if errors.Is(err, capture.ErrCapabilityUnavailable) {
				a.printf("! speech capture is not available (set ASSEMBLYAI_API_KEY and install ffmpeg)")
			} else {
				a.printf("! %v", err)
			}
		}
	case "/stop":
		if err := a.capture.Stop(); err != nil {
			a.printf("! %v", err)
		}
		if text := a.capture.Transcript().Finalized; text != "" {
			a.printf("> %s", text)
		}
	case "/send":
		a.send(ctx)
	case "/play":
		a.play(ctx, arg)
	case "/history":
		for _, m := range a.agent.History() {
			a.printf("%s #%d: %s", m.Role, m.Sequence, m.Content)
		}
	case "/reset":
		a.player.Stop()
		a.capture.Abort()
		a.capture.Seed("")
		a.barge.Reset()
		a.agent.Reset()
		a.printf("[new conversation %s]", a.agent.ID())
	case "/quit":
		return true
	case "/help":
		a.printf("%s", helpText)
	default:
		a.printf("! unknown command %s (try /help)", cmd)
	}
	return false
}

// send stops capture, takes the buffer and hands it to the conversation in
// the background. While a reply is pending the buffer is left alone.
func (a *app) send(ctx context.Context) {
	if a.capture.State() == capture.Listening {
		if err := a.capture.Stop(); err != nil {
			a.printf("! %v", err)
		}
	}
	if a.agent.InFlight() {
		a.printf("! still waiting for the assistant")
		return
	}
	text := a.capture.Take()
	if strings.TrimSpace(text) == "" {
		return
	}
	a.sends.Add(1)
	go func() {
		defer a.sends.Done()
		if _, err := a.agent.Send(ctx, text); err != nil {
			a.log.Debug("send failed", "err", err)
		}
	}()
}

func (a *app) play(ctx context.Context, arg string) {
	var target *agent.Message
	history := a.agent.History()
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role != agent.RoleAssistant {
			continue
		}
		if arg == "" || strconv.FormatUint(m.Sequence, 10) == arg {
			target = &m
			break
		}
	}
	if target == nil {
		a.printf("! no assistant message %s", arg)
		return
	}
	pctx := observability.WithConversationID(ctx, a.agent.ID())
	if !a.player.Play(pctx, target.Content, target.Sequence) {
		a.printf("! playback busy")
	}
}

// close tears down in dependency order.
func (a *app) close() {
	_ = a.capture.Close()
	_ = a.player.Close()
	_ = a.agent.Close()
	a.sends.Wait()
	a.capture.Wait()
	a.agent.Wait()
	if err := a.journal.Close(); err != nil {
		a.log.Warn("close journal", "err", err)
	}
}

// parseLine splits a line into a slash command and its argument. Plain text
// is reported as the "text" command.
func parseLine(line string) (cmd, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "text", line
	}
	cmd, arg, _ = strings.Cut(line, " ")
	return strings.ToLower(cmd), strings.TrimSpace(arg)
}
