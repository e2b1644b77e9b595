package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chadiek/voice-assistant/internal/transcript"
)

type fakeHandle struct {
	ch       chan Signal
	startErr error

	// flush is delivered when Stop is called, followed by End unless hang
	// is set.
	flush []Signal
	hang  bool

	mu           sync.Mutex
	started      int
	stopped      int
	aborted      int
	unsubscribed int
}

func newFakeHandle() *fakeHandle { return &fakeHandle{ch: make(chan Signal, 32)} }

func (h *fakeHandle) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.started++
	return h.startErr
}

func (h *fakeHandle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped++
	for _, sig := range h.flush {
		h.ch <- sig
	}
	if !h.hang {
		h.ch <- EndSignal()
	}
	return nil
}

func (h *fakeHandle) Abort() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.aborted++
	return nil
}

func (h *fakeHandle) Subscribe() (<-chan Signal, func()) {
	return h.ch, func() {
		h.mu.Lock()
		h.unsubscribed++
		h.mu.Unlock()
	}
}

func (h *fakeHandle) counts() (started, stopped, aborted, unsubscribed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.started, h.stopped, h.aborted, h.unsubscribed
}

type fakeCapability struct {
	available bool
	openErr   error
	startErr  error
	flush     []Signal
	hang      bool

	mu      sync.Mutex
	handles []*fakeHandle
	configs []Config
}

func (c *fakeCapability) Available() bool { return c.available }

func (c *fakeCapability) Open(cfg Config) (Handle, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := newFakeHandle()
	h.startErr = c.startErr
	h.flush = c.flush
	h.hang = c.hang
	c.mu.Lock()
	c.handles = append(c.handles, h)
	c.configs = append(c.configs, cfg)
	c.mu.Unlock()
	return h, nil
}

func (c *fakeCapability) handle(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[i]
}

func (c *fakeCapability) opened() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func result(text string, final bool) transcript.RecognitionResult {
	return transcript.RecognitionResult{Alternatives: []transcript.Alternative{{Transcript: text}}, Final: final}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_StartUnavailable(t *testing.T) {
	s := NewSession(&fakeCapability{available: false})
	if err := s.Start(context.Background()); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected ErrCapabilityUnavailable, got %v", err)
	}
	if s.State() != Idle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	if err := NewSession(nil).Start(context.Background()); !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("nil capability: expected ErrCapabilityUnavailable, got %v", err)
	}
}

func TestSession_StartIsIdempotent(t *testing.T) {
	c := &fakeCapability{available: true}
	s := NewSession(c)
	defer s.Close()
	for i := 0; i < 3; i++ {
		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if c.opened() != 1 {
		t.Fatalf("expected one handle, got %d", c.opened())
	}
	cfg := c.configs[0]
	if !cfg.Continuous || !cfg.InterimResults || cfg.Locale != DefaultLocale {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if started, _, _, _ := c.handle(0).counts(); started != 1 {
		t.Fatalf("expected handle started once, got %d", started)
	}
}

func TestSession_MergesEventsAndClearsInterimOnStop(t *testing.T) {
	c := &fakeCapability{available: true}
	var mu sync.Mutex
	var published []transcript.State
	s := NewSession(c).OnTranscript(func(st transcript.State) {
		mu.Lock()
		published = append(published, st)
		mu.Unlock()
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	h.ch <- EventSignal(transcript.RecognitionEvent{ResultIndex: 0, Results: []transcript.RecognitionResult{result("hi", true)}})
	h.ch <- EventSignal(transcript.RecognitionEvent{ResultIndex: 1, Results: []transcript.RecognitionResult{result("there", false)}})
	waitFor(t, "merged transcript", func() bool {
		return s.Transcript() == transcript.State{Finalized: "hi", Interim: "there"}
	})
	if got := s.Display(); got != "hi there" {
		t.Fatalf("display=%q", got)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := s.Transcript(); st.Interim != "" || st.Finalized != "hi" {
		t.Fatalf("after stop: %+v", st)
	}
	if s.State() != Idle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	_, stopped, _, unsubscribed := h.counts()
	if stopped != 1 || unsubscribed != 1 {
		t.Fatalf("expected stop+unsubscribe once, got stop=%d unsub=%d", stopped, unsubscribed)
	}

	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("late", true)}})
	time.Sleep(20 * time.Millisecond)
	if st := s.Transcript(); st.Finalized != "hi" {
		t.Fatalf("late event applied: %+v", st)
	}

	s.Wait()
	mu.Lock()
	last := published[len(published)-1]
	mu.Unlock()
	if last.Interim != "" {
		t.Fatalf("last published state still has interim: %+v", last)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, stopped, _, _ := h.counts(); stopped != 1 {
		t.Fatalf("second stop reached handle")
	}
}

func TestSession_RecoverableErrorsSuppressed(t *testing.T) {
	c := &fakeCapability{available: true}
	var mu sync.Mutex
	var errs []error
	s := NewSession(c).OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("half", false)}})
	h.ch <- ErrorSignal(CodeNoSpeech, "")
	h.ch <- ErrorSignal(CodeAborted, "")
	h.ch <- ErrorSignal(CodeNetwork, "socket closed")
	waitFor(t, "surfaced error", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	})
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 1 {
		t.Fatalf("expected exactly one surfaced error, got %v", errs)
	}
	var rerr *RecognitionError
	if !errors.As(errs[0], &rerr) || rerr.Code != CodeNetwork {
		t.Fatalf("unexpected error: %v", errs[0])
	}
	if s.State() != Listening {
		t.Fatalf("error must not leave listening, got %v", s.State())
	}
	if st := s.Transcript(); st.Interim != "" {
		t.Fatalf("interim not cleared on error: %+v", st)
	}
}

func TestSession_HandleEndReturnsToIdle(t *testing.T) {
	c := &fakeCapability{available: true}
	s := NewSession(c)
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	h.ch <- ErrorSignal(CodeNotAllowed, "")
	h.ch <- EndSignal()
	waitFor(t, "idle", func() bool { return s.State() == Idle })
	if _, _, _, unsub := h.counts(); unsub != 1 {
		t.Fatalf("expected unsubscribe after end, got %d", unsub)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if c.opened() != 2 {
		t.Fatalf("expected a fresh handle, got %d", c.opened())
	}
}

func TestSession_ClosedChannelTreatedAsEnd(t *testing.T) {
	c := &fakeCapability{available: true}
	s := NewSession(c)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	close(c.handle(0).ch)
	waitFor(t, "idle", func() bool { return s.State() == Idle })
}

func TestSession_AbortOnIdleIsNoop(t *testing.T) {
	s := NewSession(&fakeCapability{available: true})
	s.Abort()
	s.Abort()
	if s.State() != Idle {
		t.Fatalf("expected idle, got %v", s.State())
	}
}

func TestSession_AbortFromListener(t *testing.T) {
	c := &fakeCapability{available: true}
	var s *Session
	s = NewSession(c).OnTranscript(func(st transcript.State) {
		if st.Finalized == "stop now" {
			s.Abort()
		}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("stop now", true)}})
	waitFor(t, "abort", func() bool { return s.State() == Idle })
	if _, _, aborted, _ := h.counts(); aborted != 1 {
		t.Fatalf("expected handle aborted once, got %d", aborted)
	}
}

func TestSession_CloseIsTerminal(t *testing.T) {
	c := &fakeCapability{available: true}
	s := NewSession(c)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != Stopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
	if _, _, aborted, _ := c.handle(0).counts(); aborted != 1 {
		t.Fatalf("expected abort on close, got %d", aborted)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	s.Abort()
	_ = s.Close()
}

func TestSession_StartFailureReleasesHandle(t *testing.T) {
	c := &fakeCapability{available: true, startErr: errors.New("mic busy")}
	s := NewSession(c)
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if s.State() != Idle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	if _, _, aborted, unsub := c.handle(0).counts(); aborted != 1 || unsub != 1 {
		t.Fatalf("expected abort+unsubscribe, got abort=%d unsub=%d", aborted, unsub)
	}

	c2 := &fakeCapability{available: true, openErr: errors.New("no device")}
	if err := NewSession(c2).Start(context.Background()); err == nil || errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("expected wrapped open error, got %v", err)
	}
}

func TestSession_SeedAndTake(t *testing.T) {
	c := &fakeCapability{available: true}
	s := NewSession(c)
	defer s.Close()
	s.Seed("typed words")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	c.handle(0).ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("and speech", true)}})
	waitFor(t, "appended", func() bool { return s.Transcript().Finalized == "typed words and speech" })
	if got := s.Take(); got != "typed words and speech" {
		t.Fatalf("take=%q", got)
	}
	if st := s.Transcript(); st != (transcript.State{}) {
		t.Fatalf("expected empty buffer, got %+v", st)
	}
}

func TestSession_StopKeepsFlushedFinals(t *testing.T) {
	c := &fakeCapability{available: true, flush: []Signal{
		EventSignal(transcript.RecognitionEvent{ResultIndex: 0, Results: []transcript.RecognitionResult{
			result("book an appointment", true),
			result("for", false),
		}}),
		ErrorSignal(CodeNetwork, "closing"),
	}}
	var mu sync.Mutex
	var errs []error
	s := NewSession(c).OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	defer s.Close()
	s.Seed("please")
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("book an appointment", false)}})
	waitFor(t, "interim", func() bool { return s.Transcript().Interim == "book an appointment" })

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := s.Transcript(); st != (transcript.State{Finalized: "please book an appointment"}) {
		t.Fatalf("after stop: %+v", st)
	}
	if s.State() != Idle {
		t.Fatalf("expected idle, got %v", s.State())
	}
	if _, stopped, aborted, unsub := h.counts(); stopped != 1 || aborted != 0 || unsub != 1 {
		t.Fatalf("stop=%d abort=%d unsub=%d", stopped, aborted, unsub)
	}
	if got := s.Take(); got != "please book an appointment" {
		t.Fatalf("take=%q", got)
	}
	s.Wait()
	mu.Lock()
	defer mu.Unlock()
	if len(errs) != 0 {
		t.Fatalf("errors while stopping must stay quiet, got %v", errs)
	}
}

func TestSession_StopGivesUpAfterDrainTimeout(t *testing.T) {
	c := &fakeCapability{available: true, hang: true}
	s := NewSession(c)
	s.drainTimeout = 20 * time.Millisecond
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	begin := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if time.Since(begin) > time.Second {
		t.Fatalf("stop blocked past the drain timeout")
	}
	if _, _, aborted, unsub := h.counts(); aborted != 1 || unsub != 1 {
		t.Fatalf("expected abort+unsubscribe after timeout, got abort=%d unsub=%d", aborted, unsub)
	}
	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("too late", true)}})
	time.Sleep(20 * time.Millisecond)
	if st := s.Transcript(); st.Finalized != "" {
		t.Fatalf("result after timeout applied: %+v", st)
	}
}

func TestSession_AbortDuringStopDropsFlush(t *testing.T) {
	c := &fakeCapability{available: true, hang: true}
	s := NewSession(c)
	defer s.Close()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	h := c.handle(0)
	stopped := make(chan error, 1)
	go func() { stopped <- s.Stop() }()
	waitFor(t, "stop reached handle", func() bool {
		_, n, _, _ := h.counts()
		return n == 1
	})
	s.Abort()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("stop still waiting after abort")
	}
	if _, _, aborted, _ := h.counts(); aborted != 1 {
		t.Fatalf("expected handle aborted once, got %d", aborted)
	}
	h.ch <- EventSignal(transcript.RecognitionEvent{Results: []transcript.RecognitionResult{result("dropped", true)}})
	time.Sleep(20 * time.Millisecond)
	if st := s.Transcript(); st.Finalized != "" {
		t.Fatalf("flush applied after abort: %+v", st)
	}
}
