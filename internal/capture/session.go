package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chadiek/voice-assistant/internal/notify"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/transcript"
)

const DefaultLocale = "en-US"

// DefaultDrainTimeout bounds how long Stop waits for the recognizer to flush
// its last results.
const DefaultDrainTimeout = 5 * time.Second

// Session turns a recognizer's incremental results into a stable transcript.
// At most one recognizer handle is live at a time.
type Session struct {
	capability   Capability
	locale       string
	onTranscript func(transcript.State)
	onError      func(error)
	onState      func(State)
	log          *slog.Logger
	drainTimeout time.Duration

	mu          sync.Mutex
	state       State
	handle      Handle
	unsubscribe func()
	done        chan struct{}
	gen         uint64
	drain       *drain
	acc         *transcript.Accumulator

	events notify.Queue
}

// NewSession constructs an idle session over the given capability.
func NewSession(c Capability) *Session {
	return &Session{
		capability:   c,
		locale:       DefaultLocale,
		acc:          transcript.NewAccumulator(""),
		log:          observability.Component("capture"),
		drainTimeout: DefaultDrainTimeout,
	}
}

// drain is a stopped handle whose final results are still being collected.
type drain struct {
	gen         uint64
	handle      Handle
	unsubscribe func()
	done        chan struct{}
	finished    chan struct{}
	once        sync.Once
}

func (d *drain) finish() {
	d.once.Do(func() {
		if d.done != nil {
			close(d.done)
		}
		d.unsubscribe()
		close(d.finished)
	})
}

// WithLocale sets the recognition locale for future handles.
func (s *Session) WithLocale(locale string) *Session {
	if locale != "" {
		s.locale = locale
	}
	return s
}

// OnTranscript registers the transcript listener. Listeners run in order on a
// separate goroutine and may call back into the session.
func (s *Session) OnTranscript(fn func(transcript.State)) *Session {
	s.onTranscript = fn
	return s
}

// OnError registers the listener for non-recoverable recognition errors.
func (s *Session) OnError(fn func(error)) *Session {
	s.onError = fn
	return s
}

func (s *Session) OnState(fn func(State)) *Session {
	s.onState = fn
	return s
}

// Start opens a recognizer handle and begins listening. It is a no-op while
// already listening. A handle still flushing after Stop is aborted.
func (s *Session) Start(ctx context.Context) error {
	s.abortDrain()
	s.mu.Lock()
	switch s.state {
	case Stopped:
		s.mu.Unlock()
		return ErrClosed
	case Listening:
		s.mu.Unlock()
		return nil
	}
	if s.capability == nil || !s.capability.Available() {
		s.mu.Unlock()
		return ErrCapabilityUnavailable
	}
	h, err := s.capability.Open(Config{Continuous: true, InterimResults: true, Locale: s.locale})
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("capture: open recognizer: %w", err)
	}
	signals, unsub := h.Subscribe()
	if unsub == nil {
		unsub = func() {}
	}
	unsubscribe := sync.OnceFunc(unsub)
	s.gen++
	gen := s.gen
	done := make(chan struct{})
	s.handle, s.unsubscribe, s.done = h, unsubscribe, done
	s.state = Listening
	s.postStateLocked()
	s.mu.Unlock()

	go s.consume(gen, signals, done)

	if err := h.Start(ctx); err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.detachLocked(Idle)
		}
		s.mu.Unlock()
		unsubscribe()
		_ = h.Abort()
		return fmt.Errorf("capture: start recognizer: %w", err)
	}
	s.log.Debug("listening", "locale", s.locale)
	return nil
}

// Stop ends the capture gracefully. Interim text is dropped at once; final
// results the recognizer flushes while shutting down are still appended to
// the buffer. Stop returns when the handle has ended or the drain timeout
// has passed.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != Listening {
		s.mu.Unlock()
		s.release(Idle)
		return nil
	}
	d := &drain{
		gen:         s.gen,
		handle:      s.handle,
		unsubscribe: s.unsubscribe,
		done:        s.done,
		finished:    make(chan struct{}),
	}
	if d.unsubscribe == nil {
		d.unsubscribe = func() {}
	}
	s.handle, s.unsubscribe, s.done = nil, nil, nil
	s.drain = d
	s.gen++
	s.state = Idle
	st := s.acc.ClearInterim()
	s.postTranscriptLocked(st)
	s.postStateLocked()
	s.mu.Unlock()

	if err := d.handle.Stop(); err != nil {
		s.endDrain(d)
		return fmt.Errorf("capture: stop recognizer: %w", err)
	}
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-d.finished:
	case <-timer.C:
		s.log.Debug("recognizer did not finish in time", "timeout", s.drainTimeout)
		s.endDrain(d)
		_ = d.handle.Abort()
	}
	return nil
}

// Abort ends the capture without grace. Pending results are dropped. It is
// safe in any state, including from inside a listener.
func (s *Session) Abort() {
	s.abortDrain()
	h, unsubscribe := s.release(Idle)
	if h == nil {
		return
	}
	unsubscribe()
	if err := h.Abort(); err != nil {
		s.log.Debug("abort recognizer", "err", err)
	}
}

// Close aborts any live capture and makes the session unusable.
func (s *Session) Close() error {
	s.abortDrain()
	h, unsubscribe := s.release(Stopped)
	if h != nil {
		unsubscribe()
		_ = h.Abort()
	}
	return nil
}

// Wait blocks until every published notification has been delivered.
func (s *Session) Wait() { s.events.Flush() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Transcript() transcript.State {
	return s.acc.State()
}

// Display is the finalized buffer followed by the current partial guess.
func (s *Session) Display() string {
	return s.acc.State().Display()
}

// Seed replaces the finalized buffer, e.g. with typed text.
func (s *Session) Seed(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.acc.Reset(text)
	s.postTranscriptLocked(st)
}

// Take returns the finalized buffer and clears it.
func (s *Session) Take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.acc.Take()
	s.postTranscriptLocked(transcript.State{})
	return out
}

func (s *Session) release(next State) (Handle, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Stopped {
		return nil, nil
	}
	if s.state != Listening {
		if next != s.state {
			s.state = next
			s.postStateLocked()
		}
		return nil, nil
	}
	return s.detachLocked(next)
}

// detachLocked invalidates the current generation so late signals are
// dropped, clears interim text and publishes the new state.
func (s *Session) detachLocked(next State) (Handle, func()) {
	h, unsubscribe := s.handle, s.unsubscribe
	s.handle, s.unsubscribe = nil, nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.gen++
	s.state = next
	st := s.acc.ClearInterim()
	s.postTranscriptLocked(st)
	s.postStateLocked()
	if unsubscribe == nil {
		unsubscribe = func() {}
	}
	return h, unsubscribe
}

func (s *Session) consume(gen uint64, signals <-chan Signal, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case sig, ok := <-signals:
			if !ok {
				s.ended(gen)
				return
			}
			if !s.dispatch(gen, sig) {
				return
			}
		}
	}
}

func (s *Session) dispatch(gen uint64, sig Signal) bool {
	s.mu.Lock()
	if s.gen != gen {
		d := s.drain
		s.mu.Unlock()
		if d == nil || d.gen != gen {
			return false
		}
		return s.drainSignal(d, sig)
	}
	if sig.Kind == SignalEnd {
		s.mu.Unlock()
		s.ended(gen)
		return false
	}
	defer s.mu.Unlock()
	switch sig.Kind {
	case SignalEvent:
		st := s.acc.Apply(sig.Event)
		s.postTranscriptLocked(st)
		return true
	case SignalError:
		st := s.acc.ClearInterim()
		s.postTranscriptLocked(st)
		rerr := &RecognitionError{Code: sig.Code, Message: sig.Message}
		if rerr.Recoverable() {
			s.log.Debug("recognition ended quietly", "code", rerr.Code)
			return true
		}
		s.log.Warn("recognition error", "code", rerr.Code, "message", rerr.Message)
		if fn := s.onError; fn != nil {
			s.events.Post(func() { fn(rerr) })
		}
		return true
	default:
		return true
	}
}

// drainSignal applies what a stopped handle still delivers: final results
// only. Errors are logged and the drain ends with the handle.
func (s *Session) drainSignal(d *drain, sig Signal) bool {
	switch sig.Kind {
	case SignalEvent:
		s.mu.Lock()
		if s.drain != d {
			s.mu.Unlock()
			return false
		}
		before := s.acc.State().Finalized
		s.acc.Apply(sig.Event)
		st := s.acc.ClearInterim()
		if st.Finalized != before {
			s.postTranscriptLocked(st)
		}
		s.mu.Unlock()
		return true
	case SignalError:
		s.log.Debug("recognition error while stopping", "code", sig.Code, "message", sig.Message)
		return true
	case SignalEnd:
		s.endDrain(d)
		return false
	default:
		return true
	}
}

// endDrain finishes d if it is still the pending drain.
func (s *Session) endDrain(d *drain) {
	s.mu.Lock()
	if s.drain == d {
		s.drain = nil
	}
	s.mu.Unlock()
	d.finish()
}

// abortDrain drops a pending drain and aborts its handle.
func (s *Session) abortDrain() {
	s.mu.Lock()
	d := s.drain
	s.drain = nil
	s.mu.Unlock()
	if d == nil {
		return
	}
	d.finish()
	if err := d.handle.Abort(); err != nil {
		s.log.Debug("abort stopping recognizer", "err", err)
	}
}

// ended handles a handle that terminated on its own.
func (s *Session) ended(gen uint64) {
	s.mu.Lock()
	if d := s.drain; d != nil && d.gen == gen {
		s.mu.Unlock()
		s.endDrain(d)
		return
	}
	if s.gen != gen || s.state != Listening {
		s.mu.Unlock()
		return
	}
	_, unsubscribe := s.detachLocked(Idle)
	s.mu.Unlock()
	unsubscribe()
	s.log.Debug("recognizer ended")
}

func (s *Session) postTranscriptLocked(st transcript.State) {
	if fn := s.onTranscript; fn != nil {
		s.events.Post(func() { fn(st) })
	}
}

func (s *Session) postStateLocked() {
	if fn := s.onState; fn != nil {
		st := s.state
		s.events.Post(func() { fn(st) })
	}
}
