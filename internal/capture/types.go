package capture

import (
	"context"
	"errors"
	"fmt"

	"github.com/chadiek/voice-assistant/internal/transcript"
)

// Recognizer error codes. Unknown codes are passed through as reported.
const (
	CodeNoSpeech          = "no-speech"
	CodeAborted           = "aborted"
	CodeNotAllowed        = "not-allowed"
	CodeServiceNotAllowed = "service-not-allowed"
	CodeNetwork           = "network"
)

var (
	// ErrCapabilityUnavailable means the platform has no continuous speech recognizer.
	ErrCapabilityUnavailable = errors.New("capture: speech recognition unavailable")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("capture: session closed")
)

// RecognitionError is a recognizer-reported failure.
type RecognitionError struct {
	Code    string
	Message string
}

func (e *RecognitionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("speech: %s", e.Code)
	}
	return fmt.Sprintf("speech: %s: %s", e.Code, e.Message)
}

// Recoverable reports whether the code is expected noise (silence or a
// caller-initiated abort) rather than something a user should see.
func (e *RecognitionError) Recoverable() bool {
	return e.Code == CodeNoSpeech || e.Code == CodeAborted
}

// Config is applied to every recognizer handle the session opens.
type Config struct {
	Continuous     bool
	InterimResults bool
	Locale         string
}

// Capability is the platform speech recognition service.
type Capability interface {
	// Available reports whether recognition can be used at all.
	Available() bool
	// Open allocates a handle without starting it.
	Open(cfg Config) (Handle, error)
}

// Handle is one recognition run. Signals are delivered in order on the
// subscribed channel; an End signal (or a closed channel) means the handle
// has terminated and released itself.
type Handle interface {
	Start(ctx context.Context) error
	// Stop asks the recognizer to finish gracefully.
	Stop() error
	// Abort terminates immediately. Safe to call more than once.
	Abort() error
	Subscribe() (<-chan Signal, func())
}

type SignalKind int

const (
	SignalEvent SignalKind = iota
	SignalError
	SignalEnd
)

// Signal is a tagged recognizer notification.
type Signal struct {
	Kind    SignalKind
	Event   transcript.RecognitionEvent
	Code    string
	Message string
}

func EventSignal(ev transcript.RecognitionEvent) Signal {
	return Signal{Kind: SignalEvent, Event: ev}
}

func ErrorSignal(code, message string) Signal {
	return Signal{Kind: SignalError, Code: code, Message: message}
}

func EndSignal() Signal { return Signal{Kind: SignalEnd} }

// State of a capture session.
type State int

const (
	Idle State = iota
	Listening
	// Stopped is terminal: the session was closed and cannot start again.
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
