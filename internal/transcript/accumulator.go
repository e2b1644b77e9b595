package transcript

import (
	"strings"
	"sync"
)

// Alternative is one candidate transcription of a recognition result.
type Alternative struct {
	Transcript string
	Confidence float64
}

// RecognitionResult is a single recognized segment. Alternatives[0] is the
// recognizer's best guess.
type RecognitionResult struct {
	Alternatives []Alternative
	Final        bool
}

// Best returns the best-guess text. ok is false when the result carries no
// alternative at all.
func (r RecognitionResult) Best() (text string, ok bool) {
	if len(r.Alternatives) == 0 {
		return "", false
	}
	return r.Alternatives[0].Transcript, true
}

// RecognitionEvent is one incremental update from a recognizer.
//
// Results is normally the cumulative result list of the recognition session
// and ResultIndex the absolute index of the first result that changed. A
// recognizer that only ships the changed tail may send Results shorter than
// ResultIndex; the whole slice is then read as the tail.
type RecognitionEvent struct {
	ResultIndex int
	Results     []RecognitionResult
}

// State is the merged transcript: text the recognizer will not revise plus
// the freshest partial guess.
type State struct {
	Finalized string
	Interim   string
}

// Display joins finalized and interim text the way an input box shows it
// while recording.
func (s State) Display() string {
	return joinNonEmpty(s.Finalized, s.Interim)
}

// Merge folds events into priorFinalized. Interim text is taken from the last
// event that carried results; finalized text only grows.
func Merge(events []RecognitionEvent, priorFinalized string) State {
	st := State{Finalized: priorFinalized}
	for _, ev := range events {
		st = apply(st, ev)
	}
	return st
}

func apply(st State, ev RecognitionEvent) State {
	if len(ev.Results) == 0 {
		return st
	}
	var finals, interims []string
	for _, r := range ev.Results[startIndex(ev):] {
		text, ok := r.Best()
		if !ok {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if r.Final {
			finals = append(finals, text)
		} else {
			interims = append(interims, text)
		}
	}
	if delta := strings.TrimSpace(strings.Join(finals, " ")); delta != "" {
		st.Finalized = joinNonEmpty(st.Finalized, delta)
	}
	st.Interim = strings.Join(interims, " ")
	return st
}

func startIndex(ev RecognitionEvent) int {
	switch {
	case ev.ResultIndex <= 0:
		return 0
	case ev.ResultIndex >= len(ev.Results):
		return 0
	default:
		return ev.ResultIndex
	}
}

func joinNonEmpty(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

// Accumulator applies events one at a time for a live capture.
type Accumulator struct {
	mu    sync.Mutex
	state State
}

func NewAccumulator(prior string) *Accumulator {
	return &Accumulator{state: State{Finalized: prior}}
}

// Apply merges ev and returns the new state.
func (a *Accumulator) Apply(ev RecognitionEvent) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = apply(a.state, ev)
	return a.state
}

func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ClearInterim drops the partial guess, keeping finalized text.
func (a *Accumulator) ClearInterim() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Interim = ""
	return a.state
}

// Reset replaces the finalized text and clears interim.
func (a *Accumulator) Reset(finalized string) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = State{Finalized: finalized}
	return a.state
}

// Take returns the finalized text and empties the accumulator.
func (a *Accumulator) Take() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.state.Finalized
	a.state = State{}
	return out
}
