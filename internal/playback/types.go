package playback

import (
	"context"
	"fmt"
)

// Synthesizer turns text into an encoded audio clip.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Device decodes clips into playable resources.
type Device interface {
	Load(ctx context.Context, audio []byte) (Resource, error)
}

// Resource is one decoded clip. Play blocks until the clip finishes, fails or
// ctx is cancelled. Release frees it and is called exactly once.
type Resource interface {
	Play(ctx context.Context) error
	Release() error
}

// State is the published playback slot.
type State struct {
	ActiveID uint64
	Active   bool
}

// Stats counts resource lifecycle events over the controller's lifetime.
type Stats struct {
	Allocated int
	Released  int
	// PeakLive is the largest number of resources held at once.
	PeakLive int
}

type SynthesisFailedError struct {
	ID  uint64
	Err error
}

func (e *SynthesisFailedError) Error() string {
	return fmt.Sprintf("could not play message %d: synthesis: %v", e.ID, e.Err)
}

func (e *SynthesisFailedError) Unwrap() error { return e.Err }

type PlaybackFailedError struct {
	ID  uint64
	Err error
}

func (e *PlaybackFailedError) Error() string {
	return fmt.Sprintf("could not play message %d: %v", e.ID, e.Err)
}

func (e *PlaybackFailedError) Unwrap() error { return e.Err }
