package playback

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/chadiek/voice-assistant/internal/notify"
	"github.com/chadiek/voice-assistant/internal/observability"
)

// Controller narrates one message at a time. A Play call made while another
// message is active is dropped, not queued.
type Controller struct {
	synth   Synthesizer
	device  Device
	onState func(State)
	onError func(error)
	log     *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu         sync.Mutex
	state      State
	resource   Resource
	stopActive context.CancelFunc
	stats      Stats
	closed     bool

	// running is closed when the most recent playback goroutine exits.
	running chan struct{}

	events notify.Queue
}

func NewController(synth Synthesizer, device Device) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		synth:    synth,
		device:   device,
		log:      observability.Component("playback"),
		lifetime: ctx,
		cancel:   cancel,
	}
}

func (c *Controller) OnState(fn func(State)) *Controller {
	c.onState = fn
	return c
}

// OnError registers the listener for synthesis and playback failures.
func (c *Controller) OnError(fn func(error)) *Controller {
	c.onError = fn
	return c
}

// Play starts narrating content as message id in the background. It returns
// false without side effects when content is blank, another message is
// playing, or the controller is closed.
func (c *Controller) Play(ctx context.Context, content string, id uint64) bool {
	if strings.TrimSpace(content) == "" {
		return false
	}
	c.mu.Lock()
	if c.closed || c.state.Active {
		c.mu.Unlock()
		return false
	}
	pctx, cancel := context.WithCancel(ctx)
	stopAfter := context.AfterFunc(c.lifetime, cancel)
	c.stopActive = cancel
	c.state = State{ActiveID: id, Active: true}
	c.postStateLocked()
	running := make(chan struct{})
	c.running = running
	c.mu.Unlock()

	go func() {
		defer close(running)
		defer stopAfter()
		defer cancel()
		c.run(pctx, content, id)
	}()
	return true
}

func (c *Controller) run(ctx context.Context, content string, id uint64) {
	audio, err := c.synth.Synthesize(ctx, content)
	if err != nil {
		c.finish(ctx, &SynthesisFailedError{ID: id, Err: err})
		return
	}

	c.mu.Lock()
	c.releaseLocked()
	c.mu.Unlock()

	res, err := c.device.Load(ctx, audio)
	if err != nil {
		c.finish(ctx, &PlaybackFailedError{ID: id, Err: err})
		return
	}
	c.mu.Lock()
	c.resource = res
	c.stats.Allocated++
	if live := c.stats.Allocated - c.stats.Released; live > c.stats.PeakLive {
		c.stats.PeakLive = live
	}
	c.mu.Unlock()
	c.log.Debug("playing", "id", id, "bytes", len(audio))

	if err := res.Play(ctx); err != nil {
		c.finish(ctx, &PlaybackFailedError{ID: id, Err: err})
		return
	}
	c.finish(ctx, nil)
}

// finish releases the resource, frees the slot and reports err unless the
// playback was cancelled on purpose.
func (c *Controller) finish(ctx context.Context, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releaseLocked()
	id := c.state.ActiveID
	c.state = State{}
	c.stopActive = nil
	c.postStateLocked()
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		c.log.Debug("playback cancelled", "id", id)
		return
	}
	c.log.Warn("playback failed", "id", id, "err", err)
	if fn := c.onError; fn != nil {
		c.events.Post(func() { fn(err) })
	}
}

func (c *Controller) releaseLocked() {
	if c.resource == nil {
		return
	}
	res := c.resource
	c.resource = nil
	c.stats.Released++
	if err := res.Release(); err != nil {
		c.log.Warn("release audio resource", "err", err)
	}
}

// Stop cancels the active playback, if any. The slot is freed once the
// resource has been released.
func (c *Controller) Stop() {
	c.mu.Lock()
	stop := c.stopActive
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Wait blocks until the active playback has finished and every notification
// has been delivered. A Play started while Wait is blocked may or may not be
// waited for.
func (c *Controller) Wait() {
	c.waitRunning()
	c.events.Flush()
}

func (c *Controller) waitRunning() {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running != nil {
		<-running
	}
}

// Close cancels any active playback and waits for its resource to be
// released. Later Play calls are dropped.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.cancel()
	c.waitRunning()
	return nil
}

func (c *Controller) postStateLocked() {
	if fn := c.onState; fn != nil {
		st := c.state
		c.events.Post(func() { fn(st) })
	}
}
