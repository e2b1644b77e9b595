package agent

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chadiek/voice-assistant/internal/notify"
	"github.com/chadiek/voice-assistant/internal/observability"
)

var errEmptyReply = errors.New("backend returned an empty reply")

// Controller owns the message history of one conversation and runs at most
// one backend exchange at a time.
type Controller struct {
	id       string
	backend  ChatBackend
	journal  Journal
	policy   FailurePolicy
	timeout  time.Duration
	onChange func([]Message)
	onError  func(error)
	log      *slog.Logger

	lifetime context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	history  History
	mode     string
	extra    map[string]any
	inFlight bool
	epoch    uint64
	closed   bool

	events notify.Queue
}

// NewController constructs a controller with an empty history.
func NewController(backend ChatBackend) *Controller {
	id := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:       id,
		backend:  backend,
		timeout:  60 * time.Second,
		log:      observability.Component("agent").With("conversation_id", id),
		lifetime: ctx,
		cancel:   cancel,
	}
}

func (c *Controller) WithJournal(j Journal) *Controller {
	c.journal = j
	return c
}

func (c *Controller) WithFailurePolicy(p FailurePolicy) *Controller {
	c.policy = p
	return c
}

// WithTimeout bounds each exchange. Zero disables the bound.
func (c *Controller) WithTimeout(d time.Duration) *Controller {
	c.timeout = d
	return c
}

func (c *Controller) WithMode(mode string) *Controller {
	c.SetMode(mode)
	return c
}

// OnChange registers the history listener. It receives a fresh copy after
// every mutation, in mutation order.
func (c *Controller) OnChange(fn func([]Message)) *Controller {
	c.onChange = fn
	return c
}

// OnError registers the listener for failed exchanges.
func (c *Controller) OnError(fn func(error)) *Controller {
	c.onError = fn
	return c
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) SetMode(mode string) {
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
}

// SetContext replaces the side-channel context sent with every exchange.
func (c *Controller) SetContext(ctx map[string]any) {
	c.mu.Lock()
	c.extra = maps.Clone(ctx)
	c.mu.Unlock()
}

// Send appends text as a user message and asks the backend for a reply.
// Blank text, a busy controller or a closed one make it a no-op returning
// false. On failure the history is restored according to the failure policy
// and an *ExchangeFailedError is returned.
func (c *Controller) Send(ctx context.Context, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}

	c.mu.Lock()
	if c.closed || c.inFlight {
		c.mu.Unlock()
		return false, nil
	}
	c.inFlight = true
	epoch := c.epoch
	user := c.history.Append(RoleUser, text)
	req := ExchangeRequest{Messages: c.history.Snapshot(), Mode: c.mode, Context: maps.Clone(c.extra)}
	c.postChangeLocked()
	c.mu.Unlock()

	reply, err := c.exchange(ctx, req)

	c.mu.Lock()
	c.inFlight = false
	if c.closed {
		c.mu.Unlock()
		c.log.Debug("dropping reply after close")
		return false, ErrClosed
	}
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Debug("dropping reply after reset")
		return false, nil
	}
	if err != nil {
		switch c.policy {
		case FailureApologize:
			c.history.Append(RoleAssistant, ApologyText)
		default:
			c.history.Retract(user.Sequence)
		}
		c.postChangeLocked()
		ferr := &ExchangeFailedError{Err: err}
		if fn := c.onError; fn != nil {
			c.events.Post(func() { fn(ferr) })
		}
		c.mu.Unlock()
		c.log.Warn("exchange failed", "err", err, "history_len", len(req.Messages)-1)
		return true, ferr
	}
	assistant := c.history.Append(RoleAssistant, reply)
	c.postChangeLocked()
	c.mu.Unlock()

	c.record(user, assistant)
	return true, nil
}

func (c *Controller) exchange(ctx context.Context, req ExchangeRequest) (string, error) {
	if c.backend == nil {
		return "", errors.New("no chat backend configured")
	}
	ctx, cancel := context.WithCancel(observability.WithConversationID(ctx, c.id))
	defer cancel()
	stop := context.AfterFunc(c.lifetime, cancel)
	defer stop()
	if c.timeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, c.timeout)
		defer tcancel()
	}
	reply, err := c.backend.Exchange(ctx, req)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errEmptyReply
	}
	return reply, nil
}

func (c *Controller) record(user, assistant Message) {
	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.lifetime, 5*time.Second)
	defer cancel()
	if err := c.journal.Record(ctx, c.id, []Message{user, assistant}); err != nil {
		c.log.Warn("journal record failed", "err", err)
	}
}

// History returns a copy of the current messages.
func (c *Controller) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.history.Snapshot()
}

func (c *Controller) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Reset clears the history. A reply still in flight is discarded when it
// arrives.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.epoch++
	c.history.Reset()
	c.postChangeLocked()
}

// Close cancels any in-flight exchange and stops all notifications. Replies
// arriving afterwards change nothing.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.history.Reset()
	c.mu.Unlock()
	c.cancel()
	return nil
}

// Wait blocks until every posted notification has been delivered.
func (c *Controller) Wait() { c.events.Flush() }

func (c *Controller) postChangeLocked() {
	if fn := c.onChange; fn != nil {
		snap := c.history.Snapshot()
		c.events.Post(func() { fn(snap) })
	}
}
