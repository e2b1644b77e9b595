// Package notify delivers listener callbacks in posting order without holding
// the poster's locks, so a listener may call back into the component that
// notified it.
package notify

import "sync"

type Queue struct {
	mu      sync.Mutex
	pending []func()
	running bool
	idle    *sync.Cond
}

func (q *Queue) init() {
	if q.idle == nil {
		q.idle = sync.NewCond(&q.mu)
	}
}

// Post schedules fn after every previously posted callback. It never blocks
// on listener code.
func (q *Queue) Post(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.init()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.idle.Broadcast()
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

// Flush blocks until every callback posted so far has run. Calling it from
// inside a callback deadlocks.
func (q *Queue) Flush() {
	q.mu.Lock()
	q.init()
	for q.running || len(q.pending) > 0 {
		q.idle.Wait()
	}
	q.mu.Unlock()
}
