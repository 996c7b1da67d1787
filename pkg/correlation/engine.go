// Package correlation pairs outbound operations with their asynchronous
// responses, with per-operation timeouts and bulk cancellation.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const logPrefix = "correlation:engine"

var (
	// ErrTimedOut is returned by Await when no response arrived in time.
	ErrTimedOut = errors.New("correlation: wait timed out")
	// ErrSuperseded is returned by Await when CancelAll ended the wait.
	ErrSuperseded = errors.New("correlation: wait superseded")
	// ErrDuplicate is returned by CreateWait for an id that is still outstanding.
	ErrDuplicate = errors.New("correlation: duplicate operation id")
	// ErrUnknown is returned by Await for an id with no wait.
	ErrUnknown = errors.New("correlation: unknown operation id")
)

type outcome int

const (
	pending outcome = iota
	delivered
	superseded
	timedOut
)

// Wait is one outstanding operation. It resolves exactly once.
type Wait[T any] struct {
	ID      string
	Created time.Time

	done    chan struct{}
	state   outcome
	payload T
}

// Engine is a table of outstanding waits keyed by operation id. All methods
// are safe for concurrent use.
type Engine[T any] struct {
	mu    sync.Mutex
	waits map[string]*Wait[T]
	now   func() time.Time
}

// New creates an empty Engine.
func New[T any]() *Engine[T] {
	return &Engine[T]{
		waits: make(map[string]*Wait[T]),
		now:   time.Now,
	}
}

// CreateWait registers an outstanding operation. Call it before the operation
// is sent so a response arriving ahead of Await is still observed.
func (e *Engine[T]) CreateWait(id string) (*Wait[T], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.waits[id]; ok {
		return nil, fmt.Errorf("%s - %w: %s", logPrefix, ErrDuplicate, id)
	}
	w := &Wait[T]{ID: id, Created: e.now(), done: make(chan struct{})}
	e.waits[id] = w
	return w, nil
}

// Resolve delivers payload to the wait for id and reports whether it was
// accepted. Unknown ids and waits that already resolved are no-ops.
func (e *Engine[T]) Resolve(id string, payload T) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.waits[id]
	if !ok {
		slog.Warn(fmt.Sprintf("%s - Received response for unknown operation %s", logPrefix, id))
		return false
	}
	if w.state != pending {
		slog.Warn(fmt.Sprintf("%s - Operation %s already resolved, dropping duplicate response", logPrefix, id))
		return false
	}
	w.payload = payload
	w.state = delivered
	close(w.done)
	return true
}

// Await blocks until id is resolved, superseded, or timeout elapses. On
// timeout onTimeout is called exactly once with id before ErrTimedOut is
// returned. The entry is always removed before Await returns. Cancelling ctx
// ends the wait early with ctx.Err().
func (e *Engine[T]) Await(ctx context.Context, id string, timeout time.Duration, onTimeout func(id string)) (T, error) {
	var zero T

	e.mu.Lock()
	w, ok := e.waits[id]
	e.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("%s - %w: %s", logPrefix, ErrUnknown, id)
	}
	defer e.remove(w)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
	case <-timer.C:
		if e.expire(w) && onTimeout != nil {
			onTimeout(id)
		}
	case <-ctx.Done():
		if e.expire(w) {
			return zero, ctx.Err()
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch w.state {
	case delivered:
		return w.payload, nil
	case superseded:
		return zero, ErrSuperseded
	default:
		return zero, ErrTimedOut
	}
}

// CancelAll supersedes every outstanding wait, calling onEach with the id of
// each wait it ended. Waits that already resolved are left alone.
func (e *Engine[T]) CancelAll(onEach func(id string)) int {
	e.mu.Lock()
	var ended []string
	for id, w := range e.waits {
		if w.state != pending {
			continue
		}
		w.state = superseded
		close(w.done)
		ended = append(ended, id)
	}
	e.mu.Unlock()

	if onEach != nil {
		for _, id := range ended {
			onEach(id)
		}
	}
	if len(ended) > 0 {
		slog.Info(fmt.Sprintf("%s - Superseded %d outstanding operations", logPrefix, len(ended)))
	}
	return len(ended)
}

// Pending returns the number of waits that have not resolved yet.
func (e *Engine[T]) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, w := range e.waits {
		if w.state == pending {
			n++
		}
	}
	return n
}

// expire marks w timed out if it is still pending and reports whether it did.
func (e *Engine[T]) expire(w *Wait[T]) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w.state != pending {
		return false
	}
	w.state = timedOut
	close(w.done)
	return true
}

func (e *Engine[T]) remove(w *Wait[T]) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.waits[w.ID]; ok && cur == w {
		delete(e.waits, w.ID)
	}
}
