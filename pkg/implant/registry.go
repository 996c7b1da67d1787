// Package implant tracks implant connections on the transport tier: liveness,
// per-implant outbound queues and the piggy-backed reply flush.
package implant

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/implant-relay/pkg/message"
	"github.com/morezero/implant-relay/pkg/metrics"
)

const logPrefix = "implant:registry"

// Connection states.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Connection is a point-in-time view of one implant.
type Connection struct {
	ID            string
	Status        string
	LastHeartbeat time.Time
	Transport     string
	Queued        int
}

// Options configures a Registry. Zero durations fall back to the defaults.
type Options struct {
	// HeartbeatInterval is the sweep period.
	HeartbeatInterval time.Duration
	// TimeoutFactor times HeartbeatInterval is the silence after which a
	// connection is marked disconnected.
	TimeoutFactor int

	// OnMessage receives every implant message that is not a heartbeat.
	OnMessage func(ctx context.Context, c Connection, m message.Message) error
	// OnDisconnect fires once per connected to disconnected transition.
	OnDisconnect func(ctx context.Context, c Connection)
	// OnReconnect fires when a heartbeat brings a disconnected connection
	// back, so the upper tiers can rebuild what OnDisconnect tore down.
	OnReconnect func(ctx context.Context, c Connection)
	// OnUpdate fires when a known implant registers again.
	OnUpdate func(c Connection)
}

const (
	defaultHeartbeatInterval = 2 * time.Second
	defaultTimeoutFactor     = 5
)

type entry struct {
	conn  Connection
	queue []message.Message
}

// Registry holds at most one connection per implant id. Connections are
// never removed, only marked disconnected.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options
	now     func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts Options) *Registry {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.TimeoutFactor <= 0 {
		opts.TimeoutFactor = defaultTimeoutFactor
	}
	return &Registry{
		entries: make(map[string]*entry),
		opts:    opts,
		now:     time.Now,
	}
}

// HeartbeatTimeout is the silence after which a connection is dropped.
func (r *Registry) HeartbeatTimeout() time.Duration {
	return r.opts.HeartbeatInterval * time.Duration(r.opts.TimeoutFactor)
}

// Register returns the connection for id, creating it on first sight. A known
// connection is updated in place with the new transport.
func (r *Registry) Register(id, transport string) Connection {
	r.mu.Lock()
	e, existed := r.lookupLocked(id, StatusConnected)
	if transport != "" {
		e.conn.Transport = transport
	}
	c := r.viewLocked(e)
	r.mu.Unlock()

	if !existed {
		slog.Info(fmt.Sprintf("%s - Registered implant %s via %s", logPrefix, id, transport))
	} else if r.opts.OnUpdate != nil {
		r.opts.OnUpdate(c)
	}
	return c
}

// Enqueue appends m to the outbound queue of id. Unknown ids are registered
// as disconnected until their first heartbeat.
func (r *Registry) Enqueue(id string, m message.Message) {
	r.mu.Lock()
	e, _ := r.lookupLocked(id, StatusDisconnected)
	e.queue = append(e.queue, m)
	depth := len(e.queue)
	r.mu.Unlock()

	metrics.OperationsQueued.Inc()
	slog.Debug(fmt.Sprintf("%s - Queued %s (%s) for implant %s, depth %d", logPrefix, m.Operation, m.ID, id, depth))
}

// HandleHeartbeat records a heartbeat and marks the connection connected.
// A disconnected connection coming back fires OnReconnect.
func (r *Registry) HandleHeartbeat(ctx context.Context, id string) {
	r.mu.Lock()
	e, _ := r.lookupLocked(id, StatusConnected)
	revived := r.touchLocked(e)
	c := r.viewLocked(e)
	r.mu.Unlock()

	metrics.HeartbeatsTotal.Inc()
	if revived {
		slog.Info(fmt.Sprintf("%s - Implant %s is alive again", logPrefix, id))
		if r.opts.OnReconnect != nil {
			r.opts.OnReconnect(ctx, c)
		}
	}
}

// touchLocked marks e connected as of now and reports whether it was
// disconnected before. Callers hold r.mu.
func (r *Registry) touchLocked(e *entry) bool {
	revived := e.conn.Status != StatusConnected
	if revived {
		metrics.ImplantsConnected.Inc()
	}
	e.conn.Status = StatusConnected
	e.conn.LastHeartbeat = r.now()
	return revived
}

// Prepare handles one inbound implant message and returns what should be sent
// back: a pong for heartbeats, followed by every queued operation. The queue
// is cleared. Other messages are handed to OnMessage; if that fails the queue
// is kept for the next exchange.
func (r *Registry) Prepare(ctx context.Context, id string, m message.Message) ([]message.Message, error) {
	var replies []message.Message

	if m.Operation == message.OpHeartbeat {
		r.HandleHeartbeat(ctx, id)
		pong, err := message.NewWithID(m.ID, message.OpHeartbeat, message.HeartbeatPong)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to build pong: %w", logPrefix, err)
		}
		replies = append(replies, pong)
	} else if r.opts.OnMessage != nil {
		r.mu.Lock()
		e, _ := r.lookupLocked(id, StatusConnected)
		if m.Operation == message.OpConnect {
			// the connect message announces the implant itself
			r.touchLocked(e)
		}
		c := r.viewLocked(e)
		r.mu.Unlock()

		if err := r.opts.OnMessage(ctx, c, m); err != nil {
			return nil, fmt.Errorf("%s - failed to forward %s from implant %s: %w", logPrefix, m.Operation, id, err)
		}
	}

	r.mu.Lock()
	e, _ := r.lookupLocked(id, StatusConnected)
	replies = append(replies, e.queue...)
	e.queue = nil
	r.mu.Unlock()

	return replies, nil
}

// Sweep marks every connection whose last heartbeat is older than the
// timeout as disconnected and fires OnDisconnect for each transition.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()
	limit := r.HeartbeatTimeout()

	var dropped []Connection
	r.mu.Lock()
	for _, e := range r.entries {
		if now.Sub(e.conn.LastHeartbeat) <= limit {
			continue
		}
		if e.conn.Status == StatusConnected {
			e.conn.Status = StatusDisconnected
			dropped = append(dropped, r.viewLocked(e))
		}
	}
	r.mu.Unlock()

	for _, c := range dropped {
		slog.Info(fmt.Sprintf("%s - Implant %s missed heartbeats since %s, marking disconnected", logPrefix, c.ID, c.LastHeartbeat.Format(time.RFC3339)))
		metrics.ImplantsConnected.Dec()
		metrics.ImplantDisconnectsTotal.Inc()
		if r.opts.OnDisconnect != nil {
			r.opts.OnDisconnect(ctx, c)
		}
	}
	return len(dropped)
}

// Run sweeps every heartbeat interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	slog.Info(fmt.Sprintf("%s - Heartbeat sweep every %s (timeout %s)", logPrefix, r.opts.HeartbeatInterval, r.HeartbeatTimeout()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Snapshot returns every known connection ordered by id.
func (r *Registry) Snapshot() []Connection {
	r.mu.Lock()
	out := make([]Connection, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, r.viewLocked(e))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// lookupLocked returns the entry for id, creating one with the given status
// when none exists. Callers hold r.mu.
func (r *Registry) lookupLocked(id, status string) (*entry, bool) {
	if e, ok := r.entries[id]; ok {
		return e, true
	}
	e := &entry{conn: Connection{ID: id, Status: status}}
	if status == StatusConnected {
		e.conn.LastHeartbeat = r.now()
		metrics.ImplantsConnected.Inc()
	}
	r.entries[id] = e
	return e, false
}

func (r *Registry) viewLocked(e *entry) Connection {
	c := e.conn
	c.Queued = len(e.queue)
	return c
}
