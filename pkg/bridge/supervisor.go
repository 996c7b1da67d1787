package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
)

const supervisorLogPrefix = "bridge:supervisor"

// Supervisor keeps at most one running Bridge per implant id.
type Supervisor struct {
	nc   *comms.Conn
	js   comms.JetStreamContext
	opts Options

	mu      sync.Mutex
	bridges map[string]*Bridge
}

// NewSupervisor creates a Supervisor whose bridges share opts.
func NewSupervisor(nc *comms.Conn, js comms.JetStreamContext, opts Options) *Supervisor {
	return &Supervisor{
		nc:      nc,
		js:      js,
		opts:    opts,
		bridges: make(map[string]*Bridge),
	}
}

// Run watches connect and disconnect signals until ctx is cancelled, then
// stops every bridge.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.Shutdown()
	return commsutil.WatchClients(ctx, s.nc, s)
}

// OnConnect replaces the bridge for id. The previous bridge is fully stopped
// before its replacement subscribes.
func (s *Supervisor) OnConnect(_ context.Context, id string) {
	s.mu.Lock()
	old := s.bridges[id]
	delete(s.bridges, id)
	s.mu.Unlock()

	if old != nil {
		slog.Info(fmt.Sprintf("%s - Client %s reconnected, replacing its bridge", supervisorLogPrefix, id))
		old.Stop()
	}

	b, err := Start(id, s.nc, s.js, s.opts)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to start bridge for %s: %v", supervisorLogPrefix, id, err))
		return
	}

	s.mu.Lock()
	s.bridges[id] = b
	s.mu.Unlock()
}

// OnDisconnect interrupts the bridge for id, if any. The bridge stays
// registered so the implant's later operations are still answered.
func (s *Supervisor) OnDisconnect(_ context.Context, id string) {
	b, ok := s.Get(id)
	if !ok {
		return
	}
	b.Interrupt()
}

// Shutdown stops every bridge concurrently and waits for all of them.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	bridges := s.bridges
	s.bridges = make(map[string]*Bridge)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b *Bridge) {
			defer wg.Done()
			b.Stop()
		}(b)
	}
	wg.Wait()
	if len(bridges) > 0 {
		slog.Info(fmt.Sprintf("%s - Stopped %d bridges", supervisorLogPrefix, len(bridges)))
	}
}

// Active returns the ids with a running bridge, sorted.
func (s *Supervisor) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.bridges))
	for id := range s.bridges {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the running bridge for id.
func (s *Supervisor) Get(id string) (*Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bridges[id]
	return b, ok
}
