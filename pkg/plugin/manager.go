package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
)

const managerLogPrefix = "plugin:manager"

// CommandsFactory builds the command primitives bound to one implant.
type CommandsFactory func(clientID string) Commands

// Manager keeps one Dispatcher per connected implant.
type Manager struct {
	nc          *comms.Conn
	js          comms.JetStreamContext
	reg         *Registry
	newCommands CommandsFactory

	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
}

// NewManager creates a Manager.
func NewManager(nc *comms.Conn, js comms.JetStreamContext, reg *Registry, newCommands CommandsFactory) *Manager {
	return &Manager{
		nc:          nc,
		js:          js,
		reg:         reg,
		newCommands: newCommands,
		dispatchers: make(map[string]*Dispatcher),
	}
}

// Run watches connect and disconnect signals until ctx is cancelled, then
// tears every dispatcher down.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Shutdown()
	return commsutil.WatchClients(ctx, m.nc, m)
}

// OnConnect tears down any dispatcher for id before starting a new one.
func (m *Manager) OnConnect(_ context.Context, id string) {
	m.mu.Lock()
	old := m.dispatchers[id]
	delete(m.dispatchers, id)
	m.mu.Unlock()

	if old != nil {
		slog.Info(fmt.Sprintf("%s - Client %s already exists, tearing down its dispatcher", managerLogPrefix, id))
		old.Teardown()
	}

	d, err := StartDispatcher(id, m.nc, m.js, m.reg, m.newCommands(id))
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to start dispatcher for %s: %v", managerLogPrefix, id, err))
		return
	}

	m.mu.Lock()
	m.dispatchers[id] = d
	m.mu.Unlock()
}

// OnDisconnect keeps the dispatcher for id. Its in-flight commands fail
// through the bridge, and plugin.run.<id> keeps being answered until the
// implant connects again.
func (m *Manager) OnDisconnect(_ context.Context, id string) {
	m.mu.Lock()
	d := m.dispatchers[id]
	m.mu.Unlock()

	if d == nil {
		slog.Debug(fmt.Sprintf("%s - No dispatcher for %s", managerLogPrefix, id))
		return
	}
	slog.Info(fmt.Sprintf("%s - Client %s disconnected with %d plugin calls in flight", managerLogPrefix, id, d.InFlight()))
}

// Shutdown tears every dispatcher down and waits for all of them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	dispatchers := m.dispatchers
	m.dispatchers = make(map[string]*Dispatcher)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func(d *Dispatcher) {
			defer wg.Done()
			d.Teardown()
		}(d)
	}
	wg.Wait()
}

// Active returns the ids with a running dispatcher, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.dispatchers))
	for id := range m.dispatchers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
