package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/implant-relay/pkg/bridge"
	"github.com/morezero/implant-relay/pkg/commands"
	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/db"
	"github.com/morezero/implant-relay/pkg/edge"
	"github.com/morezero/implant-relay/pkg/events"
	"github.com/morezero/implant-relay/pkg/implant"
	"github.com/morezero/implant-relay/pkg/plugin"
	"github.com/morezero/implant-relay/pkg/plugins"
)

const tiersLogPrefix = "server:tiers"

// transportTier is the implant-facing edge with its registry and bus relay.
type transportTier struct {
	reg   *implant.Registry
	relay *implant.Relay
	edge  *edge.Server
}

func newTransport(s *Server) (*transportTier, error) {
	kv, err := commsutil.GetOrCreateKV(s.js, commsutil.BucketClients, s.cfg.KVHistory)
	if err != nil {
		return nil, err
	}
	if s.cfg.ServeDir != "" {
		if err := os.MkdirAll(s.cfg.ServeDir, 0o755); err != nil {
			return nil, fmt.Errorf("%s - failed to create %s: %w", tiersLogPrefix, s.cfg.ServeDir, err)
		}
	}

	relay := implant.NewRelay(s.nc, events.NewCommsPublisher(s.nc, kv))
	reg := implant.NewRegistry(implant.Options{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		TimeoutFactor:     s.cfg.HeartbeatTimeoutFactor,
		OnMessage:         relay.Forward,
		OnDisconnect:      relay.Disconnected,
		OnReconnect:       relay.Reconnected,
	})
	return &transportTier{
		reg:   reg,
		relay: relay,
		edge:  edge.New(reg, edge.Options{ServeDir: s.cfg.ServeDir, ServePrefix: s.cfg.ServeURLPrefix}),
	}, nil
}

func (t *transportTier) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return t.relay.Run(ctx, t.reg) })
	g.Go(func() error {
		t.reg.Run(ctx)
		return nil
	})
}

func (t *transportTier) status() map[string]any {
	return map[string]any{"connections": t.reg.Snapshot()}
}

func startTransport(ctx context.Context, s *Server, g *errgroup.Group) (func() map[string]any, error) {
	t, err := newTransport(s)
	if err != nil {
		return nil, err
	}
	t.start(ctx, g)
	serveHTTP(ctx, g, &http.Server{Addr: s.cfg.TransportAddr, Handler: t.edge.Handler()}, "transport")
	return t.status, nil
}

// startManager runs the bridge supervisor. With DATABASE_URL set, every
// forwarded operation is recorded in the ledger.
func startManager(ctx context.Context, s *Server, g *errgroup.Group) (func() map[string]any, error) {
	if err := commsutil.EnsureRelayStreams(s.js); err != nil {
		return nil, err
	}

	opts := bridge.Options{Timeout: s.cfg.OperationTimeout}
	if s.cfg.DatabaseURL != "" {
		ledger, err := s.openLedger(ctx)
		if err != nil {
			return nil, err
		}
		opts.Auditor = ledger
	}

	sup := bridge.NewSupervisor(s.nc, s.js, opts)
	g.Go(func() error { return sup.Run(ctx) })
	return func() map[string]any { return map[string]any{"bridges": sup.Active()} }, nil
}

func (s *Server) openLedger(ctx context.Context) (*db.Ledger, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return nil, err
		}
	}
	return db.NewLedger(pool), nil
}

// pluginsTier is the execution tier: registry, published schemas and the
// dispatcher manager.
type pluginsTier struct {
	reg *plugin.Registry
	mgr *plugin.Manager
}

func newPlugins(ctx context.Context, s *Server) (*pluginsTier, error) {
	if err := commsutil.EnsureRelayStreams(s.js); err != nil {
		return nil, err
	}
	kv, err := commsutil.GetOrCreateKV(s.js, commsutil.BucketMethods, s.cfg.KVHistory)
	if err != nil {
		return nil, err
	}
	if _, err := commsutil.GetOrCreateObjectStore(s.js, s.cfg.BundlerBucket); err != nil {
		return nil, err
	}

	reg := plugin.NewRegistry()
	if err := plugins.RegisterAll(reg); err != nil {
		return nil, fmt.Errorf("%s - failed to register plugins: %w", tiersLogPrefix, err)
	}
	if err := reg.Publish(ctx, kv); err != nil {
		return nil, err
	}

	loaded, err := json.Marshal(reg.Methods())
	if err != nil {
		return nil, err
	}
	if err := s.nc.Publish(commsutil.SubjectPluginsLoaded, loaded); err != nil {
		return nil, fmt.Errorf("%s - failed to announce plugins: %w", tiersLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Announced %d methods on %s", tiersLogPrefix, len(reg.Methods()), commsutil.SubjectPluginsLoaded))

	cmdOpts := commands.Options{
		Timeout:       s.cfg.OperationTimeout,
		FetchTimeout:  s.cfg.CommandTimeout,
		BundlerBucket: s.cfg.BundlerBucket,
		ServeDir:      s.cfg.ServeDir,
		ServePrefix:   s.cfg.ServeURLPrefix,
	}
	mgr := plugin.NewManager(s.nc, s.js, reg, func(id string) plugin.Commands {
		return commands.New(id, s.nc, s.js, cmdOpts)
	})
	return &pluginsTier{reg: reg, mgr: mgr}, nil
}

func startPlugins(ctx context.Context, s *Server, g *errgroup.Group) (func() map[string]any, error) {
	p, err := newPlugins(ctx, s)
	if err != nil {
		return nil, err
	}
	g.Go(func() error { return p.mgr.Run(ctx) })
	return func() map[string]any {
		return map[string]any{"methods": p.reg.Methods(), "dispatchers": p.mgr.Active()}
	}, nil
}
