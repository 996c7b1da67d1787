// Package server runs one relay tier: it wires COMMS, the optional ledger
// database, the tier's components and the health endpoint, then blocks until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/implant-relay/internal/config"
	"github.com/morezero/implant-relay/pkg/commsutil"
)

const logPrefix = "server:server"

const shutdownTimeout = 10 * time.Second

// Tier names accepted by Run.
const (
	TierTransport = "transport"
	TierManager   = "manager"
	TierPlugins   = "plugins"
)

// ErrUnknownTier is returned by Run for an unrecognised tier name.
var ErrUnknownTier = errors.New("server: unknown tier")

// starter wires a tier's components into g. It returns a status function
// reporting the tier's live state for /status.
type starter func(ctx context.Context, s *Server, g *errgroup.Group) (func() map[string]any, error)

var starters = map[string]starter{
	TierTransport: startTransport,
	TierManager:   startManager,
	TierPlugins:   startPlugins,
}

// Tiers returns the names accepted by Run, sorted.
func Tiers() []string {
	names := make([]string, 0, len(starters))
	for name := range starters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Server holds the shared resources of one running tier.
type Server struct {
	tier string
	cfg  *config.Config
	nc   *comms.Conn
	js   comms.JetStreamContext
	pool *pgxpool.Pool

	ready  atomic.Bool
	status func() map[string]any
}

// Run loads configuration and runs tier until SIGINT or SIGTERM.
func Run(tier string) error {
	start, ok := starters[tier]
	if !ok {
		return fmt.Errorf("%w %q (want one of %s)", ErrUnknownTier, tier, strings.Join(Tiers(), ", "))
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := validate(tier, cfg); err != nil {
		return err
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.Info(fmt.Sprintf("%s - Starting %s tier", logPrefix, tier))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, js, err := commsutil.ConnectJetStream(cfg.COMMSURL, fmt.Sprintf("%s-%s", cfg.COMMSName, tier))
	if err != nil {
		return fmt.Errorf("%s - failed to connect to COMMS: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to COMMS at %s", logPrefix, cfg.COMMSURL))

	s := &Server{tier: tier, cfg: cfg, nc: nc, js: js}
	err = s.serve(ctx, start)

	nc.Drain()
	if s.pool != nil {
		s.pool.Close()
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return err
}

func validate(tier string, cfg *config.Config) error {
	switch tier {
	case TierTransport:
		return cfg.ValidateForTransport()
	case TierManager:
		return cfg.ValidateForManager()
	default:
		return cfg.ValidateForPlugins()
	}
}

// serve starts the tier and the health endpoint and waits for ctx or the
// first failing component.
func (s *Server) serve(ctx context.Context, start starter) error {
	g, gctx := errgroup.WithContext(ctx)

	status, err := start(gctx, s, g)
	if err != nil {
		return err
	}
	s.status = status

	httpAddr := fmt.Sprintf(":%d", s.cfg.HTTPPort)
	serveHTTP(gctx, g, &http.Server{Addr: httpAddr, Handler: s.healthHandler()}, "health")

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - %s tier is ready", logPrefix, s.tier))

	<-gctx.Done()
	s.ready.Store(false)
	slog.Info(fmt.Sprintf("%s - Shutting down %s tier", logPrefix, s.tier))
	return g.Wait()
}

// serveHTTP runs srv inside g and shuts it down when ctx ends.
func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, name string) {
	g.Go(func() error {
		slog.Info(fmt.Sprintf("%s - %s server listening on %s", logPrefix, name, srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s - %s server: %w", logPrefix, name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
