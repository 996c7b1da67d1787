// Package bridge runs the manager tier: one Bridge per connected implant
// forwards operator operations and correlates the implant's responses.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/correlation"
	"github.com/morezero/implant-relay/pkg/message"
	"github.com/morezero/implant-relay/pkg/metrics"
)

const logPrefix = "bridge:bridge"

// State is the lifecycle of a Bridge.
type State int

const (
	StateRunning State = iota
	StateCancelling
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCancelling:
		return "cancelling"
	default:
		return "stopped"
	}
}

// DefaultTimeout bounds how long a forwarded operation may stay unanswered.
const DefaultTimeout = 10 * time.Second

const auditTimeout = 5 * time.Second

// Options configures bridges.
type Options struct {
	Timeout time.Duration
	Auditor Auditor
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Auditor == nil {
		o.Auditor = NoOpAuditor{}
	}
	return o
}

// Bridge forwards manager.operations.<id> to the implant and publishes each
// operation's single terminal response on manager.responses.<id>.<opid>.
type Bridge struct {
	id   string
	nc   *comms.Conn
	opts Options

	waits *correlation.Engine[message.Message]

	opsSub  *comms.Subscription
	respSub *comms.Subscription

	cancel      context.CancelFunc
	awaitCancel context.CancelFunc
	awaitCtx    context.Context
	group       *errgroup.Group
	awaiters    sync.WaitGroup

	mu      sync.Mutex
	state   State
	stopped chan struct{}
}

// Start subscribes to the implant's operation and response subjects and runs
// the forwarding loops until Stop.
func Start(id string, nc *comms.Conn, js comms.JetStreamContext, opts Options) (*Bridge, error) {
	b := &Bridge{
		id:      id,
		nc:      nc,
		opts:    opts.withDefaults(),
		waits:   correlation.New[message.Message](),
		stopped: make(chan struct{}),
	}

	var err error
	b.respSub, err = nc.SubscribeSync(commsutil.ClientResponses(id))
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to responses of %s: %w", logPrefix, id, err)
	}
	b.opsSub, err = js.SubscribeSync(commsutil.ManagerOperations(id), comms.DeliverNew(), comms.AckExplicit())
	if err != nil {
		b.respSub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to subscribe to operations of %s: %w", logPrefix, id, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.awaitCtx, b.awaitCancel = context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	b.group = g
	g.Go(func() error { return b.operationsIn(gctx) })
	g.Go(func() error { return b.responsesOut(gctx) })

	metrics.BridgesActive.Inc()
	slog.Info(fmt.Sprintf("%s - Bridge started for client %s (timeout %s)", logPrefix, id, b.opts.Timeout))
	return b, nil
}

// ID returns the implant id the bridge serves.
func (b *Bridge) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Pending returns the number of operations still awaiting a response.
func (b *Bridge) Pending() int { return b.waits.Pending() }

// Stop tears the bridge down: the loops are cancelled, every outstanding
// operation gets a reconnection response, and Stop returns once the bridge
// is Stopped. Concurrent and repeated calls wait for the same teardown.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.state != StateRunning {
		b.mu.Unlock()
		<-b.stopped
		return
	}
	b.state = StateCancelling
	b.mu.Unlock()

	b.cancel()
	if err := b.group.Wait(); err != nil {
		slog.Warn(fmt.Sprintf("%s - Loops for client %s ended with error: %v", logPrefix, b.id, err))
	}
	b.opsSub.Unsubscribe()
	b.respSub.Unsubscribe()

	n := b.waits.CancelAll(b.publishReconnection)
	b.awaitCancel()
	b.awaiters.Wait()

	b.mu.Lock()
	b.state = StateStopped
	b.mu.Unlock()
	close(b.stopped)

	metrics.BridgesActive.Dec()
	slog.Info(fmt.Sprintf("%s - Bridge stopped for client %s (%d operations superseded)", logPrefix, b.id, n))
}

// Interrupt answers every outstanding operation with a reconnection response
// and leaves the bridge running. Operations that arrive afterwards are still
// forwarded and time out if the implant stays away.
func (b *Bridge) Interrupt() int {
	n := b.waits.CancelAll(b.publishReconnection)
	slog.Info(fmt.Sprintf("%s - Client %s went silent, %d operations answered", logPrefix, b.id, n))
	return n
}

func (b *Bridge) operationsIn(ctx context.Context) error {
	for {
		msg, err := b.opsSub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTerminal(err) {
				return fmt.Errorf("%s - operations subscription for %s ended: %w", logPrefix, b.id, err)
			}
			slog.Warn(fmt.Sprintf("%s - receive on %s failed: %v", logPrefix, b.opsSub.Subject, err))
			continue
		}
		if err := msg.Ack(); err != nil {
			slog.Warn(fmt.Sprintf("%s - ack on %s failed: %v", logPrefix, msg.Subject, err))
		}
		b.forward(ctx, msg.Data)
	}
}

func (b *Bridge) forward(ctx context.Context, data []byte) {
	m, err := message.Parse(data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping operation for %s: %v", logPrefix, b.id, err))
		return
	}
	if m.ID == "" {
		m.ID = message.NewOperationID()
		if data, err = m.Encode(); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to re-encode operation for %s: %v", logPrefix, b.id, err))
			return
		}
	}

	if _, err := b.waits.CreateWait(m.ID); err != nil {
		slog.Warn(fmt.Sprintf("%s - Dropping operation %s for %s: %v", logPrefix, m.ID, b.id, err))
		return
	}
	b.awaiters.Add(1)
	go b.await(m)

	if err := b.nc.Publish(commsutil.ClientOperations(b.id), data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to forward %s to %s: %v", logPrefix, m.ID, b.id, err))
		return
	}
	metrics.OperationsForwarded.Inc()
	slog.Debug(fmt.Sprintf("%s - Forwarded %s (%s) to %s", logPrefix, m.Operation, m.ID, b.id))

	if err := b.opts.Auditor.RecordForwarded(ctx, b.id, m); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to audit %s: %v", logPrefix, m.ID, err))
	}
}

func (b *Bridge) await(m message.Message) {
	defer b.awaiters.Done()

	_, err := b.waits.Await(b.awaitCtx, m.ID, b.opts.Timeout, b.publishTimeout)

	outcome := OutcomeResult
	switch {
	case err == nil:
	case errors.Is(err, correlation.ErrTimedOut):
		outcome = OutcomeTimeout
	case errors.Is(err, correlation.ErrSuperseded):
		outcome = OutcomeReconnection
	default:
		slog.Warn(fmt.Sprintf("%s - Wait for %s ended: %v", logPrefix, m.ID, err))
		return
	}
	metrics.OperationOutcomes.WithLabelValues(outcome).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	if err := b.opts.Auditor.RecordOutcome(ctx, b.id, m.ID, outcome); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to audit outcome of %s: %v", logPrefix, m.ID, err))
	}
}

func (b *Bridge) responsesOut(ctx context.Context) error {
	for {
		msg, err := b.respSub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTerminal(err) {
				return fmt.Errorf("%s - response subscription for %s ended: %w", logPrefix, b.id, err)
			}
			slog.Warn(fmt.Sprintf("%s - receive on %s failed: %v", logPrefix, b.respSub.Subject, err))
			continue
		}

		m, err := message.Parse(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropping response from %s: %v", logPrefix, b.id, err))
			continue
		}
		opID := m.ID
		if i := strings.LastIndexByte(msg.Subject, '.'); i >= 0 && opID == "" {
			opID = msg.Subject[i+1:]
		}

		subject := commsutil.ManagerEvents(b.id)
		if b.waits.Resolve(opID, m) {
			subject = commsutil.ManagerResponse(b.id, opID)
		}
		if err := b.nc.Publish(subject, msg.Data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish response %s on %s: %v", logPrefix, opID, subject, err))
		}
	}
}

func (b *Bridge) publishTimeout(opID string) {
	b.publishFailure(opID, message.KindTimeout,
		fmt.Sprintf("The client failed to respond within %s", b.opts.Timeout))
}

func (b *Bridge) publishReconnection(opID string) {
	b.publishFailure(opID, message.KindReconnection,
		"The client reconnected before responding")
}

func (b *Bridge) publishFailure(opID, kind, text string) {
	m, err := message.NewWithID(opID, kind, message.Failure{Error: text})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to build %s response for %s: %v", logPrefix, kind, opID, err))
		return
	}
	if err := commsutil.PublishMessage(b.nc, commsutil.ManagerResponse(b.id, opID), m); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
	}
}

func isTerminal(err error) bool {
	return errors.Is(err, comms.ErrConnectionClosed) || errors.Is(err, comms.ErrBadSubscription)
}
