package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/message"
	"github.com/morezero/implant-relay/pkg/metrics"
)

const dispatcherLogPrefix = "plugin:dispatcher"

type failureData struct {
	Message string `json:"message"`
}

// Dispatcher runs plugin invocations for one implant. Every accepted request
// gets exactly one response on plugin.response.<id>.<opid>.
type Dispatcher struct {
	clientID string
	nc       commsutil.Publisher
	reg      *Registry
	cmds     Commands

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup

	sub      *comms.Subscription
	loopDone chan struct{}
}

// NewDispatcher creates a Dispatcher that is fed through Handle.
func NewDispatcher(clientID string, nc commsutil.Publisher, reg *Registry, cmds Commands) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		clientID: clientID,
		nc:       nc,
		reg:      reg,
		cmds:     cmds,
		base:     base,
		cancel:   cancel,
		inflight: make(map[string]context.CancelFunc),
	}
}

// StartDispatcher creates a Dispatcher fed by a JetStream subscription on
// plugin.run.<clientID>. Only requests published after the call are seen.
func StartDispatcher(clientID string, nc *comms.Conn, js comms.JetStreamContext, reg *Registry, cmds Commands) (*Dispatcher, error) {
	d := NewDispatcher(clientID, nc, reg, cmds)

	sub, err := js.SubscribeSync(commsutil.PluginRun(clientID), comms.DeliverNew(), comms.AckExplicit())
	if err != nil {
		d.cancel()
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", dispatcherLogPrefix, commsutil.PluginRun(clientID), err)
	}
	d.sub = sub
	d.loopDone = make(chan struct{})
	go d.receive()

	slog.Info(fmt.Sprintf("%s - Dispatcher started for client %s", dispatcherLogPrefix, clientID))
	return d, nil
}

func (d *Dispatcher) receive() {
	defer close(d.loopDone)
	for {
		msg, err := d.sub.NextMsgWithContext(d.base)
		if err != nil {
			if d.base.Err() != nil {
				return
			}
			if errors.Is(err, comms.ErrConnectionClosed) || errors.Is(err, comms.ErrBadSubscription) {
				slog.Error(fmt.Sprintf("%s - subscription for %s ended: %v", dispatcherLogPrefix, d.clientID, err))
				return
			}
			slog.Warn(fmt.Sprintf("%s - receive for %s failed: %v", dispatcherLogPrefix, d.clientID, err))
			continue
		}
		if err := msg.Ack(); err != nil {
			slog.Warn(fmt.Sprintf("%s - ack on %s failed: %v", dispatcherLogPrefix, msg.Subject, err))
		}

		m, err := message.ParsePlugin(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropping run request for %s: %v", dispatcherLogPrefix, d.clientID, err))
			continue
		}
		d.Handle(m)
	}
}

// Handle starts one invocation. Unknown operations are answered with an
// error response right away; requests arriving after Teardown get reconnect.
func (d *Dispatcher) Handle(m message.PluginMessage) {
	if m.ClientID == "" {
		m.ClientID = d.clientID
	}

	desc, method, err := d.reg.Lookup(m.Operation)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", dispatcherLogPrefix, err))
		d.respond(m, message.KindError, failureData{Message: lookupFailure(err, m.Operation)})
		metrics.PluginInvocations.WithLabelValues(m.Operation, message.KindError).Inc()
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.respond(m, message.KindReconnect, struct{}{})
		return
	}
	ctx, cancel := context.WithCancel(d.base)
	d.inflight[m.ID] = cancel
	d.wg.Add(1)
	d.mu.Unlock()

	go d.invoke(ctx, m, desc, method)
}

func lookupFailure(err error, operation string) string {
	var relayErr *message.Error
	if errors.As(err, &relayErr) {
		return relayErr.Message
	}
	return fmt.Sprintf("Unknown operation: %s", operation)
}

func (d *Dispatcher) invoke(ctx context.Context, m message.PluginMessage, desc *Descriptor, method *Method) {
	started := time.Now()
	kind := message.KindError
	var data any

	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - %s panicked: %v\n%s", dispatcherLogPrefix, m.Operation, r, debug.Stack()))
			kind, data = message.KindError, failureData{Message: fmt.Sprintf("%v", r)}
		}

		d.mu.Lock()
		if cancel, ok := d.inflight[m.ID]; ok {
			cancel()
			delete(d.inflight, m.ID)
		}
		d.mu.Unlock()

		d.respond(m, kind, data)
		metrics.ObservePlugin(desc.Name+"."+method.Name, kind, started)
		d.wg.Done()
	}()

	result, err := d.call(ctx, m, desc, method)
	switch {
	case ctx.Err() != nil || errors.Is(err, message.ErrReconnection):
		kind, data = message.KindReconnect, struct{}{}
	case err != nil:
		kind, data = message.KindError, failureData{Message: err.Error()}
	default:
		kind, data = message.KindResult, result
	}
}

func (d *Dispatcher) call(ctx context.Context, m message.PluginMessage, desc *Descriptor, method *Method) (any, error) {
	instance, err := desc.New(ctx, d.cmds)
	if err != nil {
		return nil, fmt.Errorf("failed to set up %s: %w", desc.Name, err)
	}
	args := NewArgs(method.Params, m.Args, m.Kwargs)
	return method.Invoke(ctx, instance, args)
}

func (d *Dispatcher) respond(m message.PluginMessage, kind string, data any) {
	resp, err := message.PluginResponse(m.ClientID, m.ID, kind, data)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode %s response for %s: %v", dispatcherLogPrefix, kind, m.ID, err))
		resp, _ = message.PluginResponse(m.ClientID, m.ID, message.KindError, failureData{Message: err.Error()})
	}
	if err := commsutil.PublishPlugin(d.nc, commsutil.PluginResponse(d.clientID, m.ID), resp); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", dispatcherLogPrefix, err))
	}
}

// InFlight returns the number of running invocations.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Teardown stops receiving, cancels every running invocation and waits until
// each has published its response.
func (d *Dispatcher) Teardown() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.wg.Wait()
		return
	}
	d.closed = true
	n := len(d.inflight)
	d.mu.Unlock()

	d.cancel()
	if d.sub != nil {
		<-d.loopDone
		d.sub.Unsubscribe()
	}
	d.wg.Wait()

	slog.Info(fmt.Sprintf("%s - Dispatcher for %s torn down (%d invocations cancelled)", dispatcherLogPrefix, d.clientID, n))
}
