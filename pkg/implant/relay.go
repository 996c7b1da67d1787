package implant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
	"github.com/morezero/implant-relay/pkg/events"
	"github.com/morezero/implant-relay/pkg/message"
)

const relayLogPrefix = "implant:relay"

// Relay moves messages between the bus and a Registry: operations for an
// implant are queued, and implant messages are published back.
type Relay struct {
	nc     *comms.Conn
	events events.EventPublisher
}

// NewRelay creates a Relay. A nil publisher disables status announcements.
func NewRelay(nc *comms.Conn, pub events.EventPublisher) *Relay {
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	return &Relay{nc: nc, events: pub}
}

// Forward publishes an implant message. A connect message announces the
// implant; anything else is a response for its operation id.
func (r *Relay) Forward(ctx context.Context, c Connection, m message.Message) error {
	if m.Operation == message.OpConnect {
		slog.Info(fmt.Sprintf("%s - Implant %s connected via %s", relayLogPrefix, c.ID, c.Transport))
		return r.events.PublishStatus(ctx, &events.ClientEvent{
			ID:        c.ID,
			Status:    events.StatusConnected,
			Transport: c.Transport,
			Timestamp: time.Now().UTC(),
		})
	}
	if m.ID == "" {
		return message.NewParseError(fmt.Sprintf("%s message from %s has no operation id", m.Operation, c.ID))
	}
	return commsutil.PublishMessage(r.nc, commsutil.ClientResponse(c.ID, m.ID), m)
}

// Disconnected announces that the heartbeat sweep dropped c.
func (r *Relay) Disconnected(ctx context.Context, c Connection) {
	r.announce(ctx, c, events.StatusDisconnected)
}

// Reconnected announces c again after it resumed heartbeats, so the manager
// and plugins tiers rebuild its bridge and dispatcher.
func (r *Relay) Reconnected(ctx context.Context, c Connection) {
	slog.Info(fmt.Sprintf("%s - Implant %s resumed via %s", relayLogPrefix, c.ID, c.Transport))
	r.announce(ctx, c, events.StatusConnected)
}

func (r *Relay) announce(ctx context.Context, c Connection, status string) {
	err := r.events.PublishStatus(ctx, &events.ClientEvent{
		ID:        c.ID,
		Status:    status,
		Transport: c.Transport,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to announce %s of %s: %v", relayLogPrefix, status, c.ID, err))
	}
}

// Run consumes client.operations.* and queues each operation on reg until
// ctx is cancelled. Malformed operations are logged and skipped.
func (r *Relay) Run(ctx context.Context, reg *Registry) error {
	sub, err := r.nc.SubscribeSync(commsutil.SubjectAllOperations)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", relayLogPrefix, commsutil.SubjectAllOperations, err)
	}
	defer sub.Unsubscribe()

	slog.Info(fmt.Sprintf("%s - Relaying %s to implant queues", relayLogPrefix, commsutil.SubjectAllOperations))
	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, comms.ErrConnectionClosed) || errors.Is(err, comms.ErrBadSubscription) {
				return fmt.Errorf("%s - subscription ended: %w", relayLogPrefix, err)
			}
			slog.Warn(fmt.Sprintf("%s - receive failed: %v", relayLogPrefix, err))
			continue
		}

		id, ok := commsutil.ClientIDFromOperations(msg.Subject)
		if !ok {
			slog.Warn(fmt.Sprintf("%s - Ignoring operation on unexpected subject %s", relayLogPrefix, msg.Subject))
			continue
		}
		op, err := message.Parse(msg.Data)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropping operation for %s: %v", relayLogPrefix, id, err))
			continue
		}
		reg.Enqueue(id, op)
	}
}
