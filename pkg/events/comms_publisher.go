package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/implant-relay/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisher announces status changes on client.connect and
// client.disconnect and records the latest status in the clients bucket.
type CommsPublisher struct {
	nc commsutil.Publisher
	kv comms.KeyValue
}

// NewCommsPublisher creates a new CommsPublisher. kv may be nil, in which case
// only the signal subjects are published.
func NewCommsPublisher(nc commsutil.Publisher, kv comms.KeyValue) *CommsPublisher {
	return &CommsPublisher{nc: nc, kv: kv}
}

// PublishStatus publishes the implant id on the signal subject matching the
// event status, then stores the event in the clients bucket.
func (p *CommsPublisher) PublishStatus(_ context.Context, event *ClientEvent) error {
	subject := commsutil.SubjectConnect
	if event.Status == StatusDisconnected {
		subject = commsutil.SubjectDisconnect
	}

	if err := p.nc.Publish(subject, []byte(event.ID)); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	if p.kv != nil {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
		}
		if _, err := p.kv.Put(event.ID, data); err != nil {
			return fmt.Errorf("%s - failed to store status for %s: %w", commsPublisherLogPrefix, event.ID, err)
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published %s for client %s", commsPublisherLogPrefix, event.Status, event.ID))
	return nil
}
