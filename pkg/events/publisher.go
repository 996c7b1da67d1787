package events

import "context"

// EventPublisher announces implant status transitions.
type EventPublisher interface {
	PublishStatus(ctx context.Context, event *ClientEvent) error
}

// NoOpPublisher drops every event. The transport tier uses it when no bus is
// attached.
type NoOpPublisher struct{}

func (p *NoOpPublisher) PublishStatus(context.Context, *ClientEvent) error { return nil }
