package commsutil

import (
	"fmt"

	"github.com/morezero/implant-relay/pkg/message"
)

// Publisher is the subset of *comms.Conn used to emit envelopes.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishMessage encodes m and publishes it on subject.
func PublishMessage(p Publisher, subject string, m message.Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("commsutil:codec - failed to encode %s envelope: %w", m.Operation, err)
	}
	if err := p.Publish(subject, data); err != nil {
		return fmt.Errorf("commsutil:codec - failed to publish on %s: %w", subject, err)
	}
	return nil
}

// PublishPlugin encodes a plugin envelope and publishes it on subject.
func PublishPlugin(p Publisher, subject string, m message.PluginMessage) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("commsutil:codec - failed to encode plugin %s envelope: %w", m.Operation, err)
	}
	if err := p.Publish(subject, data); err != nil {
		return fmt.Errorf("commsutil:codec - failed to publish on %s: %w", subject, err)
	}
	return nil
}
