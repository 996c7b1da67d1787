package bridge

import (
	"context"

	"github.com/morezero/implant-relay/pkg/message"
)

// Terminal outcomes of a forwarded operation.
const (
	OutcomeResult       = "result"
	OutcomeTimeout      = "timeout"
	OutcomeReconnection = "reconnection"
)

// Auditor records forwarded operations and their outcomes.
type Auditor interface {
	RecordForwarded(ctx context.Context, clientID string, m message.Message) error
	RecordOutcome(ctx context.Context, clientID, operationID, outcome string) error
}

// NoOpAuditor discards every record.
type NoOpAuditor struct{}

func (NoOpAuditor) RecordForwarded(context.Context, string, message.Message) error { return nil }

func (NoOpAuditor) RecordOutcome(context.Context, string, string, string) error { return nil }
