package db

import (
	"encoding/json"
	"time"
)

// OperationRecord is one row of the operation ledger.
type OperationRecord struct {
	OperationID string
	ClientID    string
	Operation   string
	Data        json.RawMessage
	// Outcome is empty until the operation resolves.
	Outcome     string
	ForwardedAt time.Time
	ResolvedAt  *time.Time
}
