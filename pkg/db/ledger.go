package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/morezero/implant-relay/pkg/message"
)

const ledgerLogPrefix = "db:ledger"

// DBTX is the subset of pgxpool.Pool the ledger uses.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Ledger records operations forwarded by client bridges and how they ended.
type Ledger struct {
	db DBTX
}

// NewLedger creates a Ledger over db.
func NewLedger(db DBTX) *Ledger {
	return &Ledger{db: db}
}

// RecordForwarded inserts a row for an operation sent to clientID. A
// re-forwarded id keeps its first row.
func (l *Ledger) RecordForwarded(ctx context.Context, clientID string, m message.Message) error {
	var data any
	if len(m.Data) > 0 && json.Valid(m.Data) {
		data = string(m.Data)
	}
	_, err := l.db.Exec(ctx,
		`INSERT INTO operation_log (operation_id, client_id, operation, data)
		 VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT (client_id, operation_id) DO NOTHING`,
		m.ID, clientID, m.Operation, data)
	if err != nil {
		return fmt.Errorf("%s - failed to record %s: %w", ledgerLogPrefix, m.ID, err)
	}
	return nil
}

// RecordOutcome stamps the terminal outcome of an operation. Only the first
// outcome is kept.
func (l *Ledger) RecordOutcome(ctx context.Context, clientID, operationID, outcome string) error {
	tag, err := l.db.Exec(ctx,
		`UPDATE operation_log SET outcome = $3, resolved_at = now()
		 WHERE client_id = $1 AND operation_id = $2 AND outcome IS NULL`,
		clientID, operationID, outcome)
	if err != nil {
		return fmt.Errorf("%s - failed to record outcome of %s: %w", ledgerLogPrefix, operationID, err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug(fmt.Sprintf("%s - No open row for %s/%s", ledgerLogPrefix, clientID, operationID))
	}
	return nil
}

// Recent returns the latest limit operations sent to clientID, newest first.
func (l *Ledger) Recent(ctx context.Context, clientID string, limit int) ([]OperationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.Query(ctx,
		`SELECT operation_id, client_id, operation, data, COALESCE(outcome, ''), forwarded_at, resolved_at
		 FROM operation_log
		 WHERE client_id = $1
		 ORDER BY forwarded_at DESC
		 LIMIT $2`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to list operations of %s: %w", ledgerLogPrefix, clientID, err)
	}
	defer rows.Close()

	var out []OperationRecord
	for rows.Next() {
		var r OperationRecord
		var data []byte
		if err := rows.Scan(&r.OperationID, &r.ClientID, &r.Operation, &data, &r.Outcome, &r.ForwardedAt, &r.ResolvedAt); err != nil {
			return nil, fmt.Errorf("%s - failed to scan operation: %w", ledgerLogPrefix, err)
		}
		if data != nil {
			r.Data = json.RawMessage(data)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
