// Package billing records normalised payment events in Postgres and keeps a
// per-transaction summary reconciled from them.
package billing

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/noah-isme/backend-payments/internal/payment"
)

// Migrations holds the ledger schema for golang-migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// ErrNoEntries means a transaction has nothing in the ledger yet. The webhook
// may simply not have arrived, so callers treat it as retryable.
var ErrNoEntries = errors.New("billing: no ledger entries for transaction")

// DBTX is the subset of pgxpool.Pool and pgx.Tx the ledger needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Ledger is an append-only event log plus a reconciled transaction table.
type Ledger struct {
	DB  DBTX
	Now func() time.Time
}

// NewLedger wraps a pool or transaction.
func NewLedger(db DBTX) *Ledger {
	return &Ledger{DB: db, Now: time.Now}
}

const insertEntrySQL = `INSERT INTO payment_ledger
  (id, provider, provider_tx_id, event_type, amount, currency, status, occurred_at, raw_metadata)
VALUES ($1, $2, NULLIF($3, ''), $4, $5::numeric, $6, $7, $8, $9::jsonb)`

// CreateEntry appends evt. Events are never merged here; deduplication
// happens before dispatch.
func (l *Ledger) CreateEntry(ctx context.Context, evt payment.NormalizedEvent) (payment.EntryRef, error) {
	occurredAt, err := time.Parse(time.RFC3339, evt.Timestamp)
	if err != nil {
		occurredAt = l.now()
	}
	meta := evt.RawMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return payment.EntryRef{}, fmt.Errorf("encode raw metadata: %w", err)
	}
	id := uuid.New()
	_, err = l.DB.Exec(ctx, insertEntrySQL,
		id,
		string(evt.Provider),
		evt.ProviderTransactionID,
		evt.Type,
		evt.Amount.String(),
		evt.Currency,
		evt.Status,
		occurredAt.UTC(),
		string(metaJSON),
	)
	if err != nil {
		return payment.EntryRef{}, fmt.Errorf("insert ledger entry: %w", err)
	}
	return payment.EntryRef{ID: id.String()}, nil
}

const reconcileSQL = `INSERT INTO payment_transactions
  (provider, provider_tx_id, status, amount, currency, last_entry_id, reconciled_at)
SELECT provider, provider_tx_id, status, amount, currency, id, $3
FROM payment_ledger
WHERE provider = $1 AND provider_tx_id = $2
ORDER BY occurred_at DESC, created_at DESC
LIMIT 1
ON CONFLICT (provider, provider_tx_id) DO UPDATE
SET status = EXCLUDED.status,
    amount = EXCLUDED.amount,
    currency = EXCLUDED.currency,
    last_entry_id = EXCLUDED.last_entry_id,
    reconciled_at = EXCLUDED.reconciled_at`

// ReconcileByProviderTx copies the latest ledger entry for the transaction into
// payment_transactions.
func (l *Ledger) ReconcileByProviderTx(ctx context.Context, provider payment.ProviderName, txID string) error {
	if txID == "" {
		return fmt.Errorf("%w: empty transaction id", ErrNoEntries)
	}
	tag, err := l.DB.Exec(ctx, reconcileSQL, string(provider), txID, l.now().UTC())
	if err != nil {
		return fmt.Errorf("reconcile %s/%s: %w", provider, txID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNoEntries, provider, txID)
	}
	return nil
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Service is the payment.Billing used by the API: entries are written inline
// and reconciliation is handed to Queue when one is set.
type Service struct {
	Ledger *Ledger
	Queue  payment.Reconciler
}

func (s *Service) CreateEntry(ctx context.Context, evt payment.NormalizedEvent) (payment.EntryRef, error) {
	return s.Ledger.CreateEntry(ctx, evt)
}

func (s *Service) ReconcileByProviderTx(ctx context.Context, provider payment.ProviderName, txID string) error {
	if s.Queue != nil {
		return s.Queue.ReconcileByProviderTx(ctx, provider, txID)
	}
	return s.Ledger.ReconcileByProviderTx(ctx, provider, txID)
}
