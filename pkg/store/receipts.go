package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReceiptStore is the durable table of received scheduling events,
// keyed by caller-supplied idempotency key. Rows are append-only except
// for the claim lease and the processed marker.
type ReceiptStore struct {
	db *sql.DB
}

func NewReceiptStore(db *sql.DB) *ReceiptStore {
	return &ReceiptStore{db: db}
}

const receiptSchema = `
CREATE TABLE IF NOT EXISTS webhook_receipts (
	id BIGSERIAL PRIMARY KEY,
	source TEXT NOT NULL,
	event TEXT NOT NULL,
	idempotency_key TEXT NOT NULL UNIQUE,
	payload JSONB NOT NULL,
	client_ip TEXT,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_by TEXT,
	lease_until TIMESTAMPTZ,
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS webhook_receipts_unprocessed
	ON webhook_receipts (received_at)
	WHERE processed_at IS NULL;
`

func (s *ReceiptStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, receiptSchema)
	return err
}

// Insert persists a receipt with an insert-or-ignore discipline on the
// idempotency key. It reports duplicate=true when the key was already
// present; replays are not errors.
func (s *ReceiptStore) Insert(ctx context.Context, r Receipt) (duplicate bool, err error) {
	query := `
		INSERT INTO webhook_receipts (source, event, idempotency_key, payload, client_ip, received_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id
	`
	var id int64
	err = s.db.QueryRowContext(ctx, query,
		r.Source, r.Event, r.IdempotencyKey, []byte(r.Payload), nullable(r.ClientIP),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert receipt: %w", err)
	}
	return false, nil
}

// ClaimBatch atomically claims up to limit unprocessed receipts in
// arrival order. The claim takes a lease rather than marking the row
// processed, so a worker crash between claim and apply only delays the
// receipt until the lease expires. Rows locked by a concurrent claimer
// are skipped, never waited on.
func (s *ReceiptStore) ClaimBatch(ctx context.Context, workerID string, limit int, lease time.Duration) ([]ClaimedReceipt, error) {
	query := `
		WITH picked AS (
			SELECT id
			  FROM webhook_receipts
			 WHERE processed_at IS NULL
			   AND (lease_until IS NULL OR lease_until < now())
			 ORDER BY received_at
			 FOR UPDATE SKIP LOCKED
			 LIMIT $1
		)
		UPDATE webhook_receipts wr
		   SET claimed_by = $2,
		       lease_until = now() + ($3 * interval '1 second')
		  FROM picked
		 WHERE wr.id = picked.id
		RETURNING wr.id, wr.event, wr.payload, wr.idempotency_key
	`
	rows, err := s.db.QueryContext(ctx, query, limit, workerID, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []ClaimedReceipt
	for rows.Next() {
		var c ClaimedReceipt
		if err := rows.Scan(&c.ID, &c.Event, &c.Payload, &c.IdempotencyKey); err != nil {
			return nil, err
		}
		claimed = append(claimed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkApplied sets the processed marker. Called only after the
// receipt's materialization finished, successfully or benignly.
func (s *ReceiptStore) MarkApplied(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE webhook_receipts SET processed_at = now() WHERE id = $1`, id)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
