package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpbx/callscript/internal/database/models"
)

// outboxRepo implements OutboxRepository.
type outboxRepo struct {
	db *DB
}

// NewOutboxRepository creates a new OutboxRepository.
func NewOutboxRepository(db *DB) OutboxRepository {
	return &outboxRepo{db: db}
}

// Enqueue inserts a completion event. The UNIQUE call_id constraint makes a
// second enqueue for the same call a no-op.
func (r *outboxRepo) Enqueue(ctx context.Context, e *models.OutboxEvent) (bool, error) {
	now := dbNow()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO completion_outbox (id, call_id, idempotency_key, payload,
		 attempts, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		e.ID, e.CallID, e.IdempotencyKey, e.Payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("enqueueing completion for %s: %w", e.CallID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("enqueueing completion for %s: %w", e.CallID, err)
	}
	return n > 0, nil
}

// ListDue returns undelivered events whose next attempt is due and whose
// attempt budget is not exhausted, oldest first.
func (r *outboxRepo) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, idempotency_key, payload, attempts, next_attempt_at,
		 delivered_at, last_error, created_at
		 FROM completion_outbox
		 WHERE delivered_at IS NULL AND attempts < ? AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, created_at
		 LIMIT ?`,
		maxAttempts, now.UTC().Truncate(time.Second), limit)
	if err != nil {
		return nil, fmt.Errorf("querying due completions: %w", err)
	}
	defer rows.Close()

	var events []models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		if err := rows.Scan(&e.ID, &e.CallID, &e.IdempotencyKey, &e.Payload, &e.Attempts,
			&e.NextAttemptAt, &e.DeliveredAt, &e.LastError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// MarkDelivered records a successful delivery.
func (r *outboxRepo) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE completion_outbox SET delivered_at = ?, attempts = attempts + 1, last_error = ''
		 WHERE id = ?`, dbNow(), id)
	if err != nil {
		return fmt.Errorf("marking completion %s delivered: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt and schedules the next one.
func (r *outboxRepo) MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE completion_outbox SET attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ?`, lastError, nextAttemptAt.UTC().Truncate(time.Second), id)
	if err != nil {
		return fmt.Errorf("marking completion %s failed: %w", id, err)
	}
	return nil
}

// CountPending returns the number of undelivered events.
func (r *outboxRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completion_outbox WHERE delivered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending completions: %w", err)
	}
	return n, nil
}

// dbNow returns the current time in the form every timestamp column uses,
// so text comparisons in SQLite order correctly.
func dbNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
