package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/flowpbx/callscript/internal/database/models"
)

// callRepo implements CallRepository.
type callRepo struct {
	db *DB
}

// NewCallRepository creates a new CallRepository.
func NewCallRepository(db *DB) CallRepository {
	return &callRepo{db: db}
}

// Start records a call as in progress. A second start for the same call id
// keeps the original row and start time.
func (r *callRepo) Start(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, script_slug, phone, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO NOTHING`,
		c.CallID, c.ScriptSlug, c.Phone, models.CallStatusInProgress, dbNow(),
	)
	if err != nil {
		return fmt.Errorf("inserting call %s: %w", c.CallID, err)
	}
	return nil
}

// GetByCallID returns a call by id, or nil if it was never recorded.
func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*models.Call, error) {
	var c models.Call
	err := r.db.QueryRowContext(ctx,
		`SELECT call_id, script_slug, phone, status, started_at, ended_at
		 FROM calls WHERE call_id = ?`, callID,
	).Scan(&c.CallID, &c.ScriptSlug, &c.Phone, &c.Status, &c.StartedAt, &c.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call %s: %w", callID, err)
	}
	return &c, nil
}

// End sets a terminal status on an in-progress call. Ending an already
// ended or unknown call changes nothing and reports false.
func (r *callRepo) End(ctx context.Context, callID, status string) (*models.Call, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE calls SET status = ?, ended_at = ?
		 WHERE call_id = ? AND ended_at IS NULL`,
		status, dbNow(), callID,
	)
	if err != nil {
		return nil, false, fmt.Errorf("ending call %s: %w", callID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("ending call %s: %w", callID, err)
	}

	c, err := r.GetByCallID(ctx, callID)
	if err != nil {
		return nil, false, err
	}
	return c, n > 0, nil
}
