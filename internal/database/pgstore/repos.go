package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/google/uuid"
)

type scriptRepo struct {
	db *sql.DB
}

func (r *scriptRepo) Upsert(ctx context.Context, s *models.Script) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scripts (slug, name, language, voice_type, flow, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, 1, NOW(), NOW())
		 ON CONFLICT (slug) DO UPDATE SET
		   name = EXCLUDED.name,
		   language = EXCLUDED.language,
		   voice_type = EXCLUDED.voice_type,
		   flow = EXCLUDED.flow,
		   version = scripts.version + 1,
		   updated_at = NOW()`,
		s.Slug, s.Name, s.Language, s.VoiceType, s.Flow,
	)
	if err != nil {
		return fmt.Errorf("upserting script %q: %w", s.Slug, err)
	}
	return nil
}

func (r *scriptRepo) GetBySlug(ctx context.Context, slug string) (*models.Script, error) {
	var s models.Script
	err := r.db.QueryRowContext(ctx,
		`SELECT slug, name, language, voice_type, flow::text, version, created_at, updated_at
		 FROM scripts WHERE slug = $1`, slug,
	).Scan(&s.Slug, &s.Name, &s.Language, &s.VoiceType, &s.Flow, &s.Version,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying script %q: %w", slug, err)
	}
	return &s, nil
}

func (r *scriptRepo) List(ctx context.Context) ([]models.Script, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT slug, name, language, voice_type, flow::text, version, created_at, updated_at
		 FROM scripts ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("querying scripts: %w", err)
	}
	defer rows.Close()

	var scripts []models.Script
	for rows.Next() {
		var s models.Script
		if err := rows.Scan(&s.Slug, &s.Name, &s.Language, &s.VoiceType, &s.Flow,
			&s.Version, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning script row: %w", err)
		}
		scripts = append(scripts, s)
	}
	return scripts, rows.Err()
}

func (r *scriptRepo) Delete(ctx context.Context, slug string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM scripts WHERE slug = $1`, slug); err != nil {
		return fmt.Errorf("deleting script %q: %w", slug, err)
	}
	return nil
}

type answerRepo struct {
	db *sql.DB
}

func (r *answerRepo) Upsert(ctx context.Context, a *models.Answer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO answers (call_id, question_key, value, phone, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, NOW(), NOW())
		 ON CONFLICT (call_id, question_key) DO UPDATE SET
		   value = EXCLUDED.value,
		   phone = EXCLUDED.phone,
		   updated_at = NOW()`,
		a.CallID, a.QuestionKey, a.Value, a.Phone,
	)
	if err != nil {
		return fmt.Errorf("upserting answer %s/%s: %w", a.CallID, a.QuestionKey, err)
	}
	return nil
}

func (r *answerRepo) ListByCall(ctx context.Context, callID string) ([]models.Answer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, question_key, value, phone, created_at, updated_at
		 FROM answers WHERE call_id = $1 ORDER BY id`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying answers: %w", err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.ID, &a.CallID, &a.QuestionKey, &a.Value, &a.Phone,
			&a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning answer row: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

func (r *answerRepo) MapByCall(ctx context.Context, callID string) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT question_key, value FROM answers WHERE call_id = $1`, callID)
	if err != nil {
		return nil, fmt.Errorf("querying answers: %w", err)
	}
	defer rows.Close()

	m := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning answer row: %w", err)
		}
		m[k] = v
	}
	return m, rows.Err()
}

type callRepo struct {
	db *sql.DB
}

func (r *callRepo) Start(ctx context.Context, c *models.Call) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO calls (call_id, script_slug, phone, status, started_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (call_id) DO NOTHING`,
		c.CallID, c.ScriptSlug, c.Phone, models.CallStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("inserting call %s: %w", c.CallID, err)
	}
	return nil
}

func (r *callRepo) GetByCallID(ctx context.Context, callID string) (*models.Call, error) {
	var c models.Call
	err := r.db.QueryRowContext(ctx,
		`SELECT call_id, script_slug, phone, status, started_at, ended_at
		 FROM calls WHERE call_id = $1`, callID,
	).Scan(&c.CallID, &c.ScriptSlug, &c.Phone, &c.Status, &c.StartedAt, &c.EndedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying call %s: %w", callID, err)
	}
	return &c, nil
}

// End transitions and reads the call in one UPDATE ... RETURNING.
func (r *callRepo) End(ctx context.Context, callID, status string) (*models.Call, bool, error) {
	var c models.Call
	err := r.db.QueryRowContext(ctx,
		`UPDATE calls SET status = $1, ended_at = NOW()
		 WHERE call_id = $2 AND ended_at IS NULL
		 RETURNING call_id, script_slug, phone, status, started_at, ended_at`,
		status, callID,
	).Scan(&c.CallID, &c.ScriptSlug, &c.Phone, &c.Status, &c.StartedAt, &c.EndedAt)
	if err == sql.ErrNoRows {
		existing, err := r.GetByCallID(ctx, callID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("ending call %s: %w", callID, err)
	}
	return &c, true, nil
}

type outboxRepo struct {
	db *sql.DB
}

func (r *outboxRepo) Enqueue(ctx context.Context, e *models.OutboxEvent) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO completion_outbox (id, call_id, idempotency_key, payload, attempts,
		 next_attempt_at, created_at)
		 VALUES ($1, $2, $3, $4, 0, NOW(), NOW())
		 ON CONFLICT (call_id) DO NOTHING`,
		e.ID, e.CallID, e.IdempotencyKey, e.Payload,
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

func (r *outboxRepo) ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.OutboxEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id::text, call_id, idempotency_key, payload::text, attempts, next_attempt_at,
		 delivered_at, last_error, created_at
		 FROM completion_outbox
		 WHERE delivered_at IS NULL AND attempts < $1 AND next_attempt_at <= $2
		 ORDER BY next_attempt_at, created_at
		 LIMIT $3`,
		maxAttempts, now, limit)
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

func (r *outboxRepo) MarkDelivered(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE completion_outbox SET delivered_at = NOW(), attempts = attempts + 1, last_error = ''
		 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("marking completion %s delivered: %w", id, err)
	}
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE completion_outbox SET attempts = attempts + 1, last_error = $1, next_attempt_at = $2
		 WHERE id = $3`, lastError, nextAttemptAt, id)
	if err != nil {
		return fmt.Errorf("marking completion %s failed: %w", id, err)
	}
	return nil
}

func (r *outboxRepo) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM completion_outbox WHERE delivered_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending completions: %w", err)
	}
	return n, nil
}
