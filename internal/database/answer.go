package database

import (
	"context"
	"fmt"

	"github.com/flowpbx/callscript/internal/database/models"
)

// answerRepo implements AnswerRepository.
type answerRepo struct {
	db *DB
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(db *DB) AnswerRepository {
	return &answerRepo{db: db}
}

// Upsert stores an answer keyed by (call_id, question_key). A replayed
// webhook overwrites the value instead of adding a row.
func (r *answerRepo) Upsert(ctx context.Context, a *models.Answer) error {
	now := dbNow()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO answers (call_id, question_key, value, phone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(call_id, question_key) DO UPDATE SET
		   value = excluded.value,
		   phone = excluded.phone,
		   updated_at = excluded.updated_at`,
		a.CallID, a.QuestionKey, a.Value, a.Phone, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting answer %s/%s: %w", a.CallID, a.QuestionKey, err)
	}
	return nil
}

// ListByCall returns every answer recorded for a call in insertion order.
func (r *answerRepo) ListByCall(ctx context.Context, callID string) ([]models.Answer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, question_key, value, phone, created_at, updated_at
		 FROM answers WHERE call_id = ? ORDER BY id`, callID)
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

// MapByCall returns question key -> value for a call.
func (r *answerRepo) MapByCall(ctx context.Context, callID string) (map[string]string, error) {
	answers, err := r.ListByCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, len(answers))
	for _, a := range answers {
		m[a.QuestionKey] = a.Value
	}
	return m, nil
}
