package database

import (
	"context"
	"time"

	"github.com/flowpbx/callscript/internal/database/models"
)

// ScriptRepository manages published scripts.
type ScriptRepository interface {
	// Upsert inserts the script or fully replaces the stored version,
	// incrementing its version number.
	Upsert(ctx context.Context, script *models.Script) error
	GetBySlug(ctx context.Context, slug string) (*models.Script, error)
	List(ctx context.Context) ([]models.Script, error)
	Delete(ctx context.Context, slug string) error
}

// AnswerRepository manages caller answers.
type AnswerRepository interface {
	// Upsert stores the answer, overwriting any earlier answer for the same
	// (call id, question key).
	Upsert(ctx context.Context, answer *models.Answer) error
	ListByCall(ctx context.Context, callID string) ([]models.Answer, error)
	// MapByCall returns question key -> value for every answer of a call.
	MapByCall(ctx context.Context, callID string) (map[string]string, error)
}

// CallRepository manages the call log.
type CallRepository interface {
	// Start records a call in progress. Recording an existing call is a no-op.
	Start(ctx context.Context, call *models.Call) error
	GetByCallID(ctx context.Context, callID string) (*models.Call, error)
	// End moves an in-progress call to a terminal status. It returns the
	// call as stored and whether this invocation performed the transition.
	End(ctx context.Context, callID, status string) (*models.Call, bool, error)
}

// OutboxRepository manages completion events awaiting delivery.
type OutboxRepository interface {
	// Enqueue stores the event unless one already exists for its call id.
	// It reports whether the event was inserted.
	Enqueue(ctx context.Context, event *models.OutboxEvent) (bool, error)
	ListDue(ctx context.Context, now time.Time, maxAttempts, limit int) ([]models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	CountPending(ctx context.Context) (int64, error)
}

// Store bundles the repositories of one backend.
type Store struct {
	Scripts ScriptRepository
	Answers AnswerRepository
	Calls   CallRepository
	Outbox  OutboxRepository
	Ping    func(ctx context.Context) error
	Close   func() error
}
