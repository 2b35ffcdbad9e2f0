// Package notify delivers call completion events to a downstream system.
// Events are written to a durable outbox on the webhook path and delivered
// by a background dispatcher with bounded retry, so delivery latency never
// delays a voice response.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/database/models"
	"github.com/google/uuid"
)

// Completion statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// idempotencyNamespace scopes the per-call idempotency keys.
var idempotencyNamespace = uuid.MustParse("6f1f1c1e-4a8e-4d53-9a43-1a7e2a0f5c11")

// IdempotencyKey returns the stable key for the completion of callID. The
// same call always yields the same key, so receivers can deduplicate.
func IdempotencyKey(callID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(callID)).String()
}

// CompletionEvent describes a finished conversation.
type CompletionEvent struct {
	CallID          string
	Script          string
	Phone           string
	Answers         map[string]string
	Status          string
	DurationSeconds int
	CompletedAt     time.Time
}

// Payload is the JSON body delivered for an event. callSid, responses and
// duration repeat callId, answers and durationSeconds for receivers that
// expect the provider's field names.
type Payload struct {
	CallSid         string            `json:"callSid"`
	CallID          string            `json:"callId"`
	Script          string            `json:"script"`
	Phone           string            `json:"phone,omitempty"`
	Responses       map[string]string `json:"responses"`
	Answers         map[string]string `json:"answers"`
	Duration        int               `json:"duration"`
	DurationSeconds int               `json:"durationSeconds"`
	Status          string            `json:"status"`
	IdempotencyKey  string            `json:"idempotencyKey"`
	CompletedAt     time.Time         `json:"completedAt"`
}

// NewPayload builds the wire form of ev.
func NewPayload(ev CompletionEvent) Payload {
	answers := ev.Answers
	if answers == nil {
		answers = map[string]string{}
	}
	return Payload{
		CallSid:         ev.CallID,
		CallID:          ev.CallID,
		Script:          ev.Script,
		Phone:           ev.Phone,
		Responses:       answers,
		Answers:         answers,
		Duration:        ev.DurationSeconds,
		DurationSeconds: ev.DurationSeconds,
		Status:          ev.Status,
		IdempotencyKey:  IdempotencyKey(ev.CallID),
		CompletedAt:     ev.CompletedAt.UTC(),
	}
}

// Outbox records completion events for later delivery.
type Outbox struct {
	repo   database.OutboxRepository
	logger *slog.Logger

	// OnEnqueue, if set, is called after an event is newly stored.
	OnEnqueue func()
}

// NewOutbox creates an Outbox over repo.
func NewOutbox(repo database.OutboxRepository, logger *slog.Logger) *Outbox {
	return &Outbox{repo: repo, logger: logger.With("component", "outbox")}
}

// Notify stores ev for delivery. A call has at most one event: notifying
// again for the same call id is a no-op.
func (o *Outbox) Notify(ctx context.Context, ev CompletionEvent) error {
	if ev.CompletedAt.IsZero() {
		ev.CompletedAt = time.Now()
	}
	p := NewPayload(ev)
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding completion payload: %w", err)
	}

	inserted, err := o.repo.Enqueue(ctx, &models.OutboxEvent{
		ID:             uuid.NewString(),
		CallID:         ev.CallID,
		IdempotencyKey: p.IdempotencyKey,
		Payload:        string(body),
	})
	if err != nil {
		return err
	}
	if !inserted {
		o.logger.Debug("completion already queued", "call_id", ev.CallID)
		return nil
	}

	o.logger.Info("completion queued", "call_id", ev.CallID, "status", ev.Status, "answers", len(p.Answers))
	if o.OnEnqueue != nil {
		o.OnEnqueue()
	}
	return nil
}
