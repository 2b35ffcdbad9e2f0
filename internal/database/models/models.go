package models

import "time"

// Script is a published conversation script. Flow holds the JSON-encoded
// ordered flow items; the typed form lives in the script package.
type Script struct {
	Slug      string
	Name      string
	Language  string
	VoiceType string
	Flow      string // JSON
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Answer is one caller answer, unique per (CallID, QuestionKey).
type Answer struct {
	ID          int64
	CallID      string
	QuestionKey string
	Value       string
	Phone       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Call status values.
const (
	CallStatusInProgress = "in-progress"
	CallStatusCompleted  = "completed"
	CallStatusFailed     = "failed"
)

// Call is the log entry for a single scripted phone call.
type Call struct {
	CallID     string
	ScriptSlug string
	Phone      string
	Status     string
	StartedAt  time.Time
	EndedAt    *time.Time
}

// OutboxEvent is a pending or delivered completion event.
type OutboxEvent struct {
	ID             string
	CallID         string
	IdempotencyKey string
	Payload        string // JSON
	Attempts       int
	NextAttemptAt  time.Time
	DeliveredAt    *time.Time
	LastError      string
	CreatedAt      time.Time
}
