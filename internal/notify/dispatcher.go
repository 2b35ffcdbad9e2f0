package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/callscript/internal/database"
	"github.com/flowpbx/callscript/internal/database/models"
)

const (
	baseBackoff     = time.Second
	maxBackoff      = 5 * time.Minute
	defaultBatch    = 50
	deliveryTimeout = 15 * time.Second
)

// Backoff returns the delay before the next attempt of an event that has
// already failed attempts times.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 16 {
		return maxBackoff
	}
	d := baseBackoff << uint(attempts)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// DispatchStats counts the outcome of one dispatch pass.
type DispatchStats struct {
	Delivered int
	Failed    int
	Parked    int
}

// Dispatcher delivers due outbox events with a Sender. Failed deliveries
// are retried with exponential backoff until maxAttempts is reached, after
// which the event stays in the outbox with its last error.
type Dispatcher struct {
	repo        database.OutboxRepository
	sender      Sender
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
	batch       int
	now         func() time.Time

	// OnResult, if set, receives "delivered", "failed" or "parked" for
	// every attempt.
	OnResult func(result string)
}

// NewDispatcher creates a dispatcher that polls every interval.
func NewDispatcher(repo database.OutboxRepository, sender Sender, interval time.Duration, maxAttempts int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		repo:        repo,
		sender:      sender,
		logger:      logger.With("component", "dispatcher"),
		interval:    interval,
		maxAttempts: maxAttempts,
		batch:       defaultBatch,
		now:         time.Now,
	}
}

// Run polls the outbox until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("completion dispatcher started", "interval", d.interval, "max_attempts", d.maxAttempts)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("completion dispatcher stopped")
			return
		case <-ticker.C:
			d.DispatchDue(ctx)
		}
	}
}

// DispatchDue attempts every event that is currently due.
func (d *Dispatcher) DispatchDue(ctx context.Context) DispatchStats {
	var stats DispatchStats

	events, err := d.repo.ListDue(ctx, d.now(), d.maxAttempts, d.batch)
	if err != nil {
		d.logger.Error("listing due completions failed", "error", err)
		return stats
	}

	for _, ev := range events {
		if ctx.Err() != nil {
			return stats
		}

		sendCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		err := d.sender.Send(sendCtx, ev)
		cancel()

		if err == nil {
			if err := d.repo.MarkDelivered(ctx, ev.ID); err != nil {
				d.logger.Error("recording delivery failed", "call_id", ev.CallID, "error", err)
			}
			d.logger.Info("completion delivered", "call_id", ev.CallID, "attempt", ev.Attempts+1)
			stats.Delivered++
			d.report("delivered")
			continue
		}

		next := d.now().Add(Backoff(ev.Attempts))
		if markErr := d.repo.MarkFailed(ctx, ev.ID, err.Error(), next); markErr != nil {
			d.logger.Error("recording delivery failure failed", "call_id", ev.CallID, "error", markErr)
		}

		if ev.Attempts+1 >= d.maxAttempts {
			d.logger.Error("completion delivery abandoned",
				"call_id", ev.CallID,
				"attempts", ev.Attempts+1,
				"error", err,
			)
			stats.Parked++
			d.report("parked")
			continue
		}

		d.logger.Warn("completion delivery failed, will retry",
			"call_id", ev.CallID,
			"attempt", ev.Attempts+1,
			"next_attempt_at", next,
			"error", err,
		)
		stats.Failed++
		d.report("failed")
	}
	return stats
}

func (d *Dispatcher) report(result string) {
	if d.OnResult != nil {
		d.OnResult(result)
	}
}

// LogSender drops events after logging them. It stands in when no
// destination is configured.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs ev and reports success.
func (s LogSender) Send(_ context.Context, ev models.OutboxEvent) error {
	s.Logger.Info("completion event (no destination configured)", "call_id", ev.CallID, "payload", ev.Payload)
	return nil
}
