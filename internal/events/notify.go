package events

import (
	"context"

	"go.uber.org/zap"

	"attendguard/internal/queue"
)

// Notifier delivers events to people: professors for alerts and session
// changes, students for finalized attempts.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// LogNotifier writes each notification to the log. It stands in until a
// delivery channel is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("session_id", e.SessionID),
	}
	switch e.Type {
	case FraudAlertRaised:
		n.Log.Warn("notify professor: fraud alert", append(fields,
			zap.String("student_id", e.StudentID),
			zap.String("alert_id", e.AlertID),
			zap.String("severity", e.Severity))...)
	case AttemptFinalized:
		n.Log.Info("notify student: attempt finalized", append(fields,
			zap.String("student_id", e.StudentID),
			zap.String("outcome", e.Outcome))...)
	default:
		n.Log.Info("notify course: session update", append(fields, zap.String("status", e.Status))...)
	}
	return nil
}

// Drain hands every queued event to n until ctx is done or the queue closes.
// Undecodable messages and delivery failures are logged and skipped.
func Drain(ctx context.Context, q queue.Queue, n Notifier, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range msgs {
		e, err := FromMessage(msg)
		if err != nil {
			log.Warn("dropping undecodable event", zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		if err := n.Notify(ctx, e); err != nil {
			log.Error("notification failed", zap.String("event_id", e.ID), zap.Error(err))
		}
	}
	return ctx.Err()
}
