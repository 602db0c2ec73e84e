// Package worker consumes the side-effect events published by the order
// state machine: enrollment, receipt email, CRM sync, unenrollment. Handlers
// are idempotent; delivery is at-least-once and poisoned messages land on
// the dead letter topic.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/openlearn/commerce/internal/domain/enrollment"
	"github.com/openlearn/commerce/internal/events"
)

// UserDirectory resolves the contact address for a purchaser.
type UserDirectory interface {
	GetEmail(ctx context.Context, userID string) (string, error)
}

// CRM syncs the fulfilled order into the sales pipeline.
type CRM interface {
	SyncDeal(ctx context.Context, ev events.OrderFulfilled) error
}

// DLQ forwards messages that exhausted their retries.
type DLQ interface {
	Send(ctx context.Context, originalTopic string, message []byte, cause error) error
}

// Config wires the worker service.
type Config struct {
	Enrollments *enrollment.Service
	Repo        enrollment.Repository
	Users       UserDirectory
	Mail        EmailSender
	CRM         CRM // optional
	DLQ         DLQ
	Metrics     *Metrics

	// KeepFailedEnrollments persists enrollments locally when the learning
	// platform call fails transiently, so a later replay can finish them.
	KeepFailedEnrollments bool

	RetryAttempts uint
	RetryDelay    time.Duration
}

// Service dispatches consumed events to their handlers with bounded retry.
type Service struct {
	enrollments *enrollment.Service
	repo        enrollment.Repository
	users       UserDirectory
	mail        EmailSender
	crm         CRM
	dlq         DLQ
	metrics     *Metrics

	keepFailed    bool
	retryAttempts uint
	retryDelay    time.Duration
}

// NewService creates the worker service.
func NewService(cfg Config) *Service {
	attempts := cfg.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}
	delay := cfg.RetryDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	return &Service{
		enrollments:   cfg.Enrollments,
		repo:          cfg.Repo,
		users:         cfg.Users,
		mail:          cfg.Mail,
		crm:           cfg.CRM,
		dlq:           cfg.DLQ,
		metrics:       cfg.Metrics,
		keepFailed:    cfg.KeepFailedEnrollments,
		retryAttempts: attempts,
		retryDelay:    delay,
	}
}

// ProcessMessage handles one consumed message. Handler failures are retried
// with backoff; a message still failing afterwards goes to the dead letter
// topic so the partition keeps moving.
func (s *Service) ProcessMessage(ctx context.Context, topic string, message []byte) {
	start := time.Now()
	defer func() {
		s.metrics.ProcessingTime.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}()

	err := retry.Do(
		func() error { return s.dispatch(ctx, topic, message) },
		retry.Context(ctx),
		retry.Attempts(s.retryAttempts),
		retry.Delay(s.retryDelay),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		s.metrics.Processed.WithLabelValues(topic).Inc()
		return
	}

	s.metrics.Failed.WithLabelValues(topic).Inc()
	zctx.From(ctx).Error("Event handling exhausted retries",
		zap.String("topic", topic), zap.Error(err))

	if dlqErr := s.dlq.Send(ctx, topic, message, err); dlqErr != nil {
		zctx.From(ctx).Error("Forward to dead letter topic",
			zap.String("topic", topic), zap.Error(dlqErr))
	}
}

func (s *Service) dispatch(ctx context.Context, topic string, message []byte) error {
	switch topic {
	case events.TopicOrderFulfilled:
		var ev events.OrderFulfilled
		if err := json.Unmarshal(message, &ev); err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "decode order fulfilled event"))
		}
		return s.handleOrderFulfilled(ctx, ev)
	case events.TopicUnenroll:
		var ev events.UnenrollRequested
		if err := json.Unmarshal(message, &ev); err != nil {
			return retry.Unrecoverable(errors.Wrap(err, "decode unenroll event"))
		}
		return s.handleUnenroll(ctx, ev)
	default:
		return retry.Unrecoverable(errors.Errorf("unknown topic %s", topic))
	}
}

// handleOrderFulfilled enrolls the purchaser, then sends the receipt and
// syncs the CRM deal. Mail and CRM failures are logged, not retried: the
// enrollment is the part that must not be lost.
func (s *Service) handleOrderFulfilled(ctx context.Context, ev events.OrderFulfilled) error {
	lg := zctx.From(ctx).With(zap.String("order_id", ev.OrderID))

	runIDs := make([]string, 0, len(ev.Runs))
	for _, run := range ev.Runs {
		if run.Kind == "course_run" {
			runIDs = append(runIDs, run.ID)
		}
	}
	if _, err := s.enrollments.CreateRunEnrollments(ctx, ev.PurchaserID, runIDs, enrollment.ModeVerified, s.keepFailed); err != nil {
		return errors.Wrap(err, "create enrollments")
	}

	to, err := s.users.GetEmail(ctx, ev.PurchaserID)
	switch {
	case err != nil:
		lg.Warn("Resolve purchaser email", zap.Error(err))
	case to != "":
		subject := "Order " + ev.ReferenceNumber + " confirmed"
		if err := s.mail.SendEmail(ctx, to, subject, receiptBody(ev)); err != nil {
			lg.Warn("Send receipt email", zap.Error(err))
		}
	}

	if s.crm != nil {
		if err := s.crm.SyncDeal(ctx, ev); err != nil {
			lg.Warn("Sync CRM deal", zap.Error(err))
		}
	}
	return nil
}

// handleUnenroll deactivates the purchaser's enrollments for the refunded
// runs. Missing enrollments are skipped; reprocessing is harmless.
func (s *Service) handleUnenroll(ctx context.Context, ev events.UnenrollRequested) error {
	for _, runID := range ev.RunIDs {
		e, err := s.repo.GetRunEnrollment(ctx, ev.PurchaserID, runID)
		if errors.Is(err, enrollment.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "load enrollment for run %s", runID)
		}
		if !e.Active {
			continue
		}
		if err := s.enrollments.DeactivateRunEnrollment(ctx, e, enrollment.ChangeRefunded, ev.KeepFailed); err != nil {
			return errors.Wrapf(err, "deactivate run %s", runID)
		}
	}
	return nil
}
