// Package notification delivers failure events from replication, task
// runs and backup policies to an operator webhook. Delivery is best effort:
// callers log the returned error and carry on.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// EventType names a notification.
type EventType string

const (
	EventSendFailed    EventType = "replica.send_failed"
	EventReceiveFailed EventType = "replica.receive_failed"
	EventTaskFailed    EventType = "task.failed"
	EventBackupFailed  EventType = "backup.failed"
)

// Event is one notification.
type Event struct {
	Type    EventType
	Title   string
	Body    string
	Payload map[string]any
	At      time.Time
}

// Service is the entry point used by the rest of replicad. The typed methods
// keep message content consistent across callers.
type Service interface {
	SendFailed(ctx context.Context, replicaID uint, snapName, errMsg string) error
	ReceiveFailed(ctx context.Context, rshareID uint, snapName, errMsg string) error
	TaskFailed(ctx context.Context, taskDefID uint, name, errMsg string) error
	BackupFailed(ctx context.Context, policyID uint, name, errMsg string) error
}

type service struct {
	webhook *webhookSender
	logger  *zap.Logger
	now     func() time.Time
}

// NewService returns a Service delivering through the configured webhook.
// With an empty URL every method is a no-op that returns nil.
func NewService(cfg WebhookConfig, logger *zap.Logger) Service {
	return &service{
		webhook: newWebhookSender(cfg),
		logger:  logger.Named("notification"),
		now:     time.Now,
	}
}

func (s *service) SendFailed(ctx context.Context, replicaID uint, snapName, errMsg string) error {
	return s.deliver(ctx, Event{
		Type:  EventSendFailed,
		Title: "Replication send failed",
		Body:  fmt.Sprintf("Replica %d failed to send snapshot %s: %s", replicaID, snapName, errMsg),
		Payload: map[string]any{
			"replica_id": replicaID,
			"snapshot":   snapName,
			"error":      errMsg,
		},
	})
}

func (s *service) ReceiveFailed(ctx context.Context, rshareID uint, snapName, errMsg string) error {
	return s.deliver(ctx, Event{
		Type:  EventReceiveFailed,
		Title: "Replication receive failed",
		Body:  fmt.Sprintf("Replica share %d failed to receive snapshot %s: %s", rshareID, snapName, errMsg),
		Payload: map[string]any{
			"rshare_id": rshareID,
			"snapshot":  snapName,
			"error":     errMsg,
		},
	})
}

func (s *service) TaskFailed(ctx context.Context, taskDefID uint, name, errMsg string) error {
	return s.deliver(ctx, Event{
		Type:  EventTaskFailed,
		Title: "Scheduled task failed",
		Body:  fmt.Sprintf("Task %q failed: %s", name, errMsg),
		Payload: map[string]any{
			"task_def_id": taskDefID,
			"name":        name,
			"error":       errMsg,
		},
	})
}

func (s *service) BackupFailed(ctx context.Context, policyID uint, name, errMsg string) error {
	return s.deliver(ctx, Event{
		Type:  EventBackupFailed,
		Title: "Backup policy run failed",
		Body:  fmt.Sprintf("Backup policy %q failed: %s", name, errMsg),
		Payload: map[string]any{
			"policy_id": policyID,
			"name":      name,
			"error":     errMsg,
		},
	})
}

func (s *service) deliver(ctx context.Context, ev Event) error {
	ev.At = s.now()
	if err := s.webhook.send(ctx, ev); err != nil {
		s.logger.Warn("failed to deliver notification",
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// Nop returns a Service that drops every event.
func Nop() Service { return nopService{} }

type nopService struct{}

func (nopService) SendFailed(context.Context, uint, string, string) error    { return nil }
func (nopService) ReceiveFailed(context.Context, uint, string, string) error { return nil }
func (nopService) TaskFailed(context.Context, uint, string, string) error    { return nil }
func (nopService) BackupFailed(context.Context, uint, string, string) error  { return nil }
