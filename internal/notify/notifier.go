// Package notify tells interested parties how each sync pass ended.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

// Event kinds published for a sync pass
const (
	EventSyncCompleted = "sync.completed"
	EventSyncFailed    = "sync.failed"
)

// SyncEvent is the message body published for a finished sync pass
type SyncEvent struct {
	Kind       string            `json:"kind"`
	DeviceID   string            `json:"device_id"`
	Result     *types.SyncResult `json:"result"`
	Error      string            `json:"error,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// LogNotifier writes sync outcomes to the structured log
type LogNotifier struct {
	logger *logger.Logger
}

// NewLogNotifier creates a notifier backed by the logger
func NewLogNotifier(log *logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log}
}

// SyncCompleted logs a successful pass
func (n *LogNotifier) SyncCompleted(ctx context.Context, result *types.SyncResult) error {
	n.logger.WithContext(ctx).WithFields(logrus.Fields{
		"event":     EventSyncCompleted,
		"run_id":    result.RunID,
		"pushed":    result.Pushed,
		"pulled":    result.Pulled,
		"conflicts": result.ConflictsResolved,
		"failed":    result.Failed,
	}).Info("Sync completed")
	return nil
}

// SyncFailed logs a failed pass
func (n *LogNotifier) SyncFailed(ctx context.Context, result *types.SyncResult, cause error) error {
	n.logger.WithContext(ctx).WithFields(logrus.Fields{
		"event":  EventSyncFailed,
		"run_id": result.RunID,
		"failed": result.Failed,
	}).WithError(cause).Warn("Sync failed")
	return nil
}

// MultiNotifier fans a notification out to several notifiers
type MultiNotifier struct {
	notifiers []interfaces.Notifier
}

// NewMultiNotifier creates a fan-out notifier. nil entries are skipped.
func NewMultiNotifier(notifiers ...interfaces.Notifier) *MultiNotifier {
	m := &MultiNotifier{}
	for _, n := range notifiers {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// SyncCompleted notifies every notifier and joins their errors
func (m *MultiNotifier) SyncCompleted(ctx context.Context, result *types.SyncResult) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.SyncCompleted(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SyncFailed notifies every notifier and joins their errors
func (m *MultiNotifier) SyncFailed(ctx context.Context, result *types.SyncResult, cause error) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.SyncFailed(ctx, result, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
