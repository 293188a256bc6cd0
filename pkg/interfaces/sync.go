package interfaces

import (
	"context"
	"time"

	"github.com/medrex/referral-sync/pkg/types"
)

// RemoteStore is the authoritative copy of the referral records shared by all devices
type RemoteStore interface {
	// Push sends local changes and returns one result per change, in order
	Push(ctx context.Context, req *types.PushRequest) (*types.PushResponse, error)
	// Pull returns remote changes recorded after cursor that originated on other devices
	Pull(ctx context.Context, cursor int64, limit int) (*types.PullResponse, error)
}

// AuditService defines the interface for audit logging
type AuditService interface {
	LogEvent(userID, action, resourceID string, success bool, data map[string]interface{}) error
}

// Notifier is told about the outcome of every sync pass
type Notifier interface {
	SyncCompleted(ctx context.Context, result *types.SyncResult) error
	SyncFailed(ctx context.Context, result *types.SyncResult, cause error) error
}

// PerformanceRecorder collects named operation timings
type PerformanceRecorder interface {
	Record(operation string, duration time.Duration)
}

// SyncService defines the interface for the on-device sync driver
type SyncService interface {
	PerformSync(ctx context.Context) (*types.SyncResult, error)
	GetStatistics(ctx context.Context) (*types.SyncStatistics, error)
	Status() types.SyncStatus
	RetryFailed(ctx context.Context) (int64, error)
	PurgeCompleted(ctx context.Context) (int64, error)
}

// ChangeRepository persists the server's record table and change log
type ChangeRepository interface {
	// ApplyChange applies one pushed change and reports the outcome
	ApplyChange(ctx context.Context, deviceID string, change *types.Change) (*types.PushResult, error)
	// ChangesSince lists change log entries after cursor not originating from deviceID
	ChangesSince(ctx context.Context, deviceID string, cursor int64, limit int) ([]types.RemoteChange, error)
}

// DeviceRepository stores the devices allowed to sync
type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error
}
