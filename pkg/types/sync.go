package types

import (
	"encoding/json"
	"time"
)

// SyncOperation is the kind of change carried by a queue item
type SyncOperation string

const (
	OpCreate SyncOperation = "create"
	OpUpdate SyncOperation = "update"
	OpDelete SyncOperation = "delete"
)

// SyncItemStatus is the state of a queued change
type SyncItemStatus string

const (
	SyncStatusPending   SyncItemStatus = "pending"
	SyncStatusCompleted SyncItemStatus = "completed"
	SyncStatusFailed    SyncItemStatus = "failed"
)

// SyncItem is one outbound change waiting in the local queue
type SyncItem struct {
	ID            string          `json:"id" db:"id"`
	EntityType    EntityType      `json:"entity_type" db:"entity_type"`
	EntityID      string          `json:"entity_id" db:"entity_id"`
	Operation     SyncOperation   `json:"operation" db:"operation"`
	Payload       json.RawMessage `json:"payload" db:"payload"`
	BaseVersion   int64           `json:"base_version" db:"base_version"`
	Status        SyncItemStatus  `json:"status" db:"status"`
	Attempts      int             `json:"attempts" db:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at" db:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty" db:"last_error"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	Revision      int64           `json:"-" db:"revision"`
}

// Change converts the queue item into its wire form
func (i *SyncItem) Change() Change {
	return Change{
		EntityType:  i.EntityType,
		EntityID:    i.EntityID,
		Operation:   i.Operation,
		Payload:     i.Payload,
		BaseVersion: i.BaseVersion,
		UpdatedAt:   i.UpdatedAt,
	}
}

// Change is a single record mutation pushed to the remote store
type Change struct {
	EntityType  EntityType      `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	Operation   SyncOperation   `json:"operation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	BaseVersion int64           `json:"base_version"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PushOutcome is the remote verdict on one pushed change
type PushOutcome string

const (
	PushApplied  PushOutcome = "applied"
	PushConflict PushOutcome = "conflict"
	PushRejected PushOutcome = "rejected"
)

// PushRequest is the body of a push call
type PushRequest struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

// PushResult reports what the remote store did with one change
type PushResult struct {
	EntityType EntityType    `json:"entity_type"`
	EntityID   string        `json:"entity_id"`
	Outcome    PushOutcome   `json:"outcome"`
	Version    int64         `json:"version"`
	Remote     *RemoteRecord `json:"remote,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// PushResponse is the body returned by a push call
type PushResponse struct {
	Results []PushResult `json:"results"`
}

// RemoteRecord is the authoritative copy of a record held by the remote store
type RemoteRecord struct {
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Version    int64           `json:"version"`
	Deleted    bool            `json:"deleted"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// RemoteChange is one entry of the remote change log
type RemoteChange struct {
	Seq          int64           `json:"seq"`
	EntityType   EntityType      `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Operation    SyncOperation   `json:"operation"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Version      int64           `json:"version"`
	UpdatedAt    time.Time       `json:"updated_at"`
	OriginDevice string          `json:"origin_device"`
}

// Record returns the remote record state carried by the change
func (c *RemoteChange) Record() *RemoteRecord {
	return &RemoteRecord{
		EntityType: c.EntityType,
		EntityID:   c.EntityID,
		Payload:    c.Payload,
		Version:    c.Version,
		Deleted:    c.Operation == OpDelete,
		UpdatedAt:  c.UpdatedAt,
	}
}

// PullResponse is one page of the remote change log
type PullResponse struct {
	Changes    []RemoteChange `json:"changes"`
	NextCursor int64          `json:"next_cursor"`
	HasMore    bool           `json:"has_more"`
}

// ConflictStrategy decides which side wins when local and remote edits collide
type ConflictStrategy string

const (
	LastWriterWins ConflictStrategy = "last_writer_wins"
	ServerWins     ConflictStrategy = "server_wins"
	ClientWins     ConflictStrategy = "client_wins"
)

// Valid reports whether s is a known strategy
func (s ConflictStrategy) Valid() bool {
	switch s {
	case LastWriterWins, ServerWins, ClientWins:
		return true
	}
	return false
}

// SyncRunStatus is the state of a sync pass
type SyncRunStatus string

const (
	RunRunning   SyncRunStatus = "running"
	RunSucceeded SyncRunStatus = "succeeded"
	RunFailed    SyncRunStatus = "failed"
)

// SyncRun is the persisted history row of one sync pass
type SyncRun struct {
	ID                string        `json:"id" db:"id"`
	StartedAt         time.Time     `json:"started_at" db:"started_at"`
	FinishedAt        *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	Duration          time.Duration `json:"duration" db:"duration_ms"`
	Pushed            int           `json:"pushed" db:"pushed"`
	Pulled            int           `json:"pulled" db:"pulled"`
	ConflictsResolved int           `json:"conflicts_resolved" db:"conflicts_resolved"`
	Failed            int           `json:"failed" db:"failed"`
	Status            SyncRunStatus `json:"status" db:"status"`
	Error             string        `json:"error,omitempty" db:"error"`
}

// SyncResult summarizes a finished sync pass
type SyncResult struct {
	RunID             string        `json:"run_id"`
	Pushed            int           `json:"pushed"`
	Pulled            int           `json:"pulled"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	Failed            int           `json:"failed"`
	Rejected          int           `json:"rejected"`
	Duration          time.Duration `json:"duration"`
	StartedAt         time.Time     `json:"started_at"`
	FinishedAt        time.Time     `json:"finished_at"`
	Err               string        `json:"error,omitempty"`
}

// Succeeded reports whether the pass completed without a transport or store error
func (r *SyncResult) Succeeded() bool {
	return r.Err == ""
}

// SyncStatistics is an on-demand snapshot of sync outcomes
type SyncStatistics struct {
	PendingCount      int           `json:"pending_count"`
	CompletedCount    int           `json:"completed_count"`
	FailedCount       int           `json:"failed_count"`
	LastSyncTime      *time.Time    `json:"last_sync_time"`
	ConflictsResolved int           `json:"conflicts_resolved"`
	AverageSyncTime   time.Duration `json:"average_sync_time"`
}

// SyncStatus describes the driver state at the moment of the call
type SyncStatus struct {
	Running    bool        `json:"running"`
	LastResult *SyncResult `json:"last_result,omitempty"`
}
