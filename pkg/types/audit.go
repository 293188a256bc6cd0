package types

import "time"

// SecurityEventType categorizes security audit events
type SecurityEventType string

const (
	EventLogin            SecurityEventType = "login"
	EventLogout           SecurityEventType = "logout"
	EventFailedLogin      SecurityEventType = "failed_login"
	EventBiometricAuth    SecurityEventType = "biometric_auth"
	EventSync             SecurityEventType = "sync"
	EventDataAccess       SecurityEventType = "data_access"
	EventDataExport       SecurityEventType = "data_export"
	EventPermissionChange SecurityEventType = "permission_change"
)

// Severity ranks audit events
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityEvent is one entry in the security audit log
type SecurityEvent struct {
	ID          string                 `json:"id" db:"id"`
	Type        SecurityEventType      `json:"type" db:"event_type"`
	Severity    Severity               `json:"severity" db:"severity"`
	UserID      string                 `json:"user_id" db:"user_id"`
	DeviceID    string                 `json:"device_id" db:"device_id"`
	Action      string                 `json:"action" db:"action"`
	Resource    string                 `json:"resource" db:"resource"`
	Description string                 `json:"description" db:"description"`
	Success     bool                   `json:"success" db:"success"`
	Details     map[string]interface{} `json:"details,omitempty" db:"details"`
	Timestamp   time.Time              `json:"timestamp" db:"timestamp"`
	Signature   string                 `json:"signature,omitempty" db:"signature"`
}

// AuditFilter narrows an audit log listing. Zero values do not filter.
type AuditFilter struct {
	Type     SecurityEventType `json:"type,omitempty"`
	Severity Severity          `json:"severity,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	Since    time.Time         `json:"since,omitempty"`
	Until    time.Time         `json:"until,omitempty"`
	Success  *bool             `json:"success,omitempty"`
	Limit    int               `json:"limit,omitempty"`
}

// AuditSummary aggregates audit events over a window
type AuditSummary struct {
	Total      int                       `json:"total"`
	Failures   int                       `json:"failures"`
	ByType     map[SecurityEventType]int `json:"by_type"`
	BySeverity map[Severity]int          `json:"by_severity"`
	Since      time.Time                 `json:"since"`
}
