// Package audit keeps the on-device security audit log.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/pkg/database"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
)

const createSecurityEventsTable = `
	CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL DEFAULT '',
		resource TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		details TEXT NOT NULL DEFAULT '{}',
		timestamp INTEGER NOT NULL,
		signature TEXT NOT NULL
	);`

const createSecurityEventsIndex = `
	CREATE INDEX IF NOT EXISTS idx_security_events_timestamp ON security_events(timestamp);`

const eventColumns = `id, event_type, severity, user_id, device_id, action, resource, description,
	success, details, timestamp, signature`

// Service persists security events and mirrors them to the audit log channel
type Service struct {
	db       *database.DB
	logger   *logger.Logger
	metrics  *monitoring.MetricsCollector
	deviceID string
	key      []byte
	now      func() time.Time
}

// NewService creates the audit service over the agent's SQLite database.
// Events are signed with an HMAC-SHA256 keyed by signingKey.
func NewService(ctx context.Context, db *database.DB, deviceID string, signingKey []byte, log *logger.Logger) (*Service, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("audit signing key is required")
	}

	for _, stmt := range []string{createSecurityEventsTable, createSecurityEventsIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to migrate audit log: %w", err)
		}
	}

	return &Service{
		db:       db,
		logger:   log,
		deviceID: deviceID,
		key:      signingKey,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetMetrics attaches a Prometheus collector
func (s *Service) SetMetrics(m *monitoring.MetricsCollector) {
	s.metrics = m
}

// SetClock overrides the time source
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Record stores a security event. Missing ID, timestamp, severity and device are filled in.
func (s *Service) Record(ctx context.Context, event *types.SecurityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if event.Severity == "" {
		event.Severity = severityFor(event)
	}
	if event.DeviceID == "" {
		event.DeviceID = s.deviceID
	}
	if event.Details == nil {
		event.Details = map[string]interface{}{}
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	event.Signature = s.sign(event, details)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO security_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.Severity, event.UserID, event.DeviceID, event.Action,
		event.Resource, event.Description, event.Success, string(details),
		event.Timestamp.UnixNano(), event.Signature,
	)
	if err != nil {
		return fmt.Errorf("failed to store audit event: %w", err)
	}

	s.logger.Audit(event.UserID, event.Action, event.Resource, event.Success, event.Details)
	if event.Severity == types.SeverityCritical {
		s.logger.Security(string(event.Type), event.DeviceID, event.Details)
	}
	if s.metrics != nil {
		s.metrics.RecordAuditEvent(string(event.Type), event.Success)
	}
	return nil
}

// LogEvent records an audit event from a service. Actions starting with
// "sync" are sync events; everything else is data access.
func (s *Service) LogEvent(userID, action, resourceID string, success bool, data map[string]interface{}) error {
	eventType := types.EventDataAccess
	if strings.HasPrefix(action, "sync") {
		eventType = types.EventSync
	}

	return s.Record(context.Background(), &types.SecurityEvent{
		Type:     eventType,
		UserID:   userID,
		Action:   action,
		Resource: resourceID,
		Success:  success,
		Details:  data,
	})
}

// List returns events matching filter, newest first
func (s *Service) List(ctx context.Context, filter types.AuditFilter) ([]*types.SecurityEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		where = append(where, "timestamp < ?")
		args = append(args, filter.Until.UnixNano())
	}
	if filter.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *filter.Success)
	}

	query := `SELECT ` + eventColumns + ` FROM security_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	events := []*types.SecurityEvent{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Summary aggregates the events recorded since the given time
func (s *Service) Summary(ctx context.Context, since time.Time) (*types.AuditSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, severity, success, COUNT(*) FROM security_events
		 WHERE timestamp >= ? GROUP BY event_type, severity, success`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize audit log: %w", err)
	}
	defer rows.Close()

	summary := &types.AuditSummary{
		ByType:     map[types.SecurityEventType]int{},
		BySeverity: map[types.Severity]int{},
		Since:      since,
	}
	for rows.Next() {
		var (
			eventType types.SecurityEventType
			severity  types.Severity
			success   bool
			n         int
		)
		if err := rows.Scan(&eventType, &severity, &success, &n); err != nil {
			return nil, fmt.Errorf("failed to scan audit summary: %w", err)
		}
		summary.Total += n
		summary.ByType[eventType] += n
		summary.BySeverity[severity] += n
		if !success {
			summary.Failures += n
		}
	}
	return summary, rows.Err()
}

// Verify reports whether a stored event still matches its signature
func (s *Service) Verify(ctx context.Context, id string) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM security_events WHERE id = ?`, id)
	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return false, types.ErrNotFound
	}
	if err != nil {
		return false, err
	}

	details, err := json.Marshal(event.Details)
	if err != nil {
		return false, fmt.Errorf("failed to encode audit details: %w", err)
	}
	return hmac.Equal([]byte(s.sign(event, details)), []byte(event.Signature)), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row scanner) (*types.SecurityEvent, error) {
	var (
		event   types.SecurityEvent
		details string
		ts      int64
	)
	err := row.Scan(&event.ID, &event.Type, &event.Severity, &event.UserID, &event.DeviceID,
		&event.Action, &event.Resource, &event.Description, &event.Success, &details, &ts, &event.Signature)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
		return nil, fmt.Errorf("failed to decode audit details: %w", err)
	}
	event.Timestamp = time.Unix(0, ts).UTC()
	return &event, nil
}

// sign computes the HMAC of the fields of an event that must not change after it was written
func (s *Service) sign(event *types.SecurityEvent, details []byte) string {
	input := strings.Join([]string{
		event.ID,
		string(event.Type),
		string(event.Severity),
		event.UserID,
		event.DeviceID,
		event.Action,
		event.Resource,
		event.Description,
		fmt.Sprintf("%t", event.Success),
		string(details),
		fmt.Sprintf("%d", event.Timestamp.UnixNano()),
	}, "|")
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}

func severityFor(event *types.SecurityEvent) types.Severity {
	switch {
	case event.Type == types.EventPermissionChange || event.Type == types.EventDataExport:
		return types.SeverityWarning
	case event.Type == types.EventFailedLogin:
		return types.SeverityWarning
	case !event.Success:
		return types.SeverityWarning
	default:
		return types.SeverityInfo
	}
}
