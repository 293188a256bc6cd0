package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/medrex/referral-sync/internal/auth"
	"github.com/medrex/referral-sync/pkg/interfaces"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/monitoring"
	"github.com/medrex/referral-sync/pkg/types"
	"github.com/medrex/referral-sync/pkg/validation"
)

const (
	defaultMaxPushBatch = 500
	defaultMaxPullPage  = 1000
	defaultPullPage     = 200
)

// Limits bounds the size of push and pull calls
type Limits struct {
	MaxPushBatch int
	MaxPullPage  int
}

// Service applies device pushes and serves pulls
type Service struct {
	changes   interfaces.ChangeRepository
	devices   interfaces.DeviceRepository
	tokens    *auth.TokenManager
	validator *validation.Validator
	metrics   *monitoring.MetricsCollector
	monitor   *monitoring.MonitoringMiddleware
	logger    *logger.Logger
	limits    Limits
	now       func() time.Time
}

// NewService creates the ingest service. metrics may be nil.
func NewService(
	changes interfaces.ChangeRepository,
	devices interfaces.DeviceRepository,
	tokens *auth.TokenManager,
	metrics *monitoring.MetricsCollector,
	limits Limits,
	log *logger.Logger,
) *Service {
	if limits.MaxPushBatch <= 0 {
		limits.MaxPushBatch = defaultMaxPushBatch
	}
	if limits.MaxPullPage <= 0 {
		limits.MaxPullPage = defaultMaxPullPage
	}
	return &Service{
		changes:   changes,
		devices:   devices,
		tokens:    tokens,
		validator: validation.New(),
		metrics:   metrics,
		logger:    log,
		limits:    limits,
		now:       time.Now,
	}
}

// SetMonitoring routes login attempts through the auth span and counter
func (s *Service) SetMonitoring(mm *monitoring.MonitoringMiddleware) {
	s.monitor = mm
}

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Login exchanges device credentials for an access token
func (s *Service) Login(ctx context.Context, creds *types.DeviceCredentials) (*types.AuthToken, error) {
	if err := s.validator.Struct(creds); err != nil {
		return nil, err
	}

	var device *types.Device
	check := func() error {
		d, err := s.devices.GetDevice(ctx, creds.DeviceID)
		if err != nil {
			if types.IsNotFound(err) {
				return errInvalidCredentials
			}
			return err
		}
		if !d.IsActive {
			return errInvalidCredentials
		}
		ok, err := auth.VerifySecret(d.SecretHash, creds.Secret)
		if err != nil {
			return err
		}
		if !ok {
			return errInvalidCredentials
		}
		device = d
		return nil
	}

	var err error
	if s.monitor != nil {
		err = s.monitor.AuthMiddleware("device_secret")(ctx, check)
	} else {
		err = check()
	}
	if err != nil {
		if errors.Is(err, types.ErrUnauthorized) {
			s.logger.Security("device_login_failed", creds.DeviceID, map[string]interface{}{
				"reason": err.Error(),
			})
		}
		return nil, err
	}

	token, err := s.tokens.Issue(types.DeviceClaims{
		DeviceID: device.ID,
		Facility: device.Facility,
	})
	if err != nil {
		return nil, types.NewInternalError(types.ErrCodeInternalError, "failed to issue token", err)
	}

	s.touch(ctx, device.ID)
	s.logger.WithDevice(device.ID).Info("Device logged in")
	return token, nil
}

var errInvalidCredentials = &types.AppError{
	Type:    types.ErrorTypeUnauthorized,
	Code:    types.ErrCodeUnauthorized,
	Message: "invalid device credentials",
	Cause:   types.ErrUnauthorized,
}

// RegisterDevice provisions a device and returns its generated secret.
// The secret is only ever returned here; the server keeps the bcrypt hash.
func (s *Service) RegisterDevice(ctx context.Context, id, name, facility string) (string, error) {
	if id == "" {
		id = uuid.New().String()
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		return "", err
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return "", err
	}

	device := &types.Device{
		ID:         id,
		Name:       name,
		Facility:   facility,
		SecretHash: hash,
		IsActive:   true,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.devices.CreateDevice(ctx, device); err != nil {
		return "", err
	}

	return secret, nil
}

// Push applies the changes of one device in order and returns one result per change.
// Changes that fail validation are rejected without touching the store.
func (s *Service) Push(ctx context.Context, deviceID string, req *types.PushRequest) (*types.PushResponse, error) {
	if len(req.Changes) > s.limits.MaxPushBatch {
		return nil, types.NewValidationError(
			types.ErrCodePayloadTooLarge,
			fmt.Sprintf("push carries %d changes, limit is %d", len(req.Changes), s.limits.MaxPushBatch),
			nil,
		)
	}
	if req.DeviceID != "" && req.DeviceID != deviceID {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "device_id does not match token", nil)
	}

	resp := &types.PushResponse{Results: make([]types.PushResult, 0, len(req.Changes))}
	for i := range req.Changes {
		change := &req.Changes[i]

		if err := s.prepare(change); err != nil {
			resp.Results = append(resp.Results, types.PushResult{
				EntityType: change.EntityType,
				EntityID:   change.EntityID,
				Outcome:    types.PushRejected,
				Message:    err.Error(),
			})
			s.countItems(types.PushRejected, 1)
			continue
		}

		result, err := s.changes.ApplyChange(ctx, deviceID, change)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, *result)
		s.countItems(result.Outcome, 1)
	}

	s.touch(ctx, deviceID)
	s.logger.WithContext(ctx).WithField("changes", len(req.Changes)).Debug("Push processed")
	return resp, nil
}

// prepare validates a change and replaces its payload with the sanitized record
func (s *Service) prepare(change *types.Change) error {
	if !change.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", change.EntityType)
	}
	if _, err := uuid.Parse(change.EntityID); err != nil {
		return fmt.Errorf("entity id %q is not a UUID", change.EntityID)
	}
	if change.UpdatedAt.IsZero() {
		return errors.New("updated_at is required")
	}

	switch change.Operation {
	case types.OpDelete:
		change.Payload = nil
		return nil
	case types.OpCreate, types.OpUpdate:
	default:
		return fmt.Errorf("unknown operation %q", change.Operation)
	}

	rec, err := s.validator.Payload(change.EntityType, change.Payload)
	if err != nil {
		return err
	}
	if rec.EntityID() != change.EntityID {
		return fmt.Errorf("payload id %q does not match entity id", rec.EntityID())
	}

	clean, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	change.Payload = clean
	return nil
}

// Pull returns one page of changes recorded after cursor by other devices
func (s *Service) Pull(ctx context.Context, deviceID string, cursor int64, limit int) (*types.PullResponse, error) {
	if cursor < 0 {
		return nil, types.NewValidationError(types.ErrCodeInvalidInput, "cursor must not be negative", nil)
	}
	if limit <= 0 {
		limit = defaultPullPage
	}
	if limit > s.limits.MaxPullPage {
		limit = s.limits.MaxPullPage
	}

	changes, err := s.changes.ChangesSince(ctx, deviceID, cursor, limit+1)
	if err != nil {
		return nil, err
	}

	resp := &types.PullResponse{NextCursor: cursor}
	if len(changes) > limit {
		changes = changes[:limit]
		resp.HasMore = true
	}
	if len(changes) > 0 {
		resp.NextCursor = changes[len(changes)-1].Seq
	}
	resp.Changes = changes

	if s.metrics != nil {
		s.metrics.RecordSyncItems("serve", "pulled", len(changes))
	}
	s.touch(ctx, deviceID)
	return resp, nil
}

func (s *Service) touch(ctx context.Context, deviceID string) {
	if err := s.devices.TouchDevice(ctx, deviceID, s.now()); err != nil {
		s.logger.WithDevice(deviceID).WithError(err).Warn("Failed to record device activity")
	}
}

func (s *Service) countItems(outcome types.PushOutcome, n int) {
	if s.metrics != nil {
		s.metrics.RecordSyncItems("ingest", string(outcome), n)
	}
}
