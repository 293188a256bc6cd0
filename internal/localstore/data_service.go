package localstore

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

// DataService is the application facade over the local DAOs
type DataService struct {
	store       *Store
	specialists *lru.Cache[string, *types.Specialist]
	logger      *logger.Logger
}

// NewDataService creates a new data service. cacheSize bounds the specialist cache.
func NewDataService(store *Store, cacheSize int, log *logger.Logger) (*DataService, error) {
	if cacheSize <= 0 {
		cacheSize = 256
	}

	cache, err := lru.New[string, *types.Specialist](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create specialist cache: %w", err)
	}

	ds := &DataService{
		store:       store,
		specialists: cache,
		logger:      log,
	}

	store.OnRemoteApplied(func(entity types.EntityType, id string) {
		if entity == types.EntitySpecialist {
			ds.specialists.Remove(id)
		}
	})

	return ds, nil
}

// GetPatients returns patients matching search, all patients when search is empty
func (ds *DataService) GetPatients(ctx context.Context, search string) ([]*types.Patient, error) {
	return ds.store.Patients.List(ctx, search, 0, 0)
}

// RegisterPatient stores a new patient
func (ds *DataService) RegisterPatient(ctx context.Context, p *types.Patient) error {
	return ds.store.Patients.Create(ctx, p)
}

// GetSpecialist returns a specialist, served from cache when possible
func (ds *DataService) GetSpecialist(ctx context.Context, id string) (*types.Specialist, error) {
	if sp, ok := ds.specialists.Get(id); ok {
		copied := *sp
		return &copied, nil
	}

	sp, err := ds.store.Specialists.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	cached := *sp
	ds.specialists.Add(id, &cached)
	return sp, nil
}

// ListSpecialists returns available specialists, optionally of one specialty
func (ds *DataService) ListSpecialists(ctx context.Context, specialty string) ([]*types.Specialist, error) {
	return ds.store.Specialists.List(ctx, specialty, true)
}

// UpdateSpecialist stores changes to a specialist and drops its cache entry
func (ds *DataService) UpdateSpecialist(ctx context.Context, sp *types.Specialist) error {
	defer ds.specialists.Remove(sp.ID)
	return ds.store.Specialists.Update(ctx, sp)
}

// CreateReferral refers a known patient to an available specialist
func (ds *DataService) CreateReferral(ctx context.Context, r *types.Referral) (*types.Referral, error) {
	if _, err := ds.store.Patients.Get(ctx, r.PatientID); err != nil {
		return nil, err
	}

	sp, err := ds.GetSpecialist(ctx, r.SpecialistID)
	if err != nil {
		return nil, err
	}
	if !sp.Available {
		return nil, types.NewValidationError(
			types.ErrCodeInvalidInput,
			fmt.Sprintf("specialist %s is not accepting referrals", sp.Name),
			map[string]interface{}{"specialist_id": sp.ID},
		)
	}

	if err := ds.store.Referrals.Create(ctx, r); err != nil {
		return nil, err
	}

	ds.logger.WithComponent("data").WithFields(map[string]interface{}{
		"referral_id": r.ID,
		"urgency":     r.Urgency,
	}).Info("Referral created")
	return r, nil
}

// GetReferrals lists referrals matching filters
func (ds *DataService) GetReferrals(ctx context.Context, filters types.ReferralFilters) ([]*types.Referral, error) {
	return ds.store.Referrals.List(ctx, filters)
}

// UpdateReferralStatus moves a referral along its lifecycle
func (ds *DataService) UpdateReferralStatus(ctx context.Context, id string, status types.ReferralStatus) (*types.Referral, error) {
	return ds.store.Referrals.UpdateStatus(ctx, id, status)
}

// ScheduleAppointment books an appointment for an accepted referral and
// marks the referral scheduled. The specialist must be free for the slot.
func (ds *DataService) ScheduleAppointment(ctx context.Context, a *types.Appointment) (*types.Appointment, error) {
	ref, err := ds.store.Referrals.Get(ctx, a.ReferralID)
	if err != nil {
		return nil, err
	}
	if ref.Status != types.ReferralAccepted && ref.Status != types.ReferralScheduled {
		return nil, types.NewValidationError(
			types.ErrCodeInvalidTransition,
			fmt.Sprintf("referral in status %s cannot be scheduled", ref.Status),
			map[string]interface{}{"referral_id": ref.ID},
		)
	}

	a.PatientID = ref.PatientID
	a.SpecialistID = ref.SpecialistID

	busy, err := ds.store.Appointments.Overlapping(ctx, a.SpecialistID, a.StartTime, a.EndTime)
	if err != nil {
		return nil, err
	}
	if len(busy) > 0 {
		return nil, types.NewConflictError(
			"specialist already has an appointment in this slot",
			map[string]interface{}{"appointment_id": busy[0].ID},
		)
	}

	if err := ds.store.Appointments.Create(ctx, a); err != nil {
		return nil, err
	}

	if ref.Status != types.ReferralScheduled {
		if _, err := ds.store.Referrals.UpdateStatus(ctx, ref.ID, types.ReferralScheduled); err != nil {
			return nil, fmt.Errorf("failed to mark referral scheduled: %w", err)
		}
	}

	return a, nil
}

// RecordPayment stores a payment taken for a patient
func (ds *DataService) RecordPayment(ctx context.Context, p *types.Payment) (*types.Payment, error) {
	if _, err := ds.store.Patients.Get(ctx, p.PatientID); err != nil {
		return nil, err
	}
	if err := ds.store.Payments.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetCartItems returns the cart of a patient
func (ds *DataService) GetCartItems(ctx context.Context, patientID string) ([]*types.CartItem, error) {
	return ds.store.Cart.ListByPatient(ctx, patientID)
}

// AddToCart adds a billable service to a patient's cart
func (ds *DataService) AddToCart(ctx context.Context, item *types.CartItem) error {
	if item.Quantity == 0 {
		item.Quantity = 1
	}
	return ds.store.Cart.Add(ctx, item)
}

// CartTotal returns the total of a patient's cart in minor units
func (ds *DataService) CartTotal(ctx context.Context, patientID string) (int64, error) {
	return ds.store.Cart.Total(ctx, patientID)
}

// ClearCart empties a patient's cart
func (ds *DataService) ClearCart(ctx context.Context, patientID string) (int, error) {
	return ds.store.Cart.Clear(ctx, patientID)
}

// Checkout records a completed payment for the cart total and empties the cart
func (ds *DataService) Checkout(ctx context.Context, patientID string, method types.PaymentMethod, currency, reference string) (*types.Payment, error) {
	if _, err := ds.store.Patients.Get(ctx, patientID); err != nil {
		return nil, err
	}

	payment := &types.Payment{
		PatientID: patientID,
		Currency:  currency,
		Method:    method,
		Status:    types.PaymentCompleted,
		Reference: reference,
	}
	if _, err := ds.store.Cart.Checkout(ctx, payment); err != nil {
		return nil, err
	}
	return payment, nil
}
