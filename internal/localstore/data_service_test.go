package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

func setupDataService(t *testing.T) (*DataService, *Store) {
	t.Helper()
	store, _ := setupStore(t)

	ds, err := NewDataService(store, 8, logger.Discard())
	require.NoError(t, err)
	return ds, store
}

func TestDataService_CreateReferral(t *testing.T) {
	ds, _ := setupDataService(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, ds.RegisterPatient(ctx, p))

	sp := newSpecialist()
	require.NoError(t, ds.store.Specialists.Create(ctx, sp))

	ref, err := ds.CreateReferral(ctx, newReferral(p.ID, sp.ID))
	require.NoError(t, err)
	assert.Equal(t, types.ReferralDraft, ref.Status)

	list, err := ds.GetReferrals(ctx, types.ReferralFilters{PatientID: p.ID})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	patients, err := ds.GetPatients(ctx, "")
	require.NoError(t, err)
	assert.Len(t, patients, 1)
}

func TestDataService_CreateReferralChecksSpecialist(t *testing.T) {
	ds, _ := setupDataService(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, ds.RegisterPatient(ctx, p))

	sp := newSpecialist()
	sp.Available = false
	require.NoError(t, ds.store.Specialists.Create(ctx, sp))

	_, err := ds.CreateReferral(ctx, newReferral(p.ID, sp.ID))
	assert.True(t, types.IsValidation(err))

	_, err = ds.CreateReferral(ctx, newReferral(p.ID, p.ID))
	assert.True(t, types.IsNotFound(err))
}

func TestDataService_SpecialistCacheInvalidation(t *testing.T) {
	ds, store := setupDataService(t)
	ctx := context.Background()

	sp := newSpecialist()
	require.NoError(t, store.Specialists.Create(ctx, sp))

	got, err := ds.GetSpecialist(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kenyatta National Hospital", got.Facility)
	assert.True(t, ds.specialists.Contains(sp.ID))

	// mutating the returned copy leaves the cache alone
	got.Facility = "scratch"
	cached, err := ds.GetSpecialist(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Kenyatta National Hospital", cached.Facility)

	cached.Facility = "Coast General"
	require.NoError(t, ds.UpdateSpecialist(ctx, cached))
	assert.False(t, ds.specialists.Contains(sp.ID))

	_, err = ds.GetSpecialist(ctx, sp.ID)
	require.NoError(t, err)

	theirs := *cached
	theirs.Facility = "Nakuru Level 5"
	require.NoError(t, store.ApplyRemote(ctx, remoteSpecialist(t, &theirs, 9)))
	assert.False(t, ds.specialists.Contains(sp.ID))

	fresh, err := ds.GetSpecialist(ctx, sp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nakuru Level 5", fresh.Facility)
}

func TestDataService_ScheduleAppointment(t *testing.T) {
	ds, _ := setupDataService(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, ds.RegisterPatient(ctx, p))
	sp := newSpecialist()
	require.NoError(t, ds.store.Specialists.Create(ctx, sp))
	ref, err := ds.CreateReferral(ctx, newReferral(p.ID, sp.ID))
	require.NoError(t, err)

	start := time.Date(2026, 5, 10, 10, 0, 0, 0, time.UTC)
	appt := &types.Appointment{ReferralID: ref.ID, StartTime: start, EndTime: start.Add(time.Hour)}

	_, err = ds.ScheduleAppointment(ctx, appt)
	require.Error(t, err, "draft referrals cannot be scheduled")

	for _, next := range []types.ReferralStatus{types.ReferralSent, types.ReferralAccepted} {
		_, err := ds.UpdateReferralStatus(ctx, ref.ID, next)
		require.NoError(t, err)
	}

	booked, err := ds.ScheduleAppointment(ctx, appt)
	require.NoError(t, err)
	assert.Equal(t, p.ID, booked.PatientID)
	assert.Equal(t, sp.ID, booked.SpecialistID)

	updated, err := ds.store.Referrals.Get(ctx, ref.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ReferralScheduled, updated.Status)

	clash := &types.Appointment{ReferralID: ref.ID, StartTime: start.Add(30 * time.Minute), EndTime: start.Add(90 * time.Minute)}
	_, err = ds.ScheduleAppointment(ctx, clash)
	assert.Equal(t, types.ErrorTypeConflict, types.ErrorTypeOf(err))
}

func TestDataService_CartCheckout(t *testing.T) {
	ds, _ := setupDataService(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, ds.RegisterPatient(ctx, p))

	_, err := ds.Checkout(ctx, p.ID, types.PaymentMpesa, "KES", "QX12")
	assert.True(t, types.IsValidation(err))

	require.NoError(t, ds.AddToCart(ctx, &types.CartItem{PatientID: p.ID, ServiceCode: "ECHO", UnitPrice: 12000}))
	require.NoError(t, ds.AddToCart(ctx, &types.CartItem{PatientID: p.ID, ServiceCode: "LAB", UnitPrice: 1500, Quantity: 3}))

	items, err := ds.GetCartItems(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	total, err := ds.CartTotal(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(16500), total)

	payment, err := ds.Checkout(ctx, p.ID, types.PaymentMpesa, "KES", "QX12")
	require.NoError(t, err)
	assert.Equal(t, int64(16500), payment.Amount)
	assert.Equal(t, types.PaymentCompleted, payment.Status)

	items, err = ds.GetCartItems(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestDataService_CheckoutRollsBackOnPaymentFailure(t *testing.T) {
	ds, store := setupDataService(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, ds.RegisterPatient(ctx, p))

	item := &types.CartItem{PatientID: p.ID, ServiceCode: "ECHO", UnitPrice: 12000}
	require.NoError(t, ds.AddToCart(ctx, item))

	// the cart is emptied before the payment is validated
	_, err := ds.Checkout(ctx, p.ID, types.PaymentMpesa, "KESX", "QX12")
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	items, err := ds.GetCartItems(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	payments, err := store.Payments.ListByPatient(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, payments)

	queued := queueFor(t, store, types.EntityCartItem, item.ID)
	require.NotNil(t, queued)
	assert.Equal(t, types.OpCreate, queued.Operation)
}
