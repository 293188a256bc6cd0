package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/types"
)

func TestPatientDao_NotesEncryptedAtRest(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	p := newPatient()
	require.NoError(t, store.Patients.Create(ctx, p))
	assert.Equal(t, "Type 2 diabetes", p.Notes)

	var raw string
	require.NoError(t, store.DB().QueryRow(`SELECT notes FROM patients WHERE id = ?`, p.ID).Scan(&raw))
	assert.NotEmpty(t, raw)
	assert.NotContains(t, raw, "diabetes")

	item := queueFor(t, store, types.EntityPatient, p.ID)
	assert.NotContains(t, string(item.Payload), "diabetes")

	got, err := store.Patients.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Type 2 diabetes", got.Notes)
	assert.Equal(t, p.CreatedAt, got.CreatedAt)
}

func TestPatientDao_ListSearch(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	a := newPatient()
	b := newPatient()
	b.FirstName, b.LastName = "Brian", "Mutua"
	require.NoError(t, store.Patients.Create(ctx, a))
	require.NoError(t, store.Patients.Create(ctx, b))

	all, err := store.Patients.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Mutua", all[0].LastName)

	found, err := store.Patients.List(ctx, "otie", 0, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, a.ID, found[0].ID)

	paged, err := store.Patients.List(ctx, "", 1, 1)
	require.NoError(t, err)
	require.Len(t, paged, 1)
	assert.Equal(t, "Otieno", paged[0].LastName)
}

func TestPatientDao_ValidationAndNotFound(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	p := newPatient()
	p.FirstName = "  "
	err := store.Patients.Create(ctx, p)
	assert.True(t, types.IsValidation(err))

	counts, err := store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)

	_, err = store.Patients.Get(ctx, uuid.New().String())
	assert.True(t, types.IsNotFound(err))

	missing := newPatient()
	missing.ID = uuid.New().String()
	assert.True(t, types.IsNotFound(store.Patients.Update(ctx, missing)))
}

func TestReferralDao_StatusLifecycle(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	r := newReferral(uuid.New().String(), uuid.New().String())
	require.NoError(t, store.Referrals.Create(ctx, r))
	assert.Equal(t, types.ReferralDraft, r.Status)

	_, err := store.Referrals.UpdateStatus(ctx, r.ID, types.ReferralCompleted)
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeInvalidTransition, appErr.Code)

	for _, next := range []types.ReferralStatus{types.ReferralSent, types.ReferralAccepted} {
		updated, err := store.Referrals.UpdateStatus(ctx, r.ID, next)
		require.NoError(t, err)
		assert.Equal(t, next, updated.Status)
	}

	list, err := store.Referrals.List(ctx, types.ReferralFilters{Status: types.ReferralAccepted})
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = store.Referrals.List(ctx, types.ReferralFilters{PatientID: uuid.New().String()})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAppointmentDao_Overlapping(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	specialistID := uuid.New().String()
	start := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)

	a := &types.Appointment{
		ReferralID:   uuid.New().String(),
		PatientID:    uuid.New().String(),
		SpecialistID: specialistID,
		StartTime:    start,
		EndTime:      start.Add(30 * time.Minute),
	}
	require.NoError(t, store.Appointments.Create(ctx, a))
	assert.Equal(t, types.AppointmentScheduled, a.Status)

	busy, err := store.Appointments.Overlapping(ctx, specialistID, start.Add(15*time.Minute), start.Add(45*time.Minute))
	require.NoError(t, err)
	assert.Len(t, busy, 1)

	busy, err = store.Appointments.Overlapping(ctx, specialistID, start.Add(30*time.Minute), start.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, busy)

	upcoming, err := store.Appointments.ListUpcoming(ctx, start.Add(-time.Hour), start.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.True(t, upcoming[0].StartTime.Equal(start))
}

func TestCartDao_TotalAndClear(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	patientID := uuid.New().String()
	require.NoError(t, store.Cart.Add(ctx, &types.CartItem{PatientID: patientID, ServiceCode: "ECG", UnitPrice: 2500, Quantity: 2}))
	require.NoError(t, store.Cart.Add(ctx, &types.CartItem{PatientID: patientID, ServiceCode: "CONSULT", UnitPrice: 5000, Quantity: 1}))

	total, err := store.Cart.Total(ctx, patientID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), total)

	removed, err := store.Cart.Clear(ctx, patientID)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	total, err = store.Cart.Total(ctx, patientID)
	require.NoError(t, err)
	assert.Zero(t, total)

	// items never pushed cancel out of the queue entirely
	counts, err := store.Queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, counts.Pending)
}

func TestPaymentDao_UpdateStatus(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	p := &types.Payment{
		PatientID: uuid.New().String(),
		Amount:    7500,
		Currency:  "kes",
		Method:    types.PaymentCard,
	}
	require.NoError(t, store.Payments.Create(ctx, p))
	assert.Equal(t, types.PaymentPending, p.Status)
	assert.Equal(t, "KES", p.Currency)

	updated, err := store.Payments.UpdateStatus(ctx, p.ID, types.PaymentCompleted)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentCompleted, updated.Status)

	list, err := store.Payments.ListByPatient(ctx, p.PatientID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, types.PaymentCompleted, list[0].Status)

	_, err = store.Payments.UpdateStatus(ctx, p.ID, "lost")
	assert.True(t, types.IsValidation(err))
}
