package localstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/medrex/referral-sync/pkg/encryption"
	"github.com/medrex/referral-sync/pkg/logger"
	"github.com/medrex/referral-sync/pkg/types"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setupStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	enc, err := encryption.NewAESEncryption("test-device-key")
	require.NoError(t, err)

	store, err := Open(context.Background(), ":memory:", enc, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)
	return store, clock
}

func newPatient() *types.Patient {
	return &types.Patient{
		MRN:         "MRN-" + uuid.New().String()[:8],
		FirstName:   "Amina",
		LastName:    "Otieno",
		DateOfBirth: "1984-02-11",
		Gender:      "female",
		Phone:       "+254700000001",
		Notes:       "Type 2 diabetes",
	}
}

func newSpecialist() *types.Specialist {
	return &types.Specialist{
		Name:      "Dr. Kamau",
		Specialty: "cardiology",
		Facility:  "Kenyatta National Hospital",
		Available: true,
	}
}

func newReferral(patientID, specialistID string) *types.Referral {
	return &types.Referral{
		PatientID:       patientID,
		SpecialistID:    specialistID,
		ReferringDoctor: "Dr. Njeri",
		Reason:          "Abnormal ECG",
		Urgency:         types.UrgencyUrgent,
	}
}

func queueFor(t *testing.T, store *Store, entity types.EntityType, id string) *types.SyncItem {
	t.Helper()
	item, err := store.Queue.Unfinished(context.Background(), entity, id)
	require.NoError(t, err)
	return item
}
