package availability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
)

func newTestService(t *testing.T, now time.Time) (*Service, *appointment.MemoryRepository, ScheduleConfig) {
	t.Helper()
	cfg := ScheduleConfig{
		PracticeID:  uuid.New(),
		Location:    time.UTC,
		WorkingDays: StandardWeek(),
	}
	repo := appointment.NewMemoryRepository()
	svc := NewService(NewMemoryScheduleRepository(cfg), repo, 30*time.Minute)
	svc.now = func() time.Time { return now }
	return svc, repo, cfg
}

func TestServiceFreeSlotsSeesBookings(t *testing.T) {
	now := time.Date(2025, 3, 9, 12, 0, 0, 0, time.UTC)
	svc, repo, cfg := newTestService(t, now)
	ctx := context.Background()

	contact, err := repo.CreateContact(ctx, appointment.Contact{PracticeID: cfg.PracticeID, Phone: "+1555"})
	require.NoError(t, err)
	draft, err := repo.CreateDraft(ctx, appointment.Appointment{PracticeID: cfg.PracticeID, ContactID: contact.ID})
	require.NoError(t, err)
	slot := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	_, err = repo.ScheduleDraft(ctx, draft.ID, slot)
	require.NoError(t, err)

	free, err := svc.FreeSlots(ctx, cfg.PracticeID, monday, 0)
	require.NoError(t, err)
	// 08:00-12:00 and 13:00-18:00 in 30 minute steps, minus one booking
	assert.Len(t, free, 17)
	assert.False(t, Contains(free, slot))

	free, err = svc.FreeSlots(ctx, cfg.PracticeID, monday, draft.ID)
	require.NoError(t, err)
	assert.True(t, Contains(free, slot))
}

func TestServiceFreeSlotsSkipsStartedSlots(t *testing.T) {
	now := time.Date(2025, 3, 10, 16, 10, 0, 0, time.UTC)
	svc, _, cfg := newTestService(t, now)

	free, err := svc.FreeSlots(context.Background(), cfg.PracticeID, monday, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"16:30", "17:00", "17:30"}, clocks(free))
}

func TestServiceAvailableDates(t *testing.T) {
	now := time.Date(2025, 3, 8, 9, 0, 0, 0, time.UTC) // saturday
	svc, _, cfg := newTestService(t, now)
	ctx := context.Background()

	days, err := svc.AvailableDates(ctx, cfg.PracticeID, now, 7, 0)
	require.NoError(t, err)
	require.Len(t, days, 5)
	assert.Equal(t, time.Monday, days[0].Date.Weekday())
	assert.Equal(t, time.Friday, days[4].Date.Weekday())
	assert.Len(t, days[0].Slots, 18)
}

func TestServiceUnknownPractice(t *testing.T) {
	svc, _, _ := newTestService(t, time.Now())
	_, err := svc.FreeSlots(context.Background(), uuid.New(), monday, 0)
	assert.ErrorIs(t, err, ErrScheduleNotFound)
}
