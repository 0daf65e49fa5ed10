package appointment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-scheduling-assistant/internal/calendar"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

type fakeCalendar struct {
	deleteErr error
	deleted   []string
}

func (f *fakeCalendar) CreateEvent(context.Context, uuid.UUID, calendar.Event) (string, error) {
	return "evt", nil
}

func (f *fakeCalendar) DeleteEvent(_ context.Context, _ uuid.UUID, id string) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

type fixture struct {
	repo    *MemoryRepository
	cal     *fakeCalendar
	svc     *Service
	contact *Contact
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := NewMemoryRepository()
	cal := &fakeCalendar{}
	svc := NewService(repo, cal, logging.Discard())
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	c, err := repo.CreateContact(context.Background(), Contact{PracticeID: uuid.New(), Phone: "+5511999990000", Name: "Jane Doe"})
	require.NoError(t, err)
	return &fixture{repo: repo, cal: cal, svc: svc, contact: c, now: now}
}

// book creates an appointment at offset from now and moves it to status.
func (f *fixture) book(t *testing.T, offset time.Duration, status Status) *Appointment {
	t.Helper()
	ctx := context.Background()
	a, err := f.repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID, AppointmentType: "private", PatientName: "Jane Doe"})
	require.NoError(t, err)
	a, err = f.repo.ScheduleDraft(ctx, a.ID, f.now.Add(offset))
	require.NoError(t, err)
	if status != StatusPending {
		a, err = f.repo.UpdateStatus(ctx, a.ID, StatusPending, status)
		require.NoError(t, err)
	}
	return a
}

func TestListForContactSplitsUpcomingAndPast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID})
	require.NoError(t, err)

	later := f.book(t, 72*time.Hour, StatusPending)
	sooner := f.book(t, 24*time.Hour, StatusConfirmed)
	for i := 1; i <= 5; i++ {
		f.book(t, -time.Duration(i)*24*time.Hour, StatusCompleted)
	}

	listing, err := f.svc.ListForContact(ctx, f.contact.ID)
	require.NoError(t, err)

	require.Len(t, listing.Upcoming, 2)
	assert.Equal(t, sooner.ID, listing.Upcoming[0].ID)
	assert.Equal(t, later.ID, listing.Upcoming[1].ID)

	require.Len(t, listing.Past, 3)
	assert.Equal(t, f.now.Add(-72*time.Hour), *listing.Past[0].ScheduledFor)
	assert.Equal(t, f.now.Add(-24*time.Hour), *listing.Past[2].ScheduledFor)
}

func TestCancelRemovesAppointmentAndCalendarEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, 24*time.Hour, StatusConfirmed)
	require.NoError(t, f.repo.SetCalendarEventID(ctx, a.ID, "evt-7"))

	cancelled, err := f.svc.Cancel(ctx, f.contact.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{"evt-7"}, f.cal.deleted)

	_, err = f.repo.GetAppointmentByID(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	events := f.repo.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, EventAppointmentCancelled, events[len(events)-1].EventType)
}

func TestCancelSurvivesCalendarFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cal.deleteErr = calendar.ErrCalendarFailure
	a := f.book(t, 24*time.Hour, StatusPending)
	require.NoError(t, f.repo.SetCalendarEventID(ctx, a.ID, "evt-8"))

	_, err := f.svc.Cancel(ctx, f.contact.ID, a.ID)
	require.NoError(t, err)

	_, err = f.repo.GetAppointmentByID(ctx, a.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestCancelRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	draft, err := f.repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID})
	require.NoError(t, err)
	done := f.book(t, -24*time.Hour, StatusCompleted)
	mine := f.book(t, 24*time.Hour, StatusPending)

	tests := []struct {
		name      string
		contactID uuid.UUID
		id        int64
		want      error
	}{
		{"draft", f.contact.ID, draft.ID, ErrNotCancellable},
		{"completed", f.contact.ID, done.ID, ErrNotCancellable},
		{"someone else's", uuid.New(), mine.ID, ErrAppointmentNotFound},
		{"unknown", f.contact.ID, 9999, ErrAppointmentNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Cancel(ctx, tt.contactID, tt.id)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	_, err = f.repo.GetAppointmentByID(ctx, mine.ID)
	assert.NoError(t, err)
}

func TestConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.book(t, 24*time.Hour, StatusPending)

	confirmed, err := f.svc.Confirm(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	_, err = f.svc.Confirm(ctx, a.ID)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = f.svc.Confirm(ctx, 12345)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestResolveContactCreatesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	practice := uuid.New()

	first, err := f.svc.ResolveContact(ctx, practice, "+5511888880000", "John")
	require.NoError(t, err)
	second, err := f.svc.ResolveContact(ctx, practice, "+5511888880000", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "John", second.Name)
}

func TestMemoryInTxRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := f.repo.InTx(ctx, func(repo Repository) error {
		_, err := repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID})
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	all, err := f.repo.ListByContact(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestMemoryInTxKeepsWritesMadeOutsideIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	booked := f.book(t, 48*time.Hour, StatusPending)
	boom := errors.New("boom")

	inside := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.repo.InTx(ctx, func(repo Repository) error {
			draft, err := repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID})
			if err != nil {
				return err
			}
			if _, err := repo.ScheduleDraft(ctx, draft.ID, f.now.Add(72*time.Hour)); err != nil {
				return err
			}
			close(inside)
			<-release
			return boom
		})
	}()
	<-inside

	other, err := f.repo.CreateContact(ctx, Contact{PracticeID: f.contact.PracticeID, Phone: "+5511988887777", Name: "John Roe"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, f.contact.ID, booked.ID)
	require.NoError(t, err)

	close(release)
	require.ErrorIs(t, <-done, boom)

	_, err = f.repo.GetContactByID(ctx, other.ID)
	assert.NoError(t, err, "contact created outside the failed transaction survives")
	_, err = f.repo.GetAppointmentByID(ctx, booked.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound, "cancellation outside the failed transaction stays applied")

	all, err := f.repo.ListByContact(ctx, f.contact.ID)
	require.NoError(t, err)
	assert.Empty(t, all, "writes made through the transaction are undone")
	assert.NotEmpty(t, f.repo.Events(), "cancel event is kept")
}

func TestMemoryScheduleDraftRejectsTakenSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	taken := f.book(t, 24*time.Hour, StatusConfirmed)

	draft, err := f.repo.CreateDraft(ctx, Appointment{PracticeID: f.contact.PracticeID, ContactID: f.contact.ID})
	require.NoError(t, err)
	_, err = f.repo.ScheduleDraft(ctx, draft.ID, *taken.ScheduledFor)
	assert.ErrorIs(t, err, ErrSlotTaken)
}
