package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-assistant/internal/calendar"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentConfirmed = "APPOINTMENT_CONFIRMED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventTokenIssued          = "TOKEN_ISSUED"
	EventTokenReused          = "TOKEN_REUSED"
	EventTokensPurged         = "TOKENS_PURGED"
)

// pastShown is how many past appointments a listing carries.
const pastShown = 3

var (
	ErrNotCancellable          = errors.New("appointment cannot be cancelled in its current status")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
)

type Service struct {
	repo     Repository
	calendar calendar.Client
	logger   *logging.Logger
	now      func() time.Time
}

func NewService(repo Repository, cal calendar.Client, logger *logging.Logger) *Service {
	if cal == nil {
		cal = calendar.Noop{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		repo:     repo,
		calendar: cal,
		logger:   logger,
		now:      time.Now,
	}
}

// Repository exposes the store the service was built with.
func (s *Service) Repository() Repository {
	return s.repo
}

// ResolveContact returns the practice's contact for phone, creating it on first contact.
func (s *Service) ResolveContact(ctx context.Context, practiceID uuid.UUID, phone, name string) (*Contact, error) {
	c, err := s.repo.GetContactByPhone(ctx, practiceID, phone)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, ErrContactNotFound) {
		return nil, fmt.Errorf("load contact: %w", err)
	}
	c, err = s.repo.CreateContact(ctx, Contact{PracticeID: practiceID, Phone: phone, Name: name})
	if err != nil {
		return nil, fmt.Errorf("create contact: %w", err)
	}
	return c, nil
}

// ListForContact returns upcoming appointments ascending and the most recent
// past ones, also ascending. Drafts are never listed.
func (s *Service) ListForContact(ctx context.Context, contactID uuid.UUID) (Listing, error) {
	all, err := s.repo.ListByContact(ctx, contactID)
	if err != nil {
		return Listing{}, fmt.Errorf("list appointments: %w", err)
	}

	now := s.now()
	var listing Listing
	for _, a := range all {
		if a.Status == StatusDraft || !a.HasTime() {
			continue
		}
		if !a.ScheduledFor.Before(now) && a.Status.Cancellable() {
			listing.Upcoming = append(listing.Upcoming, a)
		} else if a.ScheduledFor.Before(now) {
			listing.Past = append(listing.Past, a)
		}
	}

	sortByTime(listing.Upcoming)
	sortByTime(listing.Past)
	if len(listing.Past) > pastShown {
		listing.Past = listing.Past[len(listing.Past)-pastShown:]
	}
	return listing, nil
}

// Cancellable lists the contact's future appointments a patient may cancel or reschedule.
func (s *Service) Cancellable(ctx context.Context, contactID uuid.UUID) ([]Appointment, error) {
	listing, err := s.ListForContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	return listing.Upcoming, nil
}

// Cancel removes a patient's appointment. The external calendar event is
// deleted on a best-effort basis; its failure never blocks the cancellation.
func (s *Service) Cancel(ctx context.Context, contactID uuid.UUID, id int64) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.ContactID != contactID {
		return nil, ErrAppointmentNotFound
	}
	if !appt.Status.Cancellable() {
		return nil, ErrNotCancellable
	}

	if appt.CalendarEventID != nil && *appt.CalendarEventID != "" {
		if err := s.calendar.DeleteEvent(ctx, contactID, *appt.CalendarEventID); err != nil {
			s.logger.Warn("calendar event not removed",
				"appointment_id", appt.ID,
				"event_id", *appt.CalendarEventID,
				"error", err,
			)
		}
	}

	if err := s.repo.DeleteAppointment(ctx, appt.ID); err != nil {
		return nil, fmt.Errorf("delete appointment: %w", err)
	}

	payload := map[string]any{
		"contact_id": contactID.String(),
		"status":     string(appt.Status),
	}
	if appt.ScheduledFor != nil {
		payload["scheduled_for"] = appt.ScheduledFor
	}
	RecordEvent(ctx, s.repo, s.logger, &appt.ID, EventAppointmentCancelled, payload)

	appt.Status = StatusCancelled
	return appt, nil
}

// Confirm moves a pending appointment to confirmed
func (s *Service) Confirm(ctx context.Context, id int64) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if appt.Status != StatusPending {
		return nil, ErrInvalidStatusTransition
	}

	updated, err := s.repo.UpdateStatus(ctx, appt.ID, StatusPending, StatusConfirmed)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// lost a race with another transition
			return nil, ErrInvalidStatusTransition
		}
		return nil, fmt.Errorf("confirm appointment: %w", err)
	}

	RecordEvent(ctx, s.repo, s.logger, &updated.ID, EventAppointmentConfirmed, map[string]any{})
	return updated, nil
}

// RecordEvent writes an event log entry. Failures are logged, never returned.
func RecordEvent(ctx context.Context, repo Repository, logger *logging.Logger, appointmentID *int64, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal event payload", "event_type", eventType, "error", err)
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     time.Now(),
	}

	if err := repo.InsertEvent(ctx, ev); err != nil {
		logger.Error("failed to insert event log", "event_type", eventType, "appointment_id", appointmentID, "error", err)
	}
}

func sortByTime(list []Appointment) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].ScheduledFor.Before(*list[j].ScheduledFor)
	})
}
