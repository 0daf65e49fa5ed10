package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/calendar"
	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.booking")

// PublicDays is how far ahead the public page offers dates.
const PublicDays = 30

var (
	ErrSlotNoLongerAvailable = errors.New("slot no longer available")
	ErrInvalidSelection      = errors.New("invalid date or time")
)

// Notifier tells the patient their booking went through.
type Notifier interface {
	BookingConfirmed(ctx context.Context, contact appointment.Contact, appt appointment.Appointment) error
}

type Scheduler struct {
	tokens       *TokenService
	availability *availability.Service
	appointments *appointment.Service
	repo         appointment.Repository
	calendar     calendar.Client
	notifier     Notifier
	locker       redisclient.Locker
	lockWait     time.Duration
	logger       *logging.Logger
	metrics      *metrics.SchedulingMetrics
	now          func() time.Time
}

type SchedulerDeps struct {
	Tokens       *TokenService
	Availability *availability.Service
	Appointments *appointment.Service
	Calendar     calendar.Client
	Notifier     Notifier
	Locker       redisclient.Locker
	LockWait     time.Duration
	Logger       *logging.Logger
	Metrics      *metrics.SchedulingMetrics
}

func NewScheduler(d SchedulerDeps) *Scheduler {
	if d.Calendar == nil {
		d.Calendar = calendar.Noop{}
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.LockWait <= 0 {
		d.LockWait = 10 * time.Second
	}
	return &Scheduler{
		tokens:       d.Tokens,
		availability: d.Availability,
		appointments: d.Appointments,
		repo:         d.Appointments.Repository(),
		calendar:     d.Calendar,
		notifier:     d.Notifier,
		locker:       d.Locker,
		lockWait:     d.LockWait,
		logger:       d.Logger,
		metrics:      d.Metrics,
		now:          time.Now,
	}
}

// Availability lists free times of date for the token's practice. The
// token's own draft never blocks a slot.
func (s *Scheduler) Availability(ctx context.Context, token, date string) ([]availability.Slot, error) {
	appt, _, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	cfg, err := s.availability.Schedule(ctx, appt.PracticeID)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation("2006-01-02", date, cfg.Location)
	if err != nil {
		return nil, ErrInvalidSelection
	}
	return s.availability.FreeSlots(ctx, appt.PracticeID, day, appt.ID)
}

// AvailableDates lists the upcoming days with at least one free time.
func (s *Scheduler) AvailableDates(ctx context.Context, token string) ([]availability.DaySlots, error) {
	appt, _, err := s.tokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.availability.AvailableDates(ctx, appt.PracticeID, s.now(), PublicDays, appt.ID)
}

// CommitPublicBooking books date/clock for the token's draft. The free-slot
// check and the write happen under the slot lock; the partial unique index on
// live appointments catches anything that slips past it. On
// ErrSlotNoLongerAvailable the token stays unused.
func (s *Scheduler) CommitPublicBooking(ctx context.Context, token, date, clock string) (_ *appointment.Appointment, err error) {
	ctx, span := tracer.Start(ctx, "booking.commit")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("booking.date", date), attribute.String("booking.time", clock))

	appt, tok, err := s.tokens.Validate(ctx, token)
	if err != nil {
		s.metrics.ObserveBooking("token_rejected")
		return nil, err
	}

	cfg, err := s.availability.Schedule(ctx, appt.PracticeID)
	if err != nil {
		return nil, err
	}
	day, err := time.ParseInLocation("2006-01-02", date, cfg.Location)
	if err != nil {
		return nil, ErrInvalidSelection
	}
	tod, err := availability.ParseTimeOfDay(clock)
	if err != nil {
		return nil, ErrInvalidSelection
	}
	at := tod.On(day, cfg.Location)

	var booked *appointment.Appointment
	err = s.locker.WithLockWait(ctx, redisclient.SlotKey(appt.PracticeID, at), s.lockWait, func(lockCtx context.Context) error {
		free, err := s.availability.FreeSlots(lockCtx, appt.PracticeID, day, appt.ID)
		if err != nil {
			return fmt.Errorf("recheck availability: %w", err)
		}
		if !availability.Contains(free, at) {
			return ErrSlotNoLongerAvailable
		}

		return s.repo.InTx(lockCtx, func(tx appointment.Repository) error {
			scheduled, err := tx.ScheduleDraft(lockCtx, appt.ID, at)
			switch {
			case errors.Is(err, appointment.ErrSlotTaken):
				return ErrSlotNoLongerAvailable
			case errors.Is(err, appointment.ErrAppointmentNotFound):
				// the draft was committed by a concurrent request with the same link
				return ErrTokenAlreadyUsed
			case err != nil:
				return fmt.Errorf("schedule appointment: %w", err)
			}

			if err := s.tokens.Consume(lockCtx, tx, tok.Token); err != nil {
				return err
			}
			booked = scheduled
			return nil
		})
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrSlotNoLongerAvailable), errors.Is(err, redisclient.ErrLockNotAcquired):
			s.metrics.ObserveBooking("slot_taken")
			return nil, ErrSlotNoLongerAvailable
		case errors.Is(err, ErrTokenAlreadyUsed):
			s.metrics.ObserveBooking("token_rejected")
			return nil, err
		default:
			s.metrics.ObserveBooking("error")
			return nil, err
		}
	}

	appointment.RecordEvent(ctx, s.repo, s.logger, &booked.ID, appointment.EventAppointmentBooked, map[string]any{
		"contact_id":    booked.ContactID.String(),
		"scheduled_for": at,
	})
	s.metrics.ObserveBooking("booked")

	s.afterCommit(ctx, booked, cfg.SlotDuration)
	return booked, nil
}

// afterCommit mirrors the booking to the calendar and notifies the patient.
// Neither step can undo the booking.
func (s *Scheduler) afterCommit(ctx context.Context, appt *appointment.Appointment, dur time.Duration) {
	log := s.logger.With("appointment_id", appt.ID)

	contact, err := s.repo.GetContactByID(ctx, appt.ContactID)
	if err != nil {
		log.Warn("contact lookup after booking failed", "error", err)
		return
	}

	name := appt.PatientName
	if name == "" {
		name = contact.Name
	}
	eventID, err := s.calendar.CreateEvent(ctx, contact.ID, calendar.Event{
		Summary:       fmt.Sprintf("Consultation - %s", name),
		Description:   fmt.Sprintf("Type: %s\nPhone: %s", appt.AppointmentType, contact.Phone),
		Start:         *appt.ScheduledFor,
		End:           appt.ScheduledFor.Add(dur),
		AppointmentID: appt.ID,
	})
	switch {
	case err != nil:
		log.Warn("calendar event not created", "error", err)
	case eventID != "":
		if err := s.repo.SetCalendarEventID(ctx, appt.ID, eventID); err != nil {
			log.Warn("calendar event id not stored", "event_id", eventID, "error", err)
		} else {
			appt.CalendarEventID = &eventID
		}
	}

	if s.notifier != nil {
		if err := s.notifier.BookingConfirmed(ctx, *contact, *appt); err != nil {
			log.Warn("booking confirmation not delivered", "error", err)
		}
	}
}

// Reschedule cancels the appointment and hands out a link for a new time,
// carrying over the type and patient name.
func (s *Scheduler) Reschedule(ctx context.Context, contact appointment.Contact, appointmentID int64) (*appointment.BookingToken, error) {
	cancelled, err := s.appointments.Cancel(ctx, contact.ID, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.tokens.IssueOrReuse(ctx, contact, DraftDetails{
		AppointmentType: cancelled.AppointmentType,
		PatientName:     cancelled.PatientName,
	})
}
