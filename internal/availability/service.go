package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
)

// BookingSource lists appointments holding a time in [from, to).
type BookingSource interface {
	ListBookedBetween(ctx context.Context, practiceID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error)
}

type Service struct {
	schedules    ScheduleRepository
	bookings     BookingSource
	slotDuration time.Duration
	now          func() time.Time
}

// NewService builds the availability service. slotDuration is used when the
// stored schedule carries none.
func NewService(schedules ScheduleRepository, bookings BookingSource, slotDuration time.Duration) *Service {
	if slotDuration <= 0 {
		slotDuration = DefaultSlotDuration
	}
	return &Service{
		schedules:    schedules,
		bookings:     bookings,
		slotDuration: slotDuration,
		now:          time.Now,
	}
}

// Schedule returns the practice schedule with defaults applied.
func (s *Service) Schedule(ctx context.Context, practiceID uuid.UUID) (ScheduleConfig, error) {
	cfg, err := s.schedules.LoadSchedule(ctx, practiceID)
	if err != nil {
		return ScheduleConfig{}, err
	}
	if cfg.SlotDuration <= 0 {
		cfg.SlotDuration = s.slotDuration
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return cfg, nil
}

// FreeSlots returns the free slots of date for the practice. Slots that have
// already started are left out.
func (s *Service) FreeSlots(ctx context.Context, practiceID uuid.UUID, date time.Time, excludeID int64) ([]Slot, error) {
	cfg, err := s.Schedule(ctx, practiceID)
	if err != nil {
		return nil, err
	}
	return s.freeSlots(ctx, cfg, date, excludeID)
}

// AvailableDates lists the days in [from, from+days) with at least one free slot.
func (s *Service) AvailableDates(ctx context.Context, practiceID uuid.UUID, from time.Time, days int, excludeID int64) ([]DaySlots, error) {
	cfg, err := s.Schedule(ctx, practiceID)
	if err != nil {
		return nil, err
	}

	start := from.In(cfg.Location)
	var out []DaySlots
	for i := 0; i < days; i++ {
		day := start.AddDate(0, 0, i)
		slots, err := s.freeSlots(ctx, cfg, day, excludeID)
		if err != nil {
			return nil, err
		}
		if len(slots) > 0 {
			out = append(out, DaySlots{Date: dayStart(day, cfg.Location), Slots: slots})
		}
	}
	return out, nil
}

// DaySlots is one day with its free slots.
type DaySlots struct {
	Date  time.Time
	Slots []Slot
}

func (s *Service) freeSlots(ctx context.Context, cfg ScheduleConfig, date time.Time, excludeID int64) ([]Slot, error) {
	from := dayStart(date, cfg.Location)
	to := from.AddDate(0, 0, 1)

	appts, err := s.bookings.ListBookedBetween(ctx, cfg.PracticeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load bookings: %w", err)
	}

	booked := make([]Booking, 0, len(appts))
	for _, a := range appts {
		if b, ok := BookingFrom(a); ok {
			booked = append(booked, b)
		}
	}

	slots := FreeSlots(cfg, from, booked, excludeID)

	now := s.now()
	upcoming := slots[:0]
	for _, sl := range slots {
		if sl.Start.After(now) {
			upcoming = append(upcoming, sl)
		}
	}
	return upcoming, nil
}

func dayStart(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
