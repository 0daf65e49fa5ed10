// Package availability computes the free slots of a practice for a date.
//
// FreeSlots is pure: given the schedule configuration and the bookings of
// the day it always returns the same answer. Slots are half-open, so a slot
// ending at 10:00 and one starting at 10:00 never conflict.
package availability

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
)

const DefaultSlotDuration = 30 * time.Minute

// TimeOfDay is a wall-clock time in minutes since midnight.
type TimeOfDay int

func NewTimeOfDay(hour, minute int) TimeOfDay {
	return TimeOfDay(hour*60 + minute)
}

// ParseTimeOfDay reads "HH:MM".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return NewTimeOfDay(t.Hour(), t.Minute()), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On returns the instant t on date's calendar day in loc.
func (t TimeOfDay) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, loc)
}

type WorkingDay struct {
	Weekday    time.Weekday
	Active     bool
	Start      TimeOfDay
	End        TimeOfDay
	LunchStart *TimeOfDay
	LunchEnd   *TimeOfDay
}

type BlockedDay struct {
	Date   time.Time // only the calendar day is significant
	Reason string
}

type ScheduleConfig struct {
	PracticeID   uuid.UUID
	SlotDuration time.Duration
	Location     *time.Location
	WorkingDays  []WorkingDay
	BlockedDays  []BlockedDay
}

// Booking is an appointment as seen by the engine.
type Booking struct {
	AppointmentID int64
	Start         time.Time
	Status        appointment.Status
}

func BookingFrom(a appointment.Appointment) (Booking, bool) {
	if !a.HasTime() {
		return Booking{}, false
	}
	return Booking{AppointmentID: a.ID, Start: *a.ScheduledFor, Status: a.Status}, true
}

type Slot struct {
	Start time.Time
	End   time.Time
}

// Clock renders the slot start as HH:MM in its own location.
func (s Slot) Clock() string {
	return s.Start.Format("15:04")
}

type window struct {
	start, end TimeOfDay
}

// FreeSlots lists the bookable slots of date in chronological order.
// Bookings whose ID equals excludeID are ignored. An unavailable day yields
// an empty list, never an error.
func FreeSlots(cfg ScheduleConfig, date time.Time, booked []Booking, excludeID int64) []Slot {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	dur := cfg.SlotDuration
	if dur <= 0 {
		dur = DefaultSlotDuration
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	if cfg.isBlocked(day) {
		return []Slot{}
	}
	wd, ok := cfg.workingDay(day.Weekday())
	if !ok || !wd.Active {
		return []Slot{}
	}

	slots := []Slot{}
	for _, w := range wd.windows() {
		start := w.start.On(day, loc)
		end := w.end.On(day, loc)
		for s := start; !s.Add(dur).After(end); s = s.Add(dur) {
			if occupied(s, dur, booked, excludeID) {
				continue
			}
			slots = append(slots, Slot{Start: s, End: s.Add(dur)})
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
	return slots
}

// Contains reports whether a slot starting exactly at t is in slots.
func Contains(slots []Slot, t time.Time) bool {
	for _, s := range slots {
		if s.Start.Equal(t) {
			return true
		}
	}
	return false
}

func (cfg ScheduleConfig) isBlocked(day time.Time) bool {
	y, m, d := day.Date()
	for _, b := range cfg.BlockedDays {
		by, bm, bd := b.Date.Date()
		if by == y && bm == m && bd == d {
			return true
		}
	}
	return false
}

func (cfg ScheduleConfig) workingDay(wd time.Weekday) (WorkingDay, bool) {
	for _, d := range cfg.WorkingDays {
		if d.Weekday == wd {
			return d, true
		}
	}
	return WorkingDay{}, false
}

// windows returns the open intervals of the day with the lunch break removed.
func (wd WorkingDay) windows() []window {
	if wd.End <= wd.Start {
		return nil
	}
	full := window{wd.Start, wd.End}
	if wd.LunchStart == nil || wd.LunchEnd == nil || *wd.LunchEnd <= *wd.LunchStart {
		return []window{full}
	}
	ls, le := *wd.LunchStart, *wd.LunchEnd

	switch {
	case le <= full.start || ls >= full.end:
		// lunch outside working hours
		return []window{full}
	case ls <= full.start && le >= full.end:
		return nil
	case ls <= full.start:
		return []window{{le, full.end}}
	case le >= full.end:
		return []window{{full.start, ls}}
	default:
		return []window{{full.start, ls}, {le, full.end}}
	}
}

func occupied(start time.Time, dur time.Duration, booked []Booking, excludeID int64) bool {
	for _, b := range booked {
		if excludeID != 0 && b.AppointmentID == excludeID {
			continue
		}
		if !holdsSlot(b.Status) {
			continue
		}
		// a booking covers slot starts in [b.Start, b.Start+dur)
		if !start.Before(b.Start) && start.Before(b.Start.Add(dur)) {
			return true
		}
	}
	return false
}

func holdsSlot(s appointment.Status) bool {
	switch s {
	case appointment.StatusConfirmed, appointment.StatusPending, appointment.StatusDraft:
		return true
	default:
		return false
	}
}
