package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Cancellable reports whether a patient may cancel an appointment in this status.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusConfirmed:
		return true
	default:
		return false
	}
}

type Contact struct {
	ID         uuid.UUID
	PracticeID uuid.UUID
	Phone      string
	Name       string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Appointment IDs are small integers so patients can type them in chat.
// A draft never has a time; every other status does.
type Appointment struct {
	ID              int64
	PracticeID      uuid.UUID
	ContactID       uuid.UUID
	ScheduledFor    *time.Time
	Status          Status
	AppointmentType string
	PatientName     string
	CalendarEventID *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (a Appointment) HasTime() bool {
	return a.ScheduledFor != nil
}

// Occupies reports whether the appointment holds its slot.
func (a Appointment) Occupies() bool {
	if !a.HasTime() {
		return false
	}
	switch a.Status {
	case StatusPending, StatusConfirmed, StatusDraft:
		return true
	default:
		return false
	}
}

// BookingToken binds one self-scheduling link to one draft appointment.
type BookingToken struct {
	ID            uuid.UUID
	AppointmentID int64
	ContactID     uuid.UUID
	Token         string
	ExpiresAt     time.Time
	Used          bool
	CreatedAt     time.Time
}

// Valid reports whether the token can still be redeemed at now.
func (t BookingToken) Valid(now time.Time) bool {
	return !t.Used && t.ExpiresAt.After(now)
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *int64
	Payload       []byte
	CreatedAt     time.Time
}

// Listing is what a patient sees when asking about their appointments.
type Listing struct {
	Upcoming []Appointment
	Past     []Appointment
}
