package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrContactNotFound     = errors.New("contact not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTokenNotFound       = errors.New("booking token not found")
	ErrSlotTaken           = errors.New("slot already taken")
)

// Repository contains all DB interactions needed by the appointment,
// booking and availability services.
type Repository interface {
	// Contacts
	GetContactByID(ctx context.Context, id uuid.UUID) (*Contact, error)
	GetContactByPhone(ctx context.Context, practiceID uuid.UUID, phone string) (*Contact, error)
	CreateContact(ctx context.Context, c Contact) (*Contact, error)
	// LockContact takes a row lock on the contact; only meaningful inside InTx.
	LockContact(ctx context.Context, id uuid.UUID) error

	// Appointments
	GetAppointmentByID(ctx context.Context, id int64) (*Appointment, error)
	ListByContact(ctx context.Context, contactID uuid.UUID) ([]Appointment, error)
	ListBookedBetween(ctx context.Context, practiceID uuid.UUID, from, to time.Time) ([]Appointment, error)
	CreateDraft(ctx context.Context, a Appointment) (*Appointment, error)
	// ScheduleDraft sets the time of a draft and moves it to pending.
	// Returns ErrSlotTaken when another live appointment holds the time.
	ScheduleDraft(ctx context.Context, id int64, at time.Time) (*Appointment, error)
	UpdateStatus(ctx context.Context, id int64, from, to Status) (*Appointment, error)
	SetCalendarEventID(ctx context.Context, id int64, eventID string) error
	DeleteAppointment(ctx context.Context, id int64) error

	// Booking tokens
	CreateToken(ctx context.Context, t BookingToken) (*BookingToken, error)
	GetTokenByValue(ctx context.Context, token string) (*BookingToken, error)
	// FindValidToken returns the contact's unused, unexpired token whose appointment is still a draft.
	FindValidToken(ctx context.Context, contactID uuid.UUID, now time.Time) (*BookingToken, error)
	// ConsumeToken flips used=false to true; false when nothing changed.
	ConsumeToken(ctx context.Context, token string) (bool, error)
	// DeleteStaleDrafts removes draft appointments whose token is used or
	// expired, together with those tokens. A nil contactID sweeps every contact.
	DeleteStaleDrafts(ctx context.Context, contactID *uuid.UUID, now time.Time) (int64, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error

	// InTx runs fn against a repository bound to a single transaction.
	InTx(ctx context.Context, fn func(repo Repository) error) error
}
