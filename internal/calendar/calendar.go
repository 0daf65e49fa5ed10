// Package calendar mirrors booked appointments into an external calendar.
// Failures here are reported with ErrCalendarFailure and never abort the
// local change that triggered them.
package calendar

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrCalendarFailure = errors.New("calendar provider failure")

type Event struct {
	Summary     string
	Description string
	Start       time.Time
	End         time.Time
	// AppointmentID is stored on the event so it can be traced back.
	AppointmentID int64
}

type Client interface {
	CreateEvent(ctx context.Context, contactID uuid.UUID, ev Event) (string, error)
	DeleteEvent(ctx context.Context, contactID uuid.UUID, externalID string) error
}

// Noop is used when no calendar is configured.
type Noop struct{}

func (Noop) CreateEvent(context.Context, uuid.UUID, Event) (string, error) { return "", nil }

func (Noop) DeleteEvent(context.Context, uuid.UUID, string) error { return nil }
