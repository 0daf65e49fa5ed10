package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

// eventsAPI is the slice of the Google Calendar events service we use.
type eventsAPI interface {
	Insert(ctx context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error)
	Delete(ctx context.Context, calendarID, eventID string) error
}

type googleEvents struct {
	svc *gcal.Service
}

func (g googleEvents) Insert(ctx context.Context, calendarID string, ev *gcal.Event) (*gcal.Event, error) {
	return g.svc.Events.Insert(calendarID, ev).Context(ctx).Do()
}

func (g googleEvents) Delete(ctx context.Context, calendarID, eventID string) error {
	return g.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
}

type GoogleClient struct {
	events      eventsAPI
	calendarID  string
	timeout     time.Duration
	maxAttempts int
	logger      *logging.Logger
}

type GoogleConfig struct {
	CalendarID      string
	CredentialsFile string
	Timeout         time.Duration
	MaxAttempts     int
}

func NewGoogleClient(ctx context.Context, cfg GoogleConfig, logger *logging.Logger) (*GoogleClient, error) {
	svc, err := gcal.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(gcal.CalendarEventsScope))
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return newGoogleClient(googleEvents{svc: svc}, cfg, logger), nil
}

func newGoogleClient(events eventsAPI, cfg GoogleConfig, logger *logging.Logger) *GoogleClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &GoogleClient{
		events:      events,
		calendarID:  cfg.CalendarID,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		logger:      logger,
	}
}

func (c *GoogleClient) CreateEvent(ctx context.Context, contactID uuid.UUID, ev Event) (string, error) {
	body := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Start.Location().String()},
		End:         &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.End.Location().String()},
		ExtendedProperties: &gcal.EventExtendedProperties{
			Private: map[string]string{
				"contact_id":     contactID.String(),
				"appointment_id": strconv.FormatInt(ev.AppointmentID, 10),
			},
		},
	}

	var created *gcal.Event
	err := c.retry(ctx, "create", func(attemptCtx context.Context) error {
		var err error
		created, err = c.events.Insert(attemptCtx, c.calendarID, body)
		return err
	})
	if err != nil {
		return "", err
	}
	return created.Id, nil
}

func (c *GoogleClient) DeleteEvent(ctx context.Context, contactID uuid.UUID, externalID string) error {
	err := c.retry(ctx, "delete", func(attemptCtx context.Context) error {
		err := c.events.Delete(attemptCtx, c.calendarID, externalID)
		if isGone(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("calendar delete failed", "contact_id", contactID, "event_id", externalID, "error", err)
	}
	return err
}

// retry runs fn up to maxAttempts times, each bounded by the per-attempt timeout.
func (c *GoogleClient) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		lastErr = fn(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(lastErr) {
			break
		}
		c.logger.Debug("calendar call failed, retrying", "op", op, "attempt", attempt, "error", lastErr)
	}
	return fmt.Errorf("%w: %s: %v", ErrCalendarFailure, op, lastErr)
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}
