package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/secretary"
)

// BookingNotifier tells the patient on WhatsApp that a self-scheduled
// appointment went through.
type BookingNotifier struct {
	sender   secretary.Sender
	location *time.Location
}

func NewBookingNotifier(sender secretary.Sender, loc *time.Location) *BookingNotifier {
	if loc == nil {
		loc = time.UTC
	}
	return &BookingNotifier{sender: sender, location: loc}
}

func (n *BookingNotifier) BookingConfirmed(ctx context.Context, contact appointment.Contact, appt appointment.Appointment) error {
	if !appt.HasTime() {
		return fmt.Errorf("whatsapp: appointment %d has no time", appt.ID)
	}
	return n.sender.Send(ctx, contact.Phone, ConfirmationText(appt, n.location))
}

func ConfirmationText(appt appointment.Appointment, loc *time.Location) string {
	at := appt.ScheduledFor.In(loc)
	name := appt.PatientName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, your appointment is booked for %s at %s (ID %d). Reply here if you need to cancel or reschedule.",
		name, at.Format("Mon 02/01/2006"), at.Format("15:04"), appt.ID)
}
