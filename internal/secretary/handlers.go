package secretary

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
)

const (
	TypePrivate   = "private"
	TypeInsurance = "insurance"
)

var appointmentTypes = map[string]string{
	"private":    TypePrivate,
	"particular": TypePrivate,
	"insurance":  TypeInsurance,
	"convênio":   TypeInsurance,
	"convenio":   TypeInsurance,
	"plan":       TypeInsurance,
}

// NormalizeAppointmentType maps what a patient or the extractor said to
// private or insurance, or "" when it is neither.
func NormalizeAppointmentType(s string) string {
	return appointmentTypes[strings.ToLower(strings.TrimSpace(s))]
}

func validFullName(s string) bool {
	return len(strings.TrimSpace(s)) > 3
}

func (r *Router) transferHuman(ctx context.Context, st *TurnState) (Reply, error) {
	if _, err := conversation.Transition(ctx, r.d.Conversations, st.Conversation.ID, conversation.StatusHuman); err != nil {
		return Reply{}, fmt.Errorf("hand off to human: %w", err)
	}
	st.Conversation.Step = conversation.StepNone
	return Reply{Terminal: true}, nil
}

func (r *Router) validateScheduleData(ctx context.Context, st *TurnState) (Reply, error) {
	data, err := r.d.Extractor.ExtractScheduleData(ctx, st.History, st.Message)
	if err != nil {
		return Reply{}, err
	}
	if t := NormalizeAppointmentType(data.AppointmentType); t != "" {
		st.Conversation.AppointmentType = t
	}
	if validFullName(data.FullName) {
		st.Conversation.PatientName = strings.TrimSpace(data.FullName)
	}

	if st.Conversation.AppointmentType != "" && st.Conversation.PatientName != "" {
		return Reply{Next: RouteGenerateLink}, nil
	}
	return Reply{Next: RouteRequestMissingData}, nil
}

func (r *Router) requestMissingData(_ context.Context, st *TurnState) (Reply, error) {
	st.Conversation.Step = conversation.StepAwaitingScheduleData
	hasType := st.Conversation.AppointmentType != ""
	hasName := st.Conversation.PatientName != ""

	var text string
	switch {
	case !hasType && !hasName:
		text = "I'd be glad to book your appointment. Please tell me the patient's full name and whether the visit is private or through insurance."
	case !hasName:
		text = "Thanks! What is the patient's full name?"
	default:
		text = fmt.Sprintf("Thanks, %s! Will the visit be private or through insurance?", st.Conversation.PatientName)
	}
	return Reply{Text: text}, nil
}

func (r *Router) generateLink(ctx context.Context, st *TurnState) (Reply, error) {
	tok, err := r.d.Tokens.IssueOrReuse(ctx, st.Contact, booking.DraftDetails{
		AppointmentType: st.Conversation.AppointmentType,
		PatientName:     st.Conversation.PatientName,
	})
	if err != nil {
		if errors.Is(err, booking.ErrTokenVerification) {
			return Reply{Text: linkErrorText}, nil
		}
		return Reply{}, fmt.Errorf("issue booking link: %w", err)
	}
	st.Conversation.Step = conversation.StepNone

	text := fmt.Sprintf("All set!\n\nPatient: %s\nType: %s\n\nPick the day and time that suit you best here:\n%s\n\nThe link is valid until %s.",
		st.Conversation.PatientName,
		st.Conversation.AppointmentType,
		r.d.Tokens.URL(tok.Token),
		r.formatTime(tok.ExpiresAt),
	)
	return Reply{Text: text}, nil
}

func (r *Router) query(ctx context.Context, st *TurnState) (Reply, error) {
	listing, err := r.d.Appointments.ListForContact(ctx, st.Contact.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("list appointments: %w", err)
	}
	return Reply{Text: r.formatListing(listing)}, nil
}

func (r *Router) cancelList(ctx context.Context, st *TurnState) (Reply, error) {
	return r.listForAction(ctx, st, conversation.StepAwaitingCancelID,
		"You have no appointments that can be cancelled.",
		"Reply with the ID of the appointment you want to cancel.")
}

func (r *Router) rescheduleList(ctx context.Context, st *TurnState) (Reply, error) {
	return r.listForAction(ctx, st, conversation.StepAwaitingRescheduleID,
		"You have no appointments that can be rescheduled.",
		"Reply with the ID of the appointment you want to reschedule.")
}

func (r *Router) listForAction(ctx context.Context, st *TurnState, step conversation.Step, none, prompt string) (Reply, error) {
	appts, err := r.d.Appointments.Cancellable(ctx, st.Contact.ID)
	if err != nil {
		return Reply{}, fmt.Errorf("list cancellable appointments: %w", err)
	}
	if len(appts) == 0 {
		st.Conversation.Step = conversation.StepNone
		return Reply{Text: none}, nil
	}
	st.Conversation.Step = step
	return Reply{Text: r.formatList("Your upcoming appointments:", appts) + "\n\n" + prompt}, nil
}

func (r *Router) cancelConfirm(ctx context.Context, st *TurnState) (Reply, error) {
	id, ok := FirstInt(st.Message)
	if !ok {
		return Reply{Text: askIDText}, nil
	}
	appt, err := r.d.Appointments.Cancel(ctx, st.Contact.ID, id)
	if reply, handled := r.appointmentError(st, id, err); handled {
		return reply, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("cancel appointment %d: %w", id, err)
	}
	st.Conversation.Step = conversation.StepNone
	return Reply{Text: fmt.Sprintf("Appointment #%d on %s has been cancelled.", appt.ID, r.formatTime(*appt.ScheduledFor))}, nil
}

func (r *Router) rescheduleConfirm(ctx context.Context, st *TurnState) (Reply, error) {
	id, ok := FirstInt(st.Message)
	if !ok {
		return Reply{Text: askIDText}, nil
	}
	tok, err := r.d.Scheduler.Reschedule(ctx, st.Contact, id)
	if reply, handled := r.appointmentError(st, id, err); handled {
		return reply, nil
	}
	if err != nil {
		if errors.Is(err, booking.ErrTokenVerification) {
			st.Conversation.Step = conversation.StepNone
			return Reply{Text: linkErrorText}, nil
		}
		return Reply{}, fmt.Errorf("reschedule appointment %d: %w", id, err)
	}
	st.Conversation.Step = conversation.StepNone
	text := fmt.Sprintf("Appointment #%d was cancelled. Choose a new day and time here:\n%s\n\nThe link is valid until %s.",
		id, r.d.Tokens.URL(tok.Token), r.formatTime(tok.ExpiresAt))
	return Reply{Text: text}, nil
}

// appointmentError turns appointment state errors into patient-facing text.
func (r *Router) appointmentError(st *TurnState, id int64, err error) (Reply, bool) {
	switch {
	case err == nil:
		return Reply{}, false
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return Reply{Text: fmt.Sprintf("I couldn't find appointment #%d among yours. Please check the ID and send it again.", id)}, true
	case errors.Is(err, appointment.ErrNotCancellable):
		st.Conversation.Step = conversation.StepNone
		return Reply{Text: fmt.Sprintf("Appointment #%d can no longer be changed. Ask to talk to our team if you need help.", id)}, true
	default:
		return Reply{}, false
	}
}

func (r *Router) freeConversation(ctx context.Context, st *TurnState) (Reply, error) {
	text, err := r.d.Generator.Generate(ctx, GenerateRequest{
		History:     st.History,
		Message:     st.Message,
		PatientName: st.Conversation.PatientName,
	})
	if err != nil {
		if !errors.Is(err, ErrClassifierUnavailable) {
			err = fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
		}
		return Reply{}, err
	}
	return Reply{Text: text}, nil
}

const (
	askIDText     = "Please reply with just the appointment ID number."
	linkErrorText = "Sorry, I couldn't generate your booking link right now. Please try again in a few minutes."
)
