package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/availability"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/internal/whatsapp"
)

const maxWebhookBody = 1 << 20

func whatsappWebhookHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		in, err := whatsapp.ParseInbound(body)
		if errors.Is(err, whatsapp.ErrIgnored) {
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_payload", err.Error())
			return
		}

		ctx := r.Context()
		logger := cfg.Logger.With("request_id", GetRequestID(ctx), "from", in.From)

		if in.FromMe && cfg.Echoes != nil {
			seen, err := cfg.Echoes.Seen(ctx, in.From, in.Text)
			if err != nil {
				logger.Warn("echo lookup failed", "error", err)
			}
			if seen {
				writeJSON(w, http.StatusOK, WebhookResponse{Status: "ignored"})
				return
			}
		}

		contact, err := cfg.Appointments.ResolveContact(ctx, cfg.PracticeID, in.From, in.PushName)
		if err != nil {
			logger.Error("failed to resolve contact", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "could not resolve contact")
			return
		}
		conv, err := cfg.Conversations.Open(ctx, conversation.Conversation{
			PracticeID: cfg.PracticeID,
			ContactID:  contact.ID,
			FromNumber: in.From,
			ToNumber:   in.To,
		})
		if err != nil {
			logger.Error("failed to open conversation", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "could not open conversation")
			return
		}

		// someone at the practice answered from its own phone
		if in.FromMe {
			updated, err := conversation.Transition(ctx, cfg.Conversations, conv.ID, conversation.StatusHuman)
			if err != nil {
				handleConversationError(w, err)
				return
			}
			logger.Info("conversation taken over by practice", "conversation_id", conv.ID)
			writeJSON(w, http.StatusOK, WebhookResponse{Status: "handed_off", ConversationID: updated.ID.String()})
			return
		}

		out, err := cfg.Secretary.ProcessTurn(ctx, conv.ID, in.Text)
		if err != nil {
			logger.Error("turn failed", "conversation_id", conv.ID, "route", out.Route, "error", err)
			handleTurnError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, WebhookResponse{
			Status:         "processed",
			ConversationID: conv.ID.String(),
			Reply:          out.Text,
			Sent:           out.Sent,
		})
	}
}

func availabilityHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := chi.URLParam(r, "token")
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, http.StatusBadRequest, "invalid_selection", "date is required (YYYY-MM-DD)")
			return
		}

		slots, err := cfg.Booking.Availability(r.Context(), token, date)
		if err != nil {
			handleBookingError(w, cfg, err)
			return
		}

		writeJSON(w, http.StatusOK, AvailabilityResponse{Date: date, AvailableTimes: clocks(slots)})
	}
}

func availableDatesHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days, err := cfg.Booking.AvailableDates(r.Context(), chi.URLParam(r, "token"))
		if err != nil {
			handleBookingError(w, cfg, err)
			return
		}

		resp := AvailableDatesResponse{Dates: make([]AvailableDate, 0, len(days))}
		for _, d := range days {
			resp.Dates = append(resp.Dates, AvailableDate{
				Date:           d.Date.Format("2006-01-02"),
				Weekday:        d.Date.Weekday().String(),
				AvailableTimes: clocks(d.Slots),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bookHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Date == "" || req.Time == "" {
			writeError(w, http.StatusBadRequest, "invalid_selection", "date and time are required")
			return
		}

		appt, err := cfg.Booking.CommitPublicBooking(r.Context(), chi.URLParam(r, "token"), req.Date, req.Time)
		if err != nil {
			handleBookingError(w, cfg, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt, cfg.Location))
	}
}

func confirmAppointmentHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a positive integer")
			return
		}

		appt, err := cfg.Appointments.Confirm(r.Context(), id)
		if err != nil {
			handleConfirmError(w, err)
			return
		}
		cfg.Logger.Info("appointment confirmed", "appointment_id", id, "admin", adminSubject(r.Context()))

		writeJSON(w, http.StatusOK, toAppointmentResponse(appt, cfg.Location))
	}
}

func conversationStatusHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_conversation_id", "id must be a valid UUID")
			return
		}
		var req ConversationStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		to := conversation.Status(req.Status)
		if !to.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", "status must be ai, human or closed")
			return
		}

		conv, err := conversation.Transition(r.Context(), cfg.Conversations, id, to)
		if err != nil {
			handleConversationError(w, err)
			return
		}
		cfg.Logger.Info("conversation status set", "conversation_id", id, "status", to, "admin", adminSubject(r.Context()))

		writeJSON(w, http.StatusOK, toConversationResponse(conv))
	}
}

func clocks(slots []availability.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Clock())
	}
	return out
}

func handleBookingError(w http.ResponseWriter, cfg RouterConfig, err error) {
	switch {
	case errors.Is(err, booking.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, "token_invalid", "this booking link is not valid")
	case errors.Is(err, booking.ErrTokenExpired):
		writeError(w, http.StatusGone, "token_expired", "this booking link has expired, ask for a new one on WhatsApp")
	case errors.Is(err, booking.ErrTokenAlreadyUsed):
		writeError(w, http.StatusConflict, "token_used", "this booking link was already used")
	case errors.Is(err, booking.ErrSlotNoLongerAvailable):
		writeError(w, http.StatusConflict, "slot_no_longer_available", "that time was just taken, please pick another")
	case errors.Is(err, booking.ErrInvalidSelection):
		writeError(w, http.StatusBadRequest, "invalid_selection", err.Error())
	case errors.Is(err, availability.ErrScheduleNotFound):
		writeError(w, http.StatusServiceUnavailable, "schedule_unavailable", "the practice has no schedule configured")
	default:
		cfg.Logger.Error("public booking failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}

func handleTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "conversation_busy", "another message of this conversation is being processed")
	case errors.Is(err, conversation.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "turn_failed", "")
	}
}

func handleConfirmError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidStatusTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func handleConversationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversation.ErrConversationNotFound):
		writeError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, conversation.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_status_transition", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
