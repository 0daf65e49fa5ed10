package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
)

type WebhookResponse struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id,omitempty"`
	Reply          string `json:"reply,omitempty"`
	Sent           bool   `json:"sent"`
}

type AvailabilityResponse struct {
	Date           string   `json:"date"`
	AvailableTimes []string `json:"available_times"`
}

type AvailableDate struct {
	Date           string   `json:"date"`
	Weekday        string   `json:"weekday"`
	AvailableTimes []string `json:"available_times"`
}

type AvailableDatesResponse struct {
	Dates []AvailableDate `json:"dates"`
}

type BookRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type AppointmentResponse struct {
	ID              int64      `json:"id"`
	Status          string     `json:"status"`
	AppointmentType string     `json:"appointment_type,omitempty"`
	PatientName     string     `json:"patient_name,omitempty"`
	ScheduledFor    *time.Time `json:"scheduled_for,omitempty"`
	Date            string     `json:"date,omitempty"`
	Time            string     `json:"time,omitempty"`
}

type ConversationStatusRequest struct {
	Status string `json:"status"`
}

type ConversationResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Step   string `json:"step"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment, loc *time.Location) AppointmentResponse {
	resp := AppointmentResponse{
		ID:              a.ID,
		Status:          string(a.Status),
		AppointmentType: a.AppointmentType,
		PatientName:     a.PatientName,
		ScheduledFor:    a.ScheduledFor,
	}
	if a.ScheduledFor != nil {
		local := a.ScheduledFor.In(loc)
		resp.Date = local.Format("2006-01-02")
		resp.Time = local.Format("15:04")
	}
	return resp
}

func toConversationResponse(c *conversation.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:     c.ID.String(),
		Status: string(c.Status),
		Step:   string(c.Step),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
