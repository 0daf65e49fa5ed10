package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/hackgods/clinic-scheduling-assistant/internal/secretary"
)

const classifySystem = `You classify messages sent to a medical practice's WhatsApp assistant.
Answer with exactly one word from this list:
SCHEDULE - the patient wants to book a new appointment
QUERY - the patient wants to see their appointments
CANCEL - the patient wants to cancel an appointment
RESCHEDULE - the patient wants to move an appointment to another date or time
HUMAN - the patient asks to talk to a person
OTHER - anything else`

const extractSystem = `You extract booking data from a conversation with a medical practice.
Return a JSON object {"appointment_type": "...", "full_name": "..."}.
appointment_type is "private" or "insurance". full_name is the patient's full name.
Use null for anything the patient has not said.`

const generateSystem = `You are the WhatsApp assistant of a medical practice. Answer briefly and kindly.
Never invent booking links, dates or appointment details. Offer to schedule when it helps.`

func historyMessages(history []secretary.Exchange, msg string) []Message {
	out := make([]Message, 0, len(history)*2+1)
	for _, ex := range history {
		out = append(out, Message{Role: RoleUser, Content: ex.Inbound})
		if ex.Reply != "" {
			out = append(out, Message{Role: RoleAssistant, Content: ex.Reply})
		}
	}
	return append(out, Message{Role: RoleUser, Content: msg})
}

// IntentClassifier implements secretary.Classifier.
type IntentClassifier struct {
	client Client
}

func NewIntentClassifier(client Client) *IntentClassifier {
	return &IntentClassifier{client: client}
}

func (c *IntentClassifier) Classify(ctx context.Context, history []secretary.Exchange, msg string) (secretary.Intent, error) {
	out, err := c.client.Complete(ctx, Request{
		System:      []string{classifySystem},
		Messages:    historyMessages(history, msg),
		MaxTokens:   8,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	if call, ok := out.(ToolCallCompletion); ok {
		return secretary.ParseIntent(call.Name), nil
	}
	text, err := ExtractText(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	return secretary.ParseIntent(text), nil
}

// ScheduleExtractor implements secretary.Extractor.
type ScheduleExtractor struct {
	client Client
}

func NewScheduleExtractor(client Client) *ScheduleExtractor {
	return &ScheduleExtractor{client: client}
}

type scheduleFields struct {
	AppointmentType *string `json:"appointment_type"`
	FullName        *string `json:"full_name"`
}

func (e *ScheduleExtractor) ExtractScheduleData(ctx context.Context, history []secretary.Exchange, msg string) (secretary.ScheduleData, error) {
	out, err := e.client.Complete(ctx, Request{
		System:      []string{extractSystem},
		Messages:    historyMessages(history, msg),
		MaxTokens:   128,
		Temperature: 0,
		JSON:        true,
	})
	if err != nil {
		return secretary.ScheduleData{}, fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	var fields scheduleFields
	if err := ExtractJSON(out, &fields); err != nil {
		return secretary.ScheduleData{}, fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	return secretary.ScheduleData{
		AppointmentType: clean(fields.AppointmentType),
		FullName:        clean(fields.FullName),
	}, nil
}

func clean(v *string) string {
	if v == nil {
		return ""
	}
	s := strings.TrimSpace(*v)
	if strings.EqualFold(s, "null") {
		return ""
	}
	return s
}

// ResponseGenerator implements secretary.Generator.
type ResponseGenerator struct {
	client Client
}

func NewResponseGenerator(client Client) *ResponseGenerator {
	return &ResponseGenerator{client: client}
}

func (g *ResponseGenerator) Generate(ctx context.Context, req secretary.GenerateRequest) (string, error) {
	system := []string{generateSystem}
	if req.PatientName != "" {
		system = append(system, "The patient's name is "+req.PatientName+".")
	}
	out, err := g.client.Complete(ctx, Request{
		System:      system,
		Messages:    historyMessages(req.History, req.Message),
		MaxTokens:   512,
		Temperature: 0.4,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	text, err := ExtractText(out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", secretary.ErrClassifierUnavailable, err)
	}
	return text, nil
}
