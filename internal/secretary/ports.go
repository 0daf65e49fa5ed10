package secretary

import (
	"context"
	"errors"
	"strings"
)

type Intent string

const (
	IntentHuman      Intent = "HUMAN"
	IntentSchedule   Intent = "SCHEDULE"
	IntentQuery      Intent = "QUERY"
	IntentCancel     Intent = "CANCEL"
	IntentReschedule Intent = "RESCHEDULE"
	IntentOther      Intent = "OTHER"
)

var intentAliases = map[string]Intent{
	"HUMAN":      IntentHuman,
	"HUMANO":     IntentHuman,
	"SCHEDULE":   IntentSchedule,
	"AGENDAR":    IntentSchedule,
	"QUERY":      IntentQuery,
	"CONSULTAR":  IntentQuery,
	"CANCEL":     IntentCancel,
	"CANCELAR":   IntentCancel,
	"RESCHEDULE": IntentReschedule,
	"REAGENDAR":  IntentReschedule,
	"OTHER":      IntentOther,
	"OUTRO":      IntentOther,
}

// ParseIntent maps a classifier label to an Intent. Anything unrecognised is
// IntentOther.
func ParseIntent(label string) Intent {
	word := strings.ToUpper(strings.Trim(strings.TrimSpace(label), ".*`\"'"))
	if fields := strings.Fields(word); len(fields) > 0 {
		word = fields[0]
	}
	if intent, ok := intentAliases[word]; ok {
		return intent
	}
	return IntentOther
}

// Exchange is one finished turn: what the patient wrote and what was sent back.
type Exchange struct {
	Inbound string
	Reply   string
}

type ScheduleData struct {
	AppointmentType string
	FullName        string
}

type GenerateRequest struct {
	History     []Exchange
	Message     string
	PatientName string
}

var ErrClassifierUnavailable = errors.New("classifier unavailable")

type Classifier interface {
	Classify(ctx context.Context, history []Exchange, msg string) (Intent, error)
}

type Extractor interface {
	ExtractScheduleData(ctx context.Context, history []Exchange, msg string) (ScheduleData, error)
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Sender delivers an outbound WhatsApp message.
type Sender interface {
	Send(ctx context.Context, to, text string) error
}
