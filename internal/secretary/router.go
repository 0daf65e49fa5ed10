// Package secretary runs one dialogue turn: guard, intent, handler, guarded
// send.
package secretary

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-scheduling-assistant/internal/appointment"
	"github.com/hackgods/clinic-scheduling-assistant/internal/booking"
	"github.com/hackgods/clinic-scheduling-assistant/internal/conversation"
	"github.com/hackgods/clinic-scheduling-assistant/internal/observability/metrics"
	redisclient "github.com/hackgods/clinic-scheduling-assistant/internal/redis"
	"github.com/hackgods/clinic-scheduling-assistant/pkg/logging"
)

var tracer = otel.Tracer("clinic.internal.secretary")

type Route string

const (
	RouteGuard                Route = "GUARD"
	RouteFallback             Route = "FALLBACK"
	RouteTransferHuman        Route = "TRANSFER_HUMAN"
	RouteValidateScheduleData Route = "VALIDATE_SCHEDULE_DATA"
	RouteGenerateLink         Route = "GENERATE_LINK"
	RouteRequestMissingData   Route = "REQUEST_MISSING_DATA"
	RouteQuery                Route = "QUERY"
	RouteCancelList           Route = "CANCEL_LIST"
	RouteCancelConfirm        Route = "CANCEL_CONFIRM"
	RouteRescheduleList       Route = "RESCHEDULE_LIST"
	RouteRescheduleConfirm    Route = "RESCHEDULE_CONFIRM"
	RouteFreeConversation     Route = "FREE_CONVERSATION"
)

const DefaultFallbackText = "Sorry, I'm having trouble answering right now. Please try again in a few minutes or ask to talk to our team."

// maxHops bounds handler chaining within one turn.
const maxHops = 4

// TurnState is what a handler reads and updates. Conversation carries the
// flow fields that are saved when the turn succeeds.
type TurnState struct {
	Conversation conversation.Conversation
	Contact      appointment.Contact
	Message      string
	History      []Exchange
}

// Reply is a handler's result. Next chains into another handler in the same
// turn. Terminal ends the turn without a response.
type Reply struct {
	Text     string
	Next     Route
	Terminal bool
}

type Handler func(ctx context.Context, st *TurnState) (Reply, error)

// Outcome reports what happened to one inbound message.
type Outcome struct {
	Text  string
	Sent  bool
	Route Route
}

type Deps struct {
	Conversations conversation.Store
	Appointments  *appointment.Service
	Tokens        *booking.TokenService
	Scheduler     *booking.Scheduler
	Classifier    Classifier
	Extractor     Extractor
	Generator     Generator
	Sender        Sender
	Locker        redisclient.Locker
	LockWait      time.Duration
	HistoryTurns  int
	FallbackText  string
	Location      *time.Location
	Logger        *logging.Logger
	Metrics       *metrics.SchedulingMetrics
}

// Router is built once at startup and shared by all turns. Its dispatch
// table is never modified after NewRouter returns.
type Router struct {
	d        Deps
	dispatch map[Route]Handler
}

func NewRouter(d Deps) *Router {
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.HistoryTurns <= 0 {
		d.HistoryTurns = 6
	}
	if d.LockWait <= 0 {
		d.LockWait = 10 * time.Second
	}
	if d.FallbackText == "" {
		d.FallbackText = DefaultFallbackText
	}
	r := &Router{d: d}
	r.dispatch = map[Route]Handler{
		RouteTransferHuman:        r.transferHuman,
		RouteValidateScheduleData: r.validateScheduleData,
		RouteGenerateLink:         r.generateLink,
		RouteRequestMissingData:   r.requestMissingData,
		RouteQuery:                r.query,
		RouteCancelList:           r.cancelList,
		RouteCancelConfirm:        r.cancelConfirm,
		RouteRescheduleList:       r.rescheduleList,
		RouteRescheduleConfirm:    r.rescheduleConfirm,
		RouteFreeConversation:     r.freeConversation,
	}
	return r
}

var intentRoutes = map[Intent]Route{
	IntentHuman:      RouteTransferHuman,
	IntentSchedule:   RouteValidateScheduleData,
	IntentQuery:      RouteQuery,
	IntentCancel:     RouteCancelList,
	IntentReschedule: RouteRescheduleList,
	IntentOther:      RouteFreeConversation,
}

// ProcessTurn handles one inbound message. Turns of the same conversation
// run one at a time.
func (r *Router) ProcessTurn(ctx context.Context, conversationID uuid.UUID, text string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "secretary.process_turn")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.conversation_id", conversationID.String()))

	start := time.Now()
	var out Outcome
	outcome := "failed"
	err := r.d.Locker.WithLockWait(ctx, redisclient.ConversationKey(conversationID), r.d.LockWait, func(ctx context.Context) error {
		var err error
		out, outcome, err = r.processLocked(ctx, conversationID, text)
		return err
	})
	if err != nil {
		span.RecordError(err)
		outcome = "failed"
	}
	span.SetAttributes(attribute.String("clinic.route", string(out.Route)))
	r.d.Metrics.ObserveTurn(string(out.Route), outcome, time.Since(start).Seconds())
	return out, err
}

func (r *Router) processLocked(ctx context.Context, conversationID uuid.UUID, text string) (Outcome, string, error) {
	conv, err := r.d.Conversations.Get(ctx, conversationID)
	if err != nil {
		return Outcome{}, "failed", fmt.Errorf("load conversation: %w", err)
	}
	turn, err := r.d.Conversations.CreateTurn(ctx, conv.ID, text)
	if err != nil {
		return Outcome{}, "failed", fmt.Errorf("record turn: %w", err)
	}
	if err := r.d.Conversations.MarkProcessing(ctx, turn.ID); err != nil {
		return Outcome{}, "failed", fmt.Errorf("start turn: %w", err)
	}
	logger := r.d.Logger.With("conversation_id", conv.ID, "turn_id", turn.ID)
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		logger = logger.With("trace_id", sc.TraceID().String())
	}

	if !conversation.CanRespond(conv) {
		logger.Info("turn suppressed", "status", conv.Status)
		r.complete(ctx, logger, turn.ID, nil, conversation.NoteSuppressedByGuard)
		return Outcome{Route: RouteGuard}, "suppressed", nil
	}

	out, outcome, err := r.run(ctx, logger, conv, text)
	if err != nil {
		if errors.Is(err, ErrClassifierUnavailable) {
			logger.Warn("language model unavailable, sending fallback", "route", out.Route, "error", err)
			out = Outcome{Text: r.d.FallbackText, Route: RouteFallback}
			return r.deliver(ctx, logger, conv, turn.ID, out, conversation.NoteFallback)
		}
		logger.Error("turn failed", "route", out.Route, "error", err)
		if ferr := r.d.Conversations.FailTurn(ctx, turn.ID, truncate(err.Error(), 500)); ferr != nil {
			logger.Error("failed to mark turn failed", "error", ferr)
		}
		return out, "failed", err
	}
	if out.Route == RouteTransferHuman {
		r.complete(ctx, logger, turn.ID, nil, conversation.NoteHandedOff)
		return out, outcome, nil
	}
	return r.deliver(ctx, logger, conv, turn.ID, out, "")
}

// run resolves the route and executes the handler chain. State is saved
// only when every handler succeeded.
func (r *Router) run(ctx context.Context, logger *logging.Logger, conv *conversation.Conversation, text string) (Outcome, string, error) {
	contact, err := r.d.Appointments.Repository().GetContactByID(ctx, conv.ContactID)
	if err != nil {
		return Outcome{}, "failed", fmt.Errorf("load contact: %w", err)
	}
	history, err := r.history(ctx, conv.ID)
	if err != nil {
		return Outcome{}, "failed", err
	}

	st := &TurnState{Conversation: *conv, Contact: *contact, Message: text, History: history}
	route, err := r.resolve(ctx, st)
	if err != nil {
		return Outcome{Route: route}, "fallback", err
	}
	logger.Info("route resolved", "route", route, "step", conv.Step)

	var reply Reply
	for hop := 0; ; hop++ {
		if hop == maxHops {
			return Outcome{Route: route}, "failed", fmt.Errorf("route %s chained too deep", route)
		}
		handler, ok := r.dispatch[route]
		if !ok {
			return Outcome{Route: route}, "failed", fmt.Errorf("no handler for route %s", route)
		}
		reply, err = handler(ctx, st)
		if err != nil {
			return Outcome{Route: route}, "failed", err
		}
		if reply.Next == "" {
			break
		}
		route = reply.Next
	}

	if err := r.d.Conversations.SaveState(ctx, &st.Conversation); err != nil {
		return Outcome{Route: route}, "failed", fmt.Errorf("save conversation state: %w", err)
	}
	if reply.Terminal {
		return Outcome{Route: route}, "handoff", nil
	}
	return Outcome{Text: reply.Text, Route: route}, "", nil
}

// resolve picks the first handler. A pending step is honoured before the
// classifier runs.
func (r *Router) resolve(ctx context.Context, st *TurnState) (Route, error) {
	step := st.Conversation.Step
	if _, ok := FirstInt(st.Message); ok {
		switch step {
		case conversation.StepAwaitingCancelID:
			return RouteCancelConfirm, nil
		case conversation.StepAwaitingRescheduleID:
			return RouteRescheduleConfirm, nil
		}
	}

	intent, err := r.d.Classifier.Classify(ctx, st.History, st.Message)
	if err != nil {
		if !errors.Is(err, ErrClassifierUnavailable) {
			err = fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
		}
		return RouteFallback, err
	}

	switch {
	case step == conversation.StepAwaitingCancelID && intent == IntentCancel:
		return RouteCancelConfirm, nil
	case step == conversation.StepAwaitingRescheduleID && intent == IntentReschedule:
		return RouteRescheduleConfirm, nil
	case step == conversation.StepAwaitingScheduleData && (intent == IntentSchedule || intent == IntentOther):
		return RouteValidateScheduleData, nil
	}

	st.Conversation.Step = conversation.StepNone
	route, ok := intentRoutes[intent]
	if !ok {
		route = RouteFreeConversation
	}
	return route, nil
}

func (r *Router) history(ctx context.Context, conversationID uuid.UUID) ([]Exchange, error) {
	turns, err := r.d.Conversations.RecentTurns(ctx, conversationID, r.d.HistoryTurns)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]Exchange, 0, len(turns))
	for _, t := range turns {
		ex := Exchange{Inbound: t.Content}
		if t.Response != nil {
			ex.Reply = *t.Response
		}
		out = append(out, ex)
	}
	return out, nil
}

// deliver re-reads the conversation and sends only if automation may still
// speak in it.
func (r *Router) deliver(ctx context.Context, logger *logging.Logger, conv *conversation.Conversation, turnID int64, out Outcome, note string) (Outcome, string, error) {
	outcome := "sent"
	if note == conversation.NoteFallback {
		outcome = "fallback"
	}

	fresh, err := r.d.Conversations.Get(ctx, conv.ID)
	if err != nil {
		if ferr := r.d.Conversations.FailTurn(ctx, turnID, "reload before send: "+err.Error()); ferr != nil {
			logger.Error("failed to mark turn failed", "error", ferr)
		}
		return out, "failed", fmt.Errorf("reload conversation before send: %w", err)
	}
	if !conversation.CanRespond(fresh) {
		logger.Info("response suppressed, conversation left ai mode", "status", fresh.Status, "route", out.Route)
		r.complete(ctx, logger, turnID, &out.Text, conversation.NoteSuppressedByGuard)
		return out, "suppressed", nil
	}

	if r.d.Sender != nil {
		if err := r.d.Sender.Send(ctx, conv.FromNumber, out.Text); err != nil {
			logger.Warn("response not delivered", "route", out.Route, "error", err)
			if note == "" {
				note = conversation.NoteDeliveryFailed
			}
			r.complete(ctx, logger, turnID, &out.Text, note)
			return out, "undelivered", nil
		}
		out.Sent = true
	}
	r.complete(ctx, logger, turnID, &out.Text, note)
	return out, outcome, nil
}

func (r *Router) complete(ctx context.Context, logger *logging.Logger, turnID int64, response *string, note string) {
	if err := r.d.Conversations.CompleteTurn(ctx, turnID, response, note); err != nil {
		logger.Error("failed to complete turn", "error", err)
	}
}

var intPattern = regexp.MustCompile(`\d+`)

// FirstInt returns the first run of digits in s.
func FirstInt(s string) (int64, bool) {
	m := intPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(m, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
