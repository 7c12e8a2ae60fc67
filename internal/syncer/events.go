package syncer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-pos-sync/internal/domain"
)

// State is a step of a mutation's lifecycle.
type State string

const (
	StatePendingOptimistic State = "PENDING_OPTIMISTIC"
	StateCommitting        State = "COMMITTING"
	StateCommitted         State = "COMMITTED"
	StateQueuedOffline     State = "QUEUED_OFFLINE"
	StateReplaying         State = "REPLAYING"
	StateFailedTerminal    State = "FAILED_TERMINAL"
)

// EventType distinguishes state transitions from other engine signals.
type EventType string

const (
	EventTransition EventType = "transition"
	// EventNotification carries a persisted, user-dismissable message.
	EventNotification EventType = "notification"
	EventDiscarded    EventType = "discarded"
)

// Event is published for every transition and every surfaced failure.
type Event struct {
	Type     EventType
	TenantID string
	Kind     domain.EntityKind
	RecordID string
	ActionID string
	State    State
	Code     Code
	Err      error
	At       time.Time
	// NotificationID is set for EventNotification.
	NotificationID string
}

// Notifier receives engine events. Implementations must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Notifiers fans an event out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) Notify(ev Event) {
	for _, n := range ns {
		if n != nil {
			n.Notify(ev)
		}
	}
}

// LogNotifier writes events to a zerolog logger.
type LogNotifier struct {
	Logger zerolog.Logger
}

func (l LogNotifier) Notify(ev Event) {
	var e *zerolog.Event
	switch {
	case ev.Type == EventNotification:
		e = l.Logger.Warn()
	case ev.State == StateFailedTerminal:
		e = l.Logger.Warn()
	case ev.State == StateQueuedOffline:
		e = l.Logger.Info()
	default:
		e = l.Logger.Debug()
	}
	e = e.Str("event", string(ev.Type)).
		Str("tenant_id", ev.TenantID).
		Str("kind", string(ev.Kind)).
		Str("record_id", ev.RecordID)
	if ev.ActionID != "" {
		e = e.Str("action_id", ev.ActionID)
	}
	if ev.State != "" {
		e = e.Str("state", string(ev.State))
	}
	if ev.Code != "" {
		e = e.Str("code", string(ev.Code))
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg("sync event")
}
