package streaming

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the phase a progress event belongs to. The set is closed;
// consumers must reject unknown tags rather than ignore them.
type EventType string

const (
	EventRetrieve EventType = "retrieve"
	EventAnalyze  EventType = "analyze"
	EventAnswer   EventType = "answer"
)

// EventState is the lifecycle state carried by a progress event.
type EventState string

const (
	StatePending    EventState = "pending"
	StateInProgress EventState = "inprogress"
	StateDone       EventState = "done"
	StateError      EventState = "error"
)

// Event is one append-only progress record for a research session.
// Events for a given ID are emitted in the order the underlying step's
// status actually changed; a client folding the ordered log reconstructs
// the same display state regardless of batching.
type Event struct {
	SessionID string      `json:"session_id"`
	Type      EventType   `json:"type"`
	ID        string      `json:"id"`
	State     EventState  `json:"state"`
	Query     string      `json:"query,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Seq       uint64      `json:"seq"`
}

// Marshal returns JSON for SSE payloads and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Terminal reports whether the event closes the logical stream.
func (e Event) Terminal() bool {
	return e.Type == EventAnswer && (e.State == StateDone || e.State == StateError)
}

// StepView is the folded display state of one logical step.
type StepView struct {
	Type    EventType
	State   EventState
	Query   string
	Result  interface{}
	Message string
	LastSeq uint64
}

// FoldEvents reduces an ordered event log to per-step display state: the
// last event per ID wins. Unknown type or state tags are an error so
// protocol drift surfaces instead of silently dropping UI state.
func FoldEvents(events []Event) (map[string]StepView, error) {
	views := make(map[string]StepView, len(events))
	for _, ev := range events {
		switch ev.Type {
		case EventRetrieve, EventAnalyze, EventAnswer:
		default:
			return nil, fmt.Errorf("unknown event type %q at seq %d", ev.Type, ev.Seq)
		}
		switch ev.State {
		case StatePending, StateInProgress, StateDone, StateError:
		default:
			return nil, fmt.Errorf("unknown event state %q at seq %d", ev.State, ev.Seq)
		}
		views[ev.ID] = StepView{
			Type:    ev.Type,
			State:   ev.State,
			Query:   ev.Query,
			Result:  ev.Result,
			Message: ev.Message,
			LastSeq: ev.Seq,
		}
	}
	return views, nil
}
