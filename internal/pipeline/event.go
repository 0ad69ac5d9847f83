package pipeline

import (
	"time"

	"github.com/google/uuid"
)

// Storage layout inside the data directory.
const (
	// EventLogPath is the durable NDJSON event log.
	EventLogPath = "pipeline/events.jsonl"

	// StatePath is the persisted pipeline state.
	StatePath = "pipeline/state.json"
)

// Event kinds accepted by Observe.
const (
	KindToolPre      = "tool_pre"
	KindToolPost     = "tool_post"
	KindSessionStart = "session_start"
	KindSessionEnd   = "session_end"
	KindPrompt       = "prompt"
	KindError        = "error"
	KindSuccess      = "success"
	KindNotification = "notification"
)

var validKinds = map[string]bool{
	KindToolPre:      true,
	KindToolPost:     true,
	KindSessionStart: true,
	KindSessionEnd:   true,
	KindPrompt:       true,
	KindError:        true,
	KindSuccess:      true,
	KindNotification: true,
}

// ValidKind reports whether kind is one of the accepted event kinds.
func ValidKind(kind string) bool {
	return validKinds[kind]
}

// Event is one observed interaction. Context and metadata are scrubbed
// for secrets before the event is appended to the durable log.
type Event struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	ToolName  string            `json:"tool_name,omitempty"`
	Context   string            `json:"context,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Success   *bool             `json:"success,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// failed reports whether the event represents a failure outcome.
func (e *Event) failed() bool {
	if e.Kind == KindError {
		return true
	}
	return e.Success != nil && !*e.Success
}

// newEventID returns a fresh event identifier.
func newEventID() string {
	return "evt_" + uuid.New().String()
}

// State tracks the pipeline's phase counters. It is a singleton
// document, persisted synchronously after every mutation.
type State struct {
	EventCount     int       `json:"event_count"`
	LastReflection time.Time `json:"last_reflection"`
	LastSynthesis  time.Time `json:"last_synthesis"`
	LastProposal   time.Time `json:"last_proposal"`
	LastSync       time.Time `json:"last_sync"`
}
