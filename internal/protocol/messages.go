package protocol

import "time"

// Event types emitted by a detection session.
const (
	EventSessionStarted = "session.started"
	EventSessionState   = "session.state"
	EventSessionEnded   = "session.ended"
	EventDegraded       = "session.degraded"
	EventSymbolAccepted = "symbol.accepted"
	EventWindowRejected = "window.rejected"
	EventCountdown      = "window.countdown"
	EventWordFinalized  = "word.finalized"
)

// Event is the single outbound message shape of a session. Fields not
// relevant to Type are left empty.
type Event struct {
	Type           string    `json:"type"`
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id,omitempty"`
	SourceLanguage string    `json:"source_language,omitempty"`
	TargetLanguage string    `json:"target_language,omitempty"`
	State          string    `json:"state,omitempty"`
	Symbol         string    `json:"symbol,omitempty"`
	Score          float64   `json:"score,omitempty"`
	Samples        int       `json:"samples,omitempty"`
	Word           string    `json:"word"`
	Transcript     []string  `json:"transcript,omitempty"`
	RemainingMS    int64     `json:"remaining_ms,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ControlRequest is the body of a control command. All fields are optional.
type ControlRequest struct {
	UserID         string `json:"user_id,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

// ControlReply answers every control command with the resulting session view.
type ControlReply struct {
	OK          bool     `json:"ok"`
	Error       string   `json:"error,omitempty"`
	State       string   `json:"state"`
	SessionID   string   `json:"session_id,omitempty"`
	Word        string   `json:"word"`
	Transcript  []string `json:"transcript"`
	Window      string   `json:"window,omitempty"`
	RemainingMS int64    `json:"remaining_ms,omitempty"`
}

// Control actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionToggle = "toggle"
	ActionSpace  = "space"
	ActionStatus = "status"
)

const (
	SubjectEventPrefix   = "sign.event"
	SubjectControlPrefix = "sign.control"
)

// EventSubject is the bus subject an event of type eventType is published on.
func EventSubject(eventType string) string {
	return SubjectEventPrefix + "." + eventType
}

// ControlSubject is the request subject for action.
func ControlSubject(action string) string {
	return SubjectControlPrefix + "." + action
}
