package session

import (
	"errors"
	"time"

	"github.com/loqalabs/loqa-sign/internal/decoder"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

var (
	// ErrInferenceFailures ends a session after too many frames in a row
	// failed to classify.
	ErrInferenceFailures = errors.New("too many consecutive inference failures")
	// ErrNotStarted is returned by operations that need a live session.
	ErrNotStarted = errors.New("no active session")
	// ErrSessionActive is returned when starting while a session is live.
	ErrSessionActive = errors.New("session already active")
)

// State is the controller's lifecycle phase.
type State int

const (
	Stopped State = iota
	CameraOpen
	Detecting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case CameraOpen:
		return "camera_open"
	case Detecting:
		return "detecting"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State      State
	SessionID  string
	Word       string
	Transcript []string
	Window     decoder.WindowState
	Remaining  time.Duration
	// Err is the cause of the last stop when it was not requested.
	Err error
}

// Reply renders s for control responses.
func (s Snapshot) Reply() protocol.ControlReply {
	transcript := s.Transcript
	if transcript == nil {
		transcript = []string{}
	}
	reply := protocol.ControlReply{
		OK:          true,
		State:       s.State.String(),
		SessionID:   s.SessionID,
		Word:        s.Word,
		Transcript:  transcript,
		RemainingMS: s.Remaining.Milliseconds(),
	}
	if s.State != Stopped {
		reply.Window = s.Window.String()
	}
	if s.Err != nil {
		reply.Error = s.Err.Error()
	}
	return reply
}

// StartOptions identify who a session records history for.
type StartOptions struct {
	UserID         string
	SourceLanguage string
	TargetLanguage string
}

// Sink receives session events. Emit is called from session goroutines and
// must not block or call back into the controller.
type Sink interface {
	Emit(evt protocol.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(evt protocol.Event)

func (f SinkFunc) Emit(evt protocol.Event) { f(evt) }

// FanOut delivers every event to each sink in order.
type FanOut []Sink

func (f FanOut) Emit(evt protocol.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(evt)
		}
	}
}
