package protocol

import "time"

// EventKind discriminates transcription events.
type EventKind string

const (
	EventDelta     EventKind = "delta"
	EventCompleted EventKind = "completed"
	EventError     EventKind = "error"
)

// ProviderErrorKind classifies provider failures surfaced as error events.
type ProviderErrorKind string

const (
	ProviderAuthentication ProviderErrorKind = "Authentication"
	ProviderRateLimited    ProviderErrorKind = "RateLimited"
	ProviderNetwork        ProviderErrorKind = "Network"
	ProviderServerError    ProviderErrorKind = "ServerError"
	ProviderTimeout        ProviderErrorKind = "Timeout"
)

// Event is a normalized transcription event for one session.
type Event struct {
	SessionID string            `json:"session_id"`
	Sequence  int               `json:"sequence"`
	Kind      EventKind         `json:"kind"`
	Text      string            `json:"text,omitempty"`
	ItemID    string            `json:"item_id,omitempty"`
	ErrorKind ProviderErrorKind `json:"error_kind,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

func Delta(fragment string) Event {
	return Event{Kind: EventDelta, Text: fragment}
}

func Completed(text string) Event {
	return Event{Kind: EventCompleted, Text: text}
}

func Failure(kind ProviderErrorKind, message string) Event {
	return Event{Kind: EventError, ErrorKind: kind, Message: message}
}

// SessionState is a state of the session state machine.
type SessionState string

const (
	StateIdle      SessionState = "idle"
	StateStarting  SessionState = "starting"
	StateStreaming SessionState = "streaming"
	StateStopping  SessionState = "stopping"
)

// SessionStatus is broadcast on every session state transition.
type SessionStatus struct {
	SessionID string       `json:"session_id"`
	State     SessionState `json:"state"`
	Profile   string       `json:"profile,omitempty"`
	Provider  string       `json:"provider,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

const (
	SubjectCommand             = "hotline.command"
	SubjectTranscriptDelta     = "hotline.transcript.delta"
	SubjectTranscriptCompleted = "hotline.transcript.completed"
	SubjectTranscriptError     = "hotline.transcript.error"
	SubjectSessionState        = "hotline.session.state"
)

// SubjectForEvent returns the bus subject an event is published on.
func SubjectForEvent(evt Event) string {
	switch evt.Kind {
	case EventDelta:
		return SubjectTranscriptDelta
	case EventCompleted:
		return SubjectTranscriptCompleted
	default:
		return SubjectTranscriptError
	}
}
