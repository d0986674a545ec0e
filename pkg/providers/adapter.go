package providers

import (
	"context"
)

// Speaker tags a transcript event's source.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
)

// EventType enumerates the normalized event set every speech backend is
// mapped onto. Downstream code never sees vendor wire shapes.
type EventType string

const (
	EventReady         EventType = "ready"
	EventAudio         EventType = "audio"
	EventTranscript    EventType = "transcript"
	EventSpeechStarted EventType = "speech_started"
	EventClosed        EventType = "closed"
	EventError         EventType = "error"
)

// Event is the single tagged variant carrying all normalized backend
// events. Only the fields for its Type are populated.
type Event struct {
	Type EventType

	// EventAudio: base64 payload in the telephony codec plus the backend's
	// id for the utterance unit the chunk belongs to (empty when the
	// backend has no such notion).
	AudioB64 string
	UnitID   string

	// EventTranscript
	Speaker Speaker
	Text    string

	// EventError
	Err error
}

// Config is the per-call connection configuration handed to an adapter.
// Override fields are optional: blank means the backend's own defaults.
type Config struct {
	CallID       string
	Context      string
	Prompt       string
	FirstMessage string
	Voice        string
	Temperature  float64
}

// Adapter is the duplex gateway to one speech-AI backend.
//
// Connect establishes the session and starts the event stream; it respects
// ctx for its handshake. Sends are fire-and-forget. Truncate is a no-op on
// backends without mid-utterance truncation.
type Adapter interface {
	Name() string
	Connect(ctx context.Context, cfg Config) error
	Events() <-chan Event
	SendAudio(payloadB64 string) error
	Truncate(unitID string, elapsedMS int64) error
	SendSystemMessage(text string) error
	RequestEndOfTurn(text string) error
	Close() error
}

// Factory builds a fresh, unconnected adapter for a provider name.
type Factory func(provider string) (Adapter, error)
