package callstate

import (
	"time"
)

// Direction of the telephone leg relative to this process.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// MachineStatus is the answering-machine-detection verdict for a call.
type MachineStatus string

const (
	MachineUnknown MachineStatus = "unknown"
	MachineHuman   MachineStatus = "human"
	MachineMachine MachineStatus = "machine"
	MachineFax     MachineStatus = "fax"
)

// Speaker identifies who produced a conversation entry.
type Speaker string

const (
	SpeakerCaller    Speaker = "caller"
	SpeakerAssistant Speaker = "assistant"
	SpeakerSystem    Speaker = "system"
)

// ConversationEntry is one append-only line of the call's history.
type ConversationEntry struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// IVRState tracks automated-attendant navigation for one call.
// Navigating and HumanDetected are mutually exclusive; MenuLevel only grows.
type IVRState struct {
	Navigating       bool
	HumanDetected    bool
	OriginalProvider string
	CurrentProvider  string
	MenuLevel        int
	HeardOptions     []string
	PressedDigits    []string
	AwaitingResponse bool
	Machine          MachineStatus
}

// State holds everything the orchestrator knows about one active call.
// It carries no lock of its own: the owning orchestrator is the sole writer
// and guards access with its state mutex.
type State struct {
	CallID       string
	StreamSID    string
	CallSID      string
	TranscriptID string
	BatchID      string

	Direction Direction
	From      string
	To        string

	Context              string
	PromptOverride       string
	FirstMessageOverride string

	History  []ConversationEntry
	Speaking bool

	// Playback timing. Timestamps are telephony media-clock milliseconds,
	// so truncation offsets survive event reordering between the two
	// sockets of a call.
	LatestCallerTS    int64
	ResponseStartTS   int64
	LastAssistantItem string
	MarkQueue         []string
	FirstByteSeen     bool

	IVR IVRState

	StartedAt time.Time
}

// New creates the state for a freshly started call leg.
func New(callID string, direction Direction) *State {
	return &State{
		CallID:    callID,
		Direction: direction,
		IVR:       IVRState{Machine: MachineUnknown},
		StartedAt: time.Now(),
	}
}

// AppendEntry records one line of conversation history.
func (s *State) AppendEntry(speaker Speaker, text string) {
	s.History = append(s.History, ConversationEntry{Speaker: speaker, Text: text, At: time.Now()})
}

// BeginResponse marks the start of an assistant utterance on first audio.
// Subsequent chunks of the same utterance only refresh the item id.
func (s *State) BeginResponse(itemID string, callerTS int64) {
	if s.ResponseStartTS == 0 {
		s.ResponseStartTS = callerTS
		s.Speaking = true
	}
	if itemID != "" {
		s.LastAssistantItem = itemID
	}
	s.FirstByteSeen = true
}

// PushMark appends a not-yet-acknowledged playback boundary.
func (s *State) PushMark(name string) {
	s.MarkQueue = append(s.MarkQueue, name)
}

// AckMark removes the oldest pending playback boundary. The last ack ends
// the utterance.
func (s *State) AckMark() {
	if len(s.MarkQueue) > 0 {
		s.MarkQueue = s.MarkQueue[1:]
	}
	if len(s.MarkQueue) == 0 {
		s.ResponseStartTS = 0
		s.Speaking = false
	}
}

// ElapsedPlaybackMS reports how far into the in-flight utterance the caller
// interrupted, clamped at zero.
func (s *State) ElapsedPlaybackMS() int64 {
	if s.ResponseStartTS == 0 {
		return 0
	}
	elapsed := s.LatestCallerTS - s.ResponseStartTS
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// ResetPlayback clears all playback-timing bookkeeping after a barge-in.
func (s *State) ResetPlayback() {
	s.MarkQueue = nil
	s.ResponseStartTS = 0
	s.LastAssistantItem = ""
	s.Speaking = false
}

// EnterMenu flips the IVR into navigating mode, one level deeper. Human
// detection takes precedence: once a human answered, menus are over.
func (s *State) EnterMenu() {
	if s.IVR.HumanDetected {
		return
	}
	s.IVR.Navigating = true
	s.IVR.MenuLevel++
}

// MarkHumanDetected records a confirmed human and clears navigation.
func (s *State) MarkHumanDetected() {
	s.IVR.HumanDetected = true
	s.IVR.Navigating = false
	s.IVR.Machine = MachineHuman
}

// RecordMenuChoice appends a heard option snippet and the digit chosen.
func (s *State) RecordMenuChoice(snippet, digit string) {
	s.IVR.HeardOptions = append(s.IVR.HeardOptions, snippet)
	s.IVR.PressedDigits = append(s.IVR.PressedDigits, digit)
}

// LastCallerUtterance returns the most recent caller line, if any.
func (s *State) LastCallerUtterance() string {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Speaker == SpeakerCaller {
			return s.History[i].Text
		}
	}
	return ""
}

// Duration reports how long the leg has been up.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartedAt)
}
