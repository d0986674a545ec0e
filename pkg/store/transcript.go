// Package store holds the in-process transcript and SMS logs. They are
// write-mostly, last-writer-wins maps and never sit on the audio path.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
)

// TranscriptEntry is one persisted conversation line.
type TranscriptEntry struct {
	Speaker callstate.Speaker
	Text    string
	At      time.Time
}

// Transcript is the persisted record of one call's conversation.
type Transcript struct {
	ID        string
	CallID    string
	BatchID   string
	Entries   []TranscriptEntry
	CreatedAt time.Time
	EndedAt   time.Time
	Finalized bool
}

// TranscriptStore keeps transcripts keyed by their call id.
type TranscriptStore struct {
	mu     sync.Mutex
	byCall map[string]*Transcript
	byID   map[string]*Transcript
}

func NewTranscriptStore() *TranscriptStore {
	return &TranscriptStore{
		byCall: make(map[string]*Transcript),
		byID:   make(map[string]*Transcript),
	}
}

// CreateOrGet returns the transcript for a call, creating it on first use.
// Both the call-placement path and the stream start frame call this, so
// whichever loses the race reuses the winner's transcript instead of
// creating a second one. The bool reports whether this call created it.
func (s *TranscriptStore) CreateOrGet(callID string) (*Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.byCall[callID]; ok {
		return tr, false
	}
	tr := &Transcript{
		ID:        uuid.NewString(),
		CallID:    callID,
		CreatedAt: time.Now(),
	}
	s.byCall[callID] = tr
	s.byID[tr.ID] = tr
	return tr, true
}

// AddEntry appends one line to a call's transcript. Unknown calls are a
// no-op rather than an error: persistence must never fail the relay.
func (s *TranscriptStore) AddEntry(callID string, speaker callstate.Speaker, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.byCall[callID]
	if !ok || tr.Finalized {
		return
	}
	tr.Entries = append(tr.Entries, TranscriptEntry{Speaker: speaker, Text: text, At: time.Now()})
}

// SetBatchID tags the transcript with the batch it belongs to.
func (s *TranscriptStore) SetBatchID(callID, batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.byCall[callID]; ok {
		tr.BatchID = batchID
	}
}

// Finalize marks a transcript complete. Later entries are dropped.
func (s *TranscriptStore) Finalize(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.byCall[callID]; ok && !tr.Finalized {
		tr.Finalized = true
		tr.EndedAt = time.Now()
	}
}

// GetByCallID returns a copy of the call's transcript.
func (s *TranscriptStore) GetByCallID(callID string) (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.byCall[callID]
	if !ok {
		return Transcript{}, false
	}
	return copyTranscript(tr), true
}

// GetByID returns a copy of a transcript by its own id.
func (s *TranscriptStore) GetByID(id string) (Transcript, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.byID[id]
	if !ok {
		return Transcript{}, false
	}
	return copyTranscript(tr), true
}

func copyTranscript(tr *Transcript) Transcript {
	out := *tr
	out.Entries = append([]TranscriptEntry(nil), tr.Entries...)
	return out
}
