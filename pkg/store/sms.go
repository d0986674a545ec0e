package store

import (
	"sync"
	"time"
)

// SMSRecord is one sent message.
type SMSRecord struct {
	ID         string
	BatchID    string
	To         string
	From       string
	Body       string
	ProviderID string
	SentAt     time.Time
}

// SMSStore keeps sent-message records keyed by id.
type SMSStore struct {
	mu   sync.Mutex
	byID map[string]*SMSRecord
}

func NewSMSStore() *SMSStore {
	return &SMSStore{byID: make(map[string]*SMSRecord)}
}

// Record stores one sent message, overwriting any previous record with the
// same id.
func (s *SMSStore) Record(rec SMSRecord) {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.ID] = &rec
}

// GetByID returns a copy of one record.
func (s *SMSStore) GetByID(id string) (SMSRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return SMSRecord{}, false
	}
	return *rec, true
}

// ListByBatch returns copies of all records sent for a batch.
func (s *SMSStore) ListByBatch(batchID string) []SMSRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SMSRecord
	for _, rec := range s.byID {
		if rec.BatchID == batchID {
			out = append(out, *rec)
		}
	}
	return out
}
