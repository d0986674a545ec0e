package store

import (
	"sync"
	"testing"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
)

func TestCreateOrGetIsIdempotent(t *testing.T) {
	s := NewTranscriptStore()

	first, created := s.CreateOrGet("call-1")
	if !created {
		t.Fatalf("expected first caller to create")
	}
	second, created := s.CreateOrGet("call-1")
	if created {
		t.Fatalf("expected second caller to reuse")
	}
	if first.ID != second.ID {
		t.Fatalf("expected one transcript per call, got %q and %q", first.ID, second.ID)
	}
}

func TestCreateOrGetUnderRace(t *testing.T) {
	s := NewTranscriptStore()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, _ := s.CreateOrGet("call-1")
			ids[i] = tr.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("racing creators got different transcripts: %v", ids)
		}
	}
}

func TestFinalizeDropsLaterEntries(t *testing.T) {
	s := NewTranscriptStore()
	s.CreateOrGet("call-1")

	s.AddEntry("call-1", callstate.SpeakerCaller, "hello")
	s.Finalize("call-1")
	s.AddEntry("call-1", callstate.SpeakerAssistant, "too late")

	tr, ok := s.GetByCallID("call-1")
	if !ok {
		t.Fatalf("expected transcript")
	}
	if !tr.Finalized || tr.EndedAt.IsZero() {
		t.Fatalf("expected finalized transcript, got %+v", tr)
	}
	if len(tr.Entries) != 1 || tr.Entries[0].Text != "hello" {
		t.Fatalf("expected entries frozen at finalize, got %v", tr.Entries)
	}
}

func TestLookupByTranscriptID(t *testing.T) {
	s := NewTranscriptStore()
	tr, _ := s.CreateOrGet("call-1")

	got, ok := s.GetByID(tr.ID)
	if !ok || got.CallID != "call-1" {
		t.Fatalf("expected lookup by transcript id, got %+v ok=%v", got, ok)
	}
	if _, ok := s.GetByCallID("call-missing"); ok {
		t.Fatalf("expected miss for unknown call")
	}
}

func TestSMSStoreByBatch(t *testing.T) {
	s := NewSMSStore()
	s.Record(SMSRecord{ID: "sms-1", BatchID: "batch-1", To: "+1", Body: "a"})
	s.Record(SMSRecord{ID: "sms-2", BatchID: "batch-1", To: "+2", Body: "b"})
	s.Record(SMSRecord{ID: "sms-3", BatchID: "batch-2", To: "+3", Body: "c"})

	if got := s.ListByBatch("batch-1"); len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	rec, ok := s.GetByID("sms-3")
	if !ok || rec.BatchID != "batch-2" {
		t.Fatalf("unexpected record %+v", rec)
	}
}
