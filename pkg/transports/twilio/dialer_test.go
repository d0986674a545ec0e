package twilio

import (
	"context"
	"errors"
	"strings"
	"testing"

	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
)

type stubCallCreator struct {
	lastParams *api.CreateCallParams
	sid        string
	err        error
}

func (s *stubCallCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

type stubCallUpdater struct {
	lastSID    string
	lastStatus string
	err        error
}

func (s *stubCallUpdater) UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error) {
	s.lastSID = sid
	if params != nil && params.Status != nil {
		s.lastStatus = *params.Status
	}
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{}, nil
}

func TestDialAttachesStreamTwiML(t *testing.T) {
	stub := &stubCallCreator{sid: "CA123"}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.creator = stub

	sid, err := d.Dial(context.Background(), DialParams{
		To:        "+15552223333",
		From:      "+15550001111",
		StreamURL: "wss://example.com/media",
		Record:    true,
		Custom:    map[string]string{"call_id": "call-1"},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %q", sid)
	}
	if stub.lastParams == nil || stub.lastParams.Twiml == nil {
		t.Fatalf("expected TwiML on create call")
	}
	twiml := *stub.lastParams.Twiml
	if !strings.Contains(twiml, `<Parameter name="call_id" value="call-1"/>`) {
		t.Fatalf("expected custom parameter in TwiML: %s", twiml)
	}
	if stub.lastParams.Record == nil || !*stub.lastParams.Record {
		t.Fatalf("expected recording enabled")
	}
}

func TestDialFailureReturnsNoIdentifier(t *testing.T) {
	stub := &stubCallCreator{err: errors.New("downstream")}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.creator = stub

	sid, err := d.Dial(context.Background(), DialParams{To: "+1", From: "+2"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if sid != "" {
		t.Fatalf("expected empty sid on failure, got %q", sid)
	}
	if !errorsx.HasReason(err, errorsx.ReasonCallPlace) {
		t.Fatalf("expected call_place reason, got %s", errorsx.Reason(err))
	}
}

func TestEndCallSetsCompleted(t *testing.T) {
	stub := &stubCallUpdater{}
	d := NewDialer(Config{AccountSID: "AC1", AuthToken: "token"})
	d.updater = stub

	if err := d.EndCall(context.Background(), "CA123"); err != nil {
		t.Fatalf("end call: %v", err)
	}
	if stub.lastSID != "CA123" || stub.lastStatus != "completed" {
		t.Fatalf("unexpected update %q %q", stub.lastSID, stub.lastStatus)
	}
}

type stubMessageCreator struct {
	lastParams *api.CreateMessageParams
	sid        string
	err        error
}

func (s *stubMessageCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	s.lastParams = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Message{Sid: &s.sid}, nil
}

func TestSendSMS(t *testing.T) {
	stub := &stubMessageCreator{sid: "SM123"}
	s := NewSMSSender(Config{AccountSID: "AC1", AuthToken: "token"})
	s.creator = stub

	sid, err := s.Send(context.Background(), "+15552223333", "+15550001111", "hello")
	if err != nil {
		t.Fatalf("send sms: %v", err)
	}
	if sid != "SM123" {
		t.Fatalf("expected SM123, got %q", sid)
	}
	if stub.lastParams.Body == nil || *stub.lastParams.Body != "hello" {
		t.Fatalf("expected body forwarded")
	}

	stub.err = errors.New("boom")
	if _, err := s.Send(context.Background(), "+1", "+2", "x"); !errorsx.HasReason(err, errorsx.ReasonSMSSend) {
		t.Fatalf("expected sms_send reason, got %v", err)
	}
}
