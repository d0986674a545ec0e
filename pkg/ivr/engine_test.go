package ivr

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
)

func TestMenuDetectionEntersNavigating(t *testing.T) {
	e := NewEngine(Config{}, nil)
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Thank you for calling. Press 1 for sales, press 0 for an operator")
	if !st.IVR.Navigating {
		t.Fatalf("expected navigating")
	}
	if st.IVR.MenuLevel != 1 {
		t.Fatalf("expected menu level 1, got %d", st.IVR.MenuLevel)
	}
}

func TestOperatorRuleMatchesWithHighConfidence(t *testing.T) {
	e := NewEngine(Config{}, nil)
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Welcome to the main menu")
	action := e.ProcessTranscript(st, "To reach an operator, press 0")
	if action == nil {
		t.Fatalf("expected a matched rule")
	}
	if action.Digit != "0" {
		t.Fatalf("expected digit 0, got %q", action.Digit)
	}
	if action.Confidence < 0.9 {
		t.Fatalf("expected confidence >= 0.9, got %f", action.Confidence)
	}
	if len(st.IVR.PressedDigits) != 1 || st.IVR.PressedDigits[0] != "0" {
		t.Fatalf("expected digit recorded, got %v", st.IVR.PressedDigits)
	}
	if len(st.IVR.HeardOptions) != 1 {
		t.Fatalf("expected snippet recorded, got %v", st.IVR.HeardOptions)
	}
}

func TestHighestConfidenceWins(t *testing.T) {
	e := NewEngine(Config{Rules: CompileRules([]RuleConfig{
		{Pattern: `billing`, Digit: "3", Confidence: 0.6},
		{Pattern: `billing department`, Digit: "4", Confidence: 0.8},
	})}, nil)
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "main menu")
	action := e.ProcessTranscript(st, "for the billing department press 4")
	if action == nil || action.Digit != "4" {
		t.Fatalf("expected higher-confidence rule to win, got %+v", action)
	}
}

func TestHumanDetectionOutsideNavigation(t *testing.T) {
	e := NewEngine(Config{}, nil)
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Hi, this is Sarah, how can I help you today?")
	if !st.IVR.HumanDetected {
		t.Fatalf("expected human detected")
	}
	if st.IVR.Navigating {
		t.Fatalf("navigating must stay false")
	}
}

func TestHumanDetectionCancelsNavigation(t *testing.T) {
	var fired atomic.Int32
	e := NewEngine(Config{MenuTimeout: 50 * time.Millisecond}, func(string) {
		fired.Add(1)
	})
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Thank you for calling, please listen carefully")
	e.ProcessTranscript(st, "Hello, this is Marcus, how can I help?")
	if !st.IVR.HumanDetected || st.IVR.Navigating {
		t.Fatalf("expected human to end navigation: %+v", st.IVR)
	}

	time.Sleep(120 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("timeout must be cancelled after human detection")
	}
}

func TestTimeoutEmitsDefaultDigit(t *testing.T) {
	got := make(chan string, 1)
	e := NewEngine(Config{MenuTimeout: 30 * time.Millisecond, DefaultDigit: "9"}, func(digit string) {
		got <- digit
	})
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Welcome to the main menu")
	select {
	case digit := <-got:
		if digit != "9" {
			t.Fatalf("expected default digit 9, got %q", digit)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected timeout escalation")
	}
}

func TestMachineDetection(t *testing.T) {
	e := NewEngine(Config{}, nil)
	defer e.Stop()
	st := callstate.New("call-1", callstate.DirectionOutbound)

	e.ProcessTranscript(st, "Please leave a message after the tone")
	if st.IVR.Machine != callstate.MachineMachine {
		t.Fatalf("expected machine status, got %s", st.IVR.Machine)
	}
}

func TestAcknowledgmentPhrasing(t *testing.T) {
	if !IsAcknowledgment("Sure, I'll press 0 for you now.") {
		t.Fatalf("expected acknowledgment match")
	}
	if IsAcknowledgment("The weather today is sunny.") {
		t.Fatalf("unexpected acknowledgment match")
	}
}
