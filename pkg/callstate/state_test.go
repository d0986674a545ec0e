package callstate

import "testing"

func TestResponseTimingLifecycle(t *testing.T) {
	s := New("call-1", DirectionOutbound)
	if s.ResponseStartTS != 0 {
		t.Fatalf("expected no response in flight")
	}

	s.LatestCallerTS = 1000
	s.BeginResponse("item-1", s.LatestCallerTS)
	s.PushMark("chunk-1")
	s.PushMark("chunk-2")

	if s.ResponseStartTS != 1000 || !s.Speaking {
		t.Fatalf("expected playback started at 1000, got %d speaking=%v", s.ResponseStartTS, s.Speaking)
	}

	// A later chunk of the same utterance must not move the start.
	s.BeginResponse("item-1", 1400)
	if s.ResponseStartTS != 1000 {
		t.Fatalf("expected response start preserved, got %d", s.ResponseStartTS)
	}

	s.LatestCallerTS = 1650
	if got := s.ElapsedPlaybackMS(); got != 650 {
		t.Fatalf("expected elapsed 650ms, got %d", got)
	}

	s.AckMark()
	if s.ResponseStartTS == 0 {
		t.Fatalf("response must stay in flight while marks are pending")
	}
	s.AckMark()
	if s.ResponseStartTS != 0 || s.Speaking {
		t.Fatalf("expected playback done after final mark ack")
	}
}

func TestResetPlaybackClearsEverything(t *testing.T) {
	s := New("call-1", DirectionInbound)
	s.BeginResponse("item-9", 500)
	s.PushMark("m1")
	s.ResetPlayback()
	if s.ResponseStartTS != 0 || len(s.MarkQueue) != 0 || s.LastAssistantItem != "" || s.Speaking {
		t.Fatalf("expected fully reset playback state: %+v", s)
	}
}

func TestMenuAndHumanExclusive(t *testing.T) {
	s := New("call-1", DirectionOutbound)
	s.EnterMenu()
	s.EnterMenu()
	if !s.IVR.Navigating || s.IVR.MenuLevel != 2 {
		t.Fatalf("expected navigating at level 2, got %+v", s.IVR)
	}

	s.MarkHumanDetected()
	if s.IVR.Navigating {
		t.Fatalf("navigating and human detected must be mutually exclusive")
	}
	if s.IVR.Machine != MachineHuman {
		t.Fatalf("expected machine status human, got %s", s.IVR.Machine)
	}

	level := s.IVR.MenuLevel
	s.EnterMenu()
	if s.IVR.Navigating || s.IVR.MenuLevel != level {
		t.Fatalf("menus must not resume after human detection")
	}
}

func TestLastCallerUtterance(t *testing.T) {
	s := New("call-1", DirectionOutbound)
	s.AppendEntry(SpeakerAssistant, "Press 1 for sales")
	s.AppendEntry(SpeakerCaller, "operator please")
	s.AppendEntry(SpeakerAssistant, "connecting")
	if got := s.LastCallerUtterance(); got != "operator please" {
		t.Fatalf("expected last caller utterance, got %q", got)
	}
}
