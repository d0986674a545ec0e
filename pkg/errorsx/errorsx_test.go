package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonProviderConnect)
	if Reason(err) != ReasonProviderConnect {
		t.Fatalf("expected reason %s, got %s", ReasonProviderConnect, Reason(err))
	}
	if !HasReason(err, ReasonProviderConnect) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSignedURL)
	second := Wrap(first, ReasonProviderConnect)
	if Reason(second) != ReasonSignedURL {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonCallPlace) != nil {
		t.Fatalf("expected nil passthrough")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatalf("expected unknown reason for nil error")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
