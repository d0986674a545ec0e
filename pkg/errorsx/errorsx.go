package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason. Reason codes travel
// on progress error events so external consumers never have to parse error
// strings.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonProviderConnect ReasonCode = "provider_connect"
	ReasonProviderSend    ReasonCode = "provider_send"
	ReasonSignedURL       ReasonCode = "signed_url"
	ReasonProtocolFrame   ReasonCode = "protocol_frame"

	ReasonCallPlace ReasonCode = "call_place"
	ReasonCallEnd   ReasonCode = "call_end"
	ReasonSMSSend   ReasonCode = "sms_send"

	ReasonBatchTarget ReasonCode = "batch_target"
	ReasonSwitchAbort ReasonCode = "switch_abort"

	ReasonTransportSend             ReasonCode = "transport_send"
	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTranscriptStore           ReasonCode = "transcript_store"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error (no-op if err is nil or already reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts a reason code from an error, if present.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason returns true if err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
