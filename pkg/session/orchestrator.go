// Package session binds one telephony leg to one speech-AI connection and
// keeps the two audio streams synchronized.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/events"
	"github.com/im360john/voice-call-mcp-server/pkg/ivr"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
	"github.com/im360john/voice-call-mcp-server/pkg/providers"
	"github.com/im360john/voice-call-mcp-server/pkg/store"
)

// Phase is the orchestrator lifecycle state.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseConnecting Phase = "provider-connecting"
	PhaseActive     Phase = "active"
	PhaseEnding     Phase = "ending"
	PhaseClosed     Phase = "closed"
)

// TelephonyLeg is the outbound half of the media stream the orchestrator
// writes to.
type TelephonyLeg interface {
	SendAudio(payloadB64 string) error
	SendMark(name string) error
	ClearBuffer() error
	SendDTMF(digits string) error
	Close() error
}

type Config struct {
	ConnectTimeout time.Duration
	TeardownGrace  time.Duration
	IVREnabled     bool
	IVR            ivr.Config
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.TeardownGrace <= 0 {
		c.TeardownGrace = 3 * time.Second
	}
	return c
}

// Deps are the injected collaborators; none are ambient globals.
type Deps struct {
	Leg         TelephonyLeg
	Provider    providers.Adapter
	ProviderCfg providers.Config
	Registry    *providers.Registry
	Transcripts *store.TranscriptStore
	Broadcast   events.Broadcaster

	// OnHumanDetected is explicit message passing to the switch
	// coordinator; nil disables mid-call hand-off.
	OnHumanDetected func(callID string)
	// OnClosed lets the session registry drop this call.
	OnClosed func(callID string)
}

// Orchestrator owns one CallState and is its sole writer. All mutation
// happens under mu, so a concurrently arriving audio frame can never
// observe a partially-reset interruption state.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu            sync.Mutex
	st            *callstate.State
	phase         Phase
	legStarted    bool
	providerReady bool
	provider      providers.Adapter
	ivrEngine     *ivr.Engine
	pendingDigit  string
	pressTimer    *time.Timer

	markSeq   atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	endedOnce sync.Once
}

// New builds the orchestrator for one freshly started call leg.
func New(st *callstate.State, cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:      cfg,
		deps:     deps,
		st:       st,
		phase:    PhaseCreated,
		provider: deps.Provider,
		logger: logging.NewComponentLogger(slog.Default(), "session").With(
			slog.String("call_id", st.CallID)),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.IVREnabled {
		o.ivrEngine = ivr.NewEngine(cfg.IVR, o.onMenuTimeout)
	}
	return o
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// State returns the call state. Callers outside the orchestrator must
// treat it as read-only snapshots via the accessor methods below.
func (o *Orchestrator) CallID() string { return o.st.CallID }

// Start connects the speech backend and begins relaying. The telephony leg
// is taken as already started; provider readiness may land before or after
// and activation waits for both.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	o.phase = PhaseConnecting
	o.legStarted = true
	o.mu.Unlock()

	go o.connectProvider(o.provider, o.deps.ProviderCfg)
}

func (o *Orchestrator) connectProvider(adapter providers.Adapter, cfg providers.Config) {
	ctx, cancel := context.WithTimeout(o.ctx, o.cfg.ConnectTimeout)
	defer cancel()
	if err := adapter.Connect(ctx, cfg); err != nil {
		o.logger.Error("provider_connect_failed", "error", err.Error())
		o.emitError(err)
		o.beginEnding("provider_connect_failed")
		return
	}
	if o.deps.Registry != nil {
		o.deps.Registry.Register(o.st.CallID, adapter)
	}
	go o.consumeEvents(adapter)
}

// consumeEvents drains one adapter's stream. A stale loop (after a
// provider swap) drops events for the no-longer-active adapter. The loop
// ends when the adapter closes its channel or the session shuts down,
// whichever comes first.
func (o *Orchestrator) consumeEvents(adapter providers.Adapter) {
	for {
		var ev providers.Event
		var ok bool
		select {
		case <-o.ctx.Done():
			return
		case ev, ok = <-adapter.Events():
			if !ok {
				return
			}
		}
		if !o.isActiveAdapter(adapter) {
			continue
		}
		switch ev.Type {
		case providers.EventReady:
			o.onProviderReady()
		case providers.EventAudio:
			o.onProviderAudio(ev)
		case providers.EventTranscript:
			o.onTranscript(ev)
		case providers.EventSpeechStarted:
			o.Interrupt()
		case providers.EventError:
			if ev.Err != nil {
				o.emitError(ev.Err)
			}
			o.beginEnding("provider_error")
		case providers.EventClosed:
			o.beginEnding("provider_closed")
		}
	}
}

func (o *Orchestrator) isActiveAdapter(adapter providers.Adapter) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider == adapter
}

func (o *Orchestrator) onProviderReady() {
	o.mu.Lock()
	o.providerReady = true
	activated := false
	if o.legStarted && o.phase == PhaseConnecting {
		o.phase = PhaseActive
		activated = true
	}
	name := o.provider.Name()
	o.mu.Unlock()
	if activated {
		o.logger.Info("session_active", "provider", name)
		o.emit(events.CallStarted, map[string]any{
			"call_id":  o.st.CallID,
			"call_sid": o.st.CallSID,
			"provider": name,
		})
	}
}

// OnMedia relays one caller audio chunk to the backend. Chunks arriving
// before the provider is ready are dropped, not queued.
func (o *Orchestrator) OnMedia(payloadB64 string, timestampMS int64) {
	o.mu.Lock()
	o.st.LatestCallerTS = timestampMS
	ready := o.providerReady && o.phase == PhaseActive
	adapter := o.provider
	o.mu.Unlock()
	if !ready {
		return
	}
	if err := adapter.SendAudio(payloadB64); err != nil {
		o.logger.Warn("caller_audio_send_failed", "error", err.Error())
	}
}

func (o *Orchestrator) onProviderAudio(ev providers.Event) {
	o.mu.Lock()
	if o.phase != PhaseActive {
		o.mu.Unlock()
		return
	}
	first := !o.st.FirstByteSeen
	o.st.BeginResponse(ev.UnitID, o.st.LatestCallerTS)
	name := fmt.Sprintf("chunk-%d", o.markSeq.Add(1))
	o.st.PushMark(name)
	leg := o.deps.Leg
	o.mu.Unlock()

	if first {
		o.logger.Debug("assistant_first_audio", "unit_id", ev.UnitID)
	}
	_ = leg.SendAudio(ev.AudioB64)
	_ = leg.SendMark(name)
}

// OnMark acknowledges one playback boundary from the telephony leg.
func (o *Orchestrator) OnMark(string) {
	o.mu.Lock()
	o.st.AckMark()
	o.mu.Unlock()
}

// OnDTMF records keypad digits pressed by the far end.
func (o *Orchestrator) OnDTMF(digit string) {
	o.logger.Info("far_end_dtmf", "digit", digit)
}

// OnStop ends the session when the telephony leg hangs up.
func (o *Orchestrator) OnStop(reason string) {
	o.beginEnding(reason)
}

// Interrupt implements barge-in: the caller started speaking over the
// assistant. Buffer clear, truncation and bookkeeping reset happen under
// one lock acquisition so no frame sees an intermediate state.
func (o *Orchestrator) Interrupt() {
	o.mu.Lock()
	if o.st.ResponseStartTS == 0 {
		o.mu.Unlock()
		return
	}
	elapsed := o.st.ElapsedPlaybackMS()
	unit := o.st.LastAssistantItem
	adapter := o.provider
	leg := o.deps.Leg
	_ = leg.ClearBuffer()
	_ = adapter.Truncate(unit, elapsed)
	o.st.ResetPlayback()
	o.mu.Unlock()

	o.logger.Debug("barge_in", "unit_id", unit, "elapsed_ms", elapsed)
}

func (o *Orchestrator) onTranscript(ev providers.Event) {
	speaker := callstate.SpeakerAssistant
	if ev.Speaker == providers.SpeakerCaller {
		speaker = callstate.SpeakerCaller
	}

	o.mu.Lock()
	o.st.AppendEntry(speaker, ev.Text)
	var action *ivr.Action
	humanBefore := o.st.IVR.HumanDetected
	if o.ivrEngine != nil && speaker == callstate.SpeakerCaller {
		action = o.ivrEngine.ProcessTranscript(o.st, ev.Text)
	}
	humanDetected := !humanBefore && o.st.IVR.HumanDetected
	ackPending := o.pendingDigit != "" && speaker == callstate.SpeakerAssistant && ivr.IsAcknowledgment(ev.Text)
	if action != nil {
		o.pendingDigit = action.Digit
	}
	o.mu.Unlock()

	if o.deps.Transcripts != nil {
		o.deps.Transcripts.AddEntry(o.st.CallID, speaker, ev.Text)
	}
	o.emit(events.Transcript, map[string]any{
		"call_id": o.st.CallID,
		"speaker": string(speaker),
		"text":    ev.Text,
	})

	if action != nil {
		o.emit(events.IVRAction, map[string]any{
			"call_id":    o.st.CallID,
			"digit":      action.Digit,
			"confidence": action.Confidence,
		})
	}
	if ackPending {
		o.schedulePress()
	}
	if humanDetected && o.deps.OnHumanDetected != nil {
		o.deps.OnHumanDetected(o.st.CallID)
	}
}

// schedulePress waits the fixed post-acknowledgment delay before sending
// the pending digit, so the keypress lands after the assistant finished
// announcing it.
func (o *Orchestrator) schedulePress() {
	delay := ivr.DefaultPostAckDelay
	if o.ivrEngine != nil {
		delay = o.ivrEngine.PostAckDelay()
	}
	o.mu.Lock()
	if o.pressTimer != nil {
		o.pressTimer.Stop()
	}
	o.pressTimer = time.AfterFunc(delay, func() { o.pressPending() })
	o.mu.Unlock()
}

func (o *Orchestrator) pressPending() {
	o.mu.Lock()
	digit := o.pendingDigit
	o.pendingDigit = ""
	if digit == "" || o.phase != PhaseActive {
		o.mu.Unlock()
		return
	}
	if o.ivrEngine != nil {
		o.ivrEngine.AdvanceLevel(o.st)
	}
	leg := o.deps.Leg
	o.mu.Unlock()

	_ = leg.SendDTMF(digit)
	o.logger.Info("dtmf_pressed", "digit", digit)
}

// onMenuTimeout is the engine's escalation path: nothing matched and no
// human appeared within the menu window, so press the default digit.
func (o *Orchestrator) onMenuTimeout(digit string) {
	o.mu.Lock()
	if o.phase != PhaseActive || !o.st.IVR.Navigating {
		o.mu.Unlock()
		return
	}
	o.pendingDigit = digit
	o.mu.Unlock()
	o.pressPending()
}

// SwapProvider installs a new active backend connection mid-call and
// starts draining its events. The previous adapter is returned; closing
// it is the caller's responsibility (the switch coordinator's grace
// protocol).
func (o *Orchestrator) SwapProvider(adapter providers.Adapter, name string) providers.Adapter {
	o.mu.Lock()
	old := o.provider
	o.provider = adapter
	o.providerReady = true
	o.st.IVR.CurrentProvider = name
	o.st.ResetPlayback()
	o.mu.Unlock()

	if o.deps.Registry != nil {
		o.deps.Registry.Register(o.st.CallID, adapter)
	}
	go o.consumeEvents(adapter)
	return old
}

// ActiveProvider returns the adapter currently bound to the call.
func (o *Orchestrator) ActiveProvider() providers.Adapter {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.provider
}

// Snapshot copies the call state for read-only use (switch summaries,
// command surface).
func (o *Orchestrator) Snapshot() callstate.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := *o.st
	cp.History = append([]callstate.ConversationEntry(nil), o.st.History...)
	cp.MarkQueue = append([]string(nil), o.st.MarkQueue...)
	cp.IVR.HeardOptions = append([]string(nil), o.st.IVR.HeardOptions...)
	cp.IVR.PressedDigits = append([]string(nil), o.st.IVR.PressedDigits...)
	return cp
}

// End terminates the session on an explicit end-call request.
func (o *Orchestrator) End() {
	o.beginEnding("requested")
}

func (o *Orchestrator) beginEnding(reason string) {
	o.mu.Lock()
	if o.phase == PhaseEnding || o.phase == PhaseClosed {
		o.mu.Unlock()
		return
	}
	o.phase = PhaseEnding
	o.mu.Unlock()

	o.logger.Info("session_ending", "reason", reason)
	if o.ivrEngine != nil {
		o.ivrEngine.Stop()
	}
	// Grace period before sockets are force-closed, so in-flight frames
	// and the far end's goodbye may drain.
	time.AfterFunc(o.cfg.TeardownGrace, func() { o.close(reason) })
}

func (o *Orchestrator) close(reason string) {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.phase = PhaseClosed
		adapter := o.provider
		timer := o.pressTimer
		o.mu.Unlock()

		o.cancel()
		if timer != nil {
			timer.Stop()
		}
		if adapter != nil {
			_ = adapter.Close()
		}
		_ = o.deps.Leg.Close()
		if o.deps.Registry != nil {
			o.deps.Registry.Remove(o.st.CallID)
		}

		transcriptID := ""
		if o.deps.Transcripts != nil {
			o.deps.Transcripts.Finalize(o.st.CallID)
			if tr, ok := o.deps.Transcripts.GetByCallID(o.st.CallID); ok {
				transcriptID = tr.ID
			}
		}
		o.endedOnce.Do(func() {
			o.emit(events.CallEnded, map[string]any{
				"call_id":       o.st.CallID,
				"call_sid":      o.st.CallSID,
				"reason":        reason,
				"duration_ms":   o.st.Duration().Milliseconds(),
				"transcript_id": transcriptID,
			})
		})
		if o.deps.OnClosed != nil {
			o.deps.OnClosed(o.st.CallID)
		}
		o.logger.Info("session_closed", "reason", reason)
	})
}

func (o *Orchestrator) emit(name string, payload map[string]any) {
	if o.deps.Broadcast != nil {
		o.deps.Broadcast.Emit(name, payload)
	}
}

func (o *Orchestrator) emitError(err error) {
	o.emit(events.CallError, map[string]any{
		"call_id":     o.st.CallID,
		"reason_code": string(errorsx.Reason(err)),
		"error":       err.Error(),
	})
}
