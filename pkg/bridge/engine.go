package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/im360john/voice-call-mcp-server/pkg/batch"
	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
	"github.com/im360john/voice-call-mcp-server/pkg/configutil"
	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/events"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
	"github.com/im360john/voice-call-mcp-server/pkg/providers"
	"github.com/im360john/voice-call-mcp-server/pkg/providers/elevenlabs"
	"github.com/im360john/voice-call-mcp-server/pkg/providers/openai"
	"github.com/im360john/voice-call-mcp-server/pkg/session"
	"github.com/im360john/voice-call-mcp-server/pkg/store"
	"github.com/im360john/voice-call-mcp-server/pkg/switchover"
	"github.com/im360john/voice-call-mcp-server/pkg/transports/twilio"
)

// Custom stream parameters carried through call placement and echoed back
// on the media stream's start frame.
const (
	paramCallID       = "call_id"
	paramContext      = "context"
	paramPrompt       = "prompt"
	paramFirstMessage = "first_message"
	paramBatchID      = "batch_id"
	paramProvider     = "provider"
)

type Engine struct {
	cfg         Config
	transport   *twilio.Transport
	dialer      *twilio.Dialer
	smsSender   *twilio.SMSSender
	transcripts *store.TranscriptStore
	smsStore    *store.SMSStore
	broadcaster *events.AsyncBroadcaster
	connections *providers.Registry
	sessions    *session.Registry
	batches     *batch.Orchestrator
	switcher    *switchover.Coordinator
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logging.SetDefaultLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		dialer:      twilio.NewDialer(cfg.Twilio),
		smsSender:   twilio.NewSMSSender(cfg.Twilio),
		transcripts: store.NewTranscriptStore(),
		smsStore:    store.NewSMSStore(),
		broadcaster: events.NewAsyncBroadcaster(cfg.Events.Buffer),
		connections: providers.NewRegistry(),
		sessions:    session.NewRegistry(),
		logger:      logging.NewComponentLogger(slog.Default(), "bridge"),
		ctx:         ctx,
		cancel:      cancel,
	}
	e.transport = twilio.New(cfg.Twilio, e.onStreamStart)
	e.batches = batch.NewOrchestrator(
		batch.Config{InterChunkDelay: time.Duration(cfg.Batch.InterChunkDelayMS) * time.Millisecond},
		e.batchCall, e.batchSMS, e.broadcaster,
	)
	e.switcher = switchover.NewCoordinator(switchover.Config{
		Grace:          time.Duration(cfg.Switch.GraceMS) * time.Millisecond,
		ConnectTimeout: time.Duration(cfg.Switch.ConnectTimeoutMS) * time.Millisecond,
	}, e.newAdapter, e.broadcaster)

	slog.Info("bridge_init",
		"environment", cfg.Environment,
		"default_provider", cfg.Providers.Default,
		"navigation_provider", e.navigationProvider(),
		"ivr_enabled", cfg.IVR.Enabled,
	)
	return e, nil
}

// Start brings up the telephony server and the batch retention sweep.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.cleanupLoop()
	return nil
}

// Drain ends live calls and waits for them to close or for ctx to expire.
func (e *Engine) Drain(ctx context.Context) error {
	e.sessions.Drain()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for e.sessions.Count() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func (e *Engine) Stop() error {
	e.cancel()
	err := e.transport.Stop()
	e.broadcaster.Close()
	return err
}

// Events opens a subscriber stream of progress events.
func (e *Engine) Events(buffer int) <-chan events.ProgressEvent {
	return e.broadcaster.Subscribe(buffer)
}

// CallOptions parameterize one outbound call.
type CallOptions struct {
	To           string
	Context      string
	Prompt       string
	FirstMessage string
	Provider     string
	BatchID      string
}

// MakeCall places an outbound call and returns its call ID. The transcript
// is created here; the media-stream start handler reuses it.
func (e *Engine) MakeCall(ctx context.Context, opts CallOptions) (string, error) {
	if !strings.HasPrefix(opts.To, "+") {
		return "", errorsx.Wrap(fmt.Errorf("destination %q is not E.164", opts.To), errorsx.ReasonCallPlace)
	}
	if opts.Provider != "" {
		if _, err := e.newAdapter(opts.Provider); err != nil {
			return "", errorsx.Wrap(err, errorsx.ReasonCallPlace)
		}
	}

	callID := uuid.NewString()
	tr, _ := e.transcripts.CreateOrGet(callID)
	if opts.BatchID != "" {
		e.transcripts.SetBatchID(callID, opts.BatchID)
	}

	custom := map[string]string{
		paramCallID: callID,
	}
	if opts.Context != "" {
		custom[paramContext] = opts.Context
	}
	if opts.Prompt != "" {
		custom[paramPrompt] = opts.Prompt
	}
	if opts.FirstMessage != "" {
		custom[paramFirstMessage] = opts.FirstMessage
	}
	if opts.BatchID != "" {
		custom[paramBatchID] = opts.BatchID
	}
	if opts.Provider != "" {
		custom[paramProvider] = opts.Provider
	}

	callSID, err := e.dialer.Dial(ctx, twilio.DialParams{
		To:        opts.To,
		From:      e.cfg.Twilio.FromNumber,
		StreamURL: e.transport.StreamURL(),
		Record:    e.cfg.Twilio.RecordCalls,
		Custom:    custom,
	})
	if err != nil {
		return "", err
	}
	e.logger.Info("call_placed", "call_id", callID, "call_sid", callSID, "to", opts.To, "transcript_id", tr.ID)
	return callID, nil
}

// EndCall hangs up a live call by call ID: the platform leg through the
// REST API, the session through its own teardown.
func (e *Engine) EndCall(ctx context.Context, callID string) error {
	orch, ok := e.sessions.Get(callID)
	if !ok {
		return errorsx.Wrap(fmt.Errorf("no live call %s", callID), errorsx.ReasonCallEnd)
	}
	snap := orch.Snapshot()
	if snap.CallSID != "" {
		if err := e.dialer.EndCall(ctx, snap.CallSID); err != nil {
			e.logger.Warn("platform_end_failed", "call_id", callID, "error", err.Error())
		}
	}
	orch.End()
	return nil
}

// MakeBatchCalls queues one outbound call per target.
func (e *Engine) MakeBatchCalls(targets []batch.Target, cfg batch.OperationConfig) (string, error) {
	return e.batches.SubmitCalls(targets, cfg)
}

// SendBatchSMS queues one text message per target.
func (e *Engine) SendBatchSMS(targets []batch.Target, cfg batch.OperationConfig) (string, error) {
	return e.batches.SubmitSMS(targets, cfg)
}

func (e *Engine) GetBatchOperation(batchID string) (batch.Operation, bool) {
	return e.batches.GetOperation(batchID)
}

// RetryBatchTarget resets a failed target and runs the attempt.
func (e *Engine) RetryBatchTarget(batchID, phone string) error {
	if err := e.batches.RetryTarget(batchID, phone); err != nil {
		return err
	}
	return e.batches.ExecuteRetry(batchID, phone)
}

func (e *Engine) GetTranscript(callID string) (store.Transcript, bool) {
	return e.transcripts.GetByCallID(callID)
}

func (e *Engine) GetSMS(messageID string) (store.SMSRecord, bool) {
	return e.smsStore.GetByID(messageID)
}

// onStreamStart is the transport's start handler: it binds a freshly
// started media stream to a new call session. For outbound calls the
// custom parameters carry the placement-time call ID and overrides;
// their absence means an inbound call.
func (e *Engine) onStreamStart(leg *twilio.Leg, info twilio.StartInfo) (twilio.LegObserver, error) {
	callID := info.Custom[paramCallID]
	direction := callstate.DirectionOutbound
	if callID == "" {
		callID = uuid.NewString()
		direction = callstate.DirectionInbound
	}

	st := callstate.New(callID, direction)
	st.StreamSID = info.StreamSID
	st.CallSID = info.CallSID
	st.From = info.From
	st.To = info.To
	st.Context = info.Custom[paramContext]
	st.PromptOverride = info.Custom[paramPrompt]
	st.FirstMessageOverride = info.Custom[paramFirstMessage]
	st.BatchID = info.Custom[paramBatchID]

	// Idempotent: for outbound calls the transcript already exists from
	// placement, so losing the lookup race cannot create a second one.
	tr, _ := e.transcripts.CreateOrGet(callID)
	st.TranscriptID = tr.ID
	if st.BatchID != "" {
		e.transcripts.SetBatchID(callID, st.BatchID)
	}

	providerName := info.Custom[paramProvider]
	if providerName == "" {
		providerName = e.cfg.Providers.Default
		if e.cfg.IVR.Enabled && direction == callstate.DirectionOutbound {
			providerName = e.navigationProvider()
		}
	}
	adapter, err := e.newAdapter(providerName)
	if err != nil {
		return nil, err
	}
	st.IVR.CurrentProvider = providerName
	st.IVR.OriginalProvider = providerName

	ivrEnabled := e.cfg.IVR.Enabled && direction == callstate.DirectionOutbound
	orch := session.New(st, session.Config{
		ConnectTimeout: e.cfg.Session.connectTimeout(),
		TeardownGrace:  e.cfg.Session.teardownGrace(),
		IVREnabled:     ivrEnabled,
		IVR:            e.cfg.IVR.engineConfig(),
	}, session.Deps{
		Leg:      leg,
		Provider: adapter,
		ProviderCfg: providers.Config{
			CallID:       callID,
			Context:      st.Context,
			Prompt:       st.PromptOverride,
			FirstMessage: st.FirstMessageOverride,
		},
		Registry:        e.connections,
		Transcripts:     e.transcripts,
		Broadcast:       e.broadcaster,
		OnHumanDetected: e.onHumanDetected,
		OnClosed:        e.sessions.Remove,
	})
	if !e.sessions.Add(orch) {
		_ = adapter.Close()
		return nil, fmt.Errorf("session %s rejected", callID)
	}
	orch.Start()
	return orch, nil
}

// onHumanDetected moves the call to the preferred provider once IVR
// navigation reached a person.
func (e *Engine) onHumanDetected(callID string) {
	if !e.cfg.Switch.Enabled {
		return
	}
	orch, ok := e.sessions.Get(callID)
	if !ok {
		return
	}
	go func() {
		snap := orch.Snapshot()
		err := e.switcher.Switch(e.ctx, orch, e.cfg.Providers.Default, providers.Config{
			CallID:       callID,
			Context:      snap.Context,
			Prompt:       snap.PromptOverride,
			FirstMessage: snap.FirstMessageOverride,
		})
		if err != nil {
			e.logger.Warn("provider_switch_failed", "call_id", callID, "error", err.Error())
			e.broadcaster.Emit(events.CallError, map[string]any{
				"call_id":     callID,
				"reason_code": string(errorsx.Reason(err)),
				"error":       err.Error(),
			})
		}
	}()
}

// newAdapter is the provider factory shared by session start and the
// switch coordinator.
func (e *Engine) newAdapter(provider string) (providers.Adapter, error) {
	switch provider {
	case "openai":
		var c openai.Config
		if err := configutil.DecodeSettings(e.cfg.Providers.OpenAI, &c); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(c.APIKey, "providers.openai.api_key"); err != nil {
			return nil, err
		}
		return openai.New(c), nil
	case "elevenlabs":
		var c elevenlabs.Config
		if err := configutil.DecodeSettings(e.cfg.Providers.ElevenLabs, &c); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(c.APIKey, "providers.elevenlabs.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(c.AgentID, "providers.elevenlabs.agent_id"); err != nil {
			return nil, err
		}
		return elevenlabs.New(c), nil
	}
	return nil, fmt.Errorf("unknown provider %q", provider)
}

func (e *Engine) navigationProvider() string {
	if e.cfg.Providers.Navigation != "" {
		return e.cfg.Providers.Navigation
	}
	return e.cfg.Providers.Default
}

// batchCall starts one batch target's call, with per-target overrides
// falling back to the batch defaults.
func (e *Engine) batchCall(ctx context.Context, batchID string, t batch.Target) (string, error) {
	op, _ := e.batches.GetOperation(batchID)
	prompt := t.Prompt
	if prompt == "" {
		prompt = op.Config.Prompt
	}
	callContext := t.Context
	if callContext == "" {
		callContext = op.Config.Context
	}
	return e.MakeCall(ctx, CallOptions{
		To:       t.Phone,
		Context:  callContext,
		Prompt:   prompt,
		Provider: op.Config.Provider,
		BatchID:  batchID,
	})
}

// batchSMS sends one batch target's message and records it.
func (e *Engine) batchSMS(ctx context.Context, batchID string, t batch.Target) (string, error) {
	op, _ := e.batches.GetOperation(batchID)
	body := t.Message
	if body == "" {
		body = op.Config.Message
	}
	if body == "" {
		return "", errorsx.Wrap(fmt.Errorf("no message body for %s", t.Phone), errorsx.ReasonBatchTarget)
	}
	sid, err := e.smsSender.Send(ctx, t.Phone, e.cfg.Twilio.FromNumber, body)
	if err != nil {
		return "", err
	}
	e.smsStore.Record(store.SMSRecord{
		ID:         sid,
		ProviderID: sid,
		BatchID:    batchID,
		To:         t.Phone,
		From:       e.cfg.Twilio.FromNumber,
		Body:       body,
	})
	return sid, nil
}

func (e *Engine) cleanupLoop() {
	retention := time.Duration(e.cfg.Batch.RetentionHours) * time.Hour
	if retention <= 0 {
		return
	}
	tick := time.NewTicker(time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-tick.C:
			if n := e.batches.Cleanup(retention); n > 0 {
				e.logger.Info("batches_cleaned", "removed", n)
			}
		}
	}
}
