package elevenlabs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
	"github.com/im360john/voice-call-mcp-server/pkg/providers"
	"github.com/im360john/voice-call-mcp-server/pkg/resilience"
)

const defaultBaseURL = "https://api.elevenlabs.io"

type Config struct {
	APIKey  string `mapstructure:"api_key"`
	AgentID string `mapstructure:"agent_id"`
	BaseURL string `mapstructure:"base_url"`
}

// Adapter speaks the ElevenLabs conversational-agent websocket protocol.
// Connecting is two-step: a REST call exchanges the agent id and API key for
// a short-lived single-use signed URL, then the duplex socket is dialed.
type Adapter struct {
	cfg    Config
	http   *http.Client
	conn   *websocket.Conn
	out    chan providers.Event
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	logger *slog.Logger
	closed sync.Once
	retry  resilience.RetryPolicy
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Adapter{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		out:    make(chan providers.Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "elevenlabs_convai"),
		retry:  resilience.NewRetryPolicy(2, 200*time.Millisecond),
	}
}

func (a *Adapter) Name() string { return "elevenlabs" }

func (a *Adapter) Events() <-chan providers.Event { return a.out }

func (a *Adapter) Connect(ctx context.Context, cfg providers.Config) error {
	if a.cfg.APIKey == "" || a.cfg.AgentID == "" {
		return errorsx.Wrap(errors.New("missing elevenlabs config"), errorsx.ReasonProviderConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	signedURL, err := a.fetchSignedURL(ctx)
	if err != nil {
		a.logger.Error("signed_url_failed", "call_id", cfg.CallID, "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonSignedURL)
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, signedURL, nil)
	if err != nil {
		a.cancel()
		a.logger.Error("provider_connect_failed", "call_id", cfg.CallID, "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonProviderConnect)
	}
	a.conn = conn
	a.logger.Info("provider_connected", "call_id", cfg.CallID, "agent_id", a.cfg.AgentID)

	if err := a.send(initiationFrame(cfg)); err != nil {
		_ = conn.Close()
		a.cancel()
		return errorsx.Wrap(err, errorsx.ReasonProviderConnect)
	}

	go a.readLoop(cfg.CallID)
	return nil
}

// fetchSignedURL performs the one-time REST exchange. The URL it returns is
// single-use, so a fresh one is fetched per connection attempt.
func (a *Adapter) fetchSignedURL(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(a.cfg.BaseURL, "/") +
		"/v1/convai/conversation/get-signed-url?" +
		url.Values{"agent_id": {a.cfg.AgentID}}.Encode()

	var signed string
	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return err
		}
		req.Header.Set("xi-api-key", a.cfg.APIKey)
		resp, err := a.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("signed url: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		var out struct {
			SignedURL string `json:"signed_url"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		if out.SignedURL == "" {
			return errors.New("signed url: empty response")
		}
		signed = out.SignedURL
		return nil
	}

	if err := a.retry.Do(ctx, attempt); err != nil {
		return "", err
	}
	return signed, nil
}

func (a *Adapter) SendAudio(payloadB64 string) error {
	return errorsx.Wrap(a.send(map[string]any{"user_audio_chunk": payloadB64}), errorsx.ReasonProviderSend)
}

// Truncate is a no-op: the agent platform manages its own interruption
// handling server-side.
func (a *Adapter) Truncate(string, int64) error { return nil }

func (a *Adapter) SendSystemMessage(text string) error {
	return errorsx.Wrap(a.send(map[string]any{
		"type": "contextual_update",
		"text": text,
	}), errorsx.ReasonProviderSend)
}

func (a *Adapter) RequestEndOfTurn(text string) error {
	return a.SendSystemMessage(text)
}

func (a *Adapter) Close() error {
	var err error
	a.closed.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.conn != nil {
			_ = a.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			err = a.conn.Close()
		}
	})
	return err
}

// readLoop is the only sender on a.out; closing the channel on exit lets
// consumers range to completion instead of blocking forever.
func (a *Adapter) readLoop(callID string) {
	defer close(a.out)
	defer a.emit(providers.Event{Type: providers.EventClosed})
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if a.ctx.Err() == nil {
				a.logger.Warn("provider_read_closed", "call_id", callID, "error", err.Error())
			}
			return
		}
		a.handleMessage(callID, data)
	}
}

type inboundFrame struct {
	Type    string          `json:"type"`
	EventID json.RawMessage `json:"event_id"`

	PingEvent *struct {
		EventID json.RawMessage `json:"event_id"`
	} `json:"ping_event"`

	// Audio arrives in either of two shapes for the same payload.
	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`
	Audio string `json:"audio"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

func (a *Adapter) handleMessage(callID string, data []byte) {
	var msg inboundFrame
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("provider_frame_dropped", "call_id", callID,
			"reason_code", string(errorsx.ReasonProtocolFrame))
		return
	}
	switch msg.Type {
	case "conversation_initiation_metadata":
		a.emit(providers.Event{Type: providers.EventReady})
	case "ping":
		// The platform disconnects if a ping goes unanswered within the
		// keep-alive window. The pong echoes the same event id verbatim.
		eventID := msg.EventID
		if msg.PingEvent != nil && len(msg.PingEvent.EventID) > 0 {
			eventID = msg.PingEvent.EventID
		}
		_ = a.send(map[string]any{"type": "pong", "event_id": eventID})
	case "audio":
		payload := msg.Audio
		unit := ""
		if msg.AudioEvent != nil && msg.AudioEvent.AudioBase64 != "" {
			payload = msg.AudioEvent.AudioBase64
			unit = fmt.Sprintf("%d", msg.AudioEvent.EventID)
		}
		if payload == "" {
			return
		}
		a.emitAudio(providers.Event{Type: providers.EventAudio, AudioB64: payload, UnitID: unit})
	case "agent_response":
		if msg.AgentResponseEvent != nil {
			a.emit(providers.Event{
				Type:    providers.EventTranscript,
				Speaker: providers.SpeakerAssistant,
				Text:    msg.AgentResponseEvent.AgentResponse,
			})
		}
	case "user_transcript":
		if msg.UserTranscriptionEvent != nil {
			a.emit(providers.Event{
				Type:    providers.EventTranscript,
				Speaker: providers.SpeakerCaller,
				Text:    msg.UserTranscriptionEvent.UserTranscript,
			})
		}
	case "interruption":
		a.emit(providers.Event{Type: providers.EventSpeechStarted})
	}
}

func (a *Adapter) emit(ev providers.Event) {
	select {
	case a.out <- ev:
	case <-a.ctx.Done():
	case <-time.After(time.Second):
	}
}

func (a *Adapter) emitAudio(ev providers.Event) {
	select {
	case a.out <- ev:
	default:
		a.logger.Warn("provider_audio_dropped", "unit_id", ev.UnitID)
	}
}

func (a *Adapter) send(payload map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, b)
}

// initiationFrame builds conversation_initiation_client_data. Override
// fields are included only when a caller- or batch-specific value exists;
// omitting them lets the remote agent keep its own configured defaults.
func initiationFrame(cfg providers.Config) map[string]any {
	frame := map[string]any{
		"type": "conversation_initiation_client_data",
	}
	agent := map[string]any{}
	if cfg.Prompt != "" {
		agent["prompt"] = map[string]any{"prompt": cfg.Prompt}
	}
	if cfg.FirstMessage != "" {
		agent["first_message"] = cfg.FirstMessage
	}
	if len(agent) > 0 {
		frame["conversation_config_override"] = map[string]any{"agent": agent}
	}
	if cfg.Context != "" {
		frame["dynamic_variables"] = map[string]any{"call_context": cfg.Context}
	}
	return frame
}

var _ providers.Adapter = (*Adapter)(nil)
