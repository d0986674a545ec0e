package openai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
	"github.com/im360john/voice-call-mcp-server/pkg/providers"
)

const defaultEndpoint = "wss://api.openai.com/v1/realtime"

type Config struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Voice       string  `mapstructure:"voice"`
	Temperature float64 `mapstructure:"temperature"`
	Endpoint    string  `mapstructure:"endpoint"`
}

// Adapter speaks the OpenAI realtime websocket protocol and maps its events
// onto the normalized provider event set. Audio in and out is g711 mu-law,
// the telephony leg's native codec, so payloads relay untouched.
type Adapter struct {
	cfg    Config
	conn   *websocket.Conn
	out    chan providers.Event
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	logger *slog.Logger
	closed sync.Once
}

func New(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.8
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	return &Adapter{
		cfg:    cfg,
		out:    make(chan providers.Event, 256),
		logger: logging.NewComponentLogger(slog.Default(), "openai_realtime"),
	}
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Events() <-chan providers.Event { return a.out }

func (a *Adapter) Connect(ctx context.Context, cfg providers.Config) error {
	if a.cfg.APIKey == "" {
		return errorsx.Wrap(errors.New("missing openai api key"), errorsx.ReasonProviderConnect)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	u := a.cfg.Endpoint + "?" + url.Values{"model": {a.cfg.Model}}.Encode()
	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment}
	conn, _, err := dialer.DialContext(ctx, u, http.Header{
		"Authorization": []string{"Bearer " + a.cfg.APIKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	})
	if err != nil {
		a.cancel()
		a.logger.Error("provider_connect_failed", "call_id", cfg.CallID, "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonProviderConnect)
	}
	a.conn = conn
	a.logger.Info("provider_connected", "call_id", cfg.CallID, "model", a.cfg.Model)

	if err := a.send(sessionUpdate(a.cfg, cfg)); err != nil {
		a.cancel()
		_ = conn.Close()
		return errorsx.Wrap(err, errorsx.ReasonProviderConnect)
	}
	if msg := firstMessage(cfg); msg != nil {
		_ = a.send(msg)
		_ = a.send(map[string]any{"type": "response.create"})
	}

	go a.readLoop(cfg.CallID)
	return nil
}

func (a *Adapter) SendAudio(payloadB64 string) error {
	return errorsx.Wrap(a.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": payloadB64,
	}), errorsx.ReasonProviderSend)
}

// Truncate cuts the in-flight assistant utterance at the elapsed playback
// offset so the model's view of the conversation matches what the caller
// actually heard.
func (a *Adapter) Truncate(unitID string, elapsedMS int64) error {
	if unitID == "" {
		return nil
	}
	return errorsx.Wrap(a.send(map[string]any{
		"type":          "conversation.item.truncate",
		"item_id":       unitID,
		"content_index": 0,
		"audio_end_ms":  elapsedMS,
	}), errorsx.ReasonProviderSend)
}

func (a *Adapter) SendSystemMessage(text string) error {
	if err := a.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "system",
			"content": []map[string]any{{"type": "input_text", "text": text}},
		},
	}); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonProviderSend)
	}
	return errorsx.Wrap(a.send(map[string]any{"type": "response.create"}), errorsx.ReasonProviderSend)
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

func (a *Adapter) handleMessage(callID string, data []byte) {
	var msg struct {
		Type       string `json:"type"`
		Delta      string `json:"delta"`
		ItemID     string `json:"item_id"`
		Transcript string `json:"transcript"`
		Error      struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("provider_frame_dropped", "call_id", callID,
			"reason_code", string(errorsx.ReasonProtocolFrame))
		return
	}
	switch msg.Type {
	case "session.updated":
		a.emit(providers.Event{Type: providers.EventReady})
	case "response.audio.delta":
		a.emitAudio(providers.Event{Type: providers.EventAudio, AudioB64: msg.Delta, UnitID: msg.ItemID})
	case "response.audio_transcript.done":
		a.emit(providers.Event{Type: providers.EventTranscript, Speaker: providers.SpeakerAssistant, Text: msg.Transcript})
	case "conversation.item.input_audio_transcription.completed":
		a.emit(providers.Event{Type: providers.EventTranscript, Speaker: providers.SpeakerCaller, Text: msg.Transcript})
	case "input_audio_buffer.speech_started":
		a.emit(providers.Event{Type: providers.EventSpeechStarted})
	case "error":
		a.emit(providers.Event{Type: providers.EventError, Err: errors.New(msg.Error.Message)})
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

func sessionUpdate(cfg Config, call providers.Config) map[string]any {
	instructions := call.Context
	if call.Prompt != "" {
		instructions = call.Prompt
		if call.Context != "" {
			instructions += "\n\n" + call.Context
		}
	}
	voice := cfg.Voice
	if call.Voice != "" {
		voice = call.Voice
	}
	temperature := cfg.Temperature
	if call.Temperature != 0 {
		temperature = call.Temperature
	}
	return map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"turn_detection":      map[string]any{"type": "server_vad"},
			"input_audio_format":  "g711_ulaw",
			"output_audio_format": "g711_ulaw",
			"voice":               voice,
			"instructions":        instructions,
			"modalities":          []string{"text", "audio"},
			"temperature":         temperature,
			"input_audio_transcription": map[string]any{
				"model": "whisper-1",
			},
		},
	}
}

func firstMessage(call providers.Config) map[string]any {
	if call.FirstMessage == "" {
		return nil
	}
	return map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": "Greet the caller with: " + call.FirstMessage},
			},
		},
	}
}

var _ providers.Adapter = (*Adapter)(nil)
