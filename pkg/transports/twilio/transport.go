package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
)

type Config struct {
	ServerAddr     string   `mapstructure:"server_addr"`
	PublicURL      string   `mapstructure:"public_url"`
	AccountSID     string   `mapstructure:"account_sid"`
	AuthToken      string   `mapstructure:"auth_token"`
	FromNumber     string   `mapstructure:"from_number"`
	VoicePath      string   `mapstructure:"voice_path"`
	WebsocketPath  string   `mapstructure:"ws_path"`
	AllowAnyOrigin bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	RecordCalls    bool     `mapstructure:"record_calls"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	return c
}

// StartInfo carries everything the platform reports on the stream's start
// frame, including the custom parameters attached at call placement.
type StartInfo struct {
	StreamSID string
	CallSID   string
	From      string
	To        string
	Custom    map[string]string
}

// LegObserver receives the inbound side of one media stream. Calls arrive
// in socket order on a single goroutine.
type LegObserver interface {
	OnMedia(payloadB64 string, timestampMS int64)
	OnMark(name string)
	OnDTMF(digit string)
	OnStop(reason string)
}

// StartHandler binds a freshly started leg to its session. Returning an
// error rejects the stream and closes the socket.
type StartHandler func(leg *Leg, info StartInfo) (LegObserver, error)

// Transport is the telephony side of the bridge: it terminates the
// platform's bidirectional media-stream websocket and serves the voice
// webhook for inbound calls.
type Transport struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	onStart  StartHandler
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Leg

	draining atomic.Bool
}

func New(cfg Config, onStart StartHandler) *Transport {
	cfg = cfg.withDefaults()
	t := &Transport{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		onStart:  onStart,
		sessions: make(map[string]*Leg),
		logger:   slog.Default().With("component", "twilio_transport"),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "twilio" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("transport_server_error", "error", err.Error())
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	for _, leg := range t.sessions {
		_ = leg.Close()
	}
	t.sessions = make(map[string]*Leg)
	t.mu.Unlock()
	return nil
}

// StreamURL is the public websocket endpoint handed to the platform at call
// placement.
func (t *Transport) StreamURL() string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "ws://" + addr + t.cfg.WebsocketPath
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var (
		leg      *Leg
		observer LegObserver
		stopped  bool
	)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt StreamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			t.logger.Warn("frame_dropped", "reason_code", string(errorsx.ReasonProtocolFrame))
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil || t.onStart == nil {
				continue
			}
			leg = newLeg(conn, evt.Start.StreamSID)
			info := StartInfo{
				StreamSID: evt.Start.StreamSID,
				CallSID:   evt.Start.CallSID,
				From:      evt.Start.CustomParameters["from"],
				To:        evt.Start.CustomParameters["to"],
				Custom:    evt.Start.CustomParameters,
			}
			obs, err := t.onStart(leg, info)
			if err != nil {
				t.logger.Error("stream_rejected", "call_sid", info.CallSID, "error", err.Error())
				_ = leg.Close()
				return
			}
			observer = obs
			t.attach(evt.Start.StreamSID, leg)
		case "media":
			if evt.Media == nil || observer == nil {
				continue
			}
			ts, _ := strconv.ParseInt(evt.Media.Timestamp, 10, 64)
			observer.OnMedia(evt.Media.Payload, ts)
		case "mark":
			if evt.Mark == nil || observer == nil {
				continue
			}
			observer.OnMark(evt.Mark.Name)
		case "dtmf":
			if evt.DTMF == nil || observer == nil {
				continue
			}
			observer.OnDTMF(evt.DTMF.Digit)
		case "stop":
			stopped = true
			if observer != nil {
				reason := "completed"
				if evt.Stop != nil && evt.Stop.Reason != "" {
					reason = evt.Stop.Reason
				}
				observer.OnStop(reason)
			}
			if leg != nil {
				t.detach(leg.streamSID)
			}
			return
		}
	}
	if leg != nil && !stopped {
		if observer != nil {
			observer.OnStop("transport_closed")
		}
		t.detach(leg.streamSID)
	}
}

// handleVoice answers the platform's inbound-call webhook with TwiML
// connecting the call to the media stream.
func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateRequest(r) {
		t.logger.Warn("invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	_ = r.ParseForm()
	params := map[string]string{
		"from":      r.FormValue("From"),
		"to":        r.FormValue("To"),
		"direction": "inbound",
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(StreamTwiML(t.StreamURL(), params)))
}

func (t *Transport) attach(streamSID string, leg *Leg) {
	t.mu.Lock()
	old := t.sessions[streamSID]
	t.sessions[streamSID] = leg
	t.mu.Unlock()
	if old != nil && old != leg {
		_ = old.Close()
	}
}

func (t *Transport) detach(streamSID string) {
	t.mu.Lock()
	leg := t.sessions[streamSID]
	delete(t.sessions, streamSID)
	t.mu.Unlock()
	if leg != nil {
		_ = leg.Close()
	}
}

func (t *Transport) validateRequest(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		base := strings.TrimRight(t.cfg.PublicURL, "/")
		return base + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a != "" && strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// Leg is the outbound half of one media stream: audio, marks, clear-buffer
// and DTMF frames travel through a buffered per-call send loop so a slow
// socket never stalls the relay.
type Leg struct {
	conn      *websocket.Conn
	streamSID string

	// mu orders enqueues against Close so nothing sends on a closed channel.
	mu     sync.Mutex
	sendCh chan []byte
	closed bool
}

func newLeg(conn *websocket.Conn, streamSID string) *Leg {
	l := &Leg{
		conn:      conn,
		streamSID: streamSID,
		sendCh:    make(chan []byte, 256),
	}
	go l.loop()
	return l
}

func (l *Leg) StreamSID() string { return l.streamSID }

// SendAudio queues one opaque base64 media payload for playback.
func (l *Leg) SendAudio(payloadB64 string) error {
	return l.enqueue(map[string]any{
		"event":     "media",
		"streamSid": l.streamSID,
		"media":     map[string]any{"payload": payloadB64},
	})
}

// SendMark asks the platform to acknowledge when queued playback reaches
// this boundary.
func (l *Leg) SendMark(name string) error {
	return l.enqueue(map[string]any{
		"event":     "mark",
		"streamSid": l.streamSID,
		"mark":      map[string]any{"name": name},
	})
}

// ClearBuffer discards all queued playback audio on the platform side.
func (l *Leg) ClearBuffer() error {
	return l.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": l.streamSID,
	})
}

// SendDTMF plays keypad digits into the call.
func (l *Leg) SendDTMF(digits string) error {
	return l.enqueue(map[string]any{
		"event":     "dtmf",
		"streamSid": l.streamSID,
		"dtmf":      map[string]any{"digits": digits},
	})
}

func (l *Leg) enqueue(msg map[string]any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errorsx.Wrap(errors.New("leg closed"), errorsx.ReasonTransportSend)
	}
	select {
	case l.sendCh <- b:
	default:
	}
	return nil
}

func (l *Leg) loop() {
	for msg := range l.sendCh {
		_ = l.conn.WriteMessage(websocket.TextMessage, msg)
	}
}

func (l *Leg) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.sendCh)
	}
	l.mu.Unlock()
	return l.conn.Close()
}

// Wire shapes of the platform's JSON control frames.

type StreamStart struct {
	CallSID          string            `json:"callSid"`
	StreamSID        string            `json:"streamSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type StreamMedia struct {
	Payload   string `json:"payload"`
	Timestamp string `json:"timestamp"`
}

type StreamMark struct {
	Name string `json:"name"`
}

type StreamDTMF struct {
	Digit string `json:"digit"`
}

type StreamStop struct {
	Reason string `json:"reason"`
}

type StreamEvent struct {
	Event string       `json:"event"`
	Start *StreamStart `json:"start,omitempty"`
	Media *StreamMedia `json:"media,omitempty"`
	Mark  *StreamMark  `json:"mark,omitempty"`
	DTMF  *StreamDTMF  `json:"dtmf,omitempty"`
	Stop  *StreamStop  `json:"stop,omitempty"`
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
