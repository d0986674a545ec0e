// Package ivr classifies transcribed attendant speech and decides which
// phone key, if any, should be pressed. The engine never sends DTMF itself:
// it returns actions and fires a timeout callback, and the session
// orchestrator decides when to act.
package ivr

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
)

const (
	DefaultMenuTimeout  = 30 * time.Second
	DefaultDigit        = "0"
	DefaultPostAckDelay = 1500 * time.Millisecond
)

// Action is one navigation decision: which digit matched, how confident
// the match was, and the transcript snippet that produced it.
type Action struct {
	Digit      string
	Confidence float64
	Snippet    string
}

type Config struct {
	Rules        []Rule
	MenuTimeout  time.Duration
	DefaultDigit string
	// PostAckDelay is how long the orchestrator waits after the assistant
	// acknowledges a menu option before pressing it.
	PostAckDelay time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Rules) == 0 {
		c.Rules = DefaultRules()
	}
	if c.MenuTimeout <= 0 {
		c.MenuTimeout = DefaultMenuTimeout
	}
	if c.DefaultDigit == "" {
		c.DefaultDigit = DefaultDigit
	}
	if c.PostAckDelay <= 0 {
		c.PostAckDelay = DefaultPostAckDelay
	}
	return c
}

// Engine is the per-call navigation state machine. It mutates the
// embedded IVR sub-state of the call; the caller holds the call's state
// lock across ProcessTranscript.
type Engine struct {
	cfg       Config
	onTimeout func(digit string)
	logger    *slog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewEngine builds an engine for one call. onTimeout fires on its own
// goroutine when a menu level produced neither a match nor a human within
// the configured window.
func NewEngine(cfg Config, onTimeout func(digit string)) *Engine {
	return &Engine{
		cfg:       cfg.withDefaults(),
		onTimeout: onTimeout,
		logger:    logging.NewComponentLogger(slog.Default(), "ivr_engine"),
	}
}

// PostAckDelay exposes the configured press delay to the orchestrator.
func (e *Engine) PostAckDelay() time.Duration { return e.cfg.PostAckDelay }

// ProcessTranscript advances the state machine with one transcript line
// and returns a navigation action when a menu rule matched, else nil.
func (e *Engine) ProcessTranscript(st *callstate.State, text string) *Action {
	text = strings.TrimSpace(text)
	if text == "" || st.IVR.HumanDetected {
		return nil
	}

	// Human heuristics run regardless of navigation state.
	if matchesAny(humanPatterns, text) {
		st.MarkHumanDetected()
		e.cancelTimer()
		e.logger.Info("human_detected", "call_id", st.CallID, "menu_level", st.IVR.MenuLevel)
		return nil
	}

	if matchesAny(machinePatterns, text) && st.IVR.Machine == callstate.MachineUnknown {
		st.IVR.Machine = callstate.MachineMachine
	}

	if matchesAny(menuPatterns, text) && !st.IVR.Navigating {
		st.EnterMenu()
		e.restartTimer()
		e.logger.Info("menu_detected", "call_id", st.CallID, "menu_level", st.IVR.MenuLevel)
	}

	if !st.IVR.Navigating {
		return nil
	}

	if action := e.match(text); action != nil {
		st.RecordMenuChoice(action.Snippet, action.Digit)
		st.IVR.AwaitingResponse = true
		e.restartTimer()
		e.logger.Info("menu_option_matched", "call_id", st.CallID,
			"digit", action.Digit, "confidence", action.Confidence)
		return action
	}
	return nil
}

// AdvanceLevel notes that a digit was pressed and a deeper menu is
// expected, restarting the per-level timeout.
func (e *Engine) AdvanceLevel(st *callstate.State) {
	st.EnterMenu()
	st.IVR.AwaitingResponse = false
	e.restartTimer()
}

// IsAcknowledgment reports whether an assistant line reads as the agent
// acknowledging a menu option it is about to press.
func IsAcknowledgment(text string) bool {
	return matchesAny(ackPatterns, text)
}

// Stop cancels any pending timeout. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) match(text string) *Action {
	var best *Action
	for _, rule := range e.cfg.Rules {
		if !rule.Pattern.MatchString(text) {
			continue
		}
		if best == nil || rule.Confidence > best.Confidence {
			best = &Action{Digit: rule.Digit, Confidence: rule.Confidence, Snippet: text}
		}
	}
	return best
}

func (e *Engine) restartTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	digit := e.cfg.DefaultDigit
	e.timer = time.AfterFunc(e.cfg.MenuTimeout, func() {
		e.mu.Lock()
		fire := !e.stopped && e.onTimeout != nil
		e.mu.Unlock()
		if fire {
			e.logger.Info("menu_timeout", "default_digit", digit)
			e.onTimeout(digit)
		}
	})
}

func (e *Engine) cancelTimer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, p := range patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}
