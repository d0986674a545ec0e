// Package switchover hands a live call from one speech backend to another
// without dropping the telephony leg.
package switchover

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/callstate"
	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
	"github.com/im360john/voice-call-mcp-server/pkg/events"
	"github.com/im360john/voice-call-mcp-server/pkg/logging"
	"github.com/im360john/voice-call-mcp-server/pkg/providers"
)

const (
	DefaultGrace          = 2 * time.Second
	DefaultConnectTimeout = 10 * time.Second
)

// Session is the slice of the call orchestrator the coordinator needs.
type Session interface {
	CallID() string
	Snapshot() callstate.State
	ActiveProvider() providers.Adapter
	SwapProvider(adapter providers.Adapter, name string) providers.Adapter
}

type Config struct {
	// Grace bounds how long the old connection may linger after the new
	// one took over.
	Grace          time.Duration
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = DefaultGrace
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

type Coordinator struct {
	cfg       Config
	factory   providers.Factory
	broadcast events.Broadcaster
	logger    *slog.Logger
}

func NewCoordinator(cfg Config, factory providers.Factory, broadcast events.Broadcaster) *Coordinator {
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		factory:   factory,
		broadcast: broadcast,
		logger:    logging.NewComponentLogger(slog.Default(), "switchover"),
	}
}

// Switch connects the target backend, installs it on the session, primes
// it with the navigation context gathered so far, and retires the old
// connection within the grace window. On any failure before installation
// the old connection is left untouched and stays active.
func (c *Coordinator) Switch(ctx context.Context, sess Session, target string, cfg providers.Config) error {
	snap := sess.Snapshot()
	if snap.IVR.CurrentProvider == target {
		return nil
	}

	next, err := c.factory(target)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("unknown provider %q: %w", target, err), errorsx.ReasonSwitchAbort)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	cfg.CallID = snap.CallID
	if err := next.Connect(connectCtx, cfg); err != nil {
		_ = next.Close()
		c.logger.Warn("switch_connect_failed",
			"call_id", snap.CallID, "target", target, "error", err.Error())
		return errorsx.Wrap(err, errorsx.ReasonSwitchAbort)
	}

	old := sess.ActiveProvider()
	if old != nil {
		// Let the outgoing backend finish its sentence, then the swap
		// cuts its audio off at the session anyway.
		_ = old.RequestEndOfTurn("Another assistant is taking over this call now. Say a brief goodbye.")
	}

	sess.SwapProvider(next, target)
	if msg := ContextSummary(snap); msg != "" {
		if err := next.SendSystemMessage(msg); err != nil {
			c.logger.Warn("switch_context_send_failed",
				"call_id", snap.CallID, "error", err.Error())
		}
	}

	if old != nil {
		time.AfterFunc(c.cfg.Grace, func() { _ = old.Close() })
	}

	c.logger.Info("provider_switched",
		"call_id", snap.CallID,
		"from", snap.IVR.CurrentProvider,
		"to", target)
	if c.broadcast != nil {
		c.broadcast.Emit(events.ProviderSwitched, map[string]any{
			"call_id": snap.CallID,
			"from":    snap.IVR.CurrentProvider,
			"to":      target,
		})
	}
	return nil
}

// ContextSummary condenses the IVR traversal into one hand-off message
// for the incoming backend.
func ContextSummary(st callstate.State) string {
	var b strings.Builder
	b.WriteString("You are joining a phone call already in progress.")
	if len(st.IVR.HeardOptions) > 0 {
		b.WriteString(" Menu prompts heard so far: ")
		b.WriteString(strings.Join(st.IVR.HeardOptions, "; "))
		b.WriteString(".")
	}
	if len(st.IVR.PressedDigits) > 0 {
		b.WriteString(" Digits pressed to navigate: ")
		b.WriteString(strings.Join(st.IVR.PressedDigits, ", "))
		b.WriteString(".")
	}
	if last := st.LastCallerUtterance(); last != "" {
		b.WriteString(" The person on the line just said: \"")
		b.WriteString(last)
		b.WriteString("\".")
	}
	return b.String()
}
