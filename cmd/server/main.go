package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/im360john/voice-call-mcp-server/pkg/bridge"
	"github.com/im360john/voice-call-mcp-server/pkg/runner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	dialTo := flag.String("dial_to", "", "place one outbound call to this number at startup")
	dialContext := flag.String("dial_context", "", "call context for the startup call")
	drainTimeout := flag.Duration("drain_timeout", 15*time.Second, "how long shutdown waits for live calls")
	flag.Parse()

	cfg, err := bridge.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err.Error())
		os.Exit(1)
	}

	engine, err := bridge.NewEngine(cfg)
	if err != nil {
		slog.Error("engine_init_failed", "error", err.Error())
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				slog.Error("engine_start_failed", "error", err.Error())
				stop()
				return
			}
			if *dialTo != "" {
				callID, err := engine.MakeCall(ctx, bridge.CallOptions{
					To:      *dialTo,
					Context: *dialContext,
				})
				if err != nil {
					slog.Error("startup_dial_failed", "error", err.Error())
					return
				}
				slog.Info("startup_dial_placed", "call_id", callID)
			}
		},
		OnStop: func() {
			_ = engine.Stop()
		},
	}, *drainTimeout)

	if err := run.Run(ctx); err != nil {
		slog.Error("shutdown_incomplete", "error", err.Error())
		os.Exit(1)
	}
}
