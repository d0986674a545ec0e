// Package runner drives process lifecycle: banner, start hooks, blocking
// run, and bounded drain on shutdown.
package runner

import (
	"bytes"
	"context"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer winds down in-flight work. Drain should return once live calls
// have been told to end; the runner bounds how long it waits.
type Drainer interface {
	Drain(ctx context.Context) error
}

const Version = "dev"

func PrintBanner() {
	tpl := "{{ .Title \"VOICE CALL\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(os.Stdout, true, true, bytes.NewBufferString(tpl))
}
