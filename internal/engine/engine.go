package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Event is a raw transcript event produced by the recognition engine.
// Timestamp is the engine's own clock, when the backend reports one.
type Event struct {
	Text       string
	Final      bool
	Confidence float64
	Timestamp  time.Time
}

// Listener receives engine callbacks. Exactly one listener is registered
// before the first Start and must not be swapped while the engine runs.
// Engines deliver every callback from their own goroutines; none are
// invoked synchronously from Start or Stop.
type Listener interface {
	EngineStarted()
	EngineStopped()
	EngineTranscript(ev Event)
	EngineError(err error)
}

// Options carries the recognition parameters handed to the backend on
// each start.
type Options struct {
	Locale         string
	Continuous     bool
	InterimResults bool
}

// Engine abstracts the external speech recognizer. Start and Stop are
// requests: the corresponding Listener acknowledgment reports when the
// backend actually changed state.
type Engine interface {
	SetListener(l Listener)
	Start(ctx context.Context, opts Options) error
	Stop() error
	Close() error
}

// ErrNoListener is returned when an engine is started before a listener
// was registered.
var ErrNoListener = errors.New("engine: no listener registered")

// Config mirrors the engine section of the runtime configuration without
// importing it, so engine backends stay reusable.
type Config struct {
	Kind           string
	Command        string
	RelayURL       string
	AuthToken      string
	ConnectTimeout time.Duration
}

// New builds an engine backend from configuration.
func New(cfg Config, log *slog.Logger) (Engine, error) {
	switch cfg.Kind {
	case "mock":
		return NewMock(nil, 0), nil
	case "exec":
		return NewExec(cfg.Command, log)
	case "relay":
		return NewRelay(RelayConfig{
			URL:            cfg.RelayURL,
			AuthToken:      cfg.AuthToken,
			ConnectTimeout: cfg.ConnectTimeout,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown engine kind %q", cfg.Kind)
	}
}
