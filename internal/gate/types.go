package gate

import (
	"errors"
	"strings"
	"time"
)

// State is the wake/sleep position of the gate. Idle means the engine is
// not running; armed means it runs and transcripts are swallowed until
// the wake phrase; active means transcripts flow to the listener until
// the sleep phrase.
type State string

const (
	StateIdle   State = "idle"
	StateArmed  State = "armed"
	StateActive State = "active"
)

// Config holds the gating parameters. Phrases are compared trimmed and
// lowercased; the values are kept as configured for reporting.
type Config struct {
	WakePhrase     string
	SleepPhrase    string
	Locale         string
	Continuous     bool
	InterimResults bool
	RestartDelay   time.Duration
}

// DefaultConfig returns the built-in gating parameters.
func DefaultConfig() Config {
	return Config{
		WakePhrase:     "hi",
		SleepPhrase:    "bye",
		Locale:         "en-US",
		Continuous:     true,
		InterimResults: true,
		RestartDelay:   250 * time.Millisecond,
	}
}

func (c Config) validate() error {
	wake := normalize(c.WakePhrase)
	sleep := normalize(c.SleepPhrase)
	if wake == "" {
		return &ConfigError{Reason: "wake phrase must not be empty"}
	}
	if sleep == "" {
		return &ConfigError{Reason: "sleep phrase must not be empty"}
	}
	if wake == sleep {
		return &ConfigError{Reason: "wake and sleep phrases must be distinct"}
	}
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Transcript is a gated transcript forwarded to the listener while the
// gate is active. Timestamp is assigned by the gate at forward time, not
// taken from the engine.
type Transcript struct {
	SessionID  string
	Text       string
	Final      bool
	Confidence float64
	Timestamp  time.Time
}

// Status is a read-only snapshot of the gate.
type Status struct {
	State       State
	SessionID   string
	WakePhrase  string
	SleepPhrase string
}

// Listener receives gate notifications. Callbacks are invoked from the
// engine's delivery goroutine (or the restart timer) and must not block.
type Listener interface {
	StatusChanged(state State)
	WakeDetected(phrase string)
	SleepDetected(phrase string)
	Transcript(tr Transcript)
	GateError(err error)
}

// ConfigError reports invalid gating parameters. The failing call leaves
// the previous valid configuration in place.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "gate configuration: " + e.Reason
}

var (
	// ErrDisposed is returned by every operation after Dispose.
	ErrDisposed = errors.New("gate disposed")
	// ErrEngineUnavailable is returned at construction when no
	// recognition engine was supplied.
	ErrEngineUnavailable = errors.New("recognition engine unavailable")
)
