package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/earshotlabs/earshot/internal/engine"
)

// Gate owns a recognition engine exclusively and forwards its transcripts
// to the listener only between a wake-phrase and a sleep-phrase match.
// State transitions are driven by engine acknowledgments and explicit
// Stop calls, never by the request calls themselves.
type Gate struct {
	eng      engine.Engine
	listener Listener
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	clock        func() time.Time
	newSessionID func() string
	restarts     atomic.Uint64

	mu             sync.Mutex
	cfg            Config
	state          State
	disposed       bool
	startRequested bool
	stopRequested  bool
	engineRunning  bool
	restartTimer   *time.Timer
	sessionID      string
}

// New validates the configuration, takes exclusive ownership of the
// engine and registers the gate as its sole listener.
func New(parent context.Context, cfg Config, eng engine.Engine, listener Listener, log *slog.Logger) (*Gate, error) {
	if eng == nil {
		return nil, ErrEngineUnavailable
	}
	if listener == nil {
		return nil, errors.New("gate listener is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultConfig().RestartDelay
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultConfig().Locale
	}

	ctx, cancel := context.WithCancel(parent)
	g := &Gate{
		eng:          eng,
		listener:     listener,
		log:          log.With(slog.String("component", "gate")),
		ctx:          ctx,
		cancel:       cancel,
		clock:        time.Now,
		newSessionID: uuid.NewString,
		cfg:          cfg,
		state:        StateIdle,
	}
	eng.SetListener(g)
	return g, nil
}

// Start requests the engine to begin listening. The gate becomes armed
// once the engine acknowledges the start. Calling Start while already
// armed or active is a no-op.
func (g *Gate) Start() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}
	if g.startRequested {
		g.mu.Unlock()
		return nil
	}
	g.startRequested = true
	g.stopRequested = false
	g.sessionID = g.newSessionID()
	opts := g.engineOptions()
	g.mu.Unlock()

	if err := g.eng.Start(g.ctx, opts); err != nil {
		g.mu.Lock()
		g.startRequested = false
		g.sessionID = ""
		g.mu.Unlock()
		return fmt.Errorf("start recognition engine: %w", err)
	}
	return nil
}

// Stop requests the engine to stop and cancels any pending auto-restart.
// Always safe to call; a second Stop while already idle is a no-op.
func (g *Gate) Stop() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}
	g.cancelRestartLocked()
	if !g.startRequested && g.state == StateIdle {
		g.mu.Unlock()
		return nil
	}
	if g.engineRunning {
		g.stopRequested = true
		g.mu.Unlock()
		if err := g.eng.Stop(); err != nil {
			return fmt.Errorf("stop recognition engine: %w", err)
		}
		return nil
	}

	// The engine is not running: either a start acknowledgment is still
	// in flight or we are inside the restart delay window. Settle to
	// idle immediately.
	g.startRequested = false
	changed := g.state != StateIdle
	g.state = StateIdle
	g.sessionID = ""
	g.mu.Unlock()
	if changed {
		g.listener.StatusChanged(StateIdle)
	}
	return nil
}

// UpdateConfig replaces the gating parameters after the same validation
// as construction. The current state is unaffected; the next transcript
// is evaluated against the new phrases. Locale and continuity changes
// reach the engine on its next start.
func (g *Gate) UpdateConfig(cfg Config) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return ErrDisposed
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = g.cfg.RestartDelay
	}
	if cfg.Locale == "" {
		cfg.Locale = g.cfg.Locale
	}
	g.cfg = cfg
	return nil
}

// Status returns a snapshot of the gate.
func (g *Gate) Status() (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return Status{}, ErrDisposed
	}
	return Status{
		State:       g.state,
		SessionID:   g.sessionID,
		WakePhrase:  g.cfg.WakePhrase,
		SleepPhrase: g.cfg.SleepPhrase,
	}, nil
}

// RestartCount reports how many automatic engine restarts the gate has
// issued since construction.
func (g *Gate) RestartCount() uint64 {
	return g.restarts.Load()
}

// Dispose releases the engine permanently. Every operation afterwards
// fails with ErrDisposed.
func (g *Gate) Dispose() error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return ErrDisposed
	}
	g.disposed = true
	g.cancelRestartLocked()
	changed := g.state != StateIdle
	g.state = StateIdle
	g.sessionID = ""
	running := g.engineRunning
	g.mu.Unlock()

	g.cancel()
	if running {
		_ = g.eng.Stop()
	}
	err := g.eng.Close()
	if changed {
		g.listener.StatusChanged(StateIdle)
	}
	return err
}

// EngineStarted is the engine's start acknowledgment.
func (g *Gate) EngineStarted() {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return
	}
	g.engineRunning = true
	if !g.startRequested {
		// The consumer stopped while this start was in flight.
		g.mu.Unlock()
		_ = g.eng.Stop()
		return
	}
	if g.state != StateIdle {
		// Auto-restart: the armed/active state was preserved across the
		// engine's own stop, nothing changes for the consumer.
		g.mu.Unlock()
		return
	}
	g.state = StateArmed
	g.mu.Unlock()
	g.listener.StatusChanged(StateArmed)
}

// EngineStopped is the engine's stop acknowledgment. A stop nobody asked
// for is the engine hitting its own turn limit; listening resumes after
// a short delay unless Stop or Dispose intervenes.
func (g *Gate) EngineStopped() {
	g.mu.Lock()
	g.engineRunning = false
	if g.disposed {
		g.mu.Unlock()
		return
	}
	if g.stopRequested {
		g.stopRequested = false
		g.startRequested = false
		changed := g.state != StateIdle
		g.state = StateIdle
		g.sessionID = ""
		g.mu.Unlock()
		if changed {
			g.listener.StatusChanged(StateIdle)
		}
		return
	}
	if !g.startRequested || g.state == StateIdle {
		g.mu.Unlock()
		return
	}
	delay := g.cfg.RestartDelay
	g.restartTimer = time.AfterFunc(delay, g.restart)
	g.mu.Unlock()
	g.log.Debug("engine stopped on its own, restart scheduled",
		slog.Duration("delay", delay), slog.String("state", string(g.stateSnapshot())))
}

// EngineTranscript classifies a transcript against the trigger phrases.
func (g *Gate) EngineTranscript(ev engine.Event) {
	g.mu.Lock()
	if g.disposed || g.state == StateIdle {
		g.mu.Unlock()
		return
	}
	utterance := normalize(ev.Text)
	cfg := g.cfg

	switch {
	case g.state == StateArmed && strings.Contains(utterance, normalize(cfg.WakePhrase)):
		g.state = StateActive
		g.mu.Unlock()
		g.listener.WakeDetected(cfg.WakePhrase)
		g.listener.StatusChanged(StateActive)

	case g.state == StateActive && strings.Contains(utterance, normalize(cfg.SleepPhrase)):
		g.state = StateArmed
		g.mu.Unlock()
		g.listener.SleepDetected(cfg.SleepPhrase)
		g.listener.StatusChanged(StateArmed)

	case g.state == StateActive:
		if !ev.Final && !cfg.InterimResults {
			g.mu.Unlock()
			return
		}
		tr := Transcript{
			SessionID:  g.sessionID,
			Text:       ev.Text,
			Final:      ev.Final,
			Confidence: ev.Confidence,
			Timestamp:  g.clock(),
		}
		g.mu.Unlock()
		g.listener.Transcript(tr)

	default:
		// Armed without a wake match: dropped.
		g.mu.Unlock()
	}
}

// EngineError surfaces a mid-session engine error. The gate keeps its
// state; recovery rides on the engine's own subsequent stop.
func (g *Gate) EngineError(err error) {
	g.mu.Lock()
	disposed := g.disposed
	g.mu.Unlock()
	if disposed {
		return
	}
	g.listener.GateError(fmt.Errorf("recognition: %w", err))
}

func (g *Gate) restart() {
	g.mu.Lock()
	g.restartTimer = nil
	if g.disposed || !g.startRequested {
		g.mu.Unlock()
		return
	}
	opts := g.engineOptions()
	g.mu.Unlock()

	g.restarts.Add(1)
	if err := g.eng.Start(g.ctx, opts); err != nil {
		g.mu.Lock()
		g.startRequested = false
		changed := g.state != StateIdle
		g.state = StateIdle
		g.sessionID = ""
		g.mu.Unlock()
		g.listener.GateError(fmt.Errorf("engine restart failed: %w", err))
		if changed {
			g.listener.StatusChanged(StateIdle)
		}
	}
}

func (g *Gate) engineOptions() engine.Options {
	return engine.Options{
		Locale:         g.cfg.Locale,
		Continuous:     g.cfg.Continuous,
		InterimResults: g.cfg.InterimResults,
	}
}

func (g *Gate) cancelRestartLocked() {
	if g.restartTimer != nil {
		g.restartTimer.Stop()
		g.restartTimer = nil
	}
}

func (g *Gate) stateSnapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}
