package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-process scripted engine for development and demos. While
// started it emits one line from its script per tick, cycling, every
// event final.
type Mock struct {
	script   []string
	interval time.Duration

	mu       sync.Mutex
	listener Listener
	cancel   context.CancelFunc
	running  bool
}

func NewMock(script []string, interval time.Duration) *Mock {
	if len(script) == 0 {
		script = []string{"hi", "the quick brown fox", "bye"}
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Mock{script: script, interval: interval}
}

func (m *Mock) SetListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Mock) Start(ctx context.Context, _ Options) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ErrNoListener
	}
	if m.running {
		return fmt.Errorf("mock engine already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	go m.run(runCtx, m.listener)
	return nil
}

func (m *Mock) run(ctx context.Context, l Listener) {
	l.EngineStarted()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	i := 0
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			l.EngineStopped()
			return
		case now := <-ticker.C:
			l.EngineTranscript(Event{
				Text:      m.script[i%len(m.script)],
				Final:     true,
				Timestamp: now,
			})
			i++
		}
	}
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (m *Mock) Close() error {
	return m.Stop()
}
