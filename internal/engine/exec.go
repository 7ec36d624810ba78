package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// Exec runs an external recognizer process and reads transcript events
// from its stdout, one JSON object per line:
//
//	{"text":"hello there","final":true,"confidence":0.92}
//
// The process recognizes for as long as it lives; its exit is reported
// as an engine stop.
type Exec struct {
	cmd []string
	log *slog.Logger

	mu       sync.Mutex
	listener Listener
	proc     *exec.Cmd
	cancel   context.CancelFunc
}

type execLine struct {
	Text       string  `json:"text"`
	Final      *bool   `json:"final"`
	Confidence float64 `json:"confidence"`
}

func NewExec(command string, log *slog.Logger) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("engine command is empty")
	}
	return &Exec{cmd: args, log: log.With(slog.String("component", "exec-engine"))}, nil
}

func (e *Exec) SetListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *Exec) Start(ctx context.Context, opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listener == nil {
		return ErrNoListener
	}
	if e.proc != nil {
		return fmt.Errorf("exec engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	args := append([]string{}, e.cmd[1:]...)
	if opts.Locale != "" {
		args = append(args, "--language", opts.Locale)
	}
	if opts.InterimResults {
		args = append(args, "--partial")
	}
	cmd := exec.CommandContext(runCtx, e.cmd[0], args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("engine stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("engine stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start engine command: %w", err)
	}

	e.proc = cmd
	e.cancel = cancel
	listener := e.listener

	go e.logStderr(stderr)
	go func() {
		listener.EngineStarted()
		e.readEvents(stdout, listener)
		err := cmd.Wait()
		e.mu.Lock()
		canceled := runCtx.Err() != nil
		e.proc = nil
		e.cancel = nil
		e.mu.Unlock()
		if err != nil && !canceled {
			listener.EngineError(fmt.Errorf("engine command exited: %w", err))
		}
		listener.EngineStopped()
	}()
	return nil
}

func (e *Exec) readEvents(r io.Reader, listener Listener) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		ev, ok := parseExecLine(line)
		if !ok {
			e.log.Warn("discarding unparseable engine line", slog.String("line", line))
			continue
		}
		listener.EngineTranscript(ev)
	}
}

func (e *Exec) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		e.log.Debug("engine stderr", slog.String("line", line))
	}
}

func parseExecLine(line string) (Event, bool) {
	if !strings.HasPrefix(line, "{") {
		return Event{}, false
	}
	var parsed execLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil {
		return Event{}, false
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return Event{}, false
	}
	final := true
	if parsed.Final != nil {
		final = *parsed.Final
	}
	return Event{
		Text:       parsed.Text,
		Final:      final,
		Confidence: parsed.Confidence,
		Timestamp:  time.Now(),
	}, true
}

func (e *Exec) Stop() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (e *Exec) Close() error {
	return e.Stop()
}
