package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayConfig controls the websocket connection to a recognition relay.
// The relay is the process that actually talks to the platform speech
// API (a browser page, an edge device) and mirrors its raw events over
// a websocket.
type RelayConfig struct {
	URL            string
	AuthToken      string
	ConnectTimeout time.Duration
}

// Relay bridges a remote recognizer over a websocket. Each Start dials a
// fresh connection, sends a start control frame, and mirrors incoming
// event frames to the listener until the connection ends.
type Relay struct {
	cfg RelayConfig
	log *slog.Logger

	mu       sync.Mutex
	listener Listener
	conn     *websocket.Conn
	stopping bool
}

type relayControl struct {
	Type           string `json:"type"`
	Locale         string `json:"locale,omitempty"`
	Continuous     bool   `json:"continuous,omitempty"`
	InterimResults bool   `json:"interim_results,omitempty"`
}

type relayFrame struct {
	Type        string  `json:"type"`
	Text        string  `json:"text,omitempty"`
	Final       bool    `json:"final,omitempty"`
	Confidence  float64 `json:"confidence,omitempty"`
	TimestampMS int64   `json:"timestamp_ms,omitempty"`
	Message     string  `json:"message,omitempty"`
}

func NewRelay(cfg RelayConfig, log *slog.Logger) *Relay {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Relay{cfg: cfg, log: log.With(slog.String("component", "relay-engine"))}
}

func (r *Relay) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

func (r *Relay) Start(ctx context.Context, opts Options) error {
	r.mu.Lock()
	if r.listener == nil {
		r.mu.Unlock()
		return ErrNoListener
	}
	if r.conn != nil {
		r.mu.Unlock()
		return fmt.Errorf("relay engine already started")
	}
	listener := r.listener
	r.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	defer cancel()

	headers := http.Header{}
	if r.cfg.AuthToken != "" {
		headers.Set("Authorization", "Bearer "+r.cfg.AuthToken)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, r.cfg.URL, headers)
	if err != nil {
		return fmt.Errorf("dial recognition relay: %w", err)
	}

	start := relayControl{
		Type:           "start",
		Locale:         opts.Locale,
		Continuous:     opts.Continuous,
		InterimResults: opts.InterimResults,
	}
	if err := conn.WriteJSON(start); err != nil {
		conn.Close()
		return fmt.Errorf("send start frame: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.stopping = false
	r.mu.Unlock()

	go r.readLoop(conn, listener)
	return nil
}

func (r *Relay) readLoop(conn *websocket.Conn, listener Listener) {
	defer func() {
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		stopping := r.stopping
		r.mu.Unlock()
		conn.Close()
		if !stopping {
			r.log.Warn("relay connection ended")
		}
		listener.EngineStopped()
	}()

	for {
		var frame relayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			r.mu.Lock()
			stopping := r.stopping
			r.mu.Unlock()
			if !stopping && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				listener.EngineError(fmt.Errorf("read relay frame: %w", err))
			}
			return
		}

		switch frame.Type {
		case "started":
			listener.EngineStarted()
		case "stopped":
			return
		case "transcript":
			ts := time.Now()
			if frame.TimestampMS > 0 {
				ts = time.UnixMilli(frame.TimestampMS)
			}
			listener.EngineTranscript(Event{
				Text:       frame.Text,
				Final:      frame.Final,
				Confidence: frame.Confidence,
				Timestamp:  ts,
			})
		case "error":
			msg := frame.Message
			if msg == "" {
				msg = "relay reported an unknown error"
			}
			listener.EngineError(fmt.Errorf("relay: %s", msg))
		default:
			r.log.Debug("ignoring relay frame", slog.String("type", frame.Type))
		}
	}
}

func (r *Relay) Stop() error {
	r.mu.Lock()
	conn := r.conn
	r.stopping = true
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.WriteJSON(relayControl{Type: "stop"}); err != nil {
		// The read loop will still observe the close and report the stop.
		return conn.Close()
	}
	return nil
}

func (r *Relay) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.stopping = true
	r.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
