package engine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeRelay upgrades one connection and plays a scripted recognizer:
// acknowledge the start frame, emit transcripts, acknowledge stop.
func fakeRelay(t *testing.T, gotStart chan<- relayControl) http.Handler {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var start relayControl
		if err := conn.ReadJSON(&start); err != nil {
			t.Errorf("read start frame: %v", err)
			return
		}
		gotStart <- start

		_ = conn.WriteJSON(relayFrame{Type: "started"})
		_ = conn.WriteJSON(relayFrame{Type: "transcript", Text: "hello", Final: false, Confidence: 0.4})
		_ = conn.WriteJSON(relayFrame{Type: "transcript", Text: "hello there", Final: true, Confidence: 0.9, TimestampMS: 1700000000000})

		var stop relayControl
		if err := conn.ReadJSON(&stop); err != nil {
			return
		}
		if stop.Type == "stop" {
			_ = conn.WriteJSON(relayFrame{Type: "stopped"})
		}
	})
}

func TestRelayLifecycle(t *testing.T) {
	gotStart := make(chan relayControl, 1)
	srv := httptest.NewServer(fakeRelay(t, gotStart))
	defer srv.Close()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRelay(RelayConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}, log)
	sink := &sinkListener{}
	r.SetListener(sink)

	opts := Options{Locale: "en-US", Continuous: true, InterimResults: true}
	if err := r.Start(context.Background(), opts); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case start := <-gotStart:
		if start.Type != "start" || start.Locale != "en-US" || !start.Continuous || !start.InterimResults {
			t.Fatalf("unexpected start frame: %+v", start)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay never received start frame")
	}

	waitFor(t, func() bool {
		started, _, transcripts := sink.counts()
		return started == 1 && transcripts == 2
	})

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitFor(t, func() bool {
		_, stopped, _ := sink.counts()
		return stopped == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.transcripts[0].Text != "hello" || sink.transcripts[0].Final {
		t.Fatalf("unexpected interim event: %+v", sink.transcripts[0])
	}
	finalEv := sink.transcripts[1]
	if finalEv.Text != "hello there" || !finalEv.Final || finalEv.Confidence != 0.9 {
		t.Fatalf("unexpected final event: %+v", finalEv)
	}
	if finalEv.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("relay timestamp not honored: %v", finalEv.Timestamp)
	}
	if len(sink.errs) != 0 {
		t.Fatalf("unexpected engine errors: %v", sink.errs)
	}
}

func TestRelayStartRequiresListener(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRelay(RelayConfig{URL: "ws://localhost:1/stt"}, log)
	if err := r.Start(context.Background(), Options{}); err != ErrNoListener {
		t.Fatalf("Start without listener = %v, want ErrNoListener", err)
	}
}

func TestRelayDialFailure(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRelay(RelayConfig{URL: "ws://127.0.0.1:1/stt", ConnectTimeout: 100 * time.Millisecond}, log)
	r.SetListener(&sinkListener{})
	if err := r.Start(context.Background(), Options{}); err == nil {
		t.Fatalf("expected dial error")
	}
}
