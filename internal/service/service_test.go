package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/earshotlabs/earshot/internal/bus"
	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/engine"
	"github.com/earshotlabs/earshot/internal/natsserver"
	"github.com/earshotlabs/earshot/internal/protocol"
	"github.com/earshotlabs/earshot/internal/transcriptstore"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeEngine struct {
	mu       sync.Mutex
	listener engine.Listener
}

func (f *fakeEngine) SetListener(l engine.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
}

func (f *fakeEngine) Start(context.Context, engine.Options) error { return nil }
func (f *fakeEngine) Stop() error                                 { return nil }
func (f *fakeEngine) Close() error                                { return nil }

func (f *fakeEngine) ackStart() { f.listener.EngineStarted() }

func (f *fakeEngine) emit(text string, final bool) {
	f.listener.EngineTranscript(engine.Event{Text: text, Final: final, Timestamp: time.Now()})
}

func newTestService(t *testing.T) (*Service, *fakeEngine, *nats.Conn) {
	t.Helper()
	log := newLogger()

	busCfg := config.BusConfig{
		Embedded:       true,
		Port:           -1,
		StoreDir:       t.TempDir(),
		ConnectTimeout: 2000,
	}
	srv, err := natsserver.Start(busCfg, log)
	if err != nil {
		t.Fatalf("start embedded bus: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	busCfg.Servers = []string{srv.ClientURL()}
	client, err := bus.Connect(context.Background(), busCfg, log)
	if err != nil {
		t.Fatalf("connect bus: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := transcriptstore.Open(context.Background(), config.StoreConfig{RetentionMode: "ephemeral"}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	cfg := config.Default()
	cfg.Node.ID = "test-node"
	eng := &fakeEngine{}

	svc, err := New(context.Background(), cfg, client, eng, store, log)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)

	return svc, eng, client.Conn()
}

func recvMsg(t *testing.T, ch chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bus message")
		return nil
	}
}

func TestControlStartPublishesStatus(t *testing.T) {
	_, eng, conn := newTestService(t)

	statusCh := make(chan *nats.Msg, 4)
	sub, err := conn.ChanSubscribe(protocol.SubjectGateStatus, statusCh)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	resp, err := conn.Request(protocol.SubjectControlStart, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("start rejected: %s", reply.Error)
	}

	eng.ackStart()

	msg := recvMsg(t, statusCh)
	var update protocol.StatusUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if update.State != "armed" || update.NodeID != "test-node" || update.SessionID == "" {
		t.Fatalf("unexpected status update: %+v", update)
	}

	resp, err = conn.Request(protocol.SubjectControlStatus, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	var status protocol.StatusReply
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("decode status reply: %v", err)
	}
	if status.State != "armed" || status.SessionID != update.SessionID {
		t.Fatalf("unexpected status reply: %+v", status)
	}
}

func TestWakeTranscriptSleepFlow(t *testing.T) {
	_, eng, conn := newTestService(t)

	wakeCh := make(chan *nats.Msg, 4)
	finalCh := make(chan *nats.Msg, 4)
	sleepCh := make(chan *nats.Msg, 4)
	for subject, ch := range map[string]chan *nats.Msg{
		protocol.SubjectGateWake:        wakeCh,
		protocol.SubjectTranscriptFinal: finalCh,
		protocol.SubjectGateSleep:       sleepCh,
	} {
		sub, err := conn.ChanSubscribe(subject, ch)
		if err != nil {
			t.Fatalf("subscribe %s: %v", subject, err)
		}
		defer sub.Unsubscribe()
	}

	if _, err := conn.Request(protocol.SubjectControlStart, nil, 2*time.Second); err != nil {
		t.Fatalf("start request: %v", err)
	}
	eng.ackStart()

	eng.emit("hi", true)
	var wake protocol.PhraseMark
	if err := json.Unmarshal(recvMsg(t, wakeCh).Data, &wake); err != nil {
		t.Fatalf("decode wake mark: %v", err)
	}
	if wake.Phrase != "hi" || wake.SessionID == "" {
		t.Fatalf("unexpected wake mark: %+v", wake)
	}

	eng.emit("what is the weather", true)
	var tr protocol.TranscriptMessage
	if err := json.Unmarshal(recvMsg(t, finalCh).Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	if tr.Text != "what is the weather" || tr.Partial || tr.SessionID != wake.SessionID {
		t.Fatalf("unexpected transcript: %+v", tr)
	}

	eng.emit("bye", true)
	var sleep protocol.PhraseMark
	if err := json.Unmarshal(recvMsg(t, sleepCh).Data, &sleep); err != nil {
		t.Fatalf("decode sleep mark: %v", err)
	}
	if sleep.Phrase != "bye" {
		t.Fatalf("unexpected sleep mark: %+v", sleep)
	}
}

func TestConfigureControl(t *testing.T) {
	_, _, conn := newTestService(t)

	good, _ := json.Marshal(protocol.ConfigureRequest{WakePhrase: "computer", SleepPhrase: "dismissed"})
	resp, err := conn.Request(protocol.SubjectControlConfigure, good, 2*time.Second)
	if err != nil {
		t.Fatalf("configure request: %v", err)
	}
	var reply protocol.ControlReply
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if !reply.OK {
		t.Fatalf("configure rejected: %s", reply.Error)
	}

	bad, _ := json.Marshal(protocol.ConfigureRequest{WakePhrase: "same", SleepPhrase: "Same"})
	resp, err = conn.Request(protocol.SubjectControlConfigure, bad, 2*time.Second)
	if err != nil {
		t.Fatalf("configure request: %v", err)
	}
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.OK {
		t.Fatalf("expected rejection for identical phrases")
	}

	resp, err = conn.Request(protocol.SubjectControlStatus, nil, 2*time.Second)
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	var status protocol.StatusReply
	if err := json.Unmarshal(resp.Data, &status); err != nil {
		t.Fatalf("decode status reply: %v", err)
	}
	if status.WakePhrase != "computer" || status.SleepPhrase != "dismissed" {
		t.Fatalf("configuration not applied: %+v", status)
	}
}
