package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/earshotlabs/earshot/internal/bus"
	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/engine"
	"github.com/earshotlabs/earshot/internal/gate"
	"github.com/earshotlabs/earshot/internal/protocol"
	"github.com/earshotlabs/earshot/internal/transcriptstore"
)

// Service owns a transcription gate and exposes it on the bus: control
// subjects drive start/stop/configure/status, and every gate notification
// is published for consumers. Forwarded final transcripts and wake/sleep
// marks are persisted to the transcript store.
type Service struct {
	nodeID string
	bus    *bus.Client
	store  *transcriptstore.Store
	logger *slog.Logger
	gate   *gate.Gate

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu      sync.Mutex
	gateCfg gate.Config
	session string

	wakeCounter       metric.Int64Counter
	sleepCounter      metric.Int64Counter
	transcriptCounter metric.Int64Counter
	errorCounter      metric.Int64Counter
}

func New(parent context.Context, cfg config.Config, busClient *bus.Client, eng engine.Engine, store *transcriptstore.Store, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		nodeID: cfg.Node.ID,
		bus:    busClient,
		store:  store,
		logger: log.With(slog.String("component", "gate-service")),
		ctx:    ctx,
		cancel: cancel,
	}

	gateCfg := gateConfigFrom(cfg.Gate)
	g, err := gate.New(ctx, gateCfg, eng, s, log)
	if err != nil {
		cancel()
		return nil, err
	}
	s.gate = g
	s.gateCfg = gateCfg

	if err := s.initMetrics(); err != nil {
		s.logger.Warn("failed to initialize gate metrics", slogError(err))
	}
	return s, nil
}

func gateConfigFrom(cfg config.GateConfig) gate.Config {
	return gate.Config{
		WakePhrase:     cfg.WakePhrase,
		SleepPhrase:    cfg.SleepPhrase,
		Locale:         cfg.Locale,
		Continuous:     cfg.Continuous,
		InterimResults: cfg.InterimResults,
		RestartDelay:   time.Duration(cfg.RestartDelayMS) * time.Millisecond,
	}
}

func (s *Service) initMetrics() error {
	meter := otel.Meter("earshot/gate")
	var err error
	if s.wakeCounter, err = meter.Int64Counter("earshot.gate.wake_detections"); err != nil {
		return err
	}
	if s.sleepCounter, err = meter.Int64Counter("earshot.gate.sleep_detections"); err != nil {
		return err
	}
	if s.transcriptCounter, err = meter.Int64Counter("earshot.gate.transcripts_forwarded"); err != nil {
		return err
	}
	if s.errorCounter, err = meter.Int64Counter("earshot.gate.engine_errors"); err != nil {
		return err
	}
	restarts, err := meter.Int64ObservableCounter("earshot.gate.engine_restarts")
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(restarts, int64(s.gate.RestartCount()))
		return nil
	}, restarts)
	return err
}

// Gate exposes the owned gate for in-process consumers (HTTP status).
func (s *Service) Gate() *gate.Gate {
	return s.gate
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectControlStart, s.handleStart},
		{protocol.SubjectControlStop, s.handleStop},
		{protocol.SubjectControlConfigure, s.handleConfigure},
		{protocol.SubjectControlStatus, s.handleStatus},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			s.drainSubs()
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.drainSubs()
	if err := s.gate.Dispose(); err != nil && err != gate.ErrDisposed {
		s.logger.Warn("gate dispose failed", slogError(err))
	}
	s.wg.Wait()
}

func (s *Service) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	return len(s.subs) > 0
}

func (s *Service) handleStart(msg *nats.Msg) {
	err := s.gate.Start()
	s.respondControl(msg, err)
}

func (s *Service) handleStop(msg *nats.Msg) {
	err := s.gate.Stop()
	s.respondControl(msg, err)
}

func (s *Service) handleConfigure(msg *nats.Msg) {
	var req protocol.ConfigureRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondControl(msg, err)
		return
	}

	s.mu.Lock()
	next := s.gateCfg
	s.mu.Unlock()

	next.WakePhrase = req.WakePhrase
	next.SleepPhrase = req.SleepPhrase
	if req.Locale != "" {
		next.Locale = req.Locale
	}
	if req.Continuous != nil {
		next.Continuous = *req.Continuous
	}
	if req.InterimResults != nil {
		next.InterimResults = *req.InterimResults
	}

	err := s.gate.UpdateConfig(next)
	if err == nil {
		s.mu.Lock()
		s.gateCfg = next
		s.mu.Unlock()
		s.logger.Info("gate reconfigured",
			slog.String("wake_phrase", next.WakePhrase),
			slog.String("sleep_phrase", next.SleepPhrase))
	}
	s.respondControl(msg, err)
}

func (s *Service) handleStatus(msg *nats.Msg) {
	st, err := s.gate.Status()
	if err != nil {
		s.respondControl(msg, err)
		return
	}
	reply := protocol.StatusReply{
		State:       string(st.State),
		SessionID:   st.SessionID,
		WakePhrase:  st.WakePhrase,
		SleepPhrase: st.SleepPhrase,
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal status reply", slogError(err))
		return
	}
	if msg.Reply != "" {
		_ = msg.Respond(data)
	}
}

func (s *Service) respondControl(msg *nats.Msg, err error) {
	if msg.Reply == "" {
		if err != nil {
			s.logger.Warn("control request failed", slogError(err))
		}
		return
	}
	reply := protocol.ControlReply{OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
	}
	data, merr := json.Marshal(reply)
	if merr != nil {
		s.logger.Warn("failed to marshal control reply", slogError(merr))
		return
	}
	_ = msg.Respond(data)
}

// StatusChanged implements gate.Listener.
func (s *Service) StatusChanged(state gate.State) {
	st, err := s.gate.Status()
	if err != nil {
		return
	}
	if state == gate.StateArmed && st.SessionID != "" {
		s.ensureSession(st)
	}

	update := protocol.StatusUpdate{
		NodeID:      s.nodeID,
		SessionID:   st.SessionID,
		State:       string(state),
		WakePhrase:  st.WakePhrase,
		SleepPhrase: st.SleepPhrase,
		Timestamp:   time.Now().UTC(),
	}
	s.publish(protocol.SubjectGateStatus, update)
	s.logger.Info("gate status changed", slog.String("state", string(state)))
}

func (s *Service) ensureSession(st gate.Status) {
	s.mu.Lock()
	known := s.session == st.SessionID
	s.session = st.SessionID
	s.mu.Unlock()
	if known {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	if err := s.store.AppendSession(ctx, st.SessionID, s.nodeID, st.WakePhrase, st.SleepPhrase); err != nil {
		s.logger.Warn("failed to persist session", slogError(err))
	}
}

// WakeDetected implements gate.Listener.
func (s *Service) WakeDetected(phrase string) {
	s.addCount(s.wakeCounter)
	mark := protocol.PhraseMark{
		NodeID:    s.nodeID,
		SessionID: s.currentSession(),
		Phrase:    phrase,
		Timestamp: time.Now().UTC(),
	}
	s.publish(protocol.SubjectGateWake, mark)
	s.persistRecord(transcriptstore.Record{
		SessionID: mark.SessionID,
		Kind:      transcriptstore.KindWake,
		Text:      phrase,
		Final:     true,
	})
}

// SleepDetected implements gate.Listener.
func (s *Service) SleepDetected(phrase string) {
	s.addCount(s.sleepCounter)
	mark := protocol.PhraseMark{
		NodeID:    s.nodeID,
		SessionID: s.currentSession(),
		Phrase:    phrase,
		Timestamp: time.Now().UTC(),
	}
	s.publish(protocol.SubjectGateSleep, mark)
	s.persistRecord(transcriptstore.Record{
		SessionID: mark.SessionID,
		Kind:      transcriptstore.KindSleep,
		Text:      phrase,
		Final:     true,
	})
}

// Transcript implements gate.Listener.
func (s *Service) Transcript(tr gate.Transcript) {
	s.addCount(s.transcriptCounter)
	subject := protocol.SubjectTranscriptPartial
	if tr.Final {
		subject = protocol.SubjectTranscriptFinal
	}
	s.publish(subject, protocol.TranscriptMessage{
		NodeID:     s.nodeID,
		SessionID:  tr.SessionID,
		Text:       tr.Text,
		Partial:    !tr.Final,
		Confidence: tr.Confidence,
		Timestamp:  tr.Timestamp,
	})
	// Interim transcripts are transient; only finals enter the timeline.
	if tr.Final {
		s.persistRecord(transcriptstore.Record{
			SessionID:  tr.SessionID,
			Kind:       transcriptstore.KindTranscript,
			Text:       tr.Text,
			Final:      tr.Final,
			Confidence: tr.Confidence,
			CreatedAt:  tr.Timestamp,
		})
	}
}

// GateError implements gate.Listener.
func (s *Service) GateError(err error) {
	s.addCount(s.errorCounter)
	s.logger.Warn("gate error", slogError(err))
	s.publish(protocol.SubjectGateError, protocol.ErrorMessage{
		NodeID:    s.nodeID,
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) currentSession() string {
	st, err := s.gate.Status()
	if err != nil {
		return ""
	}
	return st.SessionID
}

func (s *Service) addCount(counter metric.Int64Counter) {
	if counter != nil {
		counter.Add(s.ctx, 1)
	}
}

func (s *Service) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal bus message", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish bus message",
			slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) persistRecord(rec transcriptstore.Record) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.store.AppendRecord(ctx, rec); err != nil {
			s.logger.Warn("failed to persist transcript record", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
