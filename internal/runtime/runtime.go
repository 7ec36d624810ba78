package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/earshotlabs/earshot/internal/bus"
	"github.com/earshotlabs/earshot/internal/config"
	"github.com/earshotlabs/earshot/internal/engine"
	"github.com/earshotlabs/earshot/internal/natsserver"
	"github.com/earshotlabs/earshot/internal/presence"
	"github.com/earshotlabs/earshot/internal/service"
	"github.com/earshotlabs/earshot/internal/transcriptstore"
)

// Runtime composes the daemon: telemetry, embedded bus, transcript store,
// recognition engine, gate service, presence, and the HTTP surface. Start
// blocks until the context is canceled, then tears everything down in
// reverse order.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *transcriptstore.Store
	gateSvc    *service.Service
	registry   *presence.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if r.cfg.Bus.Embedded {
		srv, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.natsServer = srv
	}

	busCfg := r.cfg.Bus
	if r.natsServer != nil {
		busCfg.Servers = []string{r.natsServer.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = busClient

	store, err := transcriptstore.Open(ctx, r.cfg.Store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open transcript store: %w", err)
	}
	r.store = store

	eng, err := engine.New(engine.Config{
		Kind:           r.cfg.Engine.Kind,
		Command:        r.cfg.Engine.Command,
		RelayURL:       r.cfg.Engine.RelayURL,
		AuthToken:      r.cfg.Engine.AuthToken,
		ConnectTimeout: time.Duration(r.cfg.Engine.ConnectTimeout) * time.Millisecond,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build recognition engine: %w", err)
	}

	gateSvc, err := service.New(ctx, r.cfg, busClient, eng, store, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build gate service: %w", err)
	}
	r.gateSvc = gateSvc
	if err := gateSvc.Start(); err != nil {
		return fmt.Errorf("failed to start gate service: %w", err)
	}

	registry, err := presence.NewRegistry(ctx, r.cfg.Node, busClient, r.gateState, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start presence registry: %w", err)
	}
	r.registry = registry

	if r.cfg.Gate.Continuous {
		if err := gateSvc.Gate().Start(); err != nil {
			r.logger.Warn("gate did not start at boot", slog.String("error", err.Error()))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/v1/status", r.handleStatus)
	mux.HandleFunc("/v1/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Kind))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.registry.Close()
	r.gateSvc.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("store close error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) gateState() string {
	st, err := r.gateSvc.Gate().Status()
	if err != nil {
		return ""
	}
	return string(st.State)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if r.busClient != nil && !r.busClient.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	st, err := r.gateSvc.Gate().Status()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"node_id":      r.cfg.Node.ID,
		"state":        string(st.State),
		"session_id":   st.SessionID,
		"wake_phrase":  st.WakePhrase,
		"sleep_phrase": st.SleepPhrase,
	})
}

func (r *Runtime) handleNodes(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(r.registry.Nodes())
}
