package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/bus"
	"github.com/LonePheasantWarrior/talkify-core/internal/config"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine/doubao"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine/localexec"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine/xfyun"
	"github.com/LonePheasantWarrior/talkify-core/internal/natsserver"
	"github.com/LonePheasantWarrior/talkify-core/internal/relay"
	"github.com/LonePheasantWarrior/talkify-core/internal/store"
	"github.com/LonePheasantWarrior/talkify-core/internal/synth"
)

// Runtime owns the daemon lifecycle: telemetry, bus, preferences
// store, the engine registry, and the relay serving speak requests.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// BuildRegistry constructs the fixed adapter set. Exposed so the CLI
// can synthesize without a running daemon.
func BuildRegistry(def engine.ID, logger *slog.Logger) *engine.Registry {
	registry := engine.NewRegistry(def)
	registry.Register(doubao.New(logger))
	registry.Register(xfyun.New(logger))
	registry.Register(localexec.New(logger))
	return registry
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	prefs, err := store.Open(ctx, r.cfg.Store.Path, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open preferences store: %w", err)
	}
	defer prefs.Close()
	if err := r.seedPreferences(ctx, prefs); err != nil {
		return err
	}

	registry := BuildRegistry(engine.ID(r.cfg.SelectedEngine), r.logger)
	defer registry.ReleaseAll()

	orch := synth.NewOrchestrator(r.logger)
	budget := time.Duration(r.cfg.Bridge.TimeoutSeconds) * time.Second
	speakRelay := relay.New(ctx, busClient, registry, prefs, orch, budget, r.logger)
	if err := speakRelay.Start(); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}
	defer speakRelay.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	// Metrics get their own listener so scrape traffic stays off the
	// health endpoints.
	var metricsServer *http.Server
	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
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
		slog.String("selected_engine", r.cfg.SelectedEngine))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// seedPreferences copies engine bundles from the yaml config into the
// store for engines the store has never seen, so file-based setup and
// runtime edits coexist.
func (r *Runtime) seedPreferences(ctx context.Context, prefs *store.Store) error {
	for id, ec := range r.cfg.Engines {
		engineID := engine.ID(id)
		if _, exists, err := prefs.EngineConfig(ctx, engineID); err != nil {
			return fmt.Errorf("failed to read preferences: %w", err)
		} else if exists {
			continue
		}
		if err := prefs.SaveEngineConfig(ctx, engineID, ec.Snapshot()); err != nil {
			return fmt.Errorf("failed to seed engine config: %w", err)
		}
		r.logger.Info("engine config seeded from file", slog.String("engine", id))
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
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
