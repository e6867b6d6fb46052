package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timelinelabs/timeline-anchor/internal/bus"
	"github.com/timelinelabs/timeline-anchor/internal/busserver"
	"github.com/timelinelabs/timeline-anchor/internal/config"
	"github.com/timelinelabs/timeline-anchor/internal/httpapi"
	"github.com/timelinelabs/timeline-anchor/internal/newsstore"
	"github.com/timelinelabs/timeline-anchor/internal/openai"
	"github.com/timelinelabs/timeline-anchor/internal/pipeline"
	"github.com/timelinelabs/timeline-anchor/internal/script"
	"github.com/timelinelabs/timeline-anchor/internal/speech"
)

// BuildRunner wires the shared collaborators into a pipeline runner. The
// OpenAI client, store, and bus handle are constructed once and shared
// across runs, read-only after this point.
func BuildRunner(cfg config.Config, store *newsstore.Store, busClient *bus.Client, log *slog.Logger) *pipeline.Runner {
	client := openai.New(cfg.Chat.APIKey, cfg.Chat.BaseURL)
	composer := script.NewComposer(client, cfg.Chat)
	producer := speech.NewProducer(client, cfg.Speech)
	return pipeline.NewRunner(store, composer, producer, busClient, cfg.Store, cfg.Pipeline, log)
}

// Runtime owns the HTTP service lifecycle.
type Runtime struct {
	cfg           config.Config
	log           *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, log *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, log: log}
}

// Start brings up telemetry, the store, the optional bus, and the HTTP
// server, then blocks until the context is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.log)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := newsstore.Open(ctx, r.cfg.Store, r.log)
	if err != nil {
		return fmt.Errorf("failed to open news store: %w", err)
	}
	defer store.Close()

	var embedded *busserver.EmbeddedServer
	var busClient *bus.Client
	if r.cfg.Bus.Enabled {
		embedded, err = busserver.Start(r.cfg.Bus, r.log)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		defer embedded.Shutdown()

		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.log)
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()
	}

	if r.cfg.Auth.APIKey == "" {
		r.log.Warn("auth api key not set; all requests will be rejected")
	}

	runner := BuildRunner(r.cfg, store, busClient, r.log)
	api := httpapi.New(runner, r.cfg.Auth.APIKey, r.cfg.Speech.Format, r.log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	api.Register(mux)

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
			r.log.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.log.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.log.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.log.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.log.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.log.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.log.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
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
