// main package for the voiceover-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voiceover-service/internal/batch"
	"github.com/book-expert/voiceover-service/internal/config"
	"github.com/book-expert/voiceover-service/internal/history"
	"github.com/book-expert/voiceover-service/internal/objectstore"
	"github.com/book-expert/voiceover-service/internal/sequencer"
	"github.com/book-expert/voiceover-service/internal/telemetry"
	"github.com/book-expert/voiceover-service/internal/tts"
	"github.com/book-expert/voiceover-service/internal/worker"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName       = "voiceover-service"
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), serviceName+"-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	log, err := setupLogger(cfg.Paths.BaseLogsDir, serviceName+".log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := log.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		shutdownErr := shutdownTracing(shutdownCtx)
		if shutdownErr != nil {
			log.Warn("Failed to flush traces: %v", shutdownErr)
		}
	}()

	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name(serviceName))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	audioStore, err := objectstore.New(jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return err
	}

	textStore, err := objectstore.New(jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return err
	}

	historyStore, err := history.Open(ctx, cfg.History, log)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}

	defer func() {
		closeErr := historyStore.Close()
		if closeErr != nil {
			log.Warn("Failed to close history: %v", closeErr)
		}
	}()

	client, err := tts.NewClientFromConfig(cfg.Synthesis, log)
	if err != nil {
		return fmt.Errorf("failed to create synthesis client: %w", err)
	}

	if cfg.Synthesis.ResolveAPIKey() == "" {
		log.Warn("No API key configured; set %s or synthesis.api_key", cfg.Synthesis.APIKeyEnv)
	}

	orchestrator := batch.New(sequencer.New(client, log), log, batch.Options{
		Artifacts: audioStore,
		History:   historyStore,
		Publisher: worker.NewNatsPublisher(natsConnection, cfg.NATS.EventsSubject),
		Now:       time.Now,
	})

	natsWorker := worker.NewNatsWorker(natsConnection, cfg.NATS, cfg.Batch, textStore, orchestrator, historyStore, log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return orchestrator.Run(groupCtx) })
	group.Go(func() error { return natsWorker.Run(groupCtx) })

	if cfg.Metrics.Enabled {
		group.Go(func() error { return serveMetrics(groupCtx, cfg.Metrics.Addr, log) })
	}

	log.System("Voiceover-Service initialized. Listening for jobs on subject: %s", cfg.NATS.SubmitSubject)

	waitErr := group.Wait()
	if waitErr != nil {
		return fmt.Errorf("service stopped: %w", waitErr)
	}

	log.System("Voiceover-Service stopped.")

	return nil
}

func serveMetrics(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("Serving metrics on %s/metrics", addr)

	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server failed: %w", err)
	}

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
