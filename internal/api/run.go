package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ForwardPipe/internal/capability"
	"github.com/BTreeMap/ForwardPipe/internal/config"
	"github.com/BTreeMap/ForwardPipe/internal/connectivity"
	"github.com/BTreeMap/ForwardPipe/internal/dispatch"
	"github.com/BTreeMap/ForwardPipe/internal/drain"
	"github.com/BTreeMap/ForwardPipe/internal/limiter"
	"github.com/BTreeMap/ForwardPipe/internal/messaging"
	"github.com/BTreeMap/ForwardPipe/internal/stats"
	"github.com/BTreeMap/ForwardPipe/internal/store"
	"github.com/BTreeMap/ForwardPipe/internal/whatsapp"
)

// Run wires every component from cfg and serves until ctx is cancelled, then shuts
// down in reverse order. cfg must already be validated.
func Run(ctx context.Context, cfg config.Config, waOpts []whatsapp.Option, apiOpts []Option) error {
	cfg.ResolveDSNs()
	slog.Debug("api.Run: bootstrapping",
		"state_dir", cfg.StateDir, "database_dsn_type", store.DetectDSNType(cfg.DatabaseDSN),
		"targets", len(cfg.Targets), "twilio", cfg.Twilio.Enabled, "whatsapp", cfg.WhatsApp.Enabled)

	st, err := store.New(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("failed to open backlog store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("api.Run: failed to close store", "error", err)
		}
	}()

	lim := limiter.New(limiter.WithWindow(cfg.Limiter.Window), limiter.WithCapacity(cfg.Limiter.Capacity))

	monOpts := []connectivity.Option{connectivity.WithPollInterval(cfg.Connectivity.PollInterval)}
	if cfg.Connectivity.WatchPaths != nil {
		monOpts = append(monOpts, connectivity.WithWatchPaths(cfg.Connectivity.WatchPaths...))
	}
	if cfg.Connectivity.ProbeAddr != "" {
		monOpts = append(monOpts, connectivity.WithProber(&connectivity.InterfaceProber{ProbeAddr: cfg.Connectivity.ProbeAddr}))
	}
	monitor := connectivity.New(monOpts...)
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	defer monitor.Stop()

	var factoryOpts []capability.Option
	var sources []messaging.Source
	var waClient *whatsapp.Client
	if cfg.WhatsApp.Enabled {
		opts := append([]whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsApp.DSN)}, waOpts...)
		if cfg.WhatsApp.QRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QRPath))
		}
		if cfg.WhatsApp.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		waClient, err = whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		defer waClient.Disconnect()
		factoryOpts = append(factoryOpts, capability.WithPeerSender(waClient))
		sources = append(sources, messaging.NewWhatsAppSource(waClient))
	}
	factory := capability.NewFactory(factoryOpts...)
	recorder := stats.NewLogRecorder()

	dispatcher := dispatch.New(lim, factory, st, recorder,
		dispatch.WithWorkers(cfg.Dispatch.Workers),
		dispatch.WithRetryPolicy(cfg.Retry),
	)
	drainer := drain.New(st, lim, monitor, factory, recorder,
		drain.WithInterval(cfg.Drain.Interval),
		drain.WithBatchSize(cfg.Drain.BatchSize),
		drain.WithQueueRetryCap(cfg.Drain.QueueRetryCap),
		drain.WithCleanupSchedule(cfg.Drain.CleanupSchedule),
		drain.WithRetention(cfg.Drain.Retention),
		drain.WithStaleAfter(cfg.Drain.StaleAfter),
		drain.WithAttemptTimeout(cfg.Drain.AttemptTimeout),
		drain.WithDedupPruner(st),
	)
	observer := monitor.AddObserver(func(s connectivity.Status) {
		if s.Reachable {
			slog.Info("api.Run: network reachable, draining backlog", "connection", s.Kind)
			drainer.Kick()
		}
	})
	defer monitor.RemoveObserver(observer)

	if cfg.Twilio.Enabled {
		twilioSource := messaging.NewTwilioSource(messaging.WithSignatureValidation(cfg.Twilio.AuthToken, cfg.Twilio.WebhookURL))
		sources = append(sources, twilioSource)
		apiOpts = append(apiOpts, WithTwilioWebhook(twilioSource.WebhookHandler))
		if cfg.Twilio.AuthToken == "" {
			slog.Warn("api.Run: Twilio webhook enabled without an auth token, signatures are not checked")
		}
	}

	intake := messaging.NewIntake(st, dispatcher, cfg.Targets)
	apiOpts = append([]Option{WithAddr(cfg.APIAddr), WithJobLookup(dispatcher)}, apiOpts...)
	server := NewServer(intake, st, monitor, lim, apiOpts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	for _, src := range sources {
		if err := src.Start(runCtx); err != nil {
			return fmt.Errorf("failed to start %s source: %w", src.Name(), err)
		}
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		intake.Run(runCtx, sources...)
	}()
	go func() {
		defer wg.Done()
		if err := drainer.Run(runCtx); err != nil {
			errCh <- fmt.Errorf("backlog drain: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := server.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	slog.Info("api.Run: ForwardPipe running", "addr", server.Addr(), "targets", len(cfg.Targets),
		"sources", len(sources), "network", monitor.StatusDescription())

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("api.Run: shutdown requested")
	case runErr = <-errCh:
		slog.Error("api.Run: component failed, shutting down", "error", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), server.opts.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("api.Run: http shutdown incomplete", "error", err)
	}
	for _, src := range sources {
		if err := src.Stop(); err != nil {
			slog.Warn("api.Run: failed to stop source", "source", src.Name(), "error", err)
		}
	}
	cancel()
	wg.Wait()

	// Scheduled retries that cannot finish in time are written to the backlog.
	if err := dispatcher.Close(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("api.Run: dispatcher close", "error", err)
	}
	intake.Wait()
	slog.Info("api.Run: shutdown complete", "stats", recorder.Totals())
	return runErr
}
