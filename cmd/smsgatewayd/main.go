// Command smsgatewayd is the gateway daemon: it loads configuration,
// opens the SQL store, brings up the modem fleet, and serves the
// HTTP/SSE API while polling for inbound SMS and dispatching webhooks.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/api"
	"github.com/mways/smsgatewayd/internal/config"
	"github.com/mways/smsgatewayd/internal/logging"
	"github.com/mways/smsgatewayd/internal/manager"
	"github.com/mways/smsgatewayd/internal/sse"
	"github.com/mways/smsgatewayd/internal/store"
	"github.com/mways/smsgatewayd/internal/webhook"
)

func main() {
	var configPath, logPath, logLevel string
	var release bool
	flag.StringVar(&configPath, "config", "./config.yaml", "path to configuration file")
	flag.StringVar(&logPath, "log", "", "path to log file (default stdout)")
	flag.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flag.BoolVar(&release, "release", false, "use the release-mode default database path")
	flag.Parse()

	log, err := logging.New(logPath, logLevel)
	if err != nil {
		fmt.Println("initializing logger returned error:", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal("invalid config, aborting", zap.Error(err))
	}

	dbPath := "./data/data.db"
	if release {
		dbPath = "/var/lib/sms-gateway/data.db"
	}
	st, err := store.Open(dbPath)
	if err != nil {
		log.Fatal("error initializing database, aborting", zap.Error(err))
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := st.SweepOrphanContacts(ctx); err != nil {
		log.Warn("orphan contact sweep failed", zap.Error(err))
	}

	mgr := manager.New(log, st, st)
	devices := make([]manager.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, manager.DeviceConfig{ComPort: d.ComPort, BaudRate: d.BaudRate, SmsStorage: d.SmsStorage})
	}
	if err := mgr.Initialize(ctx, devices, cfg.Settings.SmsStorage); err != nil {
		log.Fatal("modem fleet initialization failed, aborting", zap.Error(err))
	}

	pipeline, err := webhook.New(log, cfg.Webhooks, cfg.Settings.WebhooksMaxConcurrent)
	if err != nil {
		log.Fatal("invalid webhook configuration, aborting", zap.Error(err))
	}
	go pipeline.Run(ctx)
	defer pipeline.Shutdown()

	broadcaster := sse.New()
	notifier := &conversationNotifier{store: st, broadcaster: broadcaster, log: log}

	router := api.NewRouter(&api.Deps{
		Log:         log,
		Store:       st,
		Manager:     mgr,
		Broadcaster: broadcaster,
		Username:    cfg.Settings.Username,
		Password:    cfg.Settings.Password,
	})
	router.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf("%s:%d", cfg.Settings.ServerHost, cfg.Settings.ServerPort)
	srv := &http.Server{Addr: addr, Handler: router}

	go runPollLoop(ctx, log, mgr, notifier, pipeline, cfg.Settings.ReadSmsFrequency)

	go func() {
		log.Info("server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
}

func runPollLoop(ctx context.Context, log *zap.Logger, mgr *manager.Manager, notifier *conversationNotifier, pipeline *webhook.Pipeline, frequencySeconds int) {
	if frequencySeconds <= 0 {
		frequencySeconds = 10
	}
	ticker := time.NewTicker(time.Duration(frequencySeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.PollAll(ctx, notifier, pipelineSink{pipeline: pipeline, mgr: mgr})
		}
	}
}
