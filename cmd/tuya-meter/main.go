package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tuya-meter-gateway/internal/mcu"
	"tuya-meter-gateway/internal/profile"
	"tuya-meter-gateway/internal/session"
	"tuya-meter-gateway/internal/store"
	"tuya-meter-gateway/internal/tuya"
	"tuya-meter-gateway/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("tuya-meter starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	// A bad profile is fatal: decoding with a partial table would publish
	// wrong values.
	profiles, err := profile.LoadDir(cfg.DevicesDir, logger)
	if err != nil {
		return fmt.Errorf("load device profiles: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	events := session.NewEventBus(logger)
	sessions := session.NewManager(profiles, db, events, logger)

	// Subscribers attach before sessions open so they see session_opened.
	auto, autoWebOpts := initAutomation(sessions, cfg, logger)
	mqtt := initMQTT(sessions, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(sessions, logger, webOpts...)

	// Consumers stop before sessions close so a restart does not withdraw
	// the MQTT discovery entries.
	stopConsumers := func() {
		auto.Stop()
		mqtt.Stop()
		webServer.Stop()
	}

	for _, d := range cfg.Devices {
		if _, err := sessions.Open(store.Device{
			ID:           d.ID,
			Manufacturer: d.Manufacturer,
			Model:        d.Model,
			FriendlyName: d.FriendlyName,
			SerialPort:   d.Serial.Port,
		}); err != nil {
			stopConsumers()
			sessions.CloseAll()
			return fmt.Errorf("open session: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if err := startLinks(gctx, g, cfg, sessions, logger); err != nil {
		cancel()
		_ = g.Wait()
		stopConsumers()
		sessions.CloseAll()
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig)
	case <-gctx.Done():
		logger.Error("serial link failed, shutting down")
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}

	cancel()
	linkErr := g.Wait()
	stopConsumers()
	sessions.CloseAll()

	if linkErr != nil && !errors.Is(linkErr, context.Canceled) {
		return linkErr
	}
	return nil
}

// startLinks opens the serial port of every device that has one and runs its
// MCU link in g.
func startLinks(ctx context.Context, g *errgroup.Group, cfg *Config, sessions *session.Manager, logger *slog.Logger) error {
	for _, d := range cfg.Devices {
		if d.Serial.Port == "" {
			continue
		}
		id := d.ID
		var heartbeat time.Duration
		if d.Serial.Heartbeat != "" {
			heartbeat, _ = time.ParseDuration(d.Serial.Heartbeat) // checked by validate
		}

		link, err := mcu.Open(mcu.Config{
			Port:      d.Serial.Port,
			Baud:      d.Serial.Baud,
			Heartbeat: heartbeat,
		}, func(reports []tuya.Report) error {
			_, err := sessions.Dispatch(id, reports)
			return err
		}, logger.With("device", id))
		if err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}

		g.Go(func() error {
			if err := link.Run(ctx); err != nil {
				return fmt.Errorf("device %s link: %w", id, err)
			}
			return nil
		})
	}
	return nil
}
