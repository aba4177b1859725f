package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/gateway"
	"github.com/mcdev12/pomosync/go/internal/clock/relay"
	"github.com/mcdev12/pomosync/go/internal/config"
	"github.com/rs/zerolog/log"
)

func main() {
	config.LoadEnv()
	cfg := config.NewHostConfigFromEnv()
	config.SetupLogger(cfg.LogLevel)

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.SettingsPath).Msg("using default settings")
	}

	log.Info().
		Str("port", cfg.Port).
		Int("work_minutes", settings.WorkMinutes).
		Int("break_minutes", settings.BreakMinutes).
		Bool("relay", cfg.NATS.Enabled()).
		Msg("starting clock host")

	clock := clockwork.NewRealClock()
	eng := engine.New(engine.Config{
		WorkMinutes:  settings.WorkMinutes,
		BreakMinutes: settings.BreakMinutes,
		TickInterval: cfg.TickInterval,
		StartPaused:  cfg.StartPaused,
	}, clock)
	eng.OnPhaseCompleted(func(ev engine.Event) {
		log.Info().Str("phase", ev.State.PhaseName).Msg("phase finished")
	})

	gatewayConfig := gateway.DefaultConfig()
	gatewayConfig.BroadcasterConfig.HeartbeatInterval = cfg.HeartbeatInterval
	svc := gateway.NewService(gatewayConfig, eng, clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NATS.Enabled() {
		r, err := relay.New(ctx, relay.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Bucket:        cfg.NATS.Bucket,
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
		}, svc.Commands())
		if err != nil {
			// the relay is optional; websocket replicas keep working
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("failed to start NATS relay")
		} else {
			if _, err := r.Restore(ctx, eng); err != nil {
				log.Warn().Err(err).Msg("failed to restore clock state")
			}
			svc.AddPublisher(r)
			svc.AddHealthDependency("nats", r.IsConnected)
			go func() {
				if err := r.Start(ctx); err != nil {
					log.Error().Err(err).Msg("NATS relay failed")
				}
			}()
		}
	}

	go config.WatchSettings(ctx, cfg.SettingsPath, func(s config.Settings) {
		eng.UpdateDurations(s.WorkMinutes, s.BreakMinutes)
	})

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           gateway.Handler(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("clock gateway service failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("clock host shutdown complete")
}
