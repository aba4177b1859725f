package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/clock/replica"
	"github.com/mcdev12/pomosync/go/internal/config"
	"github.com/mcdev12/pomosync/go/internal/discovery"
	"github.com/rs/zerolog/log"
)

func main() {
	control := flag.String("control", "", "send one command (request_state, toggle_pause, toggle_phase) and exit")
	flag.Parse()

	config.LoadEnv()
	cfg := config.NewReplicaConfigFromEnv()
	config.SetupLogger(cfg.LogLevel)

	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.New().String()
	}

	settings, err := config.LoadSettings(cfg.SettingsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.SettingsPath).Msg("using default settings")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.PingTimeout}
	hostURL, err := resolveHost(ctx, cfg, settings, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to find a clock host")
	}

	if *control != "" {
		runControl(ctx, httpClient, hostURL, cfg.ReplicaID, protocol.MessageType(*control))
		return
	}

	wsURL, err := replica.WebSocketURL(hostURL)
	if err != nil {
		log.Fatal().Err(err).Str("host_url", hostURL).Msg("invalid host url")
	}

	log.Info().
		Str("replica_id", cfg.ReplicaID).
		Str("host", wsURL).
		Msg("starting clock replica")

	clock := clockwork.NewRealClock()

	transportConfig := replica.DefaultTransportConfig(wsURL)
	transportConfig.InitialBackoff = cfg.InitialBackoff
	transportConfig.MaxBackoff = cfg.MaxBackoff
	transport := replica.NewTransport(transportConfig, clock)

	// stays frozen until the host speaks, then only runs while disconnected
	eng := engine.New(engine.Config{
		WorkMinutes:  settings.WorkMinutes,
		BreakMinutes: settings.BreakMinutes,
		StartPaused:  true,
	}, clock)

	guard := replica.NewCompletionGuard(replica.DefaultDedupWindow)

	reconcilerConfig := replica.DefaultReconcilerConfig()
	reconcilerConfig.ForegroundInterval = cfg.ForegroundInterval
	reconcilerConfig.BackgroundInterval = cfg.BackgroundInterval
	reconcilerConfig.ScreenOffInterval = cfg.ScreenOffInterval
	reconciler := replica.NewReconciler(reconcilerConfig, eng, transport, guard, clock)

	reconciler.OnCompletion(func(v replica.View) {
		log.Info().Str("phase", v.PhaseName).Bool("synced", v.Synced).Msg("\aphase finished")
	})
	alarm := replica.NewAlarmScheduler(clock, guard, func(a replica.Alarm) {
		log.Info().Str("phase", a.PhaseName).Msg("\aphase finished (wake)")
	})

	go config.WatchSettings(ctx, cfg.SettingsPath, func(s config.Settings) {
		eng.UpdateDurations(s.WorkMinutes, s.BreakMinutes)
	})

	go func() {
		if err := transport.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("host transport stopped")
		}
	}()
	go alarm.Run(ctx, reconciler.Subscribe(4))
	go render(ctx, reconciler.Subscribe(16))

	power := make(chan replica.PowerMode, 1)
	go watchPowerSignals(ctx, power)
	go reconciler.Run(ctx, power)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	cancel()
	time.Sleep(100 * time.Millisecond)
	log.Info().Msg("clock replica shutdown complete")
}

// resolveHost prefers HOST_URL, then the first configured candidate that
// answers /ping.
func resolveHost(ctx context.Context, cfg config.ReplicaConfig, settings config.Settings, client *http.Client) (string, error) {
	if cfg.HostURL != "" {
		return cfg.HostURL, nil
	}

	d, err := discovery.FromConfig(cfg.Peers, settings.Candidates)
	if err != nil {
		return "", fmt.Errorf("parse peers: %w", err)
	}
	probe := func(ctx context.Context, baseURL string) error {
		return replica.Ping(ctx, client, baseURL)
	}
	candidate, err := discovery.FirstReachable(ctx, d, cfg.ServiceType, probe)
	if err != nil {
		return "", err
	}
	return candidate.BaseURL(), nil
}

func runControl(ctx context.Context, client *http.Client, hostURL, replicaID string, cmd protocol.MessageType) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	state, err := replica.NewControlClient(client, hostURL, replicaID).Do(ctx, cmd)
	if err != nil {
		log.Fatal().Err(err).Str("command", string(cmd)).Msg("control command failed")
	}
	log.Info().
		Str("phase", state.PhaseName).
		Bool("paused", state.IsPaused).
		Float64("remaining_seconds", state.RemainingSeconds).
		Msg("host state")
}

// render logs the countdown once per displayed second.
func render(ctx context.Context, views <-chan replica.View) {
	lastShown := int64(-1)
	var lastStatus replica.Status
	for {
		select {
		case <-ctx.Done():
			return
		case v := <-views:
			secs := int64(math.Ceil(v.Remaining.Seconds()))
			if secs == lastShown && v.Status == lastStatus {
				continue
			}
			lastShown, lastStatus = secs, v.Status
			log.Info().
				Str("phase", v.PhaseName).
				Str("remaining", fmt.Sprintf("%02d:%02d", secs/60, secs%60)).
				Bool("paused", v.IsPaused).
				Str("status", string(v.Status)).
				Bool("synced", v.Synced).
				Msg("clock")
		}
	}
}

// watchPowerSignals maps SIGUSR1 to background, SIGUSR2 to screen off and
// SIGCONT back to foreground.
func watchPowerSignals(ctx context.Context, power chan<- replica.PowerMode) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			mode := replica.PowerForeground
			switch sig {
			case syscall.SIGUSR1:
				mode = replica.PowerBackground
			case syscall.SIGUSR2:
				mode = replica.PowerScreenOff
			}
			select {
			case power <- mode:
			case <-ctx.Done():
				return
			}
		}
	}
}
