package replica

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// PowerMode is the display lifecycle state of the replica device.
type PowerMode int

const (
	PowerForeground PowerMode = iota
	PowerBackground
	PowerScreenOff
)

func (m PowerMode) String() string {
	switch m {
	case PowerForeground:
		return "foreground"
	case PowerBackground:
		return "background"
	case PowerScreenOff:
		return "screen_off"
	}
	return fmt.Sprintf("power_mode(%d)", int(m))
}

// Source is the host channel as seen by the reconciler.
type Source interface {
	Messages() <-chan Message
	Send(cmd protocol.MessageType) error
}

// View is the locally derived display state.
type View struct {
	Remaining   time.Duration
	Progress    float64
	IsWorkPhase bool
	IsPaused    bool
	PhaseName   string
	Status      Status
	// Synced is true while the host is authoritative for this view.
	Synced bool
	// TargetEndTimeUnix is the phase end on the local clock in Unix ms, 0
	// when not running.
	TargetEndTimeUnix int64
}

// ReconcilerConfig holds tick intervals and offset filter parameters
type ReconcilerConfig struct {
	ForegroundInterval time.Duration
	BackgroundInterval time.Duration
	ScreenOffInterval  time.Duration

	LatencyBias      time.Duration
	OutlierThreshold time.Duration
	SmoothingFactor  float64
}

// DefaultReconcilerConfig returns 50ms/1s/5s tick intervals
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		ForegroundInterval: 50 * time.Millisecond,
		BackgroundInterval: time.Second,
		ScreenOffInterval:  5 * time.Second,
		LatencyBias:        DefaultLatencyBias,
		OutlierThreshold:   DefaultOutlierThreshold,
		SmoothingFactor:    DefaultSmoothingFactor,
	}
}

type commandRequest struct {
	cmd   protocol.MessageType
	reply chan error
}

// Reconciler turns host snapshots and local ticks into a continuously
// updated View. While disconnected it runs the local engine autonomously.
// Everything below the config is owned by the Run goroutine.
type Reconciler struct {
	config ReconcilerConfig
	clock  clockwork.Clock
	engine *engine.Engine
	source Source
	guard  *CompletionGuard

	commands chan commandRequest

	estimator *OffsetEstimator
	last      *models.EngineState
	status    Status
	mode      PowerMode
	timer     clockwork.Timer

	mu   sync.RWMutex
	view View

	subMu       sync.Mutex
	subscribers []chan View
	onComplete  []func(View)
}

// NewReconciler creates a reconciler around a local engine. The engine's
// completion hook is taken over by the reconciler.
func NewReconciler(config ReconcilerConfig, eng *engine.Engine, source Source, guard *CompletionGuard, clock clockwork.Clock) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if guard == nil {
		guard = NewCompletionGuard(DefaultDedupWindow)
	}
	defaults := DefaultReconcilerConfig()
	if config.ForegroundInterval <= 0 {
		config.ForegroundInterval = defaults.ForegroundInterval
	}
	if config.BackgroundInterval <= 0 {
		config.BackgroundInterval = defaults.BackgroundInterval
	}
	if config.ScreenOffInterval <= 0 {
		config.ScreenOffInterval = defaults.ScreenOffInterval
	}

	r := &Reconciler{
		config:    config,
		clock:     clock,
		engine:    eng,
		source:    source,
		guard:     guard,
		commands:  make(chan commandRequest),
		estimator: NewOffsetEstimator(config.LatencyBias, config.OutlierThreshold, config.SmoothingFactor),
		status:    StatusDisconnected,
		mode:      PowerForeground,
	}

	eng.OnPhaseCompleted(func(ev engine.Event) {
		r.fireCompletion(ev.State.TargetEndTimeUnixMs, r.viewFromState(ev.State, false))
	})

	r.recompute(clock.Now())
	return r
}

// Subscribe returns a channel receiving every recomputed view. Slow
// subscribers miss intermediate views.
func (r *Reconciler) Subscribe(buffer int) <-chan View {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan View, buffer)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

// OnCompletion registers a side effect run once per completed phase target.
func (r *Reconciler) OnCompletion(fn func(View)) {
	r.subMu.Lock()
	r.onComplete = append(r.onComplete, fn)
	r.subMu.Unlock()
}

// View returns the latest derived view.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.view
}

func (r *Reconciler) TargetEndTimeUnix() int64 {
	return r.View().TargetEndTimeUnix
}

func (r *Reconciler) IsWorkPhase() bool {
	return r.View().IsWorkPhase
}

func (r *Reconciler) IsPaused() bool {
	return r.View().IsPaused
}

// TogglePause sends the command to the host, or applies it locally while
// disconnected.
func (r *Reconciler) TogglePause(ctx context.Context) error {
	return r.submit(ctx, protocol.MessageTypeTogglePause)
}

// TogglePhase sends the command to the host, or applies it locally while
// disconnected.
func (r *Reconciler) TogglePhase(ctx context.Context) error {
	return r.submit(ctx, protocol.MessageTypeTogglePhase)
}

// RequestState asks the host for a fresh snapshot.
func (r *Reconciler) RequestState(ctx context.Context) error {
	return r.submit(ctx, protocol.MessageTypeRequestState)
}

func (r *Reconciler) submit(ctx context.Context, cmd protocol.MessageType) error {
	req := commandRequest{cmd: cmd, reply: make(chan error, 1)}
	select {
	case r.commands <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the reconciler event loop. Power mode changes arrive on power; a nil
// channel keeps the foreground interval.
func (r *Reconciler) Run(ctx context.Context, power <-chan PowerMode) {
	messages := r.source.Messages()

	r.restartTimer()
	defer func() {
		stopAndDrainTimer(r.timer)
		r.timer = nil
	}()

	log.Info().Str("power_mode", r.mode.String()).Msg("reconciler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("reconciler stopped")
			return

		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			if msg.State != nil {
				r.handleSnapshot(*msg.State)
			} else {
				r.handleStatus(msg.Status)
			}

		case mode, ok := <-power:
			if !ok {
				power = nil
				continue
			}
			r.handlePowerMode(mode)

		case req := <-r.commands:
			req.reply <- r.handleCommand(req.cmd)

		case <-r.timer.Chan():
			r.tick()
			r.timer.Reset(r.interval())
		}
	}
}

// handleSnapshot adopts a host snapshot: last received wins.
func (r *Reconciler) handleSnapshot(state models.EngineState) {
	if err := checkSnapshot(state); err != nil {
		log.Warn().Err(err).Msg("discarding host snapshot")
		return
	}

	now := r.clock.Now()
	if state.IsRunning() {
		if !r.estimator.Observe(state, now.UnixMilli()) {
			log.Debug().
				Float64("sample_ms", r.estimator.Sample(state, now.UnixMilli())).
				Msg("discarding clock offset outlier")
		}
	}

	r.last = &state
	r.engine.ApplyState(r.localize(state))
	r.recompute(now)
}

// handleStatus switches between synced and autonomous operation.
func (r *Reconciler) handleStatus(status Status) {
	prev := r.status
	if status == prev {
		return
	}
	now := r.clock.Now()

	switch status {
	case StatusConnected:
		// the next snapshot supersedes any local state
		r.status = status
		r.last = nil
		r.estimator.Reset()
	case StatusDisconnected, StatusFailed:
		if prev == StatusConnected {
			r.seedLocalEngine(now)
		}
		r.status = status
		r.last = nil
		r.estimator.Reset()
	default:
		r.status = status
	}

	log.Info().
		Str("from", string(prev)).
		Str("to", string(status)).
		Msg("replica connection status changed")

	r.restartTimer()
	r.recompute(now)
}

// seedLocalEngine hands the currently displayed countdown to the local engine
// so going autonomous causes no jump.
func (r *Reconciler) seedLocalEngine(now time.Time) {
	shown := r.computeView(now)
	total := r.engine.GetState().TotalDurationSeconds
	if r.last != nil {
		total = r.last.TotalDurationSeconds
	}

	r.engine.ApplyState(models.EngineState{
		RemainingSeconds:     shown.Remaining.Seconds(),
		IsWorkPhase:          shown.IsWorkPhase,
		IsPaused:             shown.IsPaused,
		PhaseName:            shown.PhaseName,
		TotalDurationSeconds: total,
	})

	log.Info().
		Dur("remaining", shown.Remaining).
		Str("phase", shown.PhaseName).
		Msg("continuing autonomously")
}

func (r *Reconciler) handlePowerMode(mode PowerMode) {
	if mode == r.mode {
		return
	}
	log.Debug().
		Str("from", r.mode.String()).
		Str("to", mode.String()).
		Msg("power mode changed")
	r.mode = mode
	r.restartTimer()
	r.recompute(r.clock.Now())
}

func (r *Reconciler) handleCommand(cmd protocol.MessageType) error {
	if r.status == StatusConnected {
		err := r.source.Send(cmd)
		if err == nil {
			r.restartTimer()
			return nil
		}
		if !errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("send %s: %w", cmd, err)
		}
		r.handleStatus(StatusDisconnected)
	}

	switch cmd {
	case protocol.MessageTypeTogglePause:
		r.engine.TogglePause()
	case protocol.MessageTypeTogglePhase:
		r.engine.TogglePhase()
	case protocol.MessageTypeRequestState:
		return ErrNotConnected
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}

	r.restartTimer()
	r.recompute(r.clock.Now())
	return nil
}

// tick re-derives the view and detects completion. The local engine is only
// advanced while autonomous.
func (r *Reconciler) tick() {
	if !r.synced() {
		r.engine.Tick()
	}

	view := r.recompute(r.clock.Now())
	if view.Synced && !view.IsPaused && view.Remaining <= 0 && view.TargetEndTimeUnix != 0 {
		r.fireCompletion(view.TargetEndTimeUnix, view)
	}
}

// CheckCompletion lets an external wake declare completion of target. It
// returns false when the completion was already claimed.
func (r *Reconciler) CheckCompletion(target int64) bool {
	return r.fireCompletion(target, r.View())
}

func (r *Reconciler) fireCompletion(target int64, view View) bool {
	if !r.guard.TryFire(target) {
		log.Debug().Int64("target_end_time_unix_ms", target).Msg("completion already fired")
		return false
	}

	log.Info().
		Int64("target_end_time_unix_ms", target).
		Str("phase", view.PhaseName).
		Bool("synced", view.Synced).
		Msg("phase completion")

	r.subMu.Lock()
	hooks := make([]func(View), len(r.onComplete))
	copy(hooks, r.onComplete)
	r.subMu.Unlock()

	for _, fn := range hooks {
		fn(view)
	}
	return true
}

func (r *Reconciler) synced() bool {
	return r.status == StatusConnected && r.last != nil
}

func (r *Reconciler) interval() time.Duration {
	switch r.mode {
	case PowerBackground:
		return r.config.BackgroundInterval
	case PowerScreenOff:
		return r.config.ScreenOffInterval
	default:
		return r.config.ForegroundInterval
	}
}

// restartTimer cancels the pending tick and schedules a fresh one.
func (r *Reconciler) restartTimer() {
	if r.timer == nil {
		r.timer = r.clock.NewTimer(r.interval())
		return
	}
	stopAndDrainTimer(r.timer)
	r.timer.Reset(r.interval())
}

// localize moves a running snapshot's target onto the local clock.
func (r *Reconciler) localize(state models.EngineState) models.EngineState {
	offset, ok := r.estimator.Offset()
	if ok && state.IsRunning() {
		state.TargetEndTimeUnixMs -= int64(math.Round(offset))
	}
	return state
}

func (r *Reconciler) recompute(now time.Time) View {
	view := r.computeView(now)

	r.mu.Lock()
	r.view = view
	r.mu.Unlock()

	r.subMu.Lock()
	for _, ch := range r.subscribers {
		select {
		case ch <- view:
		default:
		}
	}
	r.subMu.Unlock()
	return view
}

func (r *Reconciler) computeView(now time.Time) View {
	if !r.synced() {
		return r.viewFromState(r.engine.GetState(), false)
	}

	state := *r.last
	offset, ok := r.estimator.Offset()
	if !ok || !state.IsRunning() {
		view := r.viewFromState(state, true)
		view.TargetEndTimeUnix = 0
		return view
	}

	remainingMs := float64(state.TargetEndTimeUnixMs) - (float64(now.UnixMilli()) + offset)
	state.RemainingSeconds = math.Max(0, remainingMs/1000)
	state.TargetEndTimeUnixMs -= int64(math.Round(offset))
	return r.viewFromState(state, true)
}

func (r *Reconciler) viewFromState(state models.EngineState, synced bool) View {
	return View{
		Remaining:         time.Duration(state.RemainingSeconds * float64(time.Second)),
		Progress:          state.Progress(),
		IsWorkPhase:       state.IsWorkPhase,
		IsPaused:          state.IsPaused,
		PhaseName:         models.PhaseNameFor(state.IsWorkPhase),
		Status:            r.status,
		Synced:            synced,
		TargetEndTimeUnix: state.TargetEndTimeUnixMs,
	}
}

// checkSnapshot applies the snapshot invariants, tolerating running
// snapshots without a target, which are shown verbatim.
func checkSnapshot(state models.EngineState) error {
	err := state.Validate()
	if err == nil {
		return nil
	}
	unanchored := !state.IsPaused && state.TargetEndTimeUnixMs == 0
	if unanchored && state.RemainingSeconds >= 0 && state.TotalDurationSeconds > 0 {
		return nil
	}
	return err
}
