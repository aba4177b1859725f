package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/rs/zerolog/log"
)

const (
	DefaultWorkMinutes  = 25
	DefaultBreakMinutes = 5
	DefaultTickInterval = 100 * time.Millisecond
)

// Config holds the engine durations and tick resolution.
type Config struct {
	WorkMinutes  int
	BreakMinutes int
	TickInterval time.Duration
	// StartPaused leaves the initial WORK phase frozen at full duration.
	StartPaused bool
}

// Engine is the WORK/BREAK state machine. A running phase is anchored to an
// absolute end time so every read recomputes remaining = targetEnd - now.
// Command methods and Tick are serialized by mu.
type Engine struct {
	mu    sync.Mutex
	clock clockwork.Clock

	tickInterval time.Duration
	workMinutes  int
	breakMinutes int

	isWorkPhase bool
	isPaused    bool
	total       time.Duration
	remaining   time.Duration // frozen value while paused
	targetEnd   time.Time     // zero while paused

	subscribers      []chan Event
	onPhaseCompleted func(Event)
}

// New creates an engine in the WORK phase. A nil clock uses the real clock.
func New(config Config, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	e := &Engine{
		clock:        clock,
		tickInterval: config.TickInterval,
		workMinutes:  config.WorkMinutes,
		breakMinutes: config.BreakMinutes,
		isWorkPhase:  true,
	}

	now := clock.Now()
	e.startPhaseLocked(now)
	if config.StartPaused {
		e.remaining = e.total
		e.targetEnd = time.Time{}
		e.isPaused = true
	}
	return e
}

// Subscribe registers an observer channel. Slow observers miss events rather
// than blocking the engine.
func (e *Engine) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes an observer channel returned by Subscribe.
func (e *Engine) Unsubscribe(sub <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, ch := range e.subscribers {
		if ch == sub {
			e.subscribers = append(e.subscribers[:i], e.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// OnPhaseCompleted sets the hook invoked when a running phase reaches zero.
func (e *Engine) OnPhaseCompleted(fn func(Event)) {
	e.mu.Lock()
	e.onPhaseCompleted = fn
	e.mu.Unlock()
}

// UpdateDurations stores new phase lengths. They apply from the next phase
// start; a running phase keeps its target.
func (e *Engine) UpdateDurations(workMinutes, breakMinutes int) {
	e.mu.Lock()
	e.workMinutes = workMinutes
	e.breakMinutes = breakMinutes
	e.mu.Unlock()

	log.Info().
		Int("work_minutes", workMinutes).
		Int("break_minutes", breakMinutes).
		Msg("engine durations updated")
}

// TogglePhase switches WORK<->BREAK and starts the new phase running.
func (e *Engine) TogglePhase() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	e.togglePhaseLocked(now)
	return e.stateLocked(now)
}

// TogglePause freezes or resumes the current phase.
func (e *Engine) TogglePause() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	if e.isPaused {
		e.targetEnd = now.Add(e.remaining)
		e.isPaused = false
		e.emitLocked(EventTypeResumed, true, now)
	} else {
		e.remaining = e.remainingLocked(now)
		e.targetEnd = time.Time{}
		e.isPaused = true
		e.emitLocked(EventTypePaused, true, now)
	}
	return e.stateLocked(now)
}

// ApplyState replaces local state with a snapshot from another engine.
func (e *Engine) ApplyState(state models.EngineState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	wasWork, wasPaused := e.isWorkPhase, e.isPaused

	e.isWorkPhase = state.IsWorkPhase
	e.isPaused = state.IsPaused

	e.total = secondsToDuration(state.TotalDurationSeconds)
	if e.total <= 0 {
		e.total = e.phaseDurationLocked()
	}

	if state.IsRunning() {
		e.targetEnd = time.UnixMilli(state.TargetEndTimeUnixMs)
		e.remaining = e.remainingLocked(now)
	} else {
		remaining := state.RemainingSeconds
		if remaining < 0 {
			remaining = 0
		}
		e.remaining = secondsToDuration(remaining)
		e.targetEnd = time.Time{}
		if !e.isPaused {
			// running snapshot without an anchor: anchor it locally
			e.targetEnd = now.Add(e.remaining)
		}
	}

	significant := wasWork != e.isWorkPhase || wasPaused != e.isPaused
	e.emitLocked(EventTypeStateApplied, significant, now)
}

// GetState returns the current snapshot.
func (e *Engine) GetState() models.EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked(e.clock.Now())
}

// Tick checks for natural expiry and reports whether a phase completed.
func (e *Engine) Tick() bool {
	e.mu.Lock()
	now := e.clock.Now()
	if e.isPaused || now.Before(e.targetEnd) {
		e.mu.Unlock()
		return false
	}

	completed := Event{
		Type:  EventTypePhaseCompleted,
		State: e.stateLocked(now),
		At:    now,
	}
	// keyed by the phase end, not the tick that noticed it
	completed.State.TargetEndTimeUnixMs = e.targetEnd.UnixMilli()
	e.broadcastLocked(completed)
	hook := e.onPhaseCompleted
	e.togglePhaseLocked(now)
	e.mu.Unlock()

	log.Info().
		Str("phase", completed.State.PhaseName).
		Int64("target_end_time_unix_ms", completed.State.TargetEndTimeUnixMs).
		Msg("phase completed")

	if hook != nil {
		hook(completed)
	}
	return true
}

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := e.clock.NewTicker(e.tickInterval)
	defer ticker.Stop()

	log.Debug().Dur("tick_interval", e.tickInterval).Msg("engine tick loop started")
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("engine tick loop stopped")
			return
		case <-ticker.Chan():
			e.Tick()
		}
	}
}

// TargetEndTimeUnix returns the absolute end of the running phase in Unix
// milliseconds, or 0 when paused.
func (e *Engine) TargetEndTimeUnix() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isPaused {
		return 0
	}
	return e.targetEnd.UnixMilli()
}

func (e *Engine) IsWorkPhase() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isWorkPhase
}

func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isPaused
}

// Remaining returns the time left in the current phase.
func (e *Engine) Remaining() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remainingLocked(e.clock.Now())
}

func (e *Engine) togglePhaseLocked(now time.Time) {
	e.isWorkPhase = !e.isWorkPhase
	e.startPhaseLocked(now)
	e.emitLocked(EventTypePhaseStarted, true, now)
}

func (e *Engine) startPhaseLocked(now time.Time) {
	e.total = e.phaseDurationLocked()
	e.remaining = e.total
	e.isPaused = false
	e.targetEnd = now.Add(e.total)
}

// phaseDurationLocked falls back to the defaults for non-positive settings.
func (e *Engine) phaseDurationLocked() time.Duration {
	minutes := e.breakMinutes
	fallback := DefaultBreakMinutes
	if e.isWorkPhase {
		minutes = e.workMinutes
		fallback = DefaultWorkMinutes
	}
	if minutes <= 0 {
		minutes = fallback
	}
	return time.Duration(minutes) * time.Minute
}

func (e *Engine) remainingLocked(now time.Time) time.Duration {
	if e.isPaused {
		return e.remaining
	}
	remaining := e.targetEnd.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (e *Engine) stateLocked(now time.Time) models.EngineState {
	remaining := e.remainingLocked(now)
	var target int64
	if !e.isPaused {
		target = now.Add(remaining).UnixMilli()
	}
	return models.EngineState{
		RemainingSeconds:     remaining.Seconds(),
		IsWorkPhase:          e.isWorkPhase,
		IsPaused:             e.isPaused,
		PhaseName:            models.PhaseNameFor(e.isWorkPhase),
		TotalDurationSeconds: e.total.Seconds(),
		TargetEndTimeUnixMs:  target,
	}
}

func (e *Engine) emitLocked(eventType EventType, significant bool, now time.Time) {
	e.broadcastLocked(Event{
		Type:        eventType,
		State:       e.stateLocked(now),
		Significant: significant,
		At:          now,
	})
}

func (e *Engine) broadcastLocked(event Event) {
	for _, ch := range e.subscribers {
		select {
		case ch <- event:
		default:
			log.Debug().Str("event_type", string(event.Type)).Msg("engine subscriber full, dropping event")
		}
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
