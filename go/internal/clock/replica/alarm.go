package replica

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// DefaultRescheduleThreshold is how far the target must move before the wake
// is rescheduled.
const DefaultRescheduleThreshold = 2 * time.Second

// Alarm describes a scheduled phase end.
type Alarm struct {
	TargetEndTimeUnix int64
	IsWorkPhase       bool
	PhaseName         string
}

// AlarmScheduler keeps a single wake timer aligned with the current phase end.
// The wake claims completion through the shared guard, so it cannot double
// fire with the reconciler's own tick.
type AlarmScheduler struct {
	clock     clockwork.Clock
	guard     *CompletionGuard
	threshold time.Duration
	onFire    func(Alarm)

	mu    sync.Mutex
	timer clockwork.Timer
	alarm Alarm
	fired bool // alarm is kept after firing until the target moves
	gen   uint64
}

// NewAlarmScheduler creates a scheduler that calls onFire at the phase end.
func NewAlarmScheduler(clock clockwork.Clock, guard *CompletionGuard, onFire func(Alarm)) *AlarmScheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AlarmScheduler{
		clock:     clock,
		guard:     guard,
		threshold: DefaultRescheduleThreshold,
		onFire:    onFire,
	}
}

// Update reconciles the wake with a view: cancel when paused, reschedule
// when the target moved by more than the threshold.
func (a *AlarmScheduler) Update(view View) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if view.IsPaused || view.TargetEndTimeUnix == 0 {
		a.cancelLocked()
		return
	}

	if a.timer != nil || a.fired {
		diff := view.TargetEndTimeUnix - a.alarm.TargetEndTimeUnix
		if diff < 0 {
			diff = -diff
		}
		if diff <= a.threshold.Milliseconds() && view.IsWorkPhase == a.alarm.IsWorkPhase {
			return
		}
	}

	a.scheduleLocked(Alarm{
		TargetEndTimeUnix: view.TargetEndTimeUnix,
		IsWorkPhase:       view.IsWorkPhase,
		PhaseName:         view.PhaseName,
	})
}

// Scheduled returns the pending alarm, if any.
func (a *AlarmScheduler) Scheduled() (Alarm, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer == nil {
		return Alarm{}, false
	}
	return a.alarm, true
}

// Run follows views until ctx is cancelled or views is closed.
func (a *AlarmScheduler) Run(ctx context.Context, views <-chan View) {
	defer func() {
		a.mu.Lock()
		a.cancelLocked()
		a.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case view, ok := <-views:
			if !ok {
				return
			}
			a.Update(view)
		}
	}
}

func (a *AlarmScheduler) scheduleLocked(alarm Alarm) {
	a.cancelLocked()

	delay := time.UnixMilli(alarm.TargetEndTimeUnix).Sub(a.clock.Now())
	if delay < 0 {
		delay = 0
	}

	a.gen++
	gen := a.gen
	a.timer = a.clock.AfterFunc(delay, func() {
		a.mu.Lock()
		current := a.gen == gen && a.timer != nil
		if current {
			a.timer = nil
			a.fired = true
		}
		a.mu.Unlock()
		if !current {
			return
		}

		if !a.guard.TryFire(alarm.TargetEndTimeUnix) {
			log.Debug().Int64("target_end_time_unix_ms", alarm.TargetEndTimeUnix).Msg("alarm wake after completion already fired")
			return
		}
		log.Info().
			Int64("target_end_time_unix_ms", alarm.TargetEndTimeUnix).
			Str("phase", alarm.PhaseName).
			Msg("alarm fired")
		if a.onFire != nil {
			a.onFire(alarm)
		}
	})
	a.alarm = alarm

	log.Debug().
		Int64("target_end_time_unix_ms", alarm.TargetEndTimeUnix).
		Dur("delay", delay).
		Msg("alarm scheduled")
}

func (a *AlarmScheduler) cancelLocked() {
	a.gen++
	a.alarm = Alarm{}
	a.fired = false
	if a.timer == nil {
		return
	}
	a.timer.Stop()
	a.timer = nil
	log.Debug().Msg("alarm cancelled")
}
