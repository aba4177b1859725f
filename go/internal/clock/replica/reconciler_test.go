package replica

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
)

type fakeSource struct {
	messages chan Message

	mu   sync.Mutex
	sent []protocol.MessageType
	err  error
}

func newFakeSource() *fakeSource {
	return &fakeSource{messages: make(chan Message, 16)}
}

func (f *fakeSource) Messages() <-chan Message {
	return f.messages
}

func (f *fakeSource) Send(cmd protocol.MessageType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeSource) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeSource) sentCommands() []protocol.MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.MessageType(nil), f.sent...)
}

type reconcilerFixture struct {
	clock  *clockwork.FakeClock
	engine *engine.Engine
	source *fakeSource
	guard  *CompletionGuard
	r      *Reconciler
}

func newReconcilerFixture(t *testing.T, cfg engine.Config) *reconcilerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	eng := engine.New(cfg, clock)
	source := newFakeSource()
	guard := NewCompletionGuard(DefaultDedupWindow)
	return &reconcilerFixture{
		clock:  clock,
		engine: eng,
		source: source,
		guard:  guard,
		r:      NewReconciler(DefaultReconcilerConfig(), eng, source, guard, clock),
	}
}

func assertSeconds(t *testing.T, what string, got time.Duration, want float64) {
	t.Helper()
	if math.Abs(got.Seconds()-want) > 1e-3 {
		t.Fatalf("%s = %.6fs, want %.6fs", what, got.Seconds(), want)
	}
}

func TestReconcilerStartsAutonomous(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})

	view := f.r.View()
	if view.Synced || view.Status != StatusDisconnected {
		t.Fatalf("expected autonomous disconnected view, got %+v", view)
	}
	if !view.IsPaused || view.PhaseName != models.PhaseWork {
		t.Fatalf("expected paused WORK, got %+v", view)
	}
	assertSeconds(t, "remaining", view.Remaining, 1500)
}

func TestSnapshotDerivesRemainingFromOffset(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	f.r.handleStatus(StatusConnected)

	snap := hostSnapshot(f.clock.Now(), 3000, 1500, true)
	f.r.handleSnapshot(snap)

	view := f.r.View()
	if !view.Synced || view.Status != StatusConnected {
		t.Fatalf("expected synced view, got %+v", view)
	}
	// the host read 1500s, 150ms of assumed latency ago
	assertSeconds(t, "remaining", view.Remaining, 1499.85)
	if want := snap.TargetEndTimeUnixMs - 3000; view.TargetEndTimeUnix != want {
		t.Fatalf("local target = %d, want %d", view.TargetEndTimeUnix, want)
	}
	if f.engine.TargetEndTimeUnix() != view.TargetEndTimeUnix {
		t.Fatalf("engine target %d not mirrored from view %d", f.engine.TargetEndTimeUnix(), view.TargetEndTimeUnix)
	}

	f.clock.Advance(10 * time.Second)
	f.r.tick()
	assertSeconds(t, "remaining after 10s", f.r.View().Remaining, 1489.85)
}

func TestOutlierSnapshotKeepsOffset(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	f.r.handleStatus(StatusConnected)
	f.r.handleSnapshot(hostSnapshot(f.clock.Now(), 0, 1500, true))

	f.r.handleSnapshot(hostSnapshot(f.clock.Now(), 5000, 1490, true))
	if got, _ := f.r.estimator.Offset(); got != 0 {
		t.Fatalf("outlier moved offset to %v", got)
	}
}

func TestPausedSnapshotShownVerbatim(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{})
	f.r.handleStatus(StatusConnected)
	f.r.handleSnapshot(models.EngineState{
		RemainingSeconds:     600,
		IsPaused:             true,
		PhaseName:            models.PhaseWork,
		IsWorkPhase:          true,
		TotalDurationSeconds: 1500,
	})

	f.clock.Advance(30 * time.Second)
	f.r.tick()

	view := f.r.View()
	if !view.Synced || !view.IsPaused || view.TargetEndTimeUnix != 0 {
		t.Fatalf("unexpected paused view %+v", view)
	}
	assertSeconds(t, "remaining", view.Remaining, 600)
	if math.Abs(view.Progress-0.6) > 1e-9 {
		t.Fatalf("progress = %v, want 0.6", view.Progress)
	}
}

func TestInvalidSnapshotDiscarded(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	f.r.handleStatus(StatusConnected)
	f.r.handleSnapshot(models.EngineState{RemainingSeconds: -5, IsPaused: true, PhaseName: models.PhaseWork, IsWorkPhase: true, TotalDurationSeconds: 1500})

	if f.r.View().Synced {
		t.Fatal("invalid snapshot must not be adopted")
	}
}

func TestDisconnectContinuesWithoutJump(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	f.r.handleStatus(StatusConnected)
	f.r.handleSnapshot(hostSnapshot(f.clock.Now(), 0, 1500, true))

	f.clock.Advance(10 * time.Second)
	f.r.tick()
	before := f.r.View()
	assertSeconds(t, "remaining before disconnect", before.Remaining, 1489.85)

	f.r.handleStatus(StatusDisconnected)
	after := f.r.View()
	if after.Synced || after.Status != StatusDisconnected {
		t.Fatalf("expected autonomous view, got %+v", after)
	}
	assertSeconds(t, "remaining after disconnect", after.Remaining, before.Remaining.Seconds())
	if after.IsPaused || !after.IsWorkPhase {
		t.Fatalf("phase changed on disconnect: %+v", after)
	}

	f.clock.Advance(5 * time.Second)
	f.r.tick()
	assertSeconds(t, "autonomous remaining", f.r.View().Remaining, 1484.85)

	// reconnect: the host is authoritative again on the first snapshot
	f.r.handleStatus(StatusConnected)
	snap := hostSnapshot(f.clock.Now(), 0, 1400, true)
	f.r.handleSnapshot(snap)

	view := f.r.View()
	if !view.Synced {
		t.Fatalf("expected synced view after reconnect, got %+v", view)
	}
	assertSeconds(t, "remaining after reconnect", view.Remaining, 1399.85)
	if view.TargetEndTimeUnix != snap.TargetEndTimeUnixMs {
		t.Fatalf("target = %d, want %d", view.TargetEndTimeUnix, snap.TargetEndTimeUnixMs)
	}
}

func TestFailedStatusGoesAutonomous(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	f.r.handleStatus(StatusConnected)
	f.r.handleSnapshot(hostSnapshot(f.clock.Now(), 0, 300, false))

	f.r.handleStatus(StatusFailed)
	view := f.r.View()
	if view.Synced || view.Status != StatusFailed || view.PhaseName != models.PhaseBreak {
		t.Fatalf("unexpected view %+v", view)
	}
	assertSeconds(t, "remaining", view.Remaining, 299.85)
}

func TestDuplicateTargetFiresOnce(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})

	var fired atomic.Int32
	f.r.OnCompletion(func(View) { fired.Add(1) })
	alarm := NewAlarmScheduler(f.clock, f.guard, func(Alarm) { fired.Add(1) })

	f.r.handleStatus(StatusConnected)
	first := hostSnapshot(f.clock.Now(), 0, 1, true)
	f.r.handleSnapshot(first)
	alarm.Update(f.r.View())

	// the same target, as reported by the host 50ms later
	f.clock.Advance(50 * time.Millisecond)
	second := first
	second.RemainingSeconds = 0.95
	f.r.handleSnapshot(second)
	alarm.Update(f.r.View())

	f.clock.Advance(time.Second)
	f.r.tick()
	f.r.tick()

	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("completion fired %d times, want 1", got)
	}
	if f.r.CheckCompletion(first.TargetEndTimeUnixMs) {
		t.Fatal("external wake claimed an already fired target")
	}
	if f.guard.TryFire(first.TargetEndTimeUnixMs + 500) {
		t.Fatal("jittered target fired again")
	}
}

func TestAutonomousCompletionAdvancesPhase(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{WorkMinutes: 1, BreakMinutes: 1})

	var views []View
	f.r.OnCompletion(func(v View) { views = append(views, v) })

	f.clock.Advance(time.Minute)
	f.r.tick()
	f.r.tick()

	if len(views) != 1 {
		t.Fatalf("completion fired %d times, want 1", len(views))
	}
	if views[0].PhaseName != models.PhaseWork || views[0].Synced {
		t.Fatalf("unexpected completion view %+v", views[0])
	}

	view := f.r.View()
	if view.IsWorkPhase || view.IsPaused {
		t.Fatalf("expected running BREAK, got %+v", view)
	}
	assertSeconds(t, "break remaining", view.Remaining, 60)
}

func TestAlarmWakeAndLateScreenOffTickFireOnce(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{WorkMinutes: 1, BreakMinutes: 1})
	f.r.handlePowerMode(PowerScreenOff)

	var fired atomic.Int32
	f.r.OnCompletion(func(View) { fired.Add(1) })
	alarm := NewAlarmScheduler(f.clock, f.guard, func(Alarm) { fired.Add(1) })
	alarm.Update(f.r.View())

	f.clock.Advance(time.Minute)
	deadline := time.Now().Add(time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := fired.Load(); got != 1 {
		t.Fatalf("alarm wake fired %d times, want 1", got)
	}

	// the screen-off tick lands a few seconds after the phase end
	f.clock.Advance(3 * time.Second)
	f.r.tick()
	time.Sleep(50 * time.Millisecond)

	if got := fired.Load(); got != 1 {
		t.Fatalf("completion fired %d times, want 1", got)
	}
	if want := epoch.Add(time.Minute).UnixMilli(); f.guard.LastFired() != want {
		t.Fatalf("last fired target = %d, want %d", f.guard.LastFired(), want)
	}
	if view := f.r.View(); view.IsWorkPhase || view.IsPaused {
		t.Fatalf("expected running BREAK after the late tick, got %+v", view)
	}
}

func TestCommandRouting(t *testing.T) {
	t.Run("offline applies locally", func(t *testing.T) {
		f := newReconcilerFixture(t, engine.Config{})

		if err := f.r.handleCommand(protocol.MessageTypeTogglePause); err != nil {
			t.Fatalf("toggle_pause: %v", err)
		}
		if !f.engine.IsPaused() || !f.r.View().IsPaused {
			t.Fatal("local pause not applied")
		}
		if err := f.r.handleCommand(protocol.MessageTypeTogglePhase); err != nil {
			t.Fatalf("toggle_phase: %v", err)
		}
		if f.r.View().IsWorkPhase {
			t.Fatal("local phase toggle not applied")
		}
		if err := f.r.handleCommand(protocol.MessageTypeRequestState); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("request_state offline = %v, want ErrNotConnected", err)
		}
		if sent := f.source.sentCommands(); len(sent) != 0 {
			t.Fatalf("offline commands reached the host: %v", sent)
		}
	})

	t.Run("connected sends to host", func(t *testing.T) {
		f := newReconcilerFixture(t, engine.Config{})
		f.r.handleStatus(StatusConnected)

		if err := f.r.handleCommand(protocol.MessageTypeTogglePhase); err != nil {
			t.Fatalf("toggle_phase: %v", err)
		}
		sent := f.source.sentCommands()
		if len(sent) != 1 || sent[0] != protocol.MessageTypeTogglePhase {
			t.Fatalf("sent %v", sent)
		}
		if !f.engine.IsWorkPhase() {
			t.Fatal("connected command must not change the local engine")
		}
	})

	t.Run("send failure falls back to local", func(t *testing.T) {
		f := newReconcilerFixture(t, engine.Config{})
		f.r.handleStatus(StatusConnected)
		f.source.setErr(ErrNotConnected)

		if err := f.r.handleCommand(protocol.MessageTypeTogglePhase); err != nil {
			t.Fatalf("toggle_phase: %v", err)
		}
		if f.engine.IsWorkPhase() {
			t.Fatal("command not applied locally")
		}
		if status := f.r.View().Status; status != StatusDisconnected {
			t.Fatalf("status = %s, want disconnected", status)
		}
	})

	t.Run("other send errors are returned", func(t *testing.T) {
		f := newReconcilerFixture(t, engine.Config{})
		f.r.handleStatus(StatusConnected)
		f.source.setErr(ErrSendBufferFull)

		if err := f.r.handleCommand(protocol.MessageTypeTogglePause); !errors.Is(err, ErrSendBufferFull) {
			t.Fatalf("err = %v, want ErrSendBufferFull", err)
		}
		if f.engine.IsPaused() {
			t.Fatal("command applied locally while connected")
		}
	})
}

func TestTickIntervalFollowsPowerMode(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{})

	tests := []struct {
		mode PowerMode
		want time.Duration
	}{
		{PowerBackground, time.Second},
		{PowerScreenOff, 5 * time.Second},
		{PowerForeground, 50 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			f.r.handlePowerMode(tt.mode)
			if got := f.r.interval(); got != tt.want {
				t.Fatalf("interval = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconcilerRun(t *testing.T) {
	f := newReconcilerFixture(t, engine.Config{StartPaused: true})
	views := f.r.Subscribe(64)
	power := make(chan PowerMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.r.Run(ctx, power)
		close(done)
	}()

	snap := hostSnapshot(f.clock.Now(), 0, 1200, false)
	f.source.messages <- Message{Status: StatusConnected}
	f.source.messages <- Message{State: &snap}

	waitForView(t, views, func(v View) bool { return v.Synced && v.PhaseName == models.PhaseBreak })

	if err := f.r.TogglePause(ctx); err != nil {
		t.Fatalf("toggle pause: %v", err)
	}
	if sent := f.source.sentCommands(); len(sent) != 1 || sent[0] != protocol.MessageTypeTogglePause {
		t.Fatalf("sent %v", sent)
	}

	power <- PowerBackground
	f.clock.Advance(time.Second)
	waitForView(t, views, func(v View) bool {
		return v.Synced && math.Abs(v.Remaining.Seconds()-1198.85) < 1e-3
	})

	f.source.messages <- Message{Status: StatusDisconnected}
	waitForView(t, views, func(v View) bool { return !v.Synced && v.Status == StatusDisconnected })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func waitForView(t *testing.T, views <-chan View, match func(View) bool) View {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v := <-views:
			if match(v) {
				return v
			}
		case <-timeout:
			t.Fatal("timed out waiting for view")
			return View{}
		}
	}
}
