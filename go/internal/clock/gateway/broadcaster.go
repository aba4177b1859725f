package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrUnknownCommand is returned for inbound commands the host does not accept.
var ErrUnknownCommand = errors.New("unknown command")

// Publisher delivers snapshots to one class of subscribers.
type Publisher interface {
	PublishState(ctx context.Context, state models.EngineState) error
}

// CommandHandler applies a replica command and returns the resulting snapshot.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd protocol.MessageType) (models.EngineState, error)
}

// BroadcasterConfig holds push timing.
type BroadcasterConfig struct {
	HeartbeatInterval time.Duration
	PublishTimeout    time.Duration
	EventBuffer       int
}

// DefaultBroadcasterConfig returns a 5s heartbeat.
func DefaultBroadcasterConfig() BroadcasterConfig {
	return BroadcasterConfig{
		HeartbeatInterval: 5 * time.Second,
		PublishTimeout:    2 * time.Second,
		EventBuffer:       32,
	}
}

// Broadcaster pushes engine snapshots to every publisher on significant
// transitions and on a fixed heartbeat, and is the host command entry point.
type Broadcaster struct {
	engine *engine.Engine
	clock  clockwork.Clock
	config BroadcasterConfig

	mu         sync.RWMutex
	publishers []Publisher

	statsMu   sync.Mutex
	running   bool
	startedAt time.Time
	pushes    uint64
	lastPush  time.Time
}

// BroadcasterStats describes push activity.
type BroadcasterStats struct {
	Running   bool
	StartedAt time.Time
	Pushes    uint64
	LastPush  time.Time
}

// NewBroadcaster creates a broadcaster for eng.
func NewBroadcaster(eng *engine.Engine, clock clockwork.Clock, config BroadcasterConfig) *Broadcaster {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	defaults := DefaultBroadcasterConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	return &Broadcaster{
		engine: eng,
		clock:  clock,
		config: config,
	}
}

// AddPublisher registers a fanout target.
func (b *Broadcaster) AddPublisher(p Publisher) {
	b.mu.Lock()
	b.publishers = append(b.publishers, p)
	b.mu.Unlock()
}

// Start runs the push loop until ctx is cancelled.
func (b *Broadcaster) Start(ctx context.Context) {
	events := b.engine.Subscribe(b.config.EventBuffer)
	defer b.engine.Unsubscribe(events)

	b.statsMu.Lock()
	b.running = true
	b.startedAt = b.clock.Now()
	b.statsMu.Unlock()
	defer func() {
		b.statsMu.Lock()
		b.running = false
		b.statsMu.Unlock()
	}()

	heartbeat := b.clock.NewTicker(b.config.HeartbeatInterval)
	defer heartbeat.Stop()

	log.Info().
		Dur("heartbeat_interval", b.config.HeartbeatInterval).
		Msg("broadcaster started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("broadcaster shutting down")
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if !event.Significant {
				continue
			}
			log.Debug().
				Str("event_type", string(event.Type)).
				Str("phase", event.State.PhaseName).
				Bool("is_paused", event.State.IsPaused).
				Msg("significant transition, pushing snapshot")
			b.Push(ctx, event.State)
		case <-heartbeat.Chan():
			b.Push(ctx, b.engine.GetState())
		}
	}
}

// Push fans state out to every publisher concurrently. Failures are logged and
// never reach the engine.
func (b *Broadcaster) Push(ctx context.Context, state models.EngineState) {
	b.mu.RLock()
	publishers := make([]Publisher, len(b.publishers))
	copy(publishers, b.publishers)
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.pushes++
	b.lastPush = b.clock.Now()
	b.statsMu.Unlock()

	for _, p := range publishers {
		go func(p Publisher) {
			pubCtx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
			defer cancel()
			if err := p.PublishState(pubCtx, state); err != nil {
				log.Warn().
					Err(err).
					Str("publisher", fmt.Sprintf("%T", p)).
					Msg("failed to publish state")
			}
		}(p)
	}
}

// Stats returns push counters.
func (b *Broadcaster) Stats() BroadcasterStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return BroadcasterStats{
		Running:   b.running,
		StartedAt: b.startedAt,
		Pushes:    b.pushes,
		LastPush:  b.lastPush,
	}
}

// HandleCommand applies cmd to the engine. Toggles are fanned out through the
// engine's event stream; request_state only answers the caller.
func (b *Broadcaster) HandleCommand(ctx context.Context, cmd protocol.MessageType) (models.EngineState, error) {
	var state models.EngineState
	switch cmd {
	case protocol.MessageTypeRequestState:
		state = b.engine.GetState()
	case protocol.MessageTypeTogglePause:
		state = b.engine.TogglePause()
	case protocol.MessageTypeTogglePhase:
		state = b.engine.TogglePhase()
	default:
		return state, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	log.Debug().
		Str("command", string(cmd)).
		Str("phase", state.PhaseName).
		Bool("is_paused", state.IsPaused).
		Msg("command applied")
	return state, nil
}
