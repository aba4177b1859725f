package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// StateKey is the KV key holding the latest snapshot.
const StateKey = "latest"

// ErrNoState is returned when the bucket has not received a snapshot yet.
var ErrNoState = errors.New("no state published yet")

// CommandHandler applies a command and returns the resulting snapshot.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd protocol.MessageType) (models.EngineState, error)
}

// StateApplier accepts a stored snapshot, typically the host engine.
type StateApplier interface {
	ApplyState(state models.EngineState)
}

// Config holds configuration for the NATS relay
type Config struct {
	URL            string
	SubjectPrefix  string
	Bucket         string
	MaxReconnects  int
	ReconnectWait  time.Duration
	CommandTimeout time.Duration
}

// DefaultConfig returns default relay configuration
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "clock",
		Bucket:         "CLOCK_STATE",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		CommandTimeout: 2 * time.Second,
	}
}

// StateSubject carries every pushed snapshot.
func (c Config) StateSubject() string {
	return c.SubjectPrefix + ".state"
}

// CommandSubject accepts request/reply commands.
func (c Config) CommandSubject() string {
	return c.SubjectPrefix + ".commands"
}

// CommandReply is the response body on the command subject.
type CommandReply struct {
	State *models.EngineState `json:"state,omitempty"`
	Error string              `json:"error,omitempty"`
}

// Relay mirrors snapshots onto NATS, keeps the latest one in a JetStream KV
// bucket and serves commands from NATS clients.
type Relay struct {
	nc       *nats.Conn
	kv       jetstream.KeyValue
	sub      *nats.Subscription
	commands CommandHandler
	config   Config
}

// New connects to NATS and ensures the state bucket exists.
func New(ctx context.Context, config Config, commands CommandHandler) (*Relay, error) {
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = DefaultConfig().CommandTimeout
	}

	opts := []nats.Option{
		nats.Name("clock-relay"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      config.Bucket,
		Description: "Latest clock snapshot",
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure state bucket: %w", err)
	}

	log.Info().
		Str("url", config.URL).
		Str("bucket", config.Bucket).
		Str("state_subject", config.StateSubject()).
		Msg("NATS relay connected")

	return &Relay{
		nc:       nc,
		kv:       kv,
		commands: commands,
		config:   config,
	}, nil
}

// PublishState mirrors a snapshot to the state subject and the KV bucket.
func (r *Relay) PublishState(ctx context.Context, state models.EngineState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal engine state: %w", err)
	}

	if err := r.nc.Publish(r.config.StateSubject(), data); err != nil {
		return fmt.Errorf("publish state: %w", err)
	}
	if _, err := r.kv.Put(ctx, StateKey, data); err != nil {
		return fmt.Errorf("store latest state: %w", err)
	}
	return nil
}

// LatestState reads the last stored snapshot.
func (r *Relay) LatestState(ctx context.Context) (models.EngineState, error) {
	var state models.EngineState

	entry, err := r.kv.Get(ctx, StateKey)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return state, ErrNoState
		}
		return state, fmt.Errorf("get latest state: %w", err)
	}
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return state, fmt.Errorf("unmarshal latest state: %w", err)
	}
	return state, nil
}

// Restore applies the stored snapshot to target so a restarted host resumes
// the shared countdown. It reports false when the bucket is empty.
func (r *Relay) Restore(ctx context.Context, target StateApplier) (bool, error) {
	state, err := r.LatestState(ctx)
	if errors.Is(err, ErrNoState) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := state.Validate(); err != nil {
		return false, fmt.Errorf("stored state: %w", err)
	}

	target.ApplyState(state)
	log.Info().
		Str("phase", state.PhaseName).
		Bool("is_paused", state.IsPaused).
		Int64("target_end_time_unix_ms", state.TargetEndTimeUnixMs).
		Msg("restored clock state from bucket")
	return true, nil
}

// Start serves the command subject until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) error {
	sub, err := r.nc.Subscribe(r.config.CommandSubject(), func(msg *nats.Msg) {
		cmdCtx, cancel := context.WithTimeout(ctx, r.config.CommandTimeout)
		defer cancel()

		reply := r.handleCommandMessage(cmdCtx, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to respond to command")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	r.sub = sub

	log.Info().Str("subject", r.config.CommandSubject()).Msg("relay command subscription started")

	<-ctx.Done()
	return r.Stop()
}

// IsConnected reports whether the NATS connection is up.
func (r *Relay) IsConnected() bool {
	return r.nc != nil && r.nc.IsConnected()
}

// Stop drains the connection.
func (r *Relay) Stop() error {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn().Err(err).Msg("failed to unsubscribe from commands")
		}
	}
	if err := r.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	log.Info().Msg("NATS relay stopped")
	return nil
}

// handleCommandMessage decodes a command envelope, applies it and returns
// the encoded reply.
func (r *Relay) handleCommandMessage(ctx context.Context, data []byte) []byte {
	reply := CommandReply{}

	env, err := protocol.Decode(data)
	switch {
	case err != nil:
		reply.Error = err.Error()
	case !env.Type.IsCommand():
		reply.Error = fmt.Sprintf("%s is not a command", env.Type)
	default:
		state, err := r.commands.HandleCommand(ctx, env.Type)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.State = &state
		}
		log.Debug().
			Str("command", string(env.Type)).
			Err(err).
			Msg("relay command handled")
	}

	out, err := json.Marshal(reply)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal command reply")
		return []byte(`{"error":"internal error"}`)
	}
	return out
}
