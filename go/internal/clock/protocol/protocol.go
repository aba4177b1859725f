package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/pomosync/go/internal/models"
)

// Envelope is the frame carried in both directions over the transport.
type Envelope struct {
	ID        string          `json:"id"`             // Message UUID
	Type      MessageType     `json:"type"`           // Message type
	Timestamp time.Time       `json:"timestamp"`      // Sender wall clock
	Data      json.RawMessage `json:"data,omitempty"` // Snapshot for receive_state
}

// MessageType identifies the purpose of an envelope.
type MessageType string

const (
	// host -> replica
	MessageTypeReceiveState MessageType = "receive_state"

	// replica -> host
	MessageTypeRequestState MessageType = "request_state"
	MessageTypeTogglePause  MessageType = "toggle_pause"
	MessageTypeTogglePhase  MessageType = "toggle_phase"
)

// PingResponse is the literal body returned by the liveness probe.
const PingResponse = "pong"

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrMissingState   = errors.New("receive_state without snapshot")
)

// IsCommand reports whether t is accepted by the host command entry point.
func (t MessageType) IsCommand() bool {
	switch t {
	case MessageTypeRequestState, MessageTypeTogglePause, MessageTypeTogglePhase:
		return true
	}
	return false
}

// NewStateEnvelope wraps a snapshot for delivery to replicas.
func NewStateEnvelope(state models.EngineState, now time.Time) (*Envelope, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal engine state: %w", err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      MessageTypeReceiveState,
		Timestamp: now.UTC(),
		Data:      data,
	}, nil
}

// NewCommandEnvelope builds an upstream command frame.
func NewCommandEnvelope(cmd MessageType, now time.Time) (*Envelope, error) {
	if !cmd.IsCommand() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, cmd)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Type:      cmd,
		Timestamp: now.UTC(),
	}, nil
}

// Encode marshals an envelope.
func Encode(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a frame and rejects unknown message types.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type != MessageTypeReceiveState && !env.Type.IsCommand() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return &env, nil
}

// State extracts the snapshot from a receive_state envelope.
func (e *Envelope) State() (models.EngineState, error) {
	var state models.EngineState
	if e.Type != MessageTypeReceiveState {
		return state, fmt.Errorf("%w: %s carries no snapshot", ErrUnknownMessage, e.Type)
	}
	if len(e.Data) == 0 {
		return state, ErrMissingState
	}
	if err := json.Unmarshal(e.Data, &state); err != nil {
		return state, fmt.Errorf("unmarshal engine state: %w", err)
	}
	return state, nil
}
