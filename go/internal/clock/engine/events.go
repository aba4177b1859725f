package engine

import (
	"time"

	"github.com/mcdev12/pomosync/go/internal/models"
)

// EventType identifies an engine transition.
type EventType string

const (
	EventTypePhaseStarted   EventType = "phase_started"
	EventTypePaused         EventType = "paused"
	EventTypeResumed        EventType = "resumed"
	EventTypePhaseCompleted EventType = "phase_completed"
	EventTypeStateApplied   EventType = "state_applied"
)

// Event is delivered to subscribers after every transition.
type Event struct {
	Type  EventType
	State models.EngineState
	// Significant is true when IsWorkPhase or IsPaused changed.
	Significant bool
	At          time.Time
}
