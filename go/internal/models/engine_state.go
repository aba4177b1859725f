package models

import (
	"errors"
	"fmt"
)

// Phase names carried in EngineState.PhaseName.
const (
	PhaseWork  = "WORK"
	PhaseBreak = "BREAK"
)

// ErrInvalidState is returned by Validate when a snapshot breaks an invariant.
var ErrInvalidState = errors.New("invalid engine state")

// EngineState is the snapshot exchanged between host and replicas.
// A running phase is anchored by TargetEndTimeUnixMs; RemainingSeconds is advisory.
type EngineState struct {
	RemainingSeconds     float64 `json:"remaining_seconds"`
	IsWorkPhase          bool    `json:"is_work_phase"`
	IsPaused             bool    `json:"is_paused"`
	PhaseName            string  `json:"phase_name"`
	TotalDurationSeconds float64 `json:"total_duration_seconds"`
	TargetEndTimeUnixMs  int64   `json:"target_end_time_unix_ms"` // 0 when paused
}

// PhaseNameFor derives the phase name from the phase flag.
func PhaseNameFor(isWorkPhase bool) string {
	if isWorkPhase {
		return PhaseWork
	}
	return PhaseBreak
}

// IsRunning reports whether the snapshot carries an absolute target.
func (s EngineState) IsRunning() bool {
	return !s.IsPaused && s.TargetEndTimeUnixMs > 0
}

// Progress returns the elapsed fraction of the phase in [0,1].
func (s EngineState) Progress() float64 {
	if s.TotalDurationSeconds <= 0 {
		return 0
	}
	p := (s.TotalDurationSeconds - s.RemainingSeconds) / s.TotalDurationSeconds
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

// Validate checks the snapshot invariants.
func (s EngineState) Validate() error {
	if s.IsPaused != (s.TargetEndTimeUnixMs == 0) {
		return fmt.Errorf("%w: is_paused=%t with target_end_time_unix_ms=%d", ErrInvalidState, s.IsPaused, s.TargetEndTimeUnixMs)
	}
	if s.RemainingSeconds < 0 {
		return fmt.Errorf("%w: negative remaining_seconds %f", ErrInvalidState, s.RemainingSeconds)
	}
	if s.TotalDurationSeconds <= 0 {
		return fmt.Errorf("%w: non-positive total_duration_seconds %f", ErrInvalidState, s.TotalDurationSeconds)
	}
	if s.PhaseName != "" && s.PhaseName != PhaseNameFor(s.IsWorkPhase) {
		return fmt.Errorf("%w: phase_name %q does not match is_work_phase=%t", ErrInvalidState, s.PhaseName, s.IsWorkPhase)
	}
	return nil
}
