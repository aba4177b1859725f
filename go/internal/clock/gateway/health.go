package gateway

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// HealthStatus is the /health response body.
type HealthStatus struct {
	Healthy      bool            `json:"healthy"`
	Phase        string          `json:"phase"`
	IsPaused     bool            `json:"is_paused"`
	Connections  int             `json:"connections"`
	PushesSent   uint64          `json:"pushes_sent"`
	LastPushTime time.Time       `json:"last_push_time"`
	Dependencies map[string]bool `json:"dependencies,omitempty"`
	Errors       []string        `json:"errors"`
}

// HealthChecker reports whether snapshots are still flowing.
type HealthChecker struct {
	broadcaster *Broadcaster
	cm          *ConnectionManager
	clock       clockwork.Clock
	threshold   time.Duration // max age of the last push

	mu   sync.RWMutex
	deps map[string]func() bool
}

// NewHealthChecker creates a checker that fails when no snapshot was pushed
// within threshold.
func NewHealthChecker(broadcaster *Broadcaster, cm *ConnectionManager, clock clockwork.Clock, threshold time.Duration) *HealthChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthChecker{
		broadcaster: broadcaster,
		cm:          cm,
		clock:       clock,
		threshold:   threshold,
		deps:        make(map[string]func() bool),
	}
}

// AddDependency registers an optional collaborator such as the NATS relay.
func (h *HealthChecker) AddDependency(name string, connected func() bool) {
	h.mu.Lock()
	h.deps[name] = connected
	h.mu.Unlock()
}

func (h *HealthChecker) Check() HealthStatus {
	state := h.broadcaster.engine.GetState()
	stats := h.broadcaster.Stats()

	status := HealthStatus{
		Healthy:      true,
		Phase:        state.PhaseName,
		IsPaused:     state.IsPaused,
		Connections:  h.cm.GetConnectionStats().TotalConnections,
		PushesSent:   stats.Pushes,
		LastPushTime: stats.LastPush,
		Errors:       []string{},
	}

	if !stats.Running {
		status.Healthy = false
		status.Errors = append(status.Errors, "broadcaster not running")
	} else {
		last := stats.LastPush
		if last.IsZero() {
			last = stats.StartedAt
		}
		if age := h.clock.Since(last); age > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, "no snapshot pushed for "+age.Round(time.Second).String())
		}
	}

	h.mu.RLock()
	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		status.Dependencies = make(map[string]bool, len(names))
	}
	for _, name := range names {
		ok := h.deps[name]()
		status.Dependencies[name] = ok
		if !ok {
			status.Healthy = false
			status.Errors = append(status.Errors, name+" disconnected")
		}
	}
	h.mu.RUnlock()

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check()

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
