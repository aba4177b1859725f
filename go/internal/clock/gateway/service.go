package gateway

import (
	"context"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pomosync/go/internal/clock/engine"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service is the host side of the clock: it owns the engine tick loop, the
// broadcaster and every inbound surface.
type Service struct {
	engine            *engine.Engine
	broadcaster       *Broadcaster
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	controlService    *ControlService
	health            *HealthChecker
}

// Config holds configuration for the clock gateway service
type Config struct {
	ConnectionConfig  ConnectionConfig
	BroadcasterConfig BroadcasterConfig
}

// DefaultConfig returns default configuration for the clock gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig:  DefaultConnectionConfig(),
		BroadcasterConfig: DefaultBroadcasterConfig(),
	}
}

// NewService wires the broadcaster and websocket fanout around eng.
func NewService(config Config, eng *engine.Engine, clock clockwork.Clock) *Service {
	broadcaster := NewBroadcaster(eng, clock, config.BroadcasterConfig)
	connectionManager := NewConnectionManager(config.ConnectionConfig, broadcaster)
	broadcaster.AddPublisher(connectionManager)

	heartbeat := config.BroadcasterConfig.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultBroadcasterConfig().HeartbeatInterval
	}

	return &Service{
		engine:            eng,
		broadcaster:       broadcaster,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager),
		stateHandler:      NewStateHandler(broadcaster),
		controlService:    NewControlService(broadcaster),
		health:            NewHealthChecker(broadcaster, connectionManager, clock, 3*heartbeat),
	}
}

// AddPublisher registers an extra fanout target such as the NATS relay.
func (s *Service) AddPublisher(p Publisher) {
	s.broadcaster.AddPublisher(p)
}

// AddHealthDependency makes /health report and depend on connected.
func (s *Service) AddHealthDependency(name string, connected func() bool) {
	s.health.AddDependency(name, connected)
}

// Commands returns the host command entry point.
func (s *Service) Commands() CommandHandler {
	return s.broadcaster
}

// Start runs the engine, connection manager and broadcaster until ctx is done
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting clock gateway service")

	go s.engine.Run(ctx)
	go s.connectionManager.Start(ctx)
	go s.broadcaster.Start(ctx)

	<-ctx.Done()

	log.Info().Msg("clock gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket, REST and Connect routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)

	path, handler := NewClockServiceHandler(s.controlService)
	mux.Handle(path, handler)
	mux.Handle("/health", s.health)

	log.Info().Msg("clock gateway routes registered")
}

// Handler wraps mux with CORS and h2c so Connect clients can use HTTP/2
// without TLS.
func Handler(mux *http.ServeMux) http.Handler {
	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
