package gateway

import (
	"context"
	"errors"
	"net/http"

	"connectrpc.com/connect"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/rs/zerolog/log"
)

// ControlService exposes the host command entry point over Connect.
type ControlService struct {
	commands CommandHandler
}

// NewControlService creates a Connect control service backed by commands.
func NewControlService(commands CommandHandler) *ControlService {
	return &ControlService{commands: commands}
}

func (s *ControlService) RequestState(ctx context.Context, req *connect.Request[protocol.CommandRequest]) (*connect.Response[protocol.StateResponse], error) {
	return s.apply(ctx, protocol.MessageTypeRequestState, req)
}

func (s *ControlService) TogglePause(ctx context.Context, req *connect.Request[protocol.CommandRequest]) (*connect.Response[protocol.StateResponse], error) {
	return s.apply(ctx, protocol.MessageTypeTogglePause, req)
}

func (s *ControlService) TogglePhase(ctx context.Context, req *connect.Request[protocol.CommandRequest]) (*connect.Response[protocol.StateResponse], error) {
	return s.apply(ctx, protocol.MessageTypeTogglePhase, req)
}

func (s *ControlService) apply(ctx context.Context, cmd protocol.MessageType, req *connect.Request[protocol.CommandRequest]) (*connect.Response[protocol.StateResponse], error) {
	state, err := s.commands.HandleCommand(ctx, cmd)
	if err != nil {
		if errors.Is(err, ErrUnknownCommand) {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	log.Info().
		Str("command", string(cmd)).
		Str("replica_id", req.Msg.ReplicaID).
		Str("phase", state.PhaseName).
		Bool("is_paused", state.IsPaused).
		Msg("control command handled")

	return connect.NewResponse(&protocol.StateResponse{State: state}), nil
}

// NewClockServiceHandler builds the HTTP handler for the control service and
// returns the path on which to mount it.
func NewClockServiceHandler(svc *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(protocol.JSONCodec{})}, opts...)

	requestStateHandler := connect.NewUnaryHandler(protocol.ClockServiceRequestStateProcedure, svc.RequestState, opts...)
	togglePauseHandler := connect.NewUnaryHandler(protocol.ClockServiceTogglePauseProcedure, svc.TogglePause, opts...)
	togglePhaseHandler := connect.NewUnaryHandler(protocol.ClockServiceTogglePhaseProcedure, svc.TogglePhase, opts...)

	return "/" + protocol.ClockServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case protocol.ClockServiceRequestStateProcedure:
			requestStateHandler.ServeHTTP(w, r)
		case protocol.ClockServiceTogglePauseProcedure:
			togglePauseHandler.ServeHTTP(w, r)
		case protocol.ClockServiceTogglePhaseProcedure:
			togglePhaseHandler.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
