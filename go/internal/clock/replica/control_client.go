package replica

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
	"github.com/mcdev12/pomosync/go/internal/clock/protocol"
	"github.com/mcdev12/pomosync/go/internal/models"
)

// ControlClient issues one-shot commands to the host over Connect.
type ControlClient struct {
	replicaID string
	clients   map[protocol.MessageType]*connect.Client[protocol.CommandRequest, protocol.StateResponse]
}

// NewControlClient creates a client for the host at baseURL.
func NewControlClient(httpClient connect.HTTPClient, baseURL, replicaID string, opts ...connect.ClientOption) *ControlClient {
	baseURL = strings.TrimSuffix(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(protocol.JSONCodec{})}, opts...)

	procedures := protocol.ProcedureCommands()
	clients := make(map[protocol.MessageType]*connect.Client[protocol.CommandRequest, protocol.StateResponse], len(procedures))
	for procedure, cmd := range procedures {
		clients[cmd] = connect.NewClient[protocol.CommandRequest, protocol.StateResponse](httpClient, baseURL+procedure, opts...)
	}
	return &ControlClient{replicaID: replicaID, clients: clients}
}

// Do sends cmd and returns the host snapshot after it was applied.
func (c *ControlClient) Do(ctx context.Context, cmd protocol.MessageType) (models.EngineState, error) {
	client, ok := c.clients[cmd]
	if !ok {
		return models.EngineState{}, fmt.Errorf("%w: %s", protocol.ErrUnknownMessage, cmd)
	}
	resp, err := client.CallUnary(ctx, connect.NewRequest(&protocol.CommandRequest{ReplicaID: c.replicaID}))
	if err != nil {
		return models.EngineState{}, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp.Msg.State, nil
}

func (c *ControlClient) RequestState(ctx context.Context) (models.EngineState, error) {
	return c.Do(ctx, protocol.MessageTypeRequestState)
}

func (c *ControlClient) TogglePause(ctx context.Context) (models.EngineState, error) {
	return c.Do(ctx, protocol.MessageTypeTogglePause)
}

func (c *ControlClient) TogglePhase(ctx context.Context) (models.EngineState, error) {
	return c.Do(ctx, protocol.MessageTypeTogglePhase)
}
