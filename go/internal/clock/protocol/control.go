package protocol

import (
	"encoding/json"

	"github.com/mcdev12/pomosync/go/internal/models"
)

const (
	// ClockServiceName is the fully-qualified name of the control service.
	ClockServiceName = "clock.v1.ClockService"

	ClockServiceRequestStateProcedure = "/clock.v1.ClockService/RequestState"
	ClockServiceTogglePauseProcedure  = "/clock.v1.ClockService/TogglePause"
	ClockServiceTogglePhaseProcedure  = "/clock.v1.ClockService/TogglePhase"
)

var procedureCommands = map[string]MessageType{
	ClockServiceRequestStateProcedure: MessageTypeRequestState,
	ClockServiceTogglePauseProcedure:  MessageTypeTogglePause,
	ClockServiceTogglePhaseProcedure:  MessageTypeTogglePhase,
}

// ProcedureCommands returns a copy of the procedure to command mapping.
func ProcedureCommands() map[string]MessageType {
	out := make(map[string]MessageType, len(procedureCommands))
	for procedure, cmd := range procedureCommands {
		out[procedure] = cmd
	}
	return out
}

// CommandRequest is the body of every control call.
type CommandRequest struct {
	ReplicaID string `json:"replica_id,omitempty"`
}

// StateResponse carries the snapshot after the command was applied.
type StateResponse struct {
	State models.EngineState `json:"state"`
}

// JSONCodec lets the control service exchange plain structs over Connect.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
