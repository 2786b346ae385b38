package upkeep

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Payload identifies the task an upkeep probe found overdue. It travels
// opaquely from the probe to the perform call; by the time it is consumed
// the task may already have been handled, which perform tolerates.
type Payload struct {
	VaultID uuid.UUID `json:"vault_id"`
	TaskID  int64     `json:"task_id"`
}

func EncodePayload(vaultID uuid.UUID, taskID int64) ([]byte, error) {
	return json.Marshal(Payload{VaultID: vaultID, TaskID: taskID})
}

func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	err := json.Unmarshal(raw, &p)
	return p, err
}
