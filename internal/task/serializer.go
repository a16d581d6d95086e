package task

import (
	"encoding/json"
	"fmt"
)

// Serializer converts the caller-owned part of a task (kind and payload) to
// and from the string stored in the payload column. Identity, state, creation
// time and error live in their own columns and are not its concern.
type Serializer interface {
	Serialize(t *Task) (string, error)
	Deserialize(data string, t *Task) error
}

// JSONSerializer stores {"kind": ..., "data": ...}.
type JSONSerializer struct{}

type envelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (JSONSerializer) Serialize(t *Task) (string, error) {
	b, err := json.Marshal(envelope{Kind: t.Kind, Data: t.Payload})
	if err != nil {
		return "", fmt.Errorf("serialize task %s: %w", t.ID, err)
	}
	return string(b), nil
}

func (JSONSerializer) Deserialize(data string, t *Task) error {
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("deserialize task: %w", err)
	}
	if env.Kind == "" {
		return fmt.Errorf("deserialize task: missing kind")
	}
	t.Kind = env.Kind
	t.Payload = env.Data
	return nil
}
