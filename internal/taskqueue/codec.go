package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeTask encodes a Task for durable queues.
func EncodeTask(t Task) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask decodes a Task written by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	if t.Type == "" || t.WorkflowID == "" {
		return nil, fmt.Errorf("decode task: missing type or workflow id")
	}
	return &t, nil
}
