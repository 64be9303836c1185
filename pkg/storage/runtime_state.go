package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// RuntimeState is the periodic snapshot of executor activity.
type RuntimeState struct {
	Timestamp      time.Time `json:"timestamp"`
	Agents         []string  `json:"agents"`
	ExecutionCount int64     `json:"execution_count"`
}

// WriteRuntimeState atomically replaces the snapshot at path.
func WriteRuntimeState(path string, state RuntimeState) error {
	if state.Agents == nil {
		state.Agents = []string{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runtime state: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write runtime state: %w", err)
	}
	return nil
}

// ReadRuntimeState loads the snapshot at path.
func ReadRuntimeState(path string) (RuntimeState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return RuntimeState{}, fmt.Errorf("runtime state %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return RuntimeState{}, fmt.Errorf("read runtime state: %w", err)
	}
	var state RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		return RuntimeState{}, fmt.Errorf("decode runtime state: %w", err)
	}
	return state, nil
}
