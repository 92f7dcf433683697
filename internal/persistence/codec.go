// Package persistence stores engine snapshots and trade events in external
// databases. The file-backed store lives next to the engine.
package persistence

import (
	"encoding/json"
	"fmt"

	"spotrunner/internal/types"
)

func encodeSnapshot(snap *types.Snapshot) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("failed to marshal state: nil snapshot")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// decodeSnapshot parses a stored snapshot; absent fields decode as zero values
func decodeSnapshot(raw []byte) (*types.Snapshot, error) {
	var snap types.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}
	if snap.Positions == nil {
		snap.Positions = make(map[string]types.Position)
	}
	if snap.TradesToday == nil {
		snap.TradesToday = make(map[string]types.DayCount)
	}
	return &snap, nil
}
