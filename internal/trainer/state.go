// internal/trainer/state.go
// Package trainer runs the contrastive training loop: gradient accumulation,
// optimizer stepping through the negotiated backend, checkpointing, periodic
// evaluation, and best-checkpoint selection afterwards.
package trainer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// StateFileName is the checkpoint file holding trainer progress.
const StateFileName = "trainer_state.json"

// State is the trainer progress persisted inside every checkpoint. A resumed
// run restores its counters from this file.
type State struct {
	GlobalStep     int                `json:"global_step"`
	Epoch          float64            `json:"epoch"`
	MaxSteps       int                `json:"max_steps"`
	NumTrainEpochs int                `json:"num_train_epochs"`
	BestMetric     float64            `json:"best_metric"`
	TrialName      string             `json:"trial_name,omitempty"`
	TrialParams    map[string]float64 `json:"trial_params,omitempty"`
	TotalFLOs      int64              `json:"total_flos"`
}

// Save writes the state into dir as trainer_state.json.
func (s State) Save(dir string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trainer state: %w", err)
	}
	path := filepath.Join(dir, StateFileName)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write trainer state: %w", err)
	}
	return nil
}

// LoadState reads trainer_state.json from a checkpoint directory. A missing
// file is not an error: the run starts fresh with zero counters.
func LoadState(dir string) (State, bool, error) {
	raw, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read trainer state: %w", err)
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, false, fmt.Errorf("parse trainer state in %s: %w", dir, err)
	}
	return s, true, nil
}
