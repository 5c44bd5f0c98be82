// internal/callbacks/progress.go
package callbacks

import (
	"github.com/mwiater/kiln/internal/logging"
)

// ProgressCallback mirrors training progress into the run log.
type ProgressCallback struct {
	Base
}

func (p *ProgressCallback) OnTrainBegin(state State, ctl *Control) {
	logging.LogEvent("[TRAIN] starting: epochs=%d maxSteps=%d", state.NumTrainEpochs, state.MaxSteps)
}

func (p *ProgressCallback) OnTrainEnd(state State, ctl *Control) {
	logging.LogEvent("[TRAIN] finished at step %d (epoch %.2f)", state.GlobalStep, state.Epoch)
}

func (p *ProgressCallback) OnEpochBegin(state State, ctl *Control) {
	logging.LogEvent("[TRAIN] epoch %.0f begins at step %d", state.Epoch, state.GlobalStep)
}

func (p *ProgressCallback) OnEpochEnd(state State, ctl *Control) {
	logging.LogEvent("[TRAIN] epoch ends at step %d (epoch %.2f)", state.GlobalStep, state.Epoch)
}

func (p *ProgressCallback) OnLog(state State, metrics map[string]float64) {
	logging.LogMetrics(state.GlobalStep, metrics)
}

func (p *ProgressCallback) OnSave(state State, checkpointDir string) {
	logging.LogEvent("[TRAIN] saved checkpoint %s", checkpointDir)
}
