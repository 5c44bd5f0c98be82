// internal/callbacks/callbacks.go
// Package callbacks defines the trainer's lifecycle hooks and the handler
// that dispatches them to registered observers. Observers steer the loop by
// mutating the shared Control flags.
package callbacks

// Control carries the loop-steering flags observers may set. The trainer
// consumes the one-shot flags (log, evaluate, save) after acting on them;
// the stop flags persist until checked.
type Control struct {
	ShouldTrainingStop bool
	ShouldEpochStop    bool
	ShouldLog          bool
	ShouldEvaluate     bool
	ShouldSave         bool
}

// State is the read-only view of trainer progress passed to every hook.
type State struct {
	GlobalStep     int
	Epoch          float64
	MaxSteps       int
	NumTrainEpochs int
}

// Callback receives trainer lifecycle events. Implementations mutate ctl to
// request logging, evaluation, checkpointing, or stopping.
type Callback interface {
	OnTrainBegin(state State, ctl *Control)
	OnTrainEnd(state State, ctl *Control)
	OnEpochBegin(state State, ctl *Control)
	OnEpochEnd(state State, ctl *Control)
	OnStepBegin(state State, ctl *Control)
	OnStepEnd(state State, ctl *Control)
	OnLog(state State, metrics map[string]float64)
	OnEvaluate(state State, metrics map[string]float64)
	OnSave(state State, checkpointDir string)
}

// Base is a no-op Callback for embedding; observers override what they need.
type Base struct{}

func (Base) OnTrainBegin(State, *Control) {}
func (Base) OnTrainEnd(State, *Control) {}
func (Base) OnEpochBegin(State, *Control) {}
func (Base) OnEpochEnd(State, *Control) {}
func (Base) OnStepBegin(State, *Control) {}
func (Base) OnStepEnd(State, *Control) {}
func (Base) OnLog(State, map[string]float64) {}
func (Base) OnEvaluate(State, map[string]float64) {}
func (Base) OnSave(State, string) {}

// Handler fans lifecycle events out to a registered list of observers, in
// registration order.
type Handler struct {
	callbacks []Callback
}

// NewHandler creates a handler over the given observers.
func NewHandler(cbs ...Callback) *Handler {
	return &Handler{callbacks: cbs}
}

// Register appends an observer.
func (h *Handler) Register(cb Callback) {
	h.callbacks = append(h.callbacks, cb)
}

func (h *Handler) TrainBegin(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnTrainBegin(state, ctl)
	}
}

func (h *Handler) TrainEnd(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnTrainEnd(state, ctl)
	}
}

func (h *Handler) EpochBegin(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnEpochBegin(state, ctl)
	}
}

func (h *Handler) EpochEnd(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnEpochEnd(state, ctl)
	}
}

func (h *Handler) StepBegin(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnStepBegin(state, ctl)
	}
}

func (h *Handler) StepEnd(state State, ctl *Control) {
	for _, cb := range h.callbacks {
		cb.OnStepEnd(state, ctl)
	}
}

func (h *Handler) Log(state State, metrics map[string]float64) {
	for _, cb := range h.callbacks {
		cb.OnLog(state, metrics)
	}
}

func (h *Handler) Evaluate(state State, metrics map[string]float64) {
	for _, cb := range h.callbacks {
		cb.OnEvaluate(state, metrics)
	}
}

func (h *Handler) Save(state State, checkpointDir string) {
	for _, cb := range h.callbacks {
		cb.OnSave(state, checkpointDir)
	}
}
