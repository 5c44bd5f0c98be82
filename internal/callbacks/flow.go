// internal/callbacks/flow.go
package callbacks

// FlowCallback drives the default log/evaluate/save cadence from the global
// step and raises the stop flag when the step budget is exhausted. A cadence
// of zero disables that action.
type FlowCallback struct {
	Base
	LoggingSteps int
	EvalSteps    int
	SaveSteps    int
}

// NewFlowCallback creates the default cadence callback.
func NewFlowCallback(loggingSteps, evalSteps, saveSteps int) *FlowCallback {
	return &FlowCallback{
		LoggingSteps: loggingSteps,
		EvalSteps:    evalSteps,
		SaveSteps:    saveSteps,
	}
}

// OnStepEnd fires after every optimizer step.
func (f *FlowCallback) OnStepEnd(state State, ctl *Control) {
	if f.LoggingSteps > 0 && state.GlobalStep%f.LoggingSteps == 0 {
		ctl.ShouldLog = true
	}
	if f.EvalSteps > 0 && state.GlobalStep%f.EvalSteps == 0 {
		ctl.ShouldEvaluate = true
	}
	if f.SaveSteps > 0 && state.GlobalStep%f.SaveSteps == 0 {
		ctl.ShouldSave = true
	}
	if state.MaxSteps > 0 && state.GlobalStep >= state.MaxSteps {
		ctl.ShouldTrainingStop = true
	}
}
