// internal/model/scheduler.go
package model

// LROptimizer is the slice of an optimizer a schedule needs.
type LROptimizer interface {
	LR() float64
	SetLR(lr float64)
}

// LinearSchedule warms the learning rate up linearly over warmupSteps, then
// decays it linearly to zero at totalSteps.
type LinearSchedule struct {
	opt    LROptimizer
	base   float64
	warmup int
	total  int
	step   int
}

// NewLinearSchedule creates a schedule anchored at the optimizer's current
// learning rate.
func NewLinearSchedule(opt LROptimizer, warmupSteps, totalSteps int) *LinearSchedule {
	if warmupSteps < 0 {
		warmupSteps = 0
	}
	if totalSteps < 1 {
		totalSteps = 1
	}
	return &LinearSchedule{
		opt:    opt,
		base:   opt.LR(),
		warmup: warmupSteps,
		total:  totalSteps,
	}
}

// Step advances the schedule by one optimizer step.
func (s *LinearSchedule) Step() {
	s.step++
	s.opt.SetLR(s.base * s.factor())
}

func (s *LinearSchedule) factor() float64 {
	if s.warmup > 0 && s.step <= s.warmup {
		return float64(s.step) / float64(s.warmup)
	}
	remaining := float64(s.total - s.step)
	denom := float64(s.total - s.warmup)
	if denom <= 0 {
		return 0
	}
	if remaining < 0 {
		return 0
	}
	return remaining / denom
}
