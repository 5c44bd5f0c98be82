// internal/backend/amp.go
package backend

import "math"

const (
	defaultInitialScale  = 65536
	defaultGrowthFactor  = 2
	defaultBackoffFactor = 0.5
	defaultGrowthWindow  = 2000
)

// AMP is the mixed-precision backend: gradients are accumulated scaled by a
// dynamic loss scale, unscaled before clipping, and the optimizer step is
// skipped whenever unscaled gradients are non-finite. The scale backs off on
// overflow and grows again after a window of clean steps.
type AMP struct {
	scale        float64
	growth       float64
	backoff      float64
	growthWindow int
	goodSteps    int
	unscaled     bool
}

// NewAMP creates a mixed-precision backend with the standard dynamic-scaler
// defaults.
func NewAMP() *AMP {
	return &AMP{
		scale:        defaultInitialScale,
		growth:       defaultGrowthFactor,
		backoff:      defaultBackoffFactor,
		growthWindow: defaultGrowthWindow,
	}
}

func (a *AMP) Name() string       { return "amp" }
func (a *AMP) Rank() int          { return 0 }
func (a *AMP) WorldSize() int     { return 1 }
func (a *AMP) IsPrimary() bool    { return true }
func (a *AMP) Distributed() bool  { return false }
func (a *AMP) LossScale() float64 { return a.scale }

func (a *AMP) NoSync(fn func() error) error { return fn() }

func (a *AMP) ClipsGradients() bool { return false }

// UnscaleGrads divides the accumulated gradients by the current loss scale.
// Idempotent within one accumulation window.
func (a *AMP) UnscaleGrads(m GradModel) {
	if a.unscaled || a.scale == 1 {
		a.unscaled = true
		return
	}
	m.ScaleGrads(1 / a.scale)
	a.unscaled = true
}

// OptimizerStep unscales if the trainer has not already done so for
// clipping, then either steps the optimizer or, on non-finite gradients,
// skips the step and backs the scale off.
func (a *AMP) OptimizerStep(m GradModel, opt Optimizer) error {
	if !a.unscaled {
		a.UnscaleGrads(m)
	}
	a.unscaled = false

	norm := m.GradNorm()
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		a.scale *= a.backoff
		if a.scale < 1 {
			a.scale = 1
		}
		a.goodSteps = 0
		return nil
	}

	if err := opt.Step(); err != nil {
		return err
	}
	a.goodSteps++
	if a.growthWindow > 0 && a.goodSteps >= a.growthWindow {
		a.scale *= a.growth
		a.goodSteps = 0
	}
	return nil
}
