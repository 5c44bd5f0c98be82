// internal/backend/backend.go
// Package backend abstracts the execution environment of a training run.
// The trainer talks to one Backend interface regardless of whether the run
// is plain single-process, loss-scaled mixed precision, or data-parallel;
// New negotiates the concrete stack from the configuration at startup.
package backend

import (
	"github.com/mwiater/kiln/internal/appconfig"
)

// GradModel is the slice of a model a backend needs to manage gradients.
type GradModel interface {
	GradNorm() float64
	ScaleGrads(factor float64)
	Grads() [][]float64
}

// Optimizer is the slice of an optimizer a backend needs to step it.
type Optimizer interface {
	Step() error
}

// Backend coordinates gradient synchronization, loss scaling, and optimizer
// stepping for one process of a training run.
type Backend interface {
	// Name identifies the negotiated backend stack for logging.
	Name() string
	// Rank is this process's position in the world.
	Rank() int
	// WorldSize is the number of cooperating processes.
	WorldSize() int
	// IsPrimary reports whether this process performs evaluation,
	// checkpoint writes, and post-processing.
	IsPrimary() bool
	// Distributed reports whether gradient synchronization spans processes.
	Distributed() bool
	// LossScale is the factor applied to gradients during the backward
	// pass; 1 outside mixed precision.
	LossScale() float64
	// NoSync runs fn without cross-process gradient synchronization.
	// Used on non-boundary accumulation steps.
	NoSync(fn func() error) error
	// ClipsGradients reports whether the backend clips gradients
	// internally, in which case the trainer must not clip again.
	ClipsGradients() bool
	// UnscaleGrads divides accumulated gradients by the loss scale so they
	// can be clipped in true magnitude.
	UnscaleGrads(m GradModel)
	// OptimizerStep synchronizes gradients if needed and steps the
	// optimizer. Mixed-precision backends may skip the step on overflow.
	OptimizerStep(m GradModel, opt Optimizer) error
}

// New negotiates a backend stack from the configuration: a local core,
// wrapped by a loss scaler when fp16 is requested, wrapped by data-parallel
// coordination when the world size exceeds one.
func New(cfg appconfig.Config) Backend {
	var b Backend = NewLocal()
	if cfg.FP16 {
		b = NewAMP()
	}
	if cfg.WorldSize > 1 {
		b = NewDataParallel(b, cfg.Rank, cfg.WorldSize, nil)
	}
	return b
}
