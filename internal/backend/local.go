// internal/backend/local.go
package backend

// Local is the plain single-process backend: no gradient synchronization,
// no loss scaling.
type Local struct{}

// NewLocal creates the single-process backend.
func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string       { return "local" }
func (l *Local) Rank() int          { return 0 }
func (l *Local) WorldSize() int     { return 1 }
func (l *Local) IsPrimary() bool    { return true }
func (l *Local) Distributed() bool  { return false }
func (l *Local) LossScale() float64 { return 1 }

func (l *Local) NoSync(fn func() error) error { return fn() }

func (l *Local) ClipsGradients() bool { return false }

func (l *Local) UnscaleGrads(m GradModel) {}

func (l *Local) OptimizerStep(m GradModel, opt Optimizer) error {
	return opt.Step()
}
