// internal/backend/dataparallel.go
package backend

import "fmt"

// AllReducer sums a gradient row across all processes in place. Real
// deployments inject a transport-backed implementation; the default loopback
// reducer serves single-process runs and tests.
type AllReducer interface {
	AllReduce(row []float64) error
}

// LoopbackReducer is the identity reducer for a world of one.
type LoopbackReducer struct{}

// AllReduce leaves the row unchanged.
func (LoopbackReducer) AllReduce(row []float64) error { return nil }

// DataParallel coordinates data-parallel replicas: gradients are averaged
// across the world once per accumulation window, at the optimizer step.
// NoSync marks the enclosed backward passes as synchronization-free, so the
// reduce happens once per window instead of once per micro-batch.
type DataParallel struct {
	inner        Backend
	rank         int
	worldSize    int
	reducer      AllReducer
	skippedSyncs int
}

// NewDataParallel wraps inner with data-parallel coordination. A nil reducer
// falls back to the loopback reducer.
func NewDataParallel(inner Backend, rank, worldSize int, reducer AllReducer) *DataParallel {
	if reducer == nil {
		reducer = LoopbackReducer{}
	}
	return &DataParallel{
		inner:     inner,
		rank:      rank,
		worldSize: worldSize,
		reducer:   reducer,
	}
}

func (d *DataParallel) Name() string       { return d.inner.Name() + "+ddp" }
func (d *DataParallel) Rank() int          { return d.rank }
func (d *DataParallel) WorldSize() int     { return d.worldSize }
func (d *DataParallel) IsPrimary() bool    { return d.rank == 0 }
func (d *DataParallel) Distributed() bool  { return d.worldSize > 1 }
func (d *DataParallel) LossScale() float64 { return d.inner.LossScale() }

// NoSync runs fn without triggering a gradient reduce. The trainer scopes
// every non-boundary accumulation step with this.
func (d *DataParallel) NoSync(fn func() error) error {
	d.skippedSyncs++
	return fn()
}

// SkippedSyncs reports how many backward passes ran without
// synchronization.
func (d *DataParallel) SkippedSyncs() int { return d.skippedSyncs }

func (d *DataParallel) ClipsGradients() bool { return d.inner.ClipsGradients() }

func (d *DataParallel) UnscaleGrads(m GradModel) { d.inner.UnscaleGrads(m) }

// OptimizerStep averages gradients across the world, then delegates the
// actual step (and any loss-scale bookkeeping) to the inner backend.
func (d *DataParallel) OptimizerStep(m GradModel, opt Optimizer) error {
	for i, row := range m.Grads() {
		if err := d.reducer.AllReduce(row); err != nil {
			return fmt.Errorf("all-reduce gradient row %d: %w", i, err)
		}
	}
	if d.worldSize > 1 {
		m.ScaleGrads(1 / float64(d.worldSize))
	}
	return d.inner.OptimizerStep(m, opt)
}
