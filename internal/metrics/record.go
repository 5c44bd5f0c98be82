// internal/metrics/record.go
package metrics

import "fmt"

// Record maps global step to the metrics dictionary produced by the
// evaluation at that step. Append-only during training; read once at
// post-processing to select the best step.
type Record map[int]map[string]float64

// Add stores the metrics for a step, overwriting any previous entry.
func (r Record) Add(step int, m map[string]float64) {
	copied := make(map[string]float64, len(m))
	for k, v := range m {
		copied[k] = v
	}
	r[step] = copied
}

// BestStep returns the step with the maximal value for the given metric key.
// An empty record is a fatal misconfiguration: training finished without a
// single recorded evaluation.
func (r Record) BestStep(metricKey string) (int, error) {
	if len(r) == 0 {
		return 0, fmt.Errorf("no evaluation metrics were recorded; cannot select a best checkpoint")
	}
	bestStep := -1
	bestValue := 0.0
	for step, m := range r {
		value, ok := m[metricKey]
		if !ok {
			return 0, fmt.Errorf("metric %q missing from evaluation record at step %d", metricKey, step)
		}
		if bestStep < 0 || value > bestValue || (value == bestValue && step < bestStep) {
			bestStep = step
			bestValue = value
		}
	}
	return bestStep, nil
}
