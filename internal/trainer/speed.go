// internal/trainer/speed.go
package trainer

import (
	"math"
	"time"
)

// SpeedMetrics summarizes a phase's runtime and throughput. Keys are prefixed
// with the phase name, e.g. train_runtime, train_samples_per_second.
func SpeedMetrics(prefix string, runtime time.Duration, numSamples, numSteps int) map[string]float64 {
	seconds := runtime.Seconds()
	out := map[string]float64{
		prefix + "_runtime": round4(seconds),
	}
	if seconds > 0 {
		if numSamples > 0 {
			out[prefix+"_samples_per_second"] = round4(float64(numSamples) / seconds)
		}
		if numSteps > 0 {
			out[prefix+"_steps_per_second"] = round4(float64(numSteps) / seconds)
		}
	}
	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
