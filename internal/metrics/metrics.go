// internal/metrics/metrics.go
// Package metrics scores retrieval result files against oracle files and
// tracks per-step evaluation metrics across a training run.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
)

// Epsilon guards the F1 denominator against division by zero.
const Epsilon = 1e-10

// Cutoffs are the ranks at which recall, precision, and hit rate are computed.
var Cutoffs = []int{1, 5, 10}

// RankedResult is one query's ranked retrieval output. Retrieved and Score
// are parallel slices sorted by descending score.
type RankedResult struct {
	Retrieved []string  `json:"retrieved"`
	Score     []float64 `json:"score"`
}

// Report holds averaged ranking metrics keyed by cutoff rank.
type Report struct {
	Recall    map[int]float64
	Precision map[int]float64
	Hit       map[int]float64
}

// LoadOracle reads a ground-truth mapping of query id to relevant keys.
func LoadOracle(path string) (map[string][]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oracle file: %w", err)
	}
	var oracle map[string][]string
	if err := json.Unmarshal(raw, &oracle); err != nil {
		return nil, fmt.Errorf("parse oracle file %s: %w", path, err)
	}
	return oracle, nil
}

// LoadResults reads a retrieval result file produced by an evaluation run.
func LoadResults(path string) (map[string]RankedResult, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result file: %w", err)
	}
	var results map[string]RankedResult
	if err := json.Unmarshal(raw, &results); err != nil {
		return nil, fmt.Errorf("parse result file %s: %w", path, err)
	}
	return results, nil
}

// EvalRetrievalFromFile computes recall and precision at each cutoff,
// averaged over the oracle's queries. Queries missing from the result file
// contribute zero.
func EvalRetrievalFromFile(oraclePath, resultPath string) (Report, error) {
	oracle, err := LoadOracle(oraclePath)
	if err != nil {
		return Report{}, err
	}
	results, err := LoadResults(resultPath)
	if err != nil {
		return Report{}, err
	}
	if len(oracle) == 0 {
		return Report{}, fmt.Errorf("oracle file %s contains no queries", oraclePath)
	}

	report := Report{
		Recall:    make(map[int]float64, len(Cutoffs)),
		Precision: make(map[int]float64, len(Cutoffs)),
	}
	for _, k := range Cutoffs {
		var recallSum, precisionSum float64
		for qid, relevant := range oracle {
			hits := relevantInTopK(results[qid].Retrieved, relevant, k)
			if len(relevant) > 0 {
				recallSum += float64(hits) / float64(len(relevant))
			}
			precisionSum += float64(hits) / float64(k)
		}
		report.Recall[k] = recallSum / float64(len(oracle))
		report.Precision[k] = precisionSum / float64(len(oracle))
	}
	return report, nil
}

// EvalHitFromFile computes the fraction of queries with at least one relevant
// key in the top k, for each cutoff.
func EvalHitFromFile(oraclePath, resultPath string) (Report, error) {
	oracle, err := LoadOracle(oraclePath)
	if err != nil {
		return Report{}, err
	}
	results, err := LoadResults(resultPath)
	if err != nil {
		return Report{}, err
	}
	if len(oracle) == 0 {
		return Report{}, fmt.Errorf("oracle file %s contains no queries", oraclePath)
	}

	report := Report{Hit: make(map[int]float64, len(Cutoffs))}
	for _, k := range Cutoffs {
		var hitSum float64
		for qid, relevant := range oracle {
			if relevantInTopK(results[qid].Retrieved, relevant, k) > 0 {
				hitSum++
			}
		}
		report.Hit[k] = hitSum / float64(len(oracle))
	}
	return report, nil
}

// F1 returns the harmonic mean of precision and recall with an additive
// epsilon in the denominator.
func F1(precision, recall float64) float64 {
	return (2 * precision * recall) / (precision + recall + Epsilon)
}

func relevantInTopK(retrieved, relevant []string, k int) int {
	if k > len(retrieved) {
		k = len(retrieved)
	}
	relevantSet := make(map[string]struct{}, len(relevant))
	for _, key := range relevant {
		relevantSet[key] = struct{}{}
	}
	hits := 0
	for _, key := range retrieved[:k] {
		if _, ok := relevantSet[key]; ok {
			hits++
		}
	}
	return hits
}
