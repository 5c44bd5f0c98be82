// internal/eval/rerank.go
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mwiater/kiln/internal/data"
	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/util"
)

const (
	// rerankBatchSize is the fixed scoring batch for reranking evaluation.
	rerankBatchSize = 48

	retrievalEncodeBatchSize = 64
)

// evaluateReranking scores the paired-sentence eval file, groups candidates
// per question, and ranks them by descending similarity. The ranked results
// are written to result_file_<step>.json and scored against the oracle.
func (d *Dispatcher) evaluateReranking(ctx context.Context, m Model, step int) (map[string]float64, error) {
	pairs, err := data.LoadPairs(d.cfg.EvalFile)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("eval file %s contains no pairs", d.cfg.EvalFile)
	}

	scores := make([]float64, 0, len(pairs))
	for start := 0; start < len(pairs); start += rerankBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + rerankBatchSize
		if end > len(pairs) {
			end = len(pairs)
		}
		left := make([]string, 0, end-start)
		right := make([]string, 0, end-start)
		for _, p := range pairs[start:end] {
			left = append(left, p.Text1)
			right = append(right, p.Text2)
		}
		batch, err := m.PairwiseSimilarity(left, right)
		if err != nil {
			return nil, fmt.Errorf("score rerank batch at %d: %w", start, err)
		}
		scores = append(scores, batch...)
	}

	results := rankPerQuestion(pairs, scores)

	resultPath := d.ResultFile(step)
	payload, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal rerank results: %w", err)
	}
	if err := util.WriteFile(resultPath, payload); err != nil {
		return nil, err
	}

	report, err := metrics.EvalRetrievalFromFile(d.cfg.EvalOracleFile, resultPath)
	if err != nil {
		return nil, err
	}

	precision := report.Precision[10]
	recall := report.Recall[10]
	return map[string]float64{
		"eval_recall@10":    recall,
		"eval_precision@10": precision,
		"eval_f1@10":        metrics.F1(precision, recall),
	}, nil
}

// rankPerQuestion groups scored pairs by question id and sorts each group's
// candidates by descending score, preserving file order on ties.
func rankPerQuestion(pairs []data.Pair, scores []float64) map[string]metrics.RankedResult {
	grouped := make(map[string][]int)
	var order []string
	for i, p := range pairs {
		if _, seen := grouped[p.QuestionID]; !seen {
			order = append(order, p.QuestionID)
		}
		grouped[p.QuestionID] = append(grouped[p.QuestionID], i)
	}

	results := make(map[string]metrics.RankedResult, len(order))
	for _, qid := range order {
		indices := grouped[qid]
		sort.SliceStable(indices, func(a, b int) bool {
			return scores[indices[a]] > scores[indices[b]]
		})
		ranked := metrics.RankedResult{
			Retrieved: make([]string, len(indices)),
			Score:     make([]float64, len(indices)),
		}
		for k, idx := range indices {
			ranked.Retrieved[k] = pairs[idx].FunctionKey
			ranked.Score[k] = scores[idx]
		}
		results[qid] = ranked
	}
	return results
}
