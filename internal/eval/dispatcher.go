// internal/eval/dispatcher.go
// Package eval dispatches mid-training evaluation to the configured form and
// keeps the per-step metric record used for best-checkpoint selection.
package eval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/retrieval"
	"github.com/mwiater/kiln/internal/util"
)

// Model is the encoder surface evaluation needs: batch embedding for the
// retrieval form, pairwise scoring for the reranking form, and an eval-mode
// switch that suspends gradient work.
type Model interface {
	Encode(texts []string, normalize bool) ([][]float64, error)
	PairwiseSimilarity(left, right []string) ([]float64, error)
	SetEval(eval bool)
}

type metricFunc func(oraclePath, resultPath string) (metrics.Report, error)

// Dispatcher runs evaluations and records their metrics per global step.
// Only the primary process evaluates; on other ranks Evaluate is a no-op.
type Dispatcher struct {
	cfg     appconfig.Config
	primary bool
	record  metrics.Record
}

// NewDispatcher creates a dispatcher for the given configuration.
func NewDispatcher(cfg appconfig.Config, primary bool) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		primary: primary,
		record:  metrics.Record{},
	}
}

// Record exposes the accumulated per-step metrics.
func (d *Dispatcher) Record() metrics.Record {
	return d.record
}

// ResultFile returns the path of the ranked-result file written for a step.
func (d *Dispatcher) ResultFile(step int) string {
	return filepath.Join(d.cfg.ResultDir(), fmt.Sprintf("result_file_%d.json", step))
}

// Evaluate runs the configured evaluation form against the model at the given
// global step, records the metrics, and returns them. Unsupported forms and
// metric names are errors, never silently skipped.
func (d *Dispatcher) Evaluate(ctx context.Context, m Model, step int) (map[string]float64, error) {
	if !d.primary {
		return nil, nil
	}

	m.SetEval(true)
	defer m.SetEval(false)

	if err := os.MkdirAll(d.cfg.ResultDir(), 0755); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}

	var (
		result map[string]float64
		err    error
	)
	switch d.cfg.EvalForm {
	case appconfig.EvalFormRetrieval:
		result, err = d.evaluateRetrieval(ctx, m, step)
	case appconfig.EvalFormReranking:
		result, err = d.evaluateReranking(ctx, m, step)
	default:
		return nil, fmt.Errorf("eval: unsupported form %q", d.cfg.EvalForm)
	}
	if err != nil {
		return nil, err
	}

	d.record.Add(step, result)
	return result, nil
}

// evaluateRetrieval encodes the held-out source and target files and scores
// nearest-neighbor retrieval against the oracle. Recall-style metrics run a
// second pass with L2-normalized embeddings and keep it unless the raw pass
// scores strictly higher on recall@10.
func (d *Dispatcher) evaluateRetrieval(ctx context.Context, m Model, step int) (map[string]float64, error) {
	score, hitMetric, err := d.selectMetric()
	if err != nil {
		return nil, err
	}

	resultPath := d.ResultFile(step)
	rawReport, err := d.retrieveOnce(ctx, m, false, resultPath, score)
	if err != nil {
		return nil, err
	}

	if hitMetric {
		return map[string]float64{
			"eval_hit@1":  rawReport.Hit[1],
			"eval_hit@10": rawReport.Hit[10],
		}, nil
	}

	normPath := filepath.Join(d.cfg.ResultDir(), fmt.Sprintf("result_file_%d_norm.json", step))
	normReport, err := d.retrieveOnce(ctx, m, true, normPath, score)
	if err != nil {
		return nil, err
	}

	// The raw pass wins only when strictly better; ties keep the
	// normalized embeddings.
	chosen := rawReport
	if normReport.Recall[10] >= rawReport.Recall[10] {
		chosen = normReport
		if err := util.CopyFile(normPath, resultPath); err != nil {
			return nil, err
		}
	}
	if err := os.Remove(normPath); err != nil {
		return nil, fmt.Errorf("remove normalized result file: %w", err)
	}

	precision := chosen.Precision[10]
	recall := chosen.Recall[10]
	return map[string]float64{
		"eval_recall@10":    recall,
		"eval_precision@10": precision,
		"eval_f1@10":        metrics.F1(precision, recall),
	}, nil
}

func (d *Dispatcher) retrieveOnce(ctx context.Context, m Model, normalize bool, resultPath string, score metricFunc) (metrics.Report, error) {
	r := retrieval.NewRetriever(retrievalEncodeBatchSize)
	r.PrepareModel(m)

	srcEmbed, srcIDs, err := r.EncodeFile(ctx, d.cfg.EvalSrcFile, filepath.Join(d.cfg.ResultDir(), "src_embed.db"), normalize, false)
	if err != nil {
		return metrics.Report{}, err
	}
	tgtEmbed, tgtIDs, err := r.EncodeFile(ctx, d.cfg.EvalTgtFile, filepath.Join(d.cfg.ResultDir(), "tgt_embed.db"), normalize, false)
	if err != nil {
		return metrics.Report{}, err
	}

	if _, err := r.Retrieve(ctx, srcEmbed, tgtEmbed, srcIDs, tgtIDs, d.cfg.RetrievalTopK(), resultPath); err != nil {
		return metrics.Report{}, err
	}
	return score(d.cfg.EvalOracleFile, resultPath)
}

// selectMetric maps the metric-for-best-model name onto a scoring function.
// Names containing "recall" score recall/precision, names containing "hit"
// score hit rate; anything else is a misconfiguration.
func (d *Dispatcher) selectMetric() (metricFunc, bool, error) {
	name := strings.ToLower(d.cfg.BestMetricName())
	switch {
	case strings.Contains(name, "recall"):
		return metrics.EvalRetrievalFromFile, false, nil
	case strings.Contains(name, "hit"):
		return metrics.EvalHitFromFile, true, nil
	default:
		return nil, false, fmt.Errorf("eval: unsupported metric %q", d.cfg.BestMetricName())
	}
}
