// internal/commands/selectbest.go
package kiln

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/trainer"
	"github.com/spf13/cobra"
)

// selectBestCmd rebuilds the evaluation record from the result files on disk
// and promotes the winning checkpoint. Useful when a run was interrupted
// after its evaluations but before post-processing.
var selectBestCmd = &cobra.Command{
	Use:   "select-best",
	Short: "Select the best checkpoint from saved evaluation result files",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return fmt.Errorf("configuration is not initialized")
		}

		record, err := rebuildRecord(*cfg)
		if err != nil {
			return err
		}

		resultFile := func(step int) string {
			return filepath.Join(cfg.ResultDir(), fmt.Sprintf("result_file_%d.json", step))
		}
		bestStep, err := trainer.PostProcess(cfg.OutputDir, record, cfg.BestMetricName(), resultFile)
		if err != nil {
			return err
		}
		color.Green("Best checkpoint: step %d (kept as %s)", bestStep, trainer.BestCheckpointName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(selectBestCmd)
}

// rebuildRecord re-scores every result_file_<step>.json in the result dir
// against the oracle.
func rebuildRecord(cfg appconfig.Config) (metrics.Record, error) {
	metricName := strings.ToLower(cfg.BestMetricName())
	var score func(oraclePath, resultPath string) (metrics.Report, error)
	switch {
	case strings.Contains(metricName, "recall"):
		score = metrics.EvalRetrievalFromFile
	case strings.Contains(metricName, "hit"):
		score = metrics.EvalHitFromFile
	default:
		return nil, fmt.Errorf("unsupported metric %q", cfg.BestMetricName())
	}

	entries, err := os.ReadDir(cfg.ResultDir())
	if err != nil {
		return nil, fmt.Errorf("list result dir: %w", err)
	}

	record := metrics.Record{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "result_file_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "result_file_"), ".json"))
		if err != nil {
			continue
		}

		report, err := score(cfg.EvalOracleFile, filepath.Join(cfg.ResultDir(), name))
		if err != nil {
			return nil, err
		}
		if strings.Contains(metricName, "hit") {
			record.Add(step, map[string]float64{
				"eval_hit@1":  report.Hit[1],
				"eval_hit@10": report.Hit[10],
			})
			continue
		}
		record.Add(step, map[string]float64{
			"eval_recall@10":    report.Recall[10],
			"eval_precision@10": report.Precision[10],
			"eval_f1@10":        metrics.F1(report.Precision[10], report.Recall[10]),
		})
	}
	return record, nil
}
