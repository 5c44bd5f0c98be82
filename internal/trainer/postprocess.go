// internal/trainer/postprocess.go
package trainer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/util"
)

const (
	checkpointPrefix = "checkpoint"

	// BestCheckpointName is the directory the winning checkpoint is renamed to.
	BestCheckpointName = "checkpoint-best"

	// DevResultFileName is the copy of the winning step's ranked results kept
	// inside the best checkpoint.
	DevResultFileName = "dev_result.json"
)

// CheckpointDir returns the checkpoint directory for a global step.
func CheckpointDir(outputDir string, step int) string {
	return filepath.Join(outputDir, fmt.Sprintf("%s-%d", checkpointPrefix, step))
}

// PostProcess selects the best checkpoint from the evaluation record: the
// winning checkpoint-<step> directory is renamed to checkpoint-best, every
// other checkpoint directory is deleted, and the winning step's result file
// is copied into the best checkpoint as dev_result.json. An empty record is
// an error; a run configured for model selection must have evaluated at
// least once. Filesystem failures propagate; the sequence is not
// transactional.
func PostProcess(outputDir string, record metrics.Record, metricName string, resultFile func(step int) string) (int, error) {
	key := metricName
	if !strings.HasPrefix(key, "eval_") {
		key = "eval_" + key
	}
	bestStep, err := record.BestStep(key)
	if err != nil {
		return 0, err
	}

	bestDir := filepath.Join(outputDir, BestCheckpointName)
	if err := os.Rename(CheckpointDir(outputDir, bestStep), bestDir); err != nil {
		return 0, fmt.Errorf("rename best checkpoint: %w", err)
	}

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return 0, fmt.Errorf("list output dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == BestCheckpointName || !strings.HasPrefix(name, checkpointPrefix+"-") {
			continue
		}
		if err := os.RemoveAll(filepath.Join(outputDir, name)); err != nil {
			return 0, fmt.Errorf("remove checkpoint %s: %w", name, err)
		}
	}

	if err := util.CopyFile(resultFile(bestStep), filepath.Join(bestDir, DevResultFileName)); err != nil {
		return 0, err
	}
	return bestStep, nil
}
