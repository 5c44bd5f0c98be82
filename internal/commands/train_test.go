package kiln

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/trainer"
	"github.com/spf13/cobra"
)

func writeTrainFile(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "train.jsonl")
	lines := []string{
		`{"text1": "how to sort a list", "text2": "sorted(items)", "function_key": "f1"}`,
		`{"text1": "how to read a file", "text2": "open(path).read()", "function_key": "f2"}`,
		`{"text1": "how to join strings", "text2": "sep.join(parts)", "function_key": "f3"}`,
		`{"text1": "how to reverse a list", "text2": "items[::-1]", "function_key": "f4"}`,
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatalf("write train file: %v", err)
	}
	return path
}

func TestRunTrainingFailsWhenEvaluationNeverRan(t *testing.T) {
	dir := t.TempDir()
	cfg := appconfig.Config{
		OutputDir:          dir,
		Seed:               1,
		TrainFile:          writeTrainFile(t, dir),
		BatchSize:          2,
		LearningRate:       0.1,
		NumTrainEpochs:     1,
		EmbeddingDim:       16,
		VocabBuckets:       1 << 10,
		EvalForm:           appconfig.EvalFormRetrieval,
		MetricForBestModel: "recall@10",
		EvalSteps:          0,
	}

	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	err := runTraining(cmd, cfg)
	if err == nil {
		t.Fatal("expected error when evaluation is configured but never ran")
	}
	if _, statErr := os.Stat(filepath.Join(dir, trainer.BestCheckpointName)); !os.IsNotExist(statErr) {
		t.Fatal("no best checkpoint must be produced from an empty record")
	}
}
