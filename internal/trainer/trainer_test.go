package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/backend"
	"github.com/mwiater/kiln/internal/callbacks"
	"github.com/mwiater/kiln/internal/data"
	"github.com/mwiater/kiln/internal/eval"
	"github.com/mwiater/kiln/internal/metrics"
	"github.com/mwiater/kiln/internal/model"
)

func trainingPairs(n int) []data.Pair {
	pairs := make([]data.Pair, n)
	for i := range pairs {
		pairs[i] = data.Pair{
			Text1:       fmt.Sprintf("question number %d about sorting", i),
			Text2:       fmt.Sprintf("answer document %d covering sorting", i),
			FunctionKey: fmt.Sprintf("f%d", i),
		}
	}
	return pairs
}

func newTestTrainer(t *testing.T, cfg appconfig.Config, numPairs int) *Trainer {
	t.Helper()
	enc := model.NewEncoder(cfg.ModelDim(), cfg.ModelBuckets(), cfg.ContrastiveTemperature(), cfg.Seed)
	loader := data.NewLoader(trainingPairs(numPairs), cfg.TrainBatchSize(), cfg.Seed)
	be := backend.New(cfg)
	dispatcher := eval.NewDispatcher(cfg, be.IsPrimary())
	return New(cfg, enc, loader, be, dispatcher, nil)
}

func baseConfig(t *testing.T) appconfig.Config {
	t.Helper()
	return appconfig.Config{
		OutputDir:                 t.TempDir(),
		Seed:                      1,
		BatchSize:                 2,
		GradientAccumulationSteps: 2,
		LearningRate:              0.1,
		MaxGradNorm:               1.0,
		NumTrainEpochs:            2,
		EmbeddingDim:              16,
		VocabBuckets:              1 << 10,
	}
}

func TestTrainStepCountFromEpochBudget(t *testing.T) {
	cfg := baseConfig(t)
	// 8 pairs, batch 2, accumulation 2: two optimizer steps per epoch.
	tr := newTestTrainer(t, cfg, 8)

	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.GlobalStep != 4 {
		t.Fatalf("expected 4 optimizer steps over 2 epochs, got %d", out.GlobalStep)
	}
	if out.TrainingLoss <= 0 {
		t.Fatalf("expected positive training loss, got %v", out.TrainingLoss)
	}
	if _, ok := out.Metrics["train_runtime"]; !ok {
		t.Fatalf("missing speed metrics: %v", out.Metrics)
	}

	dir := CheckpointDir(cfg.OutputDir, 4)
	for _, name := range []string{modelFileName, optimizerFileName, StateFileName} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("final checkpoint missing %s: %v", name, err)
		}
	}
}

func TestTrainStopsAtMaxSteps(t *testing.T) {
	cfg := baseConfig(t)
	cfg.NumTrainEpochs = 0
	cfg.MaxSteps = 3
	tr := newTestTrainer(t, cfg, 8)

	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.GlobalStep != 3 {
		t.Fatalf("expected training to stop at step 3, got %d", out.GlobalStep)
	}
}

func TestShortEpochStepsOnFinalBatch(t *testing.T) {
	cfg := baseConfig(t)
	cfg.GradientAccumulationSteps = 8
	// 3 pairs, batch 2: two batches per epoch, fewer than the accumulation
	// window, so each epoch contributes exactly one optimizer step.
	tr := newTestTrainer(t, cfg, 3)

	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.GlobalStep != 2 {
		t.Fatalf("expected one step per short epoch, got %d", out.GlobalStep)
	}
}

func TestTrainRequiresSizedLoader(t *testing.T) {
	cfg := baseConfig(t)
	enc := model.NewEncoder(cfg.ModelDim(), cfg.ModelBuckets(), cfg.ContrastiveTemperature(), cfg.Seed)
	be := backend.New(cfg)
	tr := New(cfg, enc, unsizedLoader{}, be, eval.NewDispatcher(cfg, true), nil)

	if _, err := tr.Train(context.Background(), TrainOptions{}); err == nil {
		t.Fatal("expected error for unsized loader")
	}
}

type unsizedLoader struct{}

func (unsizedLoader) NumExamples() int      { return 0 }
func (unsizedLoader) SetEpoch(int)          {}
func (unsizedLoader) Batch(int) []data.Pair { return nil }

func TestCallbackStopsTraining(t *testing.T) {
	cfg := baseConfig(t)
	tr := newTestTrainer(t, cfg, 8)
	tr.handler.Register(&stopAfterFirstStep{})

	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.GlobalStep != 1 {
		t.Fatalf("expected stop after first step, got %d", out.GlobalStep)
	}
}

type stopAfterFirstStep struct{ callbacks.Base }

func (s *stopAfterFirstStep) OnStepEnd(state callbacks.State, ctl *callbacks.Control) {
	if state.GlobalStep >= 1 {
		ctl.ShouldTrainingStop = true
	}
}

type saveOnEpochEnd struct{ callbacks.Base }

func (s *saveOnEpochEnd) OnEpochEnd(state callbacks.State, ctl *callbacks.Control) {
	ctl.ShouldSave = true
}

func TestEpochEndFlagsAreConsumed(t *testing.T) {
	cfg := baseConfig(t)
	tr := newTestTrainer(t, cfg, 8)
	tr.handler.Register(&saveOnEpochEnd{})

	if _, err := tr.Train(context.Background(), TrainOptions{}); err != nil {
		t.Fatalf("Train: %v", err)
	}
	// Save cadence is zero, so the checkpoint after the first epoch can only
	// come from the epoch-end observer's flag.
	if _, err := os.Stat(CheckpointDir(cfg.OutputDir, 2)); err != nil {
		t.Fatalf("epoch-end save flag not consumed: %v", err)
	}
}

func TestResumeCounterDerivation(t *testing.T) {
	cfg := baseConfig(t)
	tr := newTestTrainer(t, cfg, 8)

	resumeDir := t.TempDir()
	if err := tr.enc.Save(filepath.Join(resumeDir, modelFileName)); err != nil {
		t.Fatalf("save model: %v", err)
	}
	if err := (State{GlobalStep: 7}).Save(resumeDir); err != nil {
		t.Fatalf("save state: %v", err)
	}

	opt, err := tr.newOptimizer()
	if err != nil {
		t.Fatalf("newOptimizer: %v", err)
	}
	epochsTrained, stepsToSkip, err := tr.restore(resumeDir, opt, 5, 2)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if epochsTrained != 1 {
		t.Fatalf("expected 1 whole epoch trained, got %d", epochsTrained)
	}
	if stepsToSkip != 4 {
		t.Fatalf("expected (7 %% 5) * 2 = 4 micro-batches to skip, got %d", stepsToSkip)
	}
	if tr.state.GlobalStep != 7 {
		t.Fatalf("global step not restored: %d", tr.state.GlobalStep)
	}
}

func TestResumeIgnoreDataSkip(t *testing.T) {
	cfg := baseConfig(t)
	cfg.IgnoreDataSkip = true
	tr := newTestTrainer(t, cfg, 8)

	resumeDir := t.TempDir()
	if err := tr.enc.Save(filepath.Join(resumeDir, modelFileName)); err != nil {
		t.Fatalf("save model: %v", err)
	}
	if err := (State{GlobalStep: 7}).Save(resumeDir); err != nil {
		t.Fatalf("save state: %v", err)
	}

	opt, err := tr.newOptimizer()
	if err != nil {
		t.Fatalf("newOptimizer: %v", err)
	}
	_, stepsToSkip, err := tr.restore(resumeDir, opt, 5, 2)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if stepsToSkip != 0 {
		t.Fatalf("ignoreDataSkip must disable micro-batch skipping, got %d", stepsToSkip)
	}
}

func TestResumeMissingStateStartsFresh(t *testing.T) {
	cfg := baseConfig(t)
	tr := newTestTrainer(t, cfg, 8)

	resumeDir := t.TempDir()
	if err := tr.enc.Save(filepath.Join(resumeDir, modelFileName)); err != nil {
		t.Fatalf("save model: %v", err)
	}

	opt, err := tr.newOptimizer()
	if err != nil {
		t.Fatalf("newOptimizer: %v", err)
	}
	epochsTrained, stepsToSkip, err := tr.restore(resumeDir, opt, 5, 2)
	if err != nil {
		t.Fatalf("restore without state file: %v", err)
	}
	if epochsTrained != 0 || stepsToSkip != 0 || tr.state.GlobalStep != 0 {
		t.Fatalf("missing trainer state must start fresh, got epochs=%d skip=%d step=%d",
			epochsTrained, stepsToSkip, tr.state.GlobalStep)
	}
}

func TestResumeCompletesRun(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SaveSteps = 2
	tr := newTestTrainer(t, cfg, 8)

	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if out.GlobalStep != 4 {
		t.Fatalf("first run expected 4 steps, got %d", out.GlobalStep)
	}

	resumed := newTestTrainer(t, cfg, 8)
	out, err = resumed.Train(context.Background(), TrainOptions{
		ResumeFrom: CheckpointDir(cfg.OutputDir, 2),
	})
	if err != nil {
		t.Fatalf("resumed run: %v", err)
	}
	if out.GlobalStep != 4 {
		t.Fatalf("resumed run must finish at step 4, got %d", out.GlobalStep)
	}
}

func TestTrialReinitializesModel(t *testing.T) {
	cfg := baseConfig(t)
	tr := newTestTrainer(t, cfg, 8)
	before := tr.Model()

	_, err := tr.Train(context.Background(), TrainOptions{
		Trial: &Trial{Name: "trial-1", Params: map[string]float64{"learningRate": 0.01}},
	})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if tr.Model() == before {
		t.Fatal("trial must reinitialize the model")
	}
	if tr.State().TrialName != "trial-1" {
		t.Fatalf("trial name not recorded: %q", tr.State().TrialName)
	}
}

func TestStepBudget(t *testing.T) {
	cases := []struct {
		maxSteps        int
		numTrainEpochs  float64
		updatesPerEpoch int
		wantSteps       int
		wantEpochs      int
	}{
		{maxSteps: 10, updatesPerEpoch: 4, wantSteps: 10, wantEpochs: 3},
		{maxSteps: 8, updatesPerEpoch: 4, wantSteps: 8, wantEpochs: 2},
		{numTrainEpochs: 3, updatesPerEpoch: 5, wantSteps: 15, wantEpochs: 3},
		{numTrainEpochs: 2.5, updatesPerEpoch: 4, wantSteps: 10, wantEpochs: 3},
	}
	for _, tc := range cases {
		cfg := appconfig.Config{MaxSteps: tc.maxSteps, NumTrainEpochs: tc.numTrainEpochs}
		steps, epochs := stepBudget(cfg, tc.updatesPerEpoch)
		if steps != tc.wantSteps || epochs != tc.wantEpochs {
			t.Fatalf("stepBudget(%+v, %d) = (%d, %d), want (%d, %d)",
				cfg, tc.updatesPerEpoch, steps, epochs, tc.wantSteps, tc.wantEpochs)
		}
	}
}

func TestStateRoundtrip(t *testing.T) {
	dir := t.TempDir()
	saved := State{
		GlobalStep:     12,
		Epoch:          1.5,
		MaxSteps:       20,
		NumTrainEpochs: 3,
		BestMetric:     0.42,
		TotalFLOs:      9000,
	}
	if err := saved.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, found, err := LoadState(dir)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if !found {
		t.Fatal("expected state file to be found")
	}
	if !reflect.DeepEqual(loaded, saved) {
		t.Fatalf("state mismatch: got %+v want %+v", loaded, saved)
	}

	_, found, err = LoadState(t.TempDir())
	if err != nil {
		t.Fatalf("LoadState on empty dir: %v", err)
	}
	if found {
		t.Fatal("missing state file must report not found")
	}
}

func TestSpeedMetrics(t *testing.T) {
	got := SpeedMetrics("train", 2*time.Second, 100, 10)
	if got["train_runtime"] != 2 {
		t.Fatalf("runtime: %v", got)
	}
	if got["train_samples_per_second"] != 50 {
		t.Fatalf("samples per second: %v", got)
	}
	if got["train_steps_per_second"] != 5 {
		t.Fatalf("steps per second: %v", got)
	}
}

func makeCheckpoint(t *testing.T, outputDir string, step int) {
	t.Helper()
	dir := CheckpointDir(outputDir, step)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, modelFileName), []byte("{}"), 0644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
}

func TestPostProcessSelectsBestCheckpoint(t *testing.T) {
	outputDir := t.TempDir()
	makeCheckpoint(t, outputDir, 2)
	makeCheckpoint(t, outputDir, 4)

	resultDir := t.TempDir()
	resultFile := func(step int) string {
		return filepath.Join(resultDir, fmt.Sprintf("result_file_%d.json", step))
	}
	payload, _ := json.Marshal(map[string]metrics.RankedResult{
		"q1": {Retrieved: []string{"f1"}, Score: []float64{0.9}},
	})
	if err := os.WriteFile(resultFile(4), payload, 0644); err != nil {
		t.Fatalf("write result file: %v", err)
	}

	record := metrics.Record{}
	record.Add(2, map[string]float64{"eval_recall@10": 0.5})
	record.Add(4, map[string]float64{"eval_recall@10": 0.8})

	bestStep, err := PostProcess(outputDir, record, "recall@10", resultFile)
	if err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if bestStep != 4 {
		t.Fatalf("expected best step 4, got %d", bestStep)
	}

	bestDir := filepath.Join(outputDir, BestCheckpointName)
	if _, err := os.Stat(filepath.Join(bestDir, DevResultFileName)); err != nil {
		t.Fatalf("dev result not copied: %v", err)
	}
	if _, err := os.Stat(CheckpointDir(outputDir, 2)); !os.IsNotExist(err) {
		t.Fatal("losing checkpoint must be deleted")
	}
	if _, err := os.Stat(CheckpointDir(outputDir, 4)); !os.IsNotExist(err) {
		t.Fatal("winning checkpoint must be renamed away")
	}
}

func TestPostProcessEmptyRecordFails(t *testing.T) {
	if _, err := PostProcess(t.TempDir(), metrics.Record{}, "recall@10", func(int) string { return "" }); err == nil {
		t.Fatal("expected error for empty metric record")
	}
}

func TestPostProcessAcceptsPrefixedMetricName(t *testing.T) {
	outputDir := t.TempDir()
	makeCheckpoint(t, outputDir, 1)

	resultDir := t.TempDir()
	resultFile := func(step int) string {
		return filepath.Join(resultDir, fmt.Sprintf("result_file_%d.json", step))
	}
	if err := os.WriteFile(resultFile(1), []byte("{}"), 0644); err != nil {
		t.Fatalf("write result file: %v", err)
	}

	record := metrics.Record{}
	record.Add(1, map[string]float64{"eval_recall@10": 0.3})

	bestStep, err := PostProcess(outputDir, record, "eval_recall@10", resultFile)
	if err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if bestStep != 1 {
		t.Fatalf("expected best step 1, got %d", bestStep)
	}
}

func TestTrainWithRetrievalEvaluation(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SaveSteps = 2
	cfg.EvalSteps = 2
	cfg.EvalForm = appconfig.EvalFormRetrieval
	cfg.MetricForBestModel = "recall@10"
	cfg.TopK = 2

	dir := cfg.OutputDir
	src := filepath.Join(dir, "src.jsonl")
	tgt := filepath.Join(dir, "tgt.jsonl")
	oracle := filepath.Join(dir, "oracle.json")
	writeFileLines(t, src,
		`{"id": "q0", "text": "question number 0 about sorting"}`,
		`{"id": "q1", "text": "question number 1 about sorting"}`,
	)
	writeFileLines(t, tgt,
		`{"id": "f0", "text": "answer document 0 covering sorting"}`,
		`{"id": "f1", "text": "answer document 1 covering sorting"}`,
		`{"id": "f2", "text": "answer document 2 covering sorting"}`,
	)
	oracleData, _ := json.Marshal(map[string][]string{"q0": {"f0"}, "q1": {"f1"}})
	if err := os.WriteFile(oracle, oracleData, 0644); err != nil {
		t.Fatalf("write oracle: %v", err)
	}
	cfg.EvalSrcFile = src
	cfg.EvalTgtFile = tgt
	cfg.EvalOracleFile = oracle

	tr := newTestTrainer(t, cfg, 8)
	out, err := tr.Train(context.Background(), TrainOptions{})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if out.GlobalStep != 4 {
		t.Fatalf("expected 4 steps, got %d", out.GlobalStep)
	}

	record := tr.dispatcher.Record()
	for _, step := range []int{2, 4} {
		m, ok := record[step]
		if !ok {
			t.Fatalf("no evaluation recorded at step %d: %v", step, record)
		}
		for _, key := range []string{"eval_recall@10", "eval_precision@10", "eval_f1@10"} {
			v, ok := m[key]
			if !ok || math.IsNaN(v) || v < 0 || v > 1 {
				t.Fatalf("bad %s at step %d: %v", key, step, m)
			}
		}
	}

	bestStep, err := PostProcess(cfg.OutputDir, record, cfg.BestMetricName(), tr.dispatcher.ResultFile)
	if err != nil {
		t.Fatalf("PostProcess: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.OutputDir, BestCheckpointName, DevResultFileName)); err != nil {
		t.Fatalf("best checkpoint incomplete after selecting step %d: %v", bestStep, err)
	}
}

func writeFileLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	content := ""
	for _, line := range lines {
		content += line + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
