// internal/trainer/trainer.go
package trainer

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/backend"
	"github.com/mwiater/kiln/internal/callbacks"
	"github.com/mwiater/kiln/internal/data"
	"github.com/mwiater/kiln/internal/eval"
	"github.com/mwiater/kiln/internal/logging"
	"github.com/mwiater/kiln/internal/model"
)

const (
	modelFileName     = "model.json"
	optimizerFileName = "optimizer.json"
)

// Loader feeds the loop micro-batches of training pairs.
type Loader interface {
	NumExamples() int
	SetEpoch(epoch int)
	Batch(i int) []data.Pair
}

// SizedLoader is a Loader with a known number of batches per epoch. The loop
// cannot derive its step budget without one.
type SizedLoader interface {
	Loader
	Len() int
}

// Optimizer is the full optimizer surface the trainer drives: stepping
// through the backend, learning-rate scheduling, and checkpoint persistence.
type Optimizer interface {
	backend.Optimizer
	model.LROptimizer
	Save(path string) error
	Load(path string) error
}

// Trial describes one hyperparameter-search candidate. A non-nil trial
// reinitializes the model before training and is recorded in the state.
type Trial struct {
	Name   string
	Params map[string]float64
}

// TrainOptions configures a single Train call.
type TrainOptions struct {
	// ResumeFrom is a checkpoint directory to restore model, optimizer, and
	// trainer state from. Empty means a fresh run.
	ResumeFrom string
	Trial      *Trial
}

// TrainOutput summarizes a finished run.
type TrainOutput struct {
	GlobalStep   int
	TrainingLoss float64
	Metrics      map[string]float64
}

// Trainer owns one training run over a contrastive encoder.
type Trainer struct {
	cfg        appconfig.Config
	enc        *model.Encoder
	loader     Loader
	be         backend.Backend
	dispatcher *eval.Dispatcher
	handler    *callbacks.Handler

	state State
	ctl   callbacks.Control

	totalLoss      float64
	lastLoggedLoss float64
	lastLoggedStep int
	flos           int64
}

// New assembles a trainer. A nil handler gets the default flow and progress
// callbacks; Register adds more observers.
func New(cfg appconfig.Config, enc *model.Encoder, loader Loader, be backend.Backend, dispatcher *eval.Dispatcher, handler *callbacks.Handler) *Trainer {
	if handler == nil {
		handler = callbacks.NewHandler(
			callbacks.NewFlowCallback(cfg.LoggingSteps, cfg.EvalSteps, cfg.SaveSteps),
			&callbacks.ProgressCallback{},
		)
	}
	return &Trainer{
		cfg:        cfg,
		enc:        enc,
		loader:     loader,
		be:         be,
		dispatcher: dispatcher,
		handler:    handler,
	}
}

// Model returns the encoder currently owned by the trainer. After a trial
// reinitialization this differs from the encoder passed to New.
func (t *Trainer) Model() *model.Encoder { return t.enc }

// State returns a copy of the trainer's progress counters.
func (t *Trainer) State() State { return t.state }

// Train runs the loop until the step budget is exhausted or a callback stops
// it, then reports the aggregate loss and speed metrics.
func (t *Trainer) Train(ctx context.Context, opts TrainOptions) (TrainOutput, error) {
	sized, ok := t.loader.(SizedLoader)
	if !ok {
		return TrainOutput{}, fmt.Errorf("training requires a sized loader")
	}
	stepsPerEpoch := sized.Len()
	if stepsPerEpoch == 0 {
		return TrainOutput{}, fmt.Errorf("training data is empty")
	}

	if opts.Trial != nil {
		t.applyTrial(opts.Trial)
	}

	accum := t.cfg.AccumulationSteps()
	updatesPerEpoch := stepsPerEpoch / accum
	if updatesPerEpoch < 1 {
		updatesPerEpoch = 1
	}

	maxSteps, numTrainEpochs := stepBudget(t.cfg, updatesPerEpoch)
	t.state.MaxSteps = maxSteps
	t.state.NumTrainEpochs = numTrainEpochs

	opt, err := t.newOptimizer()
	if err != nil {
		return TrainOutput{}, err
	}
	schedule := model.NewLinearSchedule(opt, t.cfg.WarmupSteps, maxSteps)

	epochsTrained, stepsToSkip, err := t.restore(opts.ResumeFrom, opt, updatesPerEpoch, accum)
	if err != nil {
		return TrainOutput{}, err
	}
	for i := 0; i < t.state.GlobalStep; i++ {
		schedule.Step()
	}

	worldSize := t.be.WorldSize()
	if worldSize < 1 {
		worldSize = 1
	}
	totalBatchSize := t.cfg.TrainBatchSize() * accum * worldSize

	logging.LogEvent("[TRAIN] backend=%s examples=%d epochs=%d batchSize=%d totalBatchSize=%d accumulation=%d optimizationSteps=%d",
		t.be.Name(), sized.NumExamples(), numTrainEpochs, t.cfg.TrainBatchSize(), totalBatchSize, accum, maxSteps)
	if epochsTrained > 0 || stepsToSkip > 0 {
		logging.LogEvent("[TRAIN] resuming from step %d: %d whole epochs, %d micro-batches to skip",
			t.state.GlobalStep, epochsTrained, stepsToSkip)
	}

	t.ctl = callbacks.Control{}
	t.handler.TrainBegin(t.cbState(), &t.ctl)

	start := time.Now()
	for epoch := epochsTrained; epoch < numTrainEpochs; epoch++ {
		if err := t.runEpoch(ctx, sized, opt, schedule, epoch, accum, stepsToSkip); err != nil {
			return TrainOutput{}, err
		}
		stepsToSkip = 0
		if t.ctl.ShouldTrainingStop {
			break
		}
	}
	runtime := time.Since(start)

	t.state.TotalFLOs += t.flos
	t.flos = 0

	if t.be.IsPrimary() {
		if err := t.saveCheckpoint(opt); err != nil {
			return TrainOutput{}, err
		}
	}

	t.handler.TrainEnd(t.cbState(), &t.ctl)

	trainingLoss := 0.0
	if t.state.GlobalStep > 0 {
		trainingLoss = t.totalLoss / float64(t.state.GlobalStep)
	}
	summary := SpeedMetrics("train", runtime, totalBatchSize*t.state.GlobalStep, t.state.GlobalStep)
	summary["train_loss"] = trainingLoss
	summary["total_flos"] = float64(t.state.TotalFLOs)
	t.handler.Log(t.cbState(), summary)

	return TrainOutput{
		GlobalStep:   t.state.GlobalStep,
		TrainingLoss: trainingLoss,
		Metrics:      summary,
	}, nil
}

// runEpoch consumes one epoch of micro-batches, stepping the optimizer at
// every accumulation boundary.
func (t *Trainer) runEpoch(ctx context.Context, sized SizedLoader, opt Optimizer, schedule *model.LinearSchedule, epoch, accum, stepsToSkip int) error {
	sized.SetEpoch(epoch)
	stepsInEpoch := sized.Len()

	t.handler.EpochBegin(t.cbState(), &t.ctl)

	for step := 0; step < stepsInEpoch; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if step < stepsToSkip {
			continue
		}
		if step%accum == 0 {
			t.handler.StepBegin(t.cbState(), &t.ctl)
		}

		// A short epoch whose batch count never reaches the accumulation
		// window still steps once, on its final batch.
		boundary := (step+1)%accum == 0 || (stepsInEpoch <= accum && step+1 == stepsInEpoch)

		batch := sized.Batch(step)
		microStep := func() error {
			left := make([]string, len(batch))
			right := make([]string, len(batch))
			for i, p := range batch {
				left[i] = p.Text1
				right[i] = p.Text2
			}
			loss, err := t.enc.TrainingStep(left, right, t.be.LossScale())
			if err != nil {
				return fmt.Errorf("training step at epoch %d batch %d: %w", epoch, step, err)
			}
			t.totalLoss += loss
			t.flos += t.enc.FloatingPointOps(len(batch))
			return nil
		}

		if !boundary && t.be.Distributed() {
			if err := t.be.NoSync(microStep); err != nil {
				return err
			}
			continue
		}
		if err := microStep(); err != nil {
			return err
		}
		if !boundary {
			continue
		}

		if t.cfg.MaxGradNorm > 0 && !t.be.ClipsGradients() {
			t.be.UnscaleGrads(t.enc)
			if norm := t.enc.GradNorm(); norm > t.cfg.MaxGradNorm {
				t.enc.ScaleGrads(t.cfg.MaxGradNorm / norm)
			}
		}
		if err := t.be.OptimizerStep(t.enc, opt); err != nil {
			return err
		}
		schedule.Step()
		t.enc.ZeroGrad()

		t.state.GlobalStep++
		t.state.Epoch = float64(epoch) + float64(step+1)/float64(stepsInEpoch)

		t.handler.StepEnd(t.cbState(), &t.ctl)
		if err := t.maybeLogSaveEvaluate(ctx, opt); err != nil {
			return err
		}
		if t.ctl.ShouldTrainingStop || t.ctl.ShouldEpochStop {
			break
		}
	}

	t.handler.EpochEnd(t.cbState(), &t.ctl)
	t.ctl.ShouldEpochStop = false
	// Epoch-end observers may raise log/evaluate/save flags too; consume
	// them now rather than at the next step boundary.
	return t.maybeLogSaveEvaluate(ctx, opt)
}

// maybeLogSaveEvaluate consumes the one-shot control flags raised by the
// step's callbacks.
func (t *Trainer) maybeLogSaveEvaluate(ctx context.Context, opt Optimizer) error {
	if t.ctl.ShouldLog {
		t.ctl.ShouldLog = false
		delta := t.state.GlobalStep - t.lastLoggedStep
		logs := map[string]float64{"learning_rate": opt.LR()}
		if delta > 0 {
			logs["loss"] = (t.totalLoss - t.lastLoggedLoss) / float64(delta)
		}
		t.lastLoggedLoss = t.totalLoss
		t.lastLoggedStep = t.state.GlobalStep
		t.handler.Log(t.cbState(), logs)
	}

	if t.ctl.ShouldEvaluate {
		t.ctl.ShouldEvaluate = false
		result, err := t.dispatcher.Evaluate(ctx, t.enc, t.state.GlobalStep)
		if err != nil {
			return err
		}
		if result != nil {
			t.updateBestMetric(result)
			t.handler.Log(t.cbState(), result)
			t.handler.Evaluate(t.cbState(), result)
		}
	}

	if t.ctl.ShouldSave {
		t.ctl.ShouldSave = false
		if t.be.IsPrimary() {
			if err := t.saveCheckpoint(opt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Trainer) updateBestMetric(result map[string]float64) {
	key := t.cfg.BestMetricName()
	if value, ok := result["eval_"+key]; ok && value > t.state.BestMetric {
		t.state.BestMetric = value
	}
}

// saveCheckpoint writes model weights, optimizer state, and trainer state
// into checkpoint-<globalStep>.
func (t *Trainer) saveCheckpoint(opt Optimizer) error {
	dir := CheckpointDir(t.cfg.OutputDir, t.state.GlobalStep)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := t.enc.Save(filepath.Join(dir, modelFileName)); err != nil {
		return err
	}
	if err := opt.Save(filepath.Join(dir, optimizerFileName)); err != nil {
		return err
	}
	if err := t.state.Save(dir); err != nil {
		return err
	}
	t.handler.Save(t.cbState(), dir)
	return nil
}

// restore loads checkpoint state for a resumed run and derives how much of
// the data stream to skip: whole epochs replay their shuffling seed only,
// the partial epoch skips (globalStep % updatesPerEpoch) * accumulation
// micro-batches unless ignoreDataSkip is set.
func (t *Trainer) restore(resumeDir string, opt Optimizer, updatesPerEpoch, accum int) (epochsTrained, stepsToSkip int, err error) {
	if resumeDir == "" {
		return 0, 0, nil
	}

	if err := t.enc.Load(filepath.Join(resumeDir, modelFileName)); err != nil {
		return 0, 0, err
	}
	optPath := filepath.Join(resumeDir, optimizerFileName)
	if _, statErr := os.Stat(optPath); statErr == nil {
		if err := opt.Load(optPath); err != nil {
			return 0, 0, err
		}
	}

	state, found, err := LoadState(resumeDir)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return 0, 0, nil
	}

	t.state.GlobalStep = state.GlobalStep
	t.state.BestMetric = state.BestMetric
	t.state.TotalFLOs = state.TotalFLOs
	t.state.TrialName = state.TrialName
	t.state.TrialParams = state.TrialParams

	epochsTrained = state.GlobalStep / updatesPerEpoch
	stepsToSkip = (state.GlobalStep % updatesPerEpoch) * accum
	if t.cfg.IgnoreDataSkip {
		stepsToSkip = 0
	}
	return epochsTrained, stepsToSkip, nil
}

// applyTrial reseeds and reinitializes the model for a hyperparameter-search
// candidate and records the trial in the state.
func (t *Trainer) applyTrial(trial *Trial) {
	t.state.TrialName = trial.Name
	t.state.TrialParams = trial.Params
	t.enc = model.NewEncoder(t.cfg.ModelDim(), t.cfg.ModelBuckets(), t.cfg.ContrastiveTemperature(), t.cfg.Seed)
}

func (t *Trainer) newOptimizer() (Optimizer, error) {
	lr := t.cfg.LearningRate
	if params := t.state.TrialParams; params != nil {
		if v, ok := params["learningRate"]; ok {
			lr = v
		}
	}
	switch t.cfg.OptimizerName() {
	case "adamw":
		return model.NewAdamW(t.enc, lr, t.cfg.WeightDecay), nil
	case "sgd":
		return model.NewSGD(t.enc, lr, 0.9), nil
	default:
		return nil, fmt.Errorf("unsupported optimizer %q", t.cfg.Optimizer)
	}
}

func (t *Trainer) cbState() callbacks.State {
	return callbacks.State{
		GlobalStep:     t.state.GlobalStep,
		Epoch:          t.state.Epoch,
		MaxSteps:       t.state.MaxSteps,
		NumTrainEpochs: t.state.NumTrainEpochs,
	}
}

// stepBudget derives the optimizer-step budget and epoch count. An explicit
// maxSteps wins and implies enough epochs to reach it; otherwise the epoch
// count fixes the budget.
func stepBudget(cfg appconfig.Config, updatesPerEpoch int) (maxSteps, numTrainEpochs int) {
	if cfg.MaxSteps > 0 {
		maxSteps = cfg.MaxSteps
		numTrainEpochs = maxSteps / updatesPerEpoch
		if maxSteps%updatesPerEpoch > 0 {
			numTrainEpochs++
		}
		return maxSteps, numTrainEpochs
	}
	maxSteps = int(math.Ceil(cfg.NumTrainEpochs * float64(updatesPerEpoch)))
	numTrainEpochs = int(math.Ceil(cfg.NumTrainEpochs))
	return maxSteps, numTrainEpochs
}
