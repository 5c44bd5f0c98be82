package appconfig

import (
	"fmt"
	"io"
)

// ShowConfig prints the current configuration summary.
func ShowConfig(out io.Writer, file string, cfg *Config) {
	if file == "" {
		fmt.Fprintln(out, "No config file loaded (using defaults).")
	} else {
		fmt.Fprintf(out, "Config file: %s\n\n", file)
	}

	fmt.Fprintln(out, "Current configuration:")
	if cfg == nil {
		fmt.Fprintln(out, "  (not initialized)")
		return
	}

	fmt.Fprintf(out, "  Output Dir:       %s\n", cfg.OutputDir)
	fmt.Fprintf(out, "  Train File:       %s\n", cfg.TrainFile)
	fmt.Fprintf(out, "  Seed:             %d\n", cfg.Seed)
	fmt.Fprintf(out, "  Batch Size:       %d\n", cfg.TrainBatchSize())
	fmt.Fprintf(out, "  Accumulation:     %d\n", cfg.AccumulationSteps())
	fmt.Fprintf(out, "  Learning Rate:    %g\n", cfg.LearningRate)
	fmt.Fprintf(out, "  Optimizer:        %s\n", cfg.OptimizerName())
	fmt.Fprintf(out, "  Max Steps:        %d\n", cfg.MaxSteps)
	fmt.Fprintf(out, "  Train Epochs:     %g\n", cfg.NumTrainEpochs)
	fmt.Fprintf(out, "  Warmup Steps:     %d\n", cfg.WarmupSteps)
	fmt.Fprintf(out, "  FP16:             %v\n", cfg.FP16)
	fmt.Fprintf(out, "  World Size:       %d (rank %d)\n", cfg.WorldSize, cfg.Rank)
	if cfg.EvalForm != "" {
		fmt.Fprintf(out, "  Eval Form:        %s\n", cfg.EvalForm)
		fmt.Fprintf(out, "  Best Metric:      %s\n", cfg.BestMetricName())
		fmt.Fprintf(out, "  Eval Steps:       %d\n", cfg.EvalSteps)
		fmt.Fprintf(out, "  Oracle File:      %s\n", cfg.EvalOracleFile)
		fmt.Fprintf(out, "  Result Dir:       %s\n", cfg.ResultDir())
		if cfg.EvalForm == EvalFormRetrieval {
			fmt.Fprintf(out, "  Eval Src File:    %s\n", cfg.EvalSrcFile)
			fmt.Fprintf(out, "  Eval Tgt File:    %s\n", cfg.EvalTgtFile)
			fmt.Fprintf(out, "  Top K:            %d\n", cfg.RetrievalTopK())
		} else {
			fmt.Fprintf(out, "  Eval File:        %s\n", cfg.EvalFile)
		}
	}
}
