// internal/commands/train.go
package kiln

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"github.com/mwiater/kiln/internal/appconfig"
	"github.com/mwiater/kiln/internal/backend"
	"github.com/mwiater/kiln/internal/data"
	"github.com/mwiater/kiln/internal/eval"
	"github.com/mwiater/kiln/internal/model"
	"github.com/mwiater/kiln/internal/trainer"
	"github.com/spf13/cobra"
)

var resumeFrom string

// trainCmd represents the train command.
var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the contrastive encoder defined in the config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return fmt.Errorf("configuration is not initialized")
		}
		return runTraining(cmd, *cfg)
	},
}

func init() {
	trainCmd.Flags().StringVar(&resumeFrom, "resumeFrom", "", "checkpoint directory to resume from")
	rootCmd.AddCommand(trainCmd)
}

func runTraining(cmd *cobra.Command, cfg appconfig.Config) error {
	if cfg.TrainFile == "" {
		return fmt.Errorf("trainFile is required for training")
	}

	color.Cyan("Training encoder on %s", cfg.TrainFile)

	pairs, err := data.LoadPairs(cfg.TrainFile)
	if err != nil {
		return err
	}
	loader := data.NewLoader(pairs, cfg.TrainBatchSize(), cfg.Seed)
	enc := model.NewEncoder(cfg.ModelDim(), cfg.ModelBuckets(), cfg.ContrastiveTemperature(), cfg.Seed)
	be := backend.New(cfg)
	dispatcher := eval.NewDispatcher(cfg, be.IsPrimary())

	tr := trainer.New(cfg, enc, loader, be, dispatcher, nil)
	out, err := tr.Train(cmd.Context(), trainer.TrainOptions{ResumeFrom: resumeFrom})
	if err != nil {
		return err
	}

	printSummary(cmd, out)

	// Post-processing always runs when evaluation is configured: a run that
	// never evaluated must fail on its empty record, not exit cleanly.
	if cfg.EvalForm != "" && be.IsPrimary() {
		bestStep, err := trainer.PostProcess(cfg.OutputDir, dispatcher.Record(), cfg.BestMetricName(), dispatcher.ResultFile)
		if err != nil {
			return err
		}
		color.Green("Best checkpoint: step %d (kept as %s)", bestStep, trainer.BestCheckpointName)
	}
	return nil
}

func printSummary(cmd *cobra.Command, out trainer.TrainOutput) {
	keyStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("255"))

	fmt.Fprintln(cmd.OutOrStdout())
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
		keyStyle.Render("global_step:"), valueStyle.Render(fmt.Sprintf("%d", out.GlobalStep)))

	var keys []string
	for key := range out.Metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n",
			keyStyle.Render(key+":"), valueStyle.Render(fmt.Sprintf("%g", out.Metrics[key])))
	}
}
