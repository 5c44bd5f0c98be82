// internal/commands/evaluate.go
package kiln

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mwiater/kiln/internal/eval"
	"github.com/mwiater/kiln/internal/model"
	"github.com/spf13/cobra"
)

var evalCheckpoint string

// evaluateCmd runs a single evaluation of a saved checkpoint.
var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a saved checkpoint with the configured evaluation form",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		if cfg == nil {
			return fmt.Errorf("configuration is not initialized")
		}
		if cfg.EvalForm == "" {
			return fmt.Errorf("evalForm must be set to evaluate")
		}

		enc := model.NewEncoder(cfg.ModelDim(), cfg.ModelBuckets(), cfg.ContrastiveTemperature(), cfg.Seed)
		if evalCheckpoint != "" {
			if err := enc.Load(filepath.Join(evalCheckpoint, "model.json")); err != nil {
				return err
			}
		}

		dispatcher := eval.NewDispatcher(*cfg, true)
		result, err := dispatcher.Evaluate(cmd.Context(), enc, 0)
		if err != nil {
			return err
		}

		var keys []string
		for key := range result {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %g\n", key, result[key])
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalCheckpoint, "checkpoint", "", "checkpoint directory holding model.json (omit for a fresh model)")
	rootCmd.AddCommand(evaluateCmd)
}
