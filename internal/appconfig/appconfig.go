// internal/appconfig/appconfig.go
// Package appconfig manages loading and interpreting the training configuration.
package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultConfigPath is the default path to the training configuration file.
	DefaultConfigPath = "config/config.json"

	// EvalFormRetrieval evaluates by encoding held-out files and running
	// nearest-neighbor retrieval against the full pool.
	EvalFormRetrieval = "retrieval"
	// EvalFormReranking evaluates by scoring paired sentences and reranking
	// candidates per query.
	EvalFormReranking = "reranking"
)

// Config represents the top-level training configuration.
type Config struct {
	OutputDir string `json:"outputDir"`
	Seed      int64  `json:"seed"`
	LogFile   string `json:"logFile,omitempty"`

	TrainFile                 string  `json:"trainFile"`
	BatchSize                 int     `json:"batchSize"`
	GradientAccumulationSteps int     `json:"gradientAccumulationSteps"`
	LearningRate              float64 `json:"learningRate"`
	WeightDecay               float64 `json:"weightDecay"`
	MaxGradNorm               float64 `json:"maxGradNorm"`
	MaxSteps                  int     `json:"maxSteps"`
	NumTrainEpochs            float64 `json:"numTrainEpochs"`
	WarmupSteps               int     `json:"warmupSteps"`
	Optimizer                 string  `json:"optimizer,omitempty"`
	IgnoreDataSkip            bool    `json:"ignoreDataSkip"`

	LoggingSteps int `json:"loggingSteps"`
	EvalSteps    int `json:"evalSteps"`
	SaveSteps    int `json:"saveSteps"`

	EvalForm           string `json:"evalForm"`
	MetricForBestModel string `json:"metricForBestModel"`
	EvalSrcFile        string `json:"evalSrcFile,omitempty"`
	EvalTgtFile        string `json:"evalTgtFile,omitempty"`
	EvalOracleFile     string `json:"evalOracleFile,omitempty"`
	EvalFile           string `json:"evalFile,omitempty"`
	TmpResultDir       string `json:"tmpResultDir,omitempty"`
	TopK               int    `json:"topK"`

	EmbeddingDim int     `json:"embeddingDim"`
	VocabBuckets int     `json:"vocabBuckets"`
	Temperature  float64 `json:"temperature"`

	FP16      bool `json:"fp16"`
	Rank      int  `json:"rank"`
	WorldSize int  `json:"worldSize"`

	ConfigPath string `json:"-"`
}

// AccumulationSteps returns the gradient accumulation window, at least one.
func (c Config) AccumulationSteps() int {
	if c.GradientAccumulationSteps <= 0 {
		return 1
	}
	return c.GradientAccumulationSteps
}

// TrainBatchSize returns the micro-batch size, falling back to the default.
func (c Config) TrainBatchSize() int {
	if c.BatchSize <= 0 {
		return 8
	}
	return c.BatchSize
}

// RetrievalTopK returns the retrieval cutoff, falling back to the default.
func (c Config) RetrievalTopK() int {
	if c.TopK <= 0 {
		return 10
	}
	return c.TopK
}

// BestMetricName returns the configured metric-for-best-model name.
func (c Config) BestMetricName() string {
	if strings.TrimSpace(c.MetricForBestModel) == "" {
		return "recall@10"
	}
	return c.MetricForBestModel
}

// ResultDir returns the directory for intermediate evaluation result files.
// It defaults to tmp_eval under the output directory; the previous layout
// used a machine-specific absolute path here.
func (c Config) ResultDir() string {
	if strings.TrimSpace(c.TmpResultDir) != "" {
		return c.TmpResultDir
	}
	return filepath.Join(c.OutputDir, "tmp_eval")
}

// LogFilePath returns the path to the training log file, applying a default if not set.
func (c Config) LogFilePath() string {
	if path := c.LogFile; strings.TrimSpace(path) != "" {
		return path
	}
	return "kiln.log"
}

// ModelDim returns the encoder embedding dimension, falling back to the default.
func (c Config) ModelDim() int {
	if c.EmbeddingDim <= 0 {
		return 64
	}
	return c.EmbeddingDim
}

// ModelBuckets returns the hashed vocabulary size, falling back to the default.
func (c Config) ModelBuckets() int {
	if c.VocabBuckets <= 0 {
		return 1 << 14
	}
	return c.VocabBuckets
}

// ContrastiveTemperature returns the softmax temperature, falling back to the default.
func (c Config) ContrastiveTemperature() float64 {
	if c.Temperature <= 0 {
		return 0.05
	}
	return c.Temperature
}

// OptimizerName returns the configured optimizer, defaulting to adamw.
func (c Config) OptimizerName() string {
	if strings.TrimSpace(c.Optimizer) == "" {
		return "adamw"
	}
	return strings.ToLower(strings.TrimSpace(c.Optimizer))
}

// Load reads the training configuration from the specified path.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}

	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read config file %q: %w", path, err)
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return Config{}, fmt.Errorf("could not parse config file %q: %w", path, err)
	}
	config.ConfigPath = path

	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks structural constraints the schema cannot express and then
// runs the JSON schema validation. Misconfiguration is fatal to a run, so
// every problem is reported as an error rather than patched over.
func (c Config) Validate() error {
	if strings.TrimSpace(c.OutputDir) == "" {
		return fmt.Errorf("config: outputDir is required")
	}
	switch c.EvalForm {
	case EvalFormRetrieval, EvalFormReranking, "":
	default:
		return fmt.Errorf("config: unsupported evalForm %q (want %q or %q)", c.EvalForm, EvalFormRetrieval, EvalFormReranking)
	}
	if c.EvalForm == EvalFormRetrieval {
		if strings.TrimSpace(c.EvalSrcFile) == "" || strings.TrimSpace(c.EvalTgtFile) == "" {
			return fmt.Errorf("config: evalSrcFile and evalTgtFile are required for retrieval evaluation")
		}
	}
	if c.EvalForm == EvalFormReranking && strings.TrimSpace(c.EvalFile) == "" {
		return fmt.Errorf("config: evalFile is required for reranking evaluation")
	}
	if c.EvalForm != "" && strings.TrimSpace(c.EvalOracleFile) == "" {
		return fmt.Errorf("config: evalOracleFile is required when evaluation is enabled")
	}
	if c.MaxSteps <= 0 && c.NumTrainEpochs <= 0 {
		return fmt.Errorf("config: either maxSteps or numTrainEpochs must be positive")
	}
	if c.WorldSize < 0 || c.Rank < 0 || (c.WorldSize > 0 && c.Rank >= c.WorldSize) {
		return fmt.Errorf("config: invalid rank %d for worldSize %d", c.Rank, c.WorldSize)
	}
	return validateSchema(c)
}
