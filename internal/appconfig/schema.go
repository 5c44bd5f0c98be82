// internal/appconfig/schema.go
package appconfig

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema constrains value ranges before a run starts. Path existence is
// checked later by the components that open the files.
var configSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"outputDir":                 map[string]any{"type": "string", "minLength": 1},
		"seed":                      map[string]any{"type": "integer"},
		"batchSize":                 map[string]any{"type": "integer", "minimum": 0},
		"gradientAccumulationSteps": map[string]any{"type": "integer", "minimum": 0},
		"learningRate":              map[string]any{"type": "number", "minimum": 0},
		"weightDecay":               map[string]any{"type": "number", "minimum": 0},
		"maxGradNorm":               map[string]any{"type": "number", "minimum": 0},
		"maxSteps":                  map[string]any{"type": "integer"},
		"numTrainEpochs":            map[string]any{"type": "number"},
		"warmupSteps":               map[string]any{"type": "integer", "minimum": 0},
		"loggingSteps":              map[string]any{"type": "integer", "minimum": 0},
		"evalSteps":                 map[string]any{"type": "integer", "minimum": 0},
		"saveSteps":                 map[string]any{"type": "integer", "minimum": 0},
		"evalForm": map[string]any{
			"type": "string",
			"enum": []any{EvalFormRetrieval, EvalFormReranking, ""},
		},
		"optimizer": map[string]any{
			"type": "string",
			"enum": []any{"adamw", "sgd", ""},
		},
		"topK":         map[string]any{"type": "integer", "minimum": 0},
		"embeddingDim": map[string]any{"type": "integer", "minimum": 0},
		"vocabBuckets": map[string]any{"type": "integer", "minimum": 0},
		"temperature":  map[string]any{"type": "number", "minimum": 0},
		"worldSize":    map[string]any{"type": "integer", "minimum": 0},
		"rank":         map[string]any{"type": "integer", "minimum": 0},
	},
}

func validateSchema(c Config) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal for validation: %w", err)
	}

	schemaLoader := gojsonschema.NewGoLoader(configSchema)
	documentLoader := gojsonschema.NewBytesLoader(doc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("config: schema validation: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}
		return fmt.Errorf("config: invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
