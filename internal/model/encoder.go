// internal/model/encoder.go
// Package model implements the trainable contrastive text encoder and its
// optimizers. The encoder is a hashed bag-of-words embedding table trained
// with an in-batch-negatives softmax loss; gradients are computed
// analytically and accumulated across micro-batches until the trainer steps
// the optimizer.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
)

// Encoder embeds text as the mean of learned bucket vectors.
type Encoder struct {
	dim         int
	buckets     int
	temperature float64
	emb         [][]float64
	grad        [][]float64
	evalMode    bool
}

// encoderFile is the serialized form of an Encoder.
type encoderFile struct {
	Dim         int         `json:"dim"`
	Buckets     int         `json:"buckets"`
	Temperature float64     `json:"temperature"`
	Emb         [][]float64 `json:"emb"`
}

// NewEncoder creates an encoder with randomly initialized weights. The seed
// fixes initialization so trial re-inits are reproducible.
func NewEncoder(dim, buckets int, temperature float64, seed int64) *Encoder {
	rng := rand.New(rand.NewSource(seed))
	emb := make([][]float64, buckets)
	grad := make([][]float64, buckets)
	for i := range emb {
		row := make([]float64, dim)
		for j := range row {
			row[j] = rng.NormFloat64() * 0.02
		}
		emb[i] = row
		grad[i] = make([]float64, dim)
	}
	return &Encoder{
		dim:         dim,
		buckets:     buckets,
		temperature: temperature,
		emb:         emb,
		grad:        grad,
	}
}

// Dim returns the embedding dimension.
func (e *Encoder) Dim() int { return e.dim }

// SetEval switches between training and evaluation mode.
func (e *Encoder) SetEval(eval bool) { e.evalMode = eval }

// Encode returns one vector per text, optionally L2-normalized.
func (e *Encoder) Encode(texts []string, normalize bool) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec := e.encodeTokens(HashTokens(Tokenize(text), e.buckets))
		if normalize {
			l2Normalize(vec)
		}
		out[i] = vec
	}
	return out, nil
}

// PairwiseSimilarity scores each (left[i], right[i]) pair with cosine
// similarity.
func (e *Encoder) PairwiseSimilarity(left, right []string) ([]float64, error) {
	if len(left) != len(right) {
		return nil, fmt.Errorf("pairwise similarity: %d left texts vs %d right texts", len(left), len(right))
	}
	scores := make([]float64, len(left))
	for i := range left {
		u := e.encodeTokens(HashTokens(Tokenize(left[i]), e.buckets))
		v := e.encodeTokens(HashTokens(Tokenize(right[i]), e.buckets))
		scores[i] = cosine(u, v)
	}
	return scores, nil
}

// TrainingStep runs one forward/backward pass over a micro-batch using every
// other pair in the batch as a negative. Gradients are scaled by lossScale
// (the mixed-precision loss scale) and accumulated into the gradient table;
// the returned loss is unscaled.
func (e *Encoder) TrainingStep(left, right []string, lossScale float64) (float64, error) {
	if e.evalMode {
		return 0, fmt.Errorf("training step called while encoder is in eval mode")
	}
	if len(left) == 0 || len(left) != len(right) {
		return 0, fmt.Errorf("training step: invalid batch of %d/%d texts", len(left), len(right))
	}
	if lossScale <= 0 {
		lossScale = 1
	}
	b := len(left)

	tokensL := make([][]int, b)
	tokensR := make([][]int, b)
	u := make([][]float64, b)
	v := make([][]float64, b)
	for i := 0; i < b; i++ {
		tokensL[i] = HashTokens(Tokenize(left[i]), e.buckets)
		tokensR[i] = HashTokens(Tokenize(right[i]), e.buckets)
		u[i] = e.encodeTokens(tokensL[i])
		v[i] = e.encodeTokens(tokensR[i])
	}

	// Row-wise softmax over scaled dot products; diagonal entries are the
	// positives.
	probs := make([][]float64, b)
	loss := 0.0
	for i := 0; i < b; i++ {
		row := make([]float64, b)
		maxScore := math.Inf(-1)
		for j := 0; j < b; j++ {
			row[j] = dot(u[i], v[j]) / e.temperature
			if row[j] > maxScore {
				maxScore = row[j]
			}
		}
		sum := 0.0
		for j := 0; j < b; j++ {
			row[j] = math.Exp(row[j] - maxScore)
			sum += row[j]
		}
		for j := 0; j < b; j++ {
			row[j] /= sum
		}
		probs[i] = row
		loss += -math.Log(row[i] + 1e-12)
	}
	loss /= float64(b)

	// d(loss)/d(u_i) = (1/(B*temp)) * sum_j (p_ij - delta_ij) v_j and the
	// transpose for v_j; each text distributes its gradient evenly over its
	// token buckets.
	coeff := lossScale / (float64(b) * e.temperature)
	gradU := make([][]float64, b)
	gradV := make([][]float64, b)
	for i := 0; i < b; i++ {
		gradU[i] = make([]float64, e.dim)
		gradV[i] = make([]float64, e.dim)
	}
	for i := 0; i < b; i++ {
		for j := 0; j < b; j++ {
			p := probs[i][j]
			if i == j {
				p -= 1
			}
			for d := 0; d < e.dim; d++ {
				gradU[i][d] += coeff * p * v[j][d]
				gradV[j][d] += coeff * p * u[i][d]
			}
		}
	}
	for i := 0; i < b; i++ {
		e.scatterGrad(tokensL[i], gradU[i])
		e.scatterGrad(tokensR[i], gradV[i])
	}

	return loss, nil
}

// ZeroGrad clears the accumulated gradient table.
func (e *Encoder) ZeroGrad() {
	for _, row := range e.grad {
		for j := range row {
			row[j] = 0
		}
	}
}

// GradNorm returns the global L2 norm of the accumulated gradients.
func (e *Encoder) GradNorm() float64 {
	sum := 0.0
	for _, row := range e.grad {
		for _, g := range row {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// ScaleGrads multiplies every accumulated gradient by factor.
func (e *Encoder) ScaleGrads(factor float64) {
	for _, row := range e.grad {
		for j := range row {
			row[j] *= factor
		}
	}
}

// Grads exposes the live gradient rows for optimizers and gradient
// synchronization.
func (e *Encoder) Grads() [][]float64 { return e.grad }

// Weights exposes the live embedding rows for optimizers.
func (e *Encoder) Weights() [][]float64 { return e.emb }

// FloatingPointOps estimates the FLOs spent on a micro-batch of n examples.
func (e *Encoder) FloatingPointOps(n int) int64 {
	return int64(n) * int64(6*e.dim)
}

// Save writes the encoder weights as JSON.
func (e *Encoder) Save(path string) error {
	data, err := json.Marshal(encoderFile{
		Dim:         e.dim,
		Buckets:     e.buckets,
		Temperature: e.temperature,
		Emb:         e.emb,
	})
	if err != nil {
		return fmt.Errorf("marshal encoder: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores encoder weights written by Save. The stored shape must match.
func (e *Encoder) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read encoder weights: %w", err)
	}
	var file encoderFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse encoder weights %s: %w", path, err)
	}
	if file.Dim != e.dim || file.Buckets != e.buckets {
		return fmt.Errorf("encoder shape mismatch: file is %dx%d, model is %dx%d", file.Buckets, file.Dim, e.buckets, e.dim)
	}
	e.temperature = file.Temperature
	e.emb = file.Emb
	return nil
}

func (e *Encoder) encodeTokens(bucketIDs []int) []float64 {
	vec := make([]float64, e.dim)
	if len(bucketIDs) == 0 {
		return vec
	}
	for _, b := range bucketIDs {
		row := e.emb[b]
		for d := 0; d < e.dim; d++ {
			vec[d] += row[d]
		}
	}
	inv := 1 / float64(len(bucketIDs))
	for d := range vec {
		vec[d] *= inv
	}
	return vec
}

func (e *Encoder) scatterGrad(bucketIDs []int, grad []float64) {
	if len(bucketIDs) == 0 {
		return
	}
	inv := 1 / float64(len(bucketIDs))
	for _, b := range bucketIDs {
		row := e.grad[b]
		for d := 0; d < e.dim; d++ {
			row[d] += grad[d] * inv
		}
	}
}

func dot(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func cosine(a, b []float64) float64 {
	na := math.Sqrt(dot(a, a))
	nb := math.Sqrt(dot(b, b))
	if na == 0 || nb == 0 {
		return 0
	}
	return dot(a, b) / (na * nb)
}

func l2Normalize(vec []float64) {
	norm := math.Sqrt(dot(vec, vec))
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] /= norm
	}
}
