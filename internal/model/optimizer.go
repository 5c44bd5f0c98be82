// internal/model/optimizer.go
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// AdamW implements decoupled weight-decay Adam over the encoder's embedding
// table.
type AdamW struct {
	enc         *Encoder
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int
	m           [][]float64
	v           [][]float64
}

type adamwFile struct {
	Step int         `json:"step"`
	M    [][]float64 `json:"m"`
	V    [][]float64 `json:"v"`
}

// NewAdamW creates an AdamW optimizer with the usual defaults for betas and
// epsilon.
func NewAdamW(enc *Encoder, lr, weightDecay float64) *AdamW {
	return &AdamW{
		enc:         enc,
		lr:          lr,
		beta1:       0.9,
		beta2:       0.999,
		eps:         1e-8,
		weightDecay: weightDecay,
		m:           zerosLike(enc.Weights()),
		v:           zerosLike(enc.Weights()),
	}
}

// Step applies one update from the encoder's accumulated gradients.
func (o *AdamW) Step() error {
	o.step++
	weights := o.enc.Weights()
	grads := o.enc.Grads()
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for i := range weights {
		w := weights[i]
		g := grads[i]
		m := o.m[i]
		v := o.v[i]
		for d := range w {
			m[d] = o.beta1*m[d] + (1-o.beta1)*g[d]
			v[d] = o.beta2*v[d] + (1-o.beta2)*g[d]*g[d]
			mHat := m[d] / bc1
			vHat := v[d] / bc2
			w[d] -= o.lr * (mHat/(math.Sqrt(vHat)+o.eps) + o.weightDecay*w[d])
		}
	}
	return nil
}

// LR returns the current learning rate.
func (o *AdamW) LR() float64 { return o.lr }

// SetLR sets the learning rate; called by schedulers.
func (o *AdamW) SetLR(lr float64) { o.lr = lr }

// Save writes the optimizer moments as JSON.
func (o *AdamW) Save(path string) error {
	data, err := json.Marshal(adamwFile{Step: o.step, M: o.m, V: o.v})
	if err != nil {
		return fmt.Errorf("marshal optimizer state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores optimizer moments written by Save.
func (o *AdamW) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read optimizer state: %w", err)
	}
	var file adamwFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse optimizer state %s: %w", path, err)
	}
	o.step = file.Step
	o.m = file.M
	o.v = file.V
	return nil
}

// SGD implements stochastic gradient descent with momentum over the
// encoder's embedding table.
type SGD struct {
	enc      *Encoder
	lr       float64
	momentum float64
	velocity [][]float64
}

type sgdFile struct {
	Velocity [][]float64 `json:"velocity"`
}

// NewSGD creates an SGD optimizer.
func NewSGD(enc *Encoder, lr, momentum float64) *SGD {
	return &SGD{
		enc:      enc,
		lr:       lr,
		momentum: momentum,
		velocity: zerosLike(enc.Weights()),
	}
}

// Step applies one update from the encoder's accumulated gradients.
func (o *SGD) Step() error {
	weights := o.enc.Weights()
	grads := o.enc.Grads()
	for i := range weights {
		w := weights[i]
		g := grads[i]
		vel := o.velocity[i]
		for d := range w {
			vel[d] = o.momentum*vel[d] + g[d]
			w[d] -= o.lr * vel[d]
		}
	}
	return nil
}

// LR returns the current learning rate.
func (o *SGD) LR() float64 { return o.lr }

// SetLR sets the learning rate; called by schedulers.
func (o *SGD) SetLR(lr float64) { o.lr = lr }

// Save writes the optimizer velocity as JSON.
func (o *SGD) Save(path string) error {
	data, err := json.Marshal(sgdFile{Velocity: o.velocity})
	if err != nil {
		return fmt.Errorf("marshal optimizer state: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Load restores optimizer velocity written by Save.
func (o *SGD) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read optimizer state: %w", err)
	}
	var file sgdFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse optimizer state %s: %w", path, err)
	}
	o.velocity = file.Velocity
	return nil
}

func zerosLike(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
	}
	return out
}
