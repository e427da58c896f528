// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"
	"math/rand"

	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/optimizers"
	"github.com/gomlx/imclassify/tensors"
)

// DefaultHiddenDim is the hidden layer width used when the configuration
// leaves it unset.
const DefaultHiddenDim = 128

// MLP flattens the input batch through one ReLU hidden layer:
// logits = relu(x·W1 + b1)·W2 + b2.
type MLP struct {
	inputSize  int
	inputDim   int
	hiddenDim  int
	numClasses int

	w1 []float32 // [inputDim, hiddenDim]
	b1 []float32 // [hiddenDim]
	w2 []float32 // [hiddenDim, numClasses]
	b2 []float32 // [numClasses]
}

func init() {
	Register("mlp", func(cfg Config) (Trainable, error) {
		return NewMLP(cfg), nil
	})
}

// NewMLP builds a one-hidden-layer classifier with uniform random weights.
func NewMLP(cfg Config) *MLP {
	hiddenDim := cfg.HiddenDim
	if hiddenDim <= 0 {
		hiddenDim = DefaultHiddenDim
	}
	inputDim := 3 * cfg.InputSize * cfg.InputSize
	m := &MLP{
		inputSize:  cfg.InputSize,
		inputDim:   inputDim,
		hiddenDim:  hiddenDim,
		numClasses: cfg.NumClasses,
		w1:         make([]float32, inputDim*hiddenDim),
		b1:         make([]float32, hiddenDim),
		w2:         make([]float32, hiddenDim*cfg.NumClasses),
		b2:         make([]float32, cfg.NumClasses),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	initUniform(rng, m.w1, 1/math.Sqrt(float64(inputDim)))
	initUniform(rng, m.w2, 1/math.Sqrt(float64(hiddenDim)))
	return m
}

// Name implements Model.
func (m *MLP) Name() string { return "mlp" }

// NumClasses implements Model.
func (m *MLP) NumClasses() int { return m.numClasses }

// forward computes the hidden activations (post-ReLU) and logits.
func (m *MLP) forward(x []float32, n int) (hidden, logits []float32) {
	hidden = make([]float32, n*m.hiddenDim)
	logits = make([]float32, n*m.numClasses)
	for row := 0; row < n; row++ {
		sample := x[row*m.inputDim : (row+1)*m.inputDim]
		h := hidden[row*m.hiddenDim : (row+1)*m.hiddenDim]
		copy(h, m.b1)
		for i, xi := range sample {
			if xi == 0 {
				continue
			}
			wRow := m.w1[i*m.hiddenDim : (i+1)*m.hiddenDim]
			for j, w := range wRow {
				h[j] += xi * w
			}
		}
		for j := range h {
			if h[j] < 0 {
				h[j] = 0
			}
		}
		out := logits[row*m.numClasses : (row+1)*m.numClasses]
		copy(out, m.b2)
		for j, hj := range h {
			if hj == 0 {
				continue
			}
			wRow := m.w2[j*m.numClasses : (j+1)*m.numClasses]
			for c, w := range wRow {
				out[c] += hj * w
			}
		}
	}
	return hidden, logits
}

// Forward implements Model.
func (m *MLP) Forward(inputs *tensors.Tensor) (*tensors.Tensor, error) {
	n, _, err := flattenBatch(inputs, m.inputSize)
	if err != nil {
		return nil, err
	}
	_, logits := m.forward(inputs.Flat(), n)
	return tensors.FromFlatData(logits, n, m.numClasses)
}

// TrainStep implements Trainable.
func (m *MLP) TrainStep(inputs *tensors.Tensor, labels []int32, loss *losses.CrossEntropy, opt optimizers.Optimizer) (float64, *tensors.Tensor, error) {
	n, _, err := flattenBatch(inputs, m.inputSize)
	if err != nil {
		return 0, nil, err
	}
	x := inputs.Flat()
	hidden, logitsFlat := m.forward(x, n)
	logits, err := tensors.FromFlatData(logitsFlat, n, m.numClasses)
	if err != nil {
		return 0, nil, err
	}
	lossValue, gradLogits, err := loss.LossAndGrad(logits, labels)
	if err != nil {
		return 0, nil, err
	}

	gradW1 := make([]float32, len(m.w1))
	gradB1 := make([]float32, len(m.b1))
	gradW2 := make([]float32, len(m.w2))
	gradB2 := make([]float32, len(m.b2))
	g := gradLogits.Flat()
	gradHidden := make([]float32, m.hiddenDim)
	for row := 0; row < n; row++ {
		sample := x[row*m.inputDim : (row+1)*m.inputDim]
		h := hidden[row*m.hiddenDim : (row+1)*m.hiddenDim]
		gRow := g[row*m.numClasses : (row+1)*m.numClasses]

		for c, gc := range gRow {
			gradB2[c] += gc
		}
		for j, hj := range h {
			gw2Row := gradW2[j*m.numClasses : (j+1)*m.numClasses]
			w2Row := m.w2[j*m.numClasses : (j+1)*m.numClasses]
			var gh float32
			for c, gc := range gRow {
				if hj != 0 {
					gw2Row[c] += hj * gc
				}
				gh += w2Row[c] * gc
			}
			// ReLU gate: gradient passes only where the unit fired.
			if h[j] > 0 {
				gradHidden[j] = gh
			} else {
				gradHidden[j] = 0
			}
		}
		for j, gh := range gradHidden {
			if gh != 0 {
				gradB1[j] += gh
			}
		}
		for i, xi := range sample {
			if xi == 0 {
				continue
			}
			gw1Row := gradW1[i*m.hiddenDim : (i+1)*m.hiddenDim]
			for j, gh := range gradHidden {
				if gh != 0 {
					gw1Row[j] += xi * gh
				}
			}
		}
	}
	err = opt.Step(
		[][]float32{m.w1, m.b1, m.w2, m.b2},
		[][]float32{gradW1, gradB1, gradW2, gradB2})
	if err != nil {
		return 0, nil, err
	}
	return lossValue, logits, nil
}

// Weights implements Model.
func (m *MLP) Weights() []Weight {
	return []Weight{
		{Name: "mlp/w1", Dims: []int{m.inputDim, m.hiddenDim}, Data: m.w1},
		{Name: "mlp/b1", Dims: []int{m.hiddenDim}, Data: m.b1},
		{Name: "mlp/w2", Dims: []int{m.hiddenDim, m.numClasses}, Data: m.w2},
		{Name: "mlp/b2", Dims: []int{m.numClasses}, Data: m.b2},
	}
}

// LoadWeights implements Model.
func (m *MLP) LoadWeights(weights []Weight) error {
	return matchWeights(weights, map[string][]float32{
		"mlp/w1": m.w1,
		"mlp/b1": m.b1,
		"mlp/w2": m.w2,
		"mlp/b2": m.b2,
	})
}
