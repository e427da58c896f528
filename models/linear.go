// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"
	"math/rand"

	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/optimizers"
	"github.com/gomlx/imclassify/tensors"
)

// Linear flattens the input batch and applies a single affine layer:
// logits = x·W + b.
type Linear struct {
	inputSize  int
	inputDim   int
	numClasses int

	// weight is [inputDim, numClasses] row-major, bias is [numClasses].
	weight []float32
	bias   []float32
}

func init() {
	Register("linear", func(cfg Config) (Trainable, error) {
		return NewLinear(cfg), nil
	})
}

// NewLinear builds a linear classifier with uniform random weights.
func NewLinear(cfg Config) *Linear {
	inputDim := 3 * cfg.InputSize * cfg.InputSize
	m := &Linear{
		inputSize:  cfg.InputSize,
		inputDim:   inputDim,
		numClasses: cfg.NumClasses,
		weight:     make([]float32, inputDim*cfg.NumClasses),
		bias:       make([]float32, cfg.NumClasses),
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	initUniform(rng, m.weight, 1/math.Sqrt(float64(inputDim)))
	return m
}

// Name implements Model.
func (m *Linear) Name() string { return "linear" }

// NumClasses implements Model.
func (m *Linear) NumClasses() int { return m.numClasses }

// Forward implements Model.
func (m *Linear) Forward(inputs *tensors.Tensor) (*tensors.Tensor, error) {
	n, _, err := flattenBatch(inputs, m.inputSize)
	if err != nil {
		return nil, err
	}
	logits := tensors.FromShape(n, m.numClasses)
	m.forwardInto(inputs.Flat(), logits.Flat(), n)
	return logits, nil
}

func (m *Linear) forwardInto(x, out []float32, n int) {
	for row := 0; row < n; row++ {
		sample := x[row*m.inputDim : (row+1)*m.inputDim]
		rowOut := out[row*m.numClasses : (row+1)*m.numClasses]
		copy(rowOut, m.bias)
		for i, xi := range sample {
			if xi == 0 {
				continue
			}
			wRow := m.weight[i*m.numClasses : (i+1)*m.numClasses]
			for c, w := range wRow {
				rowOut[c] += xi * w
			}
		}
	}
}

// TrainStep implements Trainable.
func (m *Linear) TrainStep(inputs *tensors.Tensor, labels []int32, loss *losses.CrossEntropy, opt optimizers.Optimizer) (float64, *tensors.Tensor, error) {
	logits, err := m.Forward(inputs)
	if err != nil {
		return 0, nil, err
	}
	lossValue, gradLogits, err := loss.LossAndGrad(logits, labels)
	if err != nil {
		return 0, nil, err
	}

	n := logits.Dim(0)
	x := inputs.Flat()
	g := gradLogits.Flat()
	gradW := make([]float32, len(m.weight))
	gradB := make([]float32, len(m.bias))
	for row := 0; row < n; row++ {
		sample := x[row*m.inputDim : (row+1)*m.inputDim]
		gRow := g[row*m.numClasses : (row+1)*m.numClasses]
		for c, gc := range gRow {
			gradB[c] += gc
		}
		for i, xi := range sample {
			if xi == 0 {
				continue
			}
			gwRow := gradW[i*m.numClasses : (i+1)*m.numClasses]
			for c, gc := range gRow {
				gwRow[c] += xi * gc
			}
		}
	}
	if err := opt.Step([][]float32{m.weight, m.bias}, [][]float32{gradW, gradB}); err != nil {
		return 0, nil, err
	}
	return lossValue, logits, nil
}

// Weights implements Model.
func (m *Linear) Weights() []Weight {
	return []Weight{
		{Name: "linear/weight", Dims: []int{m.inputDim, m.numClasses}, Data: m.weight},
		{Name: "linear/bias", Dims: []int{m.numClasses}, Data: m.bias},
	}
}

// LoadWeights implements Model.
func (m *Linear) LoadWeights(weights []Weight) error {
	return matchWeights(weights, map[string][]float32{
		"linear/weight": m.weight,
		"linear/bias":   m.bias,
	})
}
