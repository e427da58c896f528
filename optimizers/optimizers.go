// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the parameter update rules.
package optimizers

import (
	"github.com/pkg/errors"
)

// Optimizer applies one update step to a flat list of parameter buffers
// given their gradients. Parameter buffers are updated in place.
type Optimizer interface {
	Step(params, grads [][]float32) error
}

// SGD is stochastic gradient descent with optional classical momentum.
type SGD struct {
	LearningRate float64
	Momentum     float64

	velocity [][]float32
}

// NewSGD validates the hyperparameters and builds the optimizer.
func NewSGD(learningRate, momentum float64) (*SGD, error) {
	if learningRate <= 0 {
		return nil, errors.Errorf("optimizers: learning rate must be positive, got %v", learningRate)
	}
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("optimizers: momentum must be in [0, 1), got %v", momentum)
	}
	return &SGD{LearningRate: learningRate, Momentum: momentum}, nil
}

// Step updates every parameter buffer in place. The params layout (count
// and lengths) must stay the same across calls so momentum buffers line up.
func (s *SGD) Step(params, grads [][]float32) error {
	if len(params) != len(grads) {
		return errors.Errorf("optimizers: %d parameter buffers but %d gradient buffers", len(params), len(grads))
	}
	if s.Momentum > 0 && s.velocity == nil {
		s.velocity = make([][]float32, len(params))
		for i, p := range params {
			s.velocity[i] = make([]float32, len(p))
		}
	}
	if s.velocity != nil && len(s.velocity) != len(params) {
		return errors.Errorf("optimizers: parameter layout changed from %d to %d buffers", len(s.velocity), len(params))
	}
	lr := float32(s.LearningRate)
	mu := float32(s.Momentum)
	for i, p := range params {
		g := grads[i]
		if len(g) != len(p) {
			return errors.Errorf("optimizers: buffer %d has %d parameters but %d gradients", i, len(p), len(g))
		}
		if s.velocity == nil {
			for j := range p {
				p[j] -= lr * g[j]
			}
			continue
		}
		v := s.velocity[i]
		if len(v) != len(p) {
			return errors.Errorf("optimizers: buffer %d changed size from %d to %d", i, len(v), len(p))
		}
		for j := range p {
			v[j] = mu*v[j] + g[j]
			p[j] -= lr * v[j]
		}
	}
	return nil
}
