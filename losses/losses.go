// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the training losses.
//
// The only loss for now is sparse categorical cross-entropy with optional
// label smoothing, computed from raw logits with a numerically stable
// log-softmax.
package losses

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/imclassify/tensors"
)

// CrossEntropy is sparse categorical cross-entropy over raw logits.
type CrossEntropy struct {
	// LabelSmoothing in [0, 1) redistributes that fraction of each
	// one-hot target uniformly over all classes.
	LabelSmoothing float64
}

// NewCrossEntropy validates the smoothing factor and builds the loss.
func NewCrossEntropy(labelSmoothing float64) (*CrossEntropy, error) {
	if labelSmoothing < 0 || labelSmoothing >= 1 {
		return nil, errors.Errorf("losses: label smoothing must be in [0, 1), got %v", labelSmoothing)
	}
	return &CrossEntropy{LabelSmoothing: labelSmoothing}, nil
}

// FromArgs builds the loss from the configuration's loss_fn_args mapping.
// The mapping is handed over as parsed from YAML; unknown argument names
// and wrong value types are errors.
func FromArgs(args map[string]any) (*CrossEntropy, error) {
	labelSmoothing := 0.0
	for name, value := range args {
		switch name {
		case "label_smoothing":
			switch v := value.(type) {
			case float64:
				labelSmoothing = v
			case int:
				labelSmoothing = float64(v)
			default:
				return nil, errors.Errorf("losses: label_smoothing must be a number, got %T", value)
			}
		default:
			return nil, errors.Errorf("losses: unknown loss argument %q", name)
		}
	}
	return NewCrossEntropy(labelSmoothing)
}

// Loss returns the mean cross-entropy of a [n, numClasses] logits tensor
// against n class ids.
func (ce *CrossEntropy) Loss(logits *tensors.Tensor, labels []int32) (float64, error) {
	loss, _, err := ce.lossAndMaybeGrad(logits, labels, false)
	return loss, err
}

// LossAndGrad returns the mean loss and d(loss)/d(logits), a tensor with
// the same shape as logits. For softmax cross-entropy the gradient is
// (softmax(logits) - smoothedTarget) / n.
func (ce *CrossEntropy) LossAndGrad(logits *tensors.Tensor, labels []int32) (float64, *tensors.Tensor, error) {
	return ce.lossAndMaybeGrad(logits, labels, true)
}

func (ce *CrossEntropy) lossAndMaybeGrad(logits *tensors.Tensor, labels []int32, wantGrad bool) (float64, *tensors.Tensor, error) {
	if logits == nil {
		return 0, nil, errors.New("losses: nil logits")
	}
	if logits.Rank() != 2 {
		return 0, nil, errors.Errorf("losses: logits must be rank 2, got shape %v", logits.Shape())
	}
	n, numClasses := logits.Dim(0), logits.Dim(1)
	if len(labels) != n {
		return 0, nil, errors.Errorf("losses: %d labels for %d logit rows", len(labels), n)
	}

	var grad *tensors.Tensor
	var gradFlat []float32
	if wantGrad {
		grad = tensors.FromShape(n, numClasses)
		gradFlat = grad.Flat()
	}
	flat := logits.Flat()
	smooth := ce.LabelSmoothing
	offTarget := smooth / float64(numClasses)
	onTarget := 1 - smooth + offTarget

	var total float64
	for row := 0; row < n; row++ {
		label := int(labels[row])
		if label < 0 || label >= numClasses {
			return 0, nil, errors.Errorf("losses: label %d out of range for %d classes", label, numClasses)
		}
		rowLogits := flat[row*numClasses : (row+1)*numClasses]

		maxLogit := float64(rowLogits[0])
		for _, v := range rowLogits[1:] {
			if float64(v) > maxLogit {
				maxLogit = float64(v)
			}
		}
		var sumExp float64
		for _, v := range rowLogits {
			sumExp += math.Exp(float64(v) - maxLogit)
		}
		logSumExp := math.Log(sumExp) + maxLogit

		for c, v := range rowLogits {
			logProb := float64(v) - logSumExp
			target := offTarget
			if c == label {
				target = onTarget
			}
			total -= target * logProb
			if wantGrad {
				prob := math.Exp(logProb)
				gradFlat[row*numClasses+c] = float32((prob - target) / float64(n))
			}
		}
	}
	return total / float64(n), grad, nil
}
