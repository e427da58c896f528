// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models defines the model interface, the registry of model
// builders and the built-in reference classifiers.
//
// New architectures register a builder under a name with Register; NewModel
// then instantiates them from a Config. The builtin models are "linear"
// (flatten + single affine layer) and "mlp" (one ReLU hidden layer).
package models

import (
	"encoding/json"
	"math/rand"
	"os"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/optimizers"
	"github.com/gomlx/imclassify/tensors"
)

var (
	// ErrForward is wrapped by errors returned from a failing forward pass,
	// typically a shape mismatch between the batch and the model.
	ErrForward = errors.New("model forward pass failed")

	// ErrUnknownModel is returned by NewModel for unregistered names.
	ErrUnknownModel = errors.New("unknown model name")
)

// Weight is one named parameter tensor in its serialized form.
type Weight struct {
	Name string    `json:"name"`
	Dims []int     `json:"shape"`
	Data []float32 `json:"data"`
}

// Model is an image classifier over [n, 3, H, W] input batches.
type Model interface {
	// Name returns the registered architecture name.
	Name() string

	// NumClasses returns the size of the logits axis.
	NumClasses() int

	// Forward computes [n, NumClasses] logits for a [n, 3, H, W] batch.
	Forward(inputs *tensors.Tensor) (*tensors.Tensor, error)

	// Weights exports all parameters. The returned slices share storage
	// with the model.
	Weights() []Weight

	// LoadWeights replaces the parameters from a previously exported set.
	// Names and shapes must match exactly.
	LoadWeights(weights []Weight) error
}

// Trainable is a Model that can update itself from labeled batches.
type Trainable interface {
	Model

	// TrainStep runs forward, loss, backward and one optimizer step,
	// returning the batch loss and the pre-update logits.
	TrainStep(inputs *tensors.Tensor, labels []int32, loss *losses.CrossEntropy, opt optimizers.Optimizer) (float64, *tensors.Tensor, error)
}

// Config selects and parameterizes a model.
type Config struct {
	// Name of the registered architecture, e.g. "linear" or "mlp".
	Name string `yaml:"model_name"`

	// NumClasses of the output layer. Filled from the class map when 0.
	NumClasses int `yaml:"num_classes"`

	// InputSize is the square image size the model is built for; the
	// flattened input dimension is 3*InputSize*InputSize.
	InputSize int `yaml:"input_size"`

	// HiddenDim is the hidden layer width for architectures that have one.
	HiddenDim int `yaml:"hidden_dim"`

	// Pretrained loads initial weights from PretrainedPath when true.
	Pretrained bool `yaml:"weights"`

	// PretrainedPath is a JSON weights file, see LoadWeightsFile.
	PretrainedPath string `yaml:"weights_path"`

	// Seed drives the random weight initialization.
	Seed int64 `yaml:"seed"`
}

// BuilderFn creates a model from its configuration.
type BuilderFn func(cfg Config) (Trainable, error)

var builders = map[string]BuilderFn{}

// Register adds a model builder under the given name. It panics if the
// name is already taken. Meant to be called from init functions.
func Register(name string, fn BuilderFn) {
	if _, found := builders[name]; found {
		panic(errors.Errorf("models: model %q registered twice", name))
	}
	builders[name] = fn
}

// Names lists the registered model names, sorted.
func Names() []string {
	names := maps.Keys(builders)
	sort.Strings(names)
	return names
}

// NewModel builds the model named in cfg, loading pretrained weights if
// configured.
func NewModel(cfg Config) (Trainable, error) {
	fn, found := builders[cfg.Name]
	if !found {
		return nil, errors.Wrapf(ErrUnknownModel, "%q, known models are %v", cfg.Name, Names())
	}
	if cfg.NumClasses <= 0 {
		return nil, errors.Errorf("models: num_classes must be positive, got %d", cfg.NumClasses)
	}
	if cfg.InputSize <= 0 {
		return nil, errors.Errorf("models: input_size must be positive, got %d", cfg.InputSize)
	}
	model, err := fn(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Pretrained {
		if cfg.PretrainedPath == "" {
			return nil, errors.Errorf("models: pretrained=true requires pretrained_path for model %q", cfg.Name)
		}
		weights, err := LoadWeightsFile(cfg.PretrainedPath)
		if err != nil {
			return nil, err
		}
		if err := model.LoadWeights(weights); err != nil {
			return nil, errors.WithMessagef(err, "models: pretrained weights from %q", cfg.PretrainedPath)
		}
	}
	return model, nil
}

// LoadWeightsFile reads a JSON weights file: a list of {name, shape, data}
// objects.
func LoadWeightsFile(path string) ([]Weight, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "models: failed to read weights from %q", path)
	}
	var weights []Weight
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, errors.Wrapf(err, "models: failed to parse weights from %q", path)
	}
	return weights, nil
}

// matchWeights maps exported weights back onto named parameter buffers,
// validating names and sizes.
func matchWeights(weights []Weight, params map[string][]float32) error {
	if len(weights) != len(params) {
		return errors.Errorf("models: got %d weight tensors, want %d", len(weights), len(params))
	}
	for _, w := range weights {
		dst, found := params[w.Name]
		if !found {
			return errors.Errorf("models: unexpected weight tensor %q", w.Name)
		}
		size := 1
		for _, dim := range w.Dims {
			size *= dim
		}
		if size != len(dst) || len(w.Data) != len(dst) {
			return errors.Errorf("models: weight %q has shape %v (%d values), want %d values",
				w.Name, w.Dims, len(w.Data), len(dst))
		}
		copy(dst, w.Data)
	}
	return nil
}

// initUniform fills buf with values uniform in [-scale, scale).
func initUniform(rng *rand.Rand, buf []float32, scale float64) {
	for i := range buf {
		buf[i] = float32((2*rng.Float64() - 1) * scale)
	}
}

// flattenBatch checks a [n, 3, size, size] batch and returns n and the
// flattened per-sample dimension.
func flattenBatch(inputs *tensors.Tensor, inputSize int) (n, dim int, err error) {
	if inputs == nil {
		return 0, 0, errors.Wrap(ErrForward, "nil inputs")
	}
	if inputs.Rank() != 4 || inputs.Dim(1) != 3 || inputs.Dim(2) != inputSize || inputs.Dim(3) != inputSize {
		return 0, 0, errors.Wrapf(ErrForward, "batch shape %v, want [n 3 %d %d]",
			inputs.Shape(), inputSize, inputSize)
	}
	return inputs.Dim(0), 3 * inputSize * inputSize, nil
}
