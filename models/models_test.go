// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/optimizers"
	"github.com/gomlx/imclassify/tensors"
)

func testConfig(name string) Config {
	return Config{Name: name, NumClasses: 3, InputSize: 4, HiddenDim: 8, Seed: 17}
}

// randomBatch builds a deterministic [n, 3, size, size] batch.
func randomBatch(t *testing.T, n, size int) *tensors.Tensor {
	t.Helper()
	flat := make([]float32, n*3*size*size)
	v := float32(0.1)
	for i := range flat {
		flat[i] = v
		v += 0.013
		if v > 1 {
			v -= 1
		}
	}
	batch, err := tensors.FromFlatData(flat, n, 3, size, size)
	require.NoError(t, err)
	return batch
}

func TestRegistry(t *testing.T) {
	assert.Equal(t, []string{"linear", "mlp"}, Names())

	_, err := NewModel(Config{Name: "resnet50", NumClasses: 2, InputSize: 4})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownModel))

	_, err = NewModel(Config{Name: "linear", NumClasses: 0, InputSize: 4})
	require.Error(t, err)
	_, err = NewModel(Config{Name: "linear", NumClasses: 2, InputSize: 0})
	require.Error(t, err)
}

func TestForwardShapes(t *testing.T) {
	for _, name := range Names() {
		model, err := NewModel(testConfig(name))
		require.NoError(t, err, name)
		logits, err := model.Forward(randomBatch(t, 5, 4))
		require.NoError(t, err, name)
		assert.Equal(t, []int{5, 3}, logits.Shape(), name)

		_, err = model.Forward(randomBatch(t, 2, 8))
		require.Error(t, err, name)
		assert.True(t, errors.Is(err, ErrForward), name)

		_, err = model.Forward(nil)
		require.Error(t, err, name)
	}
}

func TestSeedDeterminism(t *testing.T) {
	cfg := testConfig("mlp")
	a, err := NewModel(cfg)
	require.NoError(t, err)
	b, err := NewModel(cfg)
	require.NoError(t, err)
	batch := randomBatch(t, 2, 4)
	la, err := a.Forward(batch)
	require.NoError(t, err)
	lb, err := b.Forward(batch)
	require.NoError(t, err)
	assert.True(t, la.Equal(lb), "same seed must give identical initial models")
}

func TestTrainStepReducesLoss(t *testing.T) {
	for _, name := range Names() {
		model, err := NewModel(testConfig(name))
		require.NoError(t, err, name)
		loss, err := losses.NewCrossEntropy(0)
		require.NoError(t, err)
		opt, err := optimizers.NewSGD(0.1, 0.9)
		require.NoError(t, err)

		batch := randomBatch(t, 4, 4)
		labels := []int32{0, 1, 2, 0}
		first, logits, err := model.TrainStep(batch, labels, loss, opt)
		require.NoError(t, err, name)
		assert.Equal(t, []int{4, 3}, logits.Shape(), name)
		var last float64
		for i := 0; i < 30; i++ {
			last, _, err = model.TrainStep(batch, labels, loss, opt)
			require.NoError(t, err, name)
		}
		assert.Less(t, last, first, "%s: training on a fixed batch must reduce its loss", name)
	}
}

func TestWeightsRoundTrip(t *testing.T) {
	for _, name := range Names() {
		cfg := testConfig(name)
		model, err := NewModel(cfg)
		require.NoError(t, err, name)

		// Copy weights into a fresh model with a different seed.
		exported := make([]Weight, 0)
		for _, w := range model.Weights() {
			w.Data = append([]float32(nil), w.Data...)
			exported = append(exported, w)
		}
		cfg.Seed = 99
		other, err := NewModel(cfg)
		require.NoError(t, err, name)
		require.NoError(t, other.LoadWeights(exported), name)

		batch := randomBatch(t, 3, 4)
		la, err := model.Forward(batch)
		require.NoError(t, err)
		lb, err := other.Forward(batch)
		require.NoError(t, err)
		assert.True(t, la.Equal(lb), name)
	}
}

func TestLoadWeightsRejectsMismatch(t *testing.T) {
	model, err := NewModel(testConfig("linear"))
	require.NoError(t, err)
	require.Error(t, model.LoadWeights(nil))
	require.Error(t, model.LoadWeights([]Weight{
		{Name: "linear/weight", Dims: []int{1}, Data: []float32{1}},
		{Name: "linear/bias", Dims: []int{3}, Data: []float32{1, 2, 3}},
	}))
	require.Error(t, model.LoadWeights([]Weight{
		{Name: "other/weight", Dims: []int{48, 3}, Data: make([]float32, 144)},
		{Name: "linear/bias", Dims: []int{3}, Data: []float32{1, 2, 3}},
	}))
}

func TestPretrainedLoading(t *testing.T) {
	cfg := testConfig("linear")
	model, err := NewModel(cfg)
	require.NoError(t, err)

	data, err := json.Marshal(model.Weights())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "weights.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg.Seed = 5
	cfg.Pretrained = true
	cfg.PretrainedPath = path
	loaded, err := NewModel(cfg)
	require.NoError(t, err)

	batch := randomBatch(t, 2, 4)
	la, err := model.Forward(batch)
	require.NoError(t, err)
	lb, err := loaded.Forward(batch)
	require.NoError(t, err)
	assert.True(t, la.Equal(lb))

	cfg.PretrainedPath = ""
	_, err = NewModel(cfg)
	require.Error(t, err)
}
