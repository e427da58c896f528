// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imclassify/metrics"
	"github.com/gomlx/imclassify/models"
)

func newTestModel(t *testing.T) models.Trainable {
	t.Helper()
	model, err := models.NewModel(models.Config{
		Name: "linear", NumClasses: 2, InputSize: 2, Seed: 1,
	})
	require.NoError(t, err)
	return model
}

func TestBuilderValidates(t *testing.T) {
	_, err := Build(t.TempDir()).Monitor("").Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).Mode("sideways").Done()
	require.Error(t, err)
	_, err = Build(t.TempDir()).Patience(-1).Done()
	require.Error(t, err)

	m, err := Build(t.TempDir()).Monitor("val_acc@1").Mode(ModeMax).Patience(3).Done()
	require.NoError(t, err)
	assert.Equal(t, "val_acc@1", m.Monitor())
}

func TestConsiderMaxModeSequence(t *testing.T) {
	m, err := Build(t.TempDir()).Monitor("val_acc@1").Mode(ModeMax).Done()
	require.NoError(t, err)
	model := newTestModel(t)

	// 0.70 improves, 0.65 doesn't, 0.72 improves, 0.72 ties (kept earlier).
	wantSaved := []bool{true, false, true, false}
	for epoch, value := range []float64{0.70, 0.65, 0.72, 0.72} {
		saved, err := m.Consider(epoch, metrics.Values{"val_acc@1": value}, model)
		require.NoError(t, err)
		assert.Equal(t, wantSaved[epoch], saved, "epoch %d", epoch)
	}

	best, epoch, ok := m.Best()
	require.True(t, ok)
	assert.Equal(t, 0.72, best)
	assert.Equal(t, 2, epoch, "tie must keep the earlier epoch")

	record, err := Load(m.BestFile())
	require.NoError(t, err)
	assert.Equal(t, 2, record.Epoch)
	assert.Equal(t, 0.72, record.Value)
	assert.Equal(t, "linear", record.Model)
	assert.Len(t, record.Weights, 2)
}

func TestConsiderMinMode(t *testing.T) {
	m, err := Build(t.TempDir()).Monitor("val_loss").Mode(ModeMin).Done()
	require.NoError(t, err)
	model := newTestModel(t)

	saved, err := m.Consider(0, metrics.Values{"val_loss": 1.5}, model)
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = m.Consider(1, metrics.Values{"val_loss": 1.2}, model)
	require.NoError(t, err)
	assert.True(t, saved)
	saved, err = m.Consider(2, metrics.Values{"val_loss": 1.2}, model)
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestConsiderMissingMonitorKey(t *testing.T) {
	m, err := Build(t.TempDir()).Monitor("val_acc@1").Mode(ModeMax).Done()
	require.NoError(t, err)
	_, err = m.Consider(0, metrics.Values{"val_loss": 1.0}, newTestModel(t))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMonitorKeyMissing))
}

func TestPatience(t *testing.T) {
	m, err := Build(t.TempDir()).Monitor("val_acc@1").Mode(ModeMax).Patience(2).Done()
	require.NoError(t, err)
	model := newTestModel(t)

	_, err = m.Consider(0, metrics.Values{"val_acc@1": 0.5}, model)
	require.NoError(t, err)
	assert.False(t, m.PatienceOver())

	_, err = m.Consider(1, metrics.Values{"val_acc@1": 0.4}, model)
	require.NoError(t, err)
	assert.False(t, m.PatienceOver())

	_, err = m.Consider(2, metrics.Values{"val_acc@1": 0.3}, model)
	require.NoError(t, err)
	assert.True(t, m.PatienceOver())

	// An improvement resets the counter.
	_, err = m.Consider(3, metrics.Values{"val_acc@1": 0.6}, model)
	require.NoError(t, err)
	assert.False(t, m.PatienceOver())
}

func TestSaveKeepsOnlyBestFile(t *testing.T) {
	m, err := Build(t.TempDir()).Monitor("val_acc@1").Mode(ModeMax).Done()
	require.NoError(t, err)
	model := newTestModel(t)

	for epoch, value := range []float64{0.1, 0.2, 0.3} {
		_, err := m.Consider(epoch, metrics.Values{"val_acc@1": value}, model)
		require.NoError(t, err)
	}
	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, BestFileName, entries[0].Name())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCheckpointIO))
}
