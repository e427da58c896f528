// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imclassify/checkpoints"
)

// buildSplit creates root/<split>/<label>/img-*.png with class-colored
// pixels so a linear model has something learnable.
func buildSplit(t *testing.T, root, split string, perClass int) {
	t.Helper()
	for classIdx, label := range []string{"cat", "dog"} {
		dir := filepath.Join(root, split, label)
		require.NoError(t, os.MkdirAll(dir, 0755))
		for i := 0; i < perClass; i++ {
			img := image.NewNRGBA(image.Rect(0, 0, 12, 12))
			for y := 0; y < 12; y++ {
				for x := 0; x < 12; x++ {
					img.SetNRGBA(x, y, color.NRGBA{
						R: uint8(200 * classIdx),
						G: uint8(200 * (1 - classIdx)),
						B: uint8((x + y + i) * 10 % 256),
						A: 255,
					})
				}
			}
			file, err := os.Create(filepath.Join(dir, fmt.Sprintf("img-%02d.png", i)))
			require.NoError(t, err)
			require.NoError(t, png.Encode(file, img))
			require.NoError(t, file.Close())
		}
	}
}

func writeRunConfig(t *testing.T, dataDir, outputDir string) string {
	t.Helper()
	content := fmt.Sprintf(`
run_name: cmd-test
output: %s
seed: 7
data_dir: %s
dataset:
  class_map:
    0: cat
    1: dog
transform:
  img_size: 12
loader:
  batch_size: 4
  shuffle: true
model:
  model_name: linear
trainer:
  max_epochs: 2
  top_k: [1]
model_checkpoint:
  monitor: val_acc@1
  mode: max
`, outputDir, dataDir)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// Without a val split the checkpoint monitor falls back to the matching
// train metric instead of disabling checkpointing.
func TestTrainWithoutValSplit(t *testing.T) {
	dataDir := t.TempDir()
	buildSplit(t, dataDir, "train", 6)
	outputDir := filepath.Join(t.TempDir(), "out")

	err := runTraining(context.Background(), writeRunConfig(t, dataDir, outputDir))
	require.NoError(t, err)

	record, err := checkpoints.Load(filepath.Join(outputDir, checkpoints.BestFileName))
	require.NoError(t, err)
	assert.Equal(t, "train_acc@1", record.Monitor)
	assert.Equal(t, "linear", record.Model)

	file, err := os.Open(filepath.Join(outputDir, MetricsFileName))
	require.NoError(t, err)
	defer file.Close()
	var lines int
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.Contains(t, entry, "metrics")
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, lines)
}

func TestTrainWithValSplit(t *testing.T) {
	dataDir := t.TempDir()
	buildSplit(t, dataDir, "train", 6)
	buildSplit(t, dataDir, "val", 4)
	outputDir := filepath.Join(t.TempDir(), "out")

	err := runTraining(context.Background(), writeRunConfig(t, dataDir, outputDir))
	require.NoError(t, err)

	record, err := checkpoints.Load(filepath.Join(outputDir, checkpoints.BestFileName))
	require.NoError(t, err)
	assert.Equal(t, "val_acc@1", record.Monitor)
}
