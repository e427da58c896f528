// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/janpfeifer/must"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/imclassify/checkpoints"
	"github.com/gomlx/imclassify/classmap"
	"github.com/gomlx/imclassify/config"
	"github.com/gomlx/imclassify/datasets"
	"github.com/gomlx/imclassify/models"
	"github.com/gomlx/imclassify/transforms"
)

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print a commented starting-point configuration to stdout",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := &config.Config{
			RunName:   "animals-mlp",
			OutputDir: "output/animals-mlp",
			Seed:      42,
			DataDir: "~/datasets/animals",
			Dataset: config.DatasetSection{
				ClassMap: config.ClassMapSource{
					Classes: map[int32]classmap.LabelSet{
						0: {"cat", "kitten"},
						1: {"dog"},
					},
				},
				Engine:        "imaging",
				OnDecodeError: datasets.FailOnDecodeError,
			},
			Transform: transforms.Config{
				ImgSize:       64,
				Crop:          "random",
				Scale:         [2]float64{0.5, 1.0},
				Ratio:         [2]float64{0.75, 1.333},
				HFlip:         0.5,
				Interpolation: "bilinear",
			},
			Loader: datasets.LoaderConfig{
				BatchSize:  32,
				Shuffle:    true,
				NumWorkers: 4,
			},
			Model: models.Config{
				Name:      "mlp",
				HiddenDim: 128,
			},
			Trainer: config.TrainerSection{
				MaxEpochs:    20,
				LogEvery:     0.25,
				TopK:         []int{1, 2},
				LossFnArgs:   map[string]any{"label_smoothing": 0.1},
				LearningRate: 0.01,
				Momentum:     0.9,
			},
			Checkpoint: config.CheckpointSection{
				Monitor:  "val_acc@1",
				Mode:     checkpoints.ModeMax,
				Patience: 5,
			},
		}
		fmt.Printf("# Available models: %v\n", models.Names())
		fmt.Printf("# Available decode engines: %v\n", datasets.EngineNames())
		fmt.Print(string(must.M1(yaml.Marshal(cfg))))
	},
}

func init() {
	rootCmd.AddCommand(exampleConfigCmd)
}
