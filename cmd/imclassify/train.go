// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/imclassify/checkpoints"
	"github.com/gomlx/imclassify/classmap"
	"github.com/gomlx/imclassify/config"
	"github.com/gomlx/imclassify/datasets"
	"github.com/gomlx/imclassify/fsutil"
	"github.com/gomlx/imclassify/metrics"
	"github.com/gomlx/imclassify/models"
	"github.com/gomlx/imclassify/optimizers"
	"github.com/gomlx/imclassify/train"
	"github.com/gomlx/imclassify/transforms"
)

// MetricsFileName is the per-epoch metrics log inside the output directory,
// one JSON object per line.
const MetricsFileName = "metrics.jsonl"

var flagConfig string

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a model from a YAML configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runTraining(ctx, flagConfig)
	},
}

func init() {
	trainCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to the YAML configuration file")
	_ = trainCmd.MarkFlagRequired("config")
	rootCmd.AddCommand(trainCmd)
}

func runTraining(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	runID := uuid.NewString()
	klog.Infof("Starting run %s (%s) from %s", runID, cfg.RunName, configPath)

	cm, err := cfg.Dataset.ClassMap.Build()
	if err != nil {
		return err
	}
	if cfg.Model.NumClasses == 0 {
		cfg.Model.NumClasses = cm.NumClasses()
	}

	trainPipeline, err := transforms.New(cfg.Transform, transforms.ModeTrain)
	if err != nil {
		return err
	}
	evalPipeline, err := transforms.New(cfg.Transform, transforms.ModeEval)
	if err != nil {
		return err
	}

	trainDS, err := datasets.NewImageFolder(cfg.FolderConfig(), "train", cm, trainPipeline)
	if err != nil {
		return err
	}
	trainLoader, err := datasets.NewLoader(trainDS, cfg.Loader)
	if err != nil {
		return err
	}
	klog.Infof("Train split: %d samples, %d classes, %d batches per epoch",
		trainDS.Len(), trainDS.NumClasses(), trainLoader.NumBatches())

	valLoader, err := buildValLoader(cfg, cm, evalPipeline)
	if err != nil {
		return err
	}

	model, err := models.NewModel(cfg.Model)
	if err != nil {
		return err
	}
	opt, err := optimizers.NewSGD(cfg.Trainer.LearningRate, cfg.Trainer.Momentum)
	if err != nil {
		return err
	}
	loss, err := cfg.Loss()
	if err != nil {
		return err
	}

	monitor := cfg.Checkpoint.Monitor
	if valLoader == nil && strings.HasPrefix(monitor, "val_") {
		monitor = "train_" + strings.TrimPrefix(monitor, "val_")
		klog.Warningf("No val split found: monitoring %s instead of %s", monitor, cfg.Checkpoint.Monitor)
	}
	ckpt, err := checkpoints.Build(cfg.OutputDir).
		Monitor(monitor).
		Mode(cfg.Checkpoint.Mode).
		Patience(cfg.Checkpoint.Patience).
		RunID(runID).
		Done()
	if err != nil {
		return err
	}

	trainer, err := train.NewTrainer(cfg.TrainConfig(), model, opt, loss, trainLoader, valLoader, ckpt)
	if err != nil {
		return err
	}
	train.AttachProgressBar(trainer)
	metricsLog, err := attachMetricsLog(trainer, cfg.OutputDir, runID)
	if err != nil {
		return err
	}
	defer metricsLog.Close()

	vals, err := trainer.Run(ctx)
	if err != nil {
		return err
	}
	klog.Infof("Run %s finished: %s", runID, vals)
	if best, epoch, ok := ckpt.Best(); ok {
		klog.Infof("Best %s=%.6f at epoch %d, checkpoint at %s",
			ckpt.Monitor(), best, epoch, ckpt.BestFile())
	}
	return nil
}

// buildValLoader returns nil without error when the dataset has no val
// split. Validation batches are never shuffled or dropped.
func buildValLoader(cfg *config.Config, cm *classmap.ClassMap, pipeline *transforms.Pipeline) (*datasets.Loader, error) {
	root, err := fsutil.ReplaceTildeInDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(filepath.Join(root, "val"))
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	valDS, err := datasets.NewImageFolder(cfg.FolderConfig(), "val", cm, pipeline)
	if err != nil {
		return nil, err
	}
	valCfg := cfg.Loader
	valCfg.Shuffle = false
	valCfg.DropLast = false
	valLoader, err := datasets.NewLoader(valDS, valCfg)
	if err != nil {
		return nil, err
	}
	klog.Infof("Val split: %d samples, %d batches", valDS.Len(), valLoader.NumBatches())
	return valLoader, nil
}

// attachMetricsLog appends one JSON line per epoch to metrics.jsonl in the
// output directory. The caller owns the returned file and must close it,
// also when the run fails mid-epoch.
func attachMetricsLog(trainer *train.Trainer, outputDir, runID string) (*os.File, error) {
	dir, err := fsutil.ReplaceTildeInDir(outputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create output directory %q", dir)
	}
	path := filepath.Join(dir, MetricsFileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open metrics log %q", path)
	}
	encoder := json.NewEncoder(file)
	trainer.OnEpochEnd(train.PriorityLast, "metrics-log", func(t *train.Trainer, epoch int, vals metrics.Values) error {
		return encoder.Encode(map[string]any{
			"run_id":  runID,
			"epoch":   epoch,
			"time":    time.Now().UTC().Format(time.RFC3339),
			"metrics": vals,
		})
	})
	return file, nil
}
