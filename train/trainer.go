// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the training loop.
//
// A Trainer drives a Trainable model through epochs of a training Loader,
// each followed by a validation pass and a checkpoint decision. It moves
// through the states Init -> Training -> Validating -> Checkpointing and
// back to Training until the configured number of epochs is done (or
// patience runs out), and lands in Done or, on any error, in Failed.
//
// Hooks attach extra behavior, like the command line progress bar, at
// epoch start, every training step, epoch end and run end.
package train

import (
	"context"
	"io"
	"math"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imclassify/checkpoints"
	"github.com/gomlx/imclassify/datasets"
	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/metrics"
	"github.com/gomlx/imclassify/models"
	"github.com/gomlx/imclassify/optimizers"
)

// ErrNaNLoss is returned by Run when a training step produces a NaN or
// infinite loss.
var ErrNaNLoss = errors.New("training loss diverged to NaN or Inf")

// State of the trainer, see the package documentation for the transitions.
type State int

const (
	StateInit State = iota
	StateTraining
	StateValidating
	StateCheckpointing
	StateDone
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateTraining:
		return "Training"
	case StateValidating:
		return "Validating"
	case StateCheckpointing:
		return "Checkpointing"
	case StateDone:
		return "Done"
	case StateFailed:
		return "Failed"
	}
	return "Unknown"
}

// Config configures the training loop itself. Model, optimizer and data
// are passed to NewTrainer separately.
type Config struct {
	// MaxEpochs to train for. Required, > 0.
	MaxEpochs int `yaml:"max_epochs"`

	// LogEvery is the fraction of an epoch between progress log lines,
	// e.g. 0.25 logs four times per epoch. 0 disables intra-epoch logs.
	LogEvery float64 `yaml:"log_every"`

	// TopK lists the k values tracked as accuracy metrics for both splits.
	// Defaults to [1].
	TopK []int `yaml:"top_k"`
}

// OnEpochStartFn runs when an epoch starts.
type OnEpochStartFn func(trainer *Trainer, epoch int) error

// OnStepFn runs after every training step.
type OnStepFn func(trainer *Trainer, epoch, batch, numBatches int, batchLoss float64) error

// OnEpochEndFn runs after validation with the epoch's metric values.
type OnEpochEndFn func(trainer *Trainer, epoch int, vals metrics.Values) error

// OnEndFn runs once when the loop finishes, with the last epoch's values.
type OnEndFn func(trainer *Trainer, vals metrics.Values) error

// Trainer owns one training run. Not safe for concurrent use; create one
// per run.
type Trainer struct {
	cfg         Config
	model       models.Trainable
	opt         optimizers.Optimizer
	loss        *losses.CrossEntropy
	trainLoader *datasets.Loader
	valLoader   *datasets.Loader
	ckpt        *checkpoints.Manager

	state      State
	epoch      int
	globalStep int64

	trainLoss *metrics.MeanLoss
	valLoss   *metrics.MeanLoss
	trainAcc  []*metrics.TopKAccuracy
	valAcc    []*metrics.TopKAccuracy

	onEpochStart priorityHooks[OnEpochStartFn]
	onStep       priorityHooks[OnStepFn]
	onEpochEnd   priorityHooks[OnEpochEndFn]
	onEnd        priorityHooks[OnEndFn]
}

// NewTrainer assembles a training run. valLoader and ckpt may be nil, in
// which case validation metrics and checkpointing are skipped.
func NewTrainer(cfg Config, model models.Trainable, opt optimizers.Optimizer,
	loss *losses.CrossEntropy, trainLoader, valLoader *datasets.Loader,
	ckpt *checkpoints.Manager) (*Trainer, error) {
	if model == nil || opt == nil || loss == nil || trainLoader == nil {
		return nil, errors.New("train: model, optimizer, loss and train loader are all required")
	}
	if cfg.MaxEpochs <= 0 {
		return nil, errors.Errorf("train: max_epochs must be positive, got %d", cfg.MaxEpochs)
	}
	if cfg.LogEvery < 0 || cfg.LogEvery > 1 {
		return nil, errors.Errorf("train: log_every must be in [0, 1], got %v", cfg.LogEvery)
	}
	if len(cfg.TopK) == 0 {
		cfg.TopK = []int{1}
	}
	trainer := &Trainer{
		cfg:         cfg,
		model:       model,
		opt:         opt,
		loss:        loss,
		trainLoader: trainLoader,
		valLoader:   valLoader,
		ckpt:        ckpt,
		state:       StateInit,
		trainLoss:   metrics.NewMeanLoss("train"),
	}
	for _, k := range cfg.TopK {
		acc, err := metrics.NewTopKAccuracy("train", k)
		if err != nil {
			return nil, err
		}
		trainer.trainAcc = append(trainer.trainAcc, acc)
	}
	if valLoader != nil {
		trainer.valLoss = metrics.NewMeanLoss("val")
		for _, k := range cfg.TopK {
			acc, err := metrics.NewTopKAccuracy("val", k)
			if err != nil {
				return nil, err
			}
			trainer.valAcc = append(trainer.valAcc, acc)
		}
	}
	return trainer, nil
}

// State returns the current trainer state.
func (t *Trainer) State() State { return t.state }

// Epoch returns the current (or last finished) epoch number, 0-based.
func (t *Trainer) Epoch() int { return t.epoch }

// GlobalStep returns the number of training steps taken so far.
func (t *Trainer) GlobalStep() int64 { return t.globalStep }

// Model returns the model being trained.
func (t *Trainer) Model() models.Trainable { return t.model }

// NumTrainBatches returns the batches per training epoch.
func (t *Trainer) NumTrainBatches() int { return t.trainLoader.NumBatches() }

// OnEpochStart registers a hook running at the start of each epoch.
func (t *Trainer) OnEpochStart(priority Priority, name string, fn OnEpochStartFn) {
	t.onEpochStart.Add(priority, name, fn)
}

// OnStep registers a hook running after every training step.
func (t *Trainer) OnStep(priority Priority, name string, fn OnStepFn) {
	t.onStep.Add(priority, name, fn)
}

// OnEpochEnd registers a hook running after each epoch's validation.
func (t *Trainer) OnEpochEnd(priority Priority, name string, fn OnEpochEndFn) {
	t.onEpochEnd.Add(priority, name, fn)
}

// OnEnd registers a hook running once when the loop finishes successfully.
func (t *Trainer) OnEnd(priority Priority, name string, fn OnEndFn) {
	t.onEnd.Add(priority, name, fn)
}

// Run executes the training loop until MaxEpochs epochs are done, the
// checkpoint patience runs out, the context is cancelled or an error
// occurs. It returns the final epoch's metric values.
//
// Run may be called only once per Trainer.
func (t *Trainer) Run(ctx context.Context) (metrics.Values, error) {
	if t.state != StateInit {
		return nil, errors.Errorf("train: Run called in state %s, want %s", t.state, StateInit)
	}
	vals, err := t.run(ctx)
	if err != nil {
		t.state = StateFailed
		return nil, err
	}
	t.state = StateDone
	return vals, nil
}

func (t *Trainer) run(ctx context.Context) (metrics.Values, error) {
	var vals metrics.Values
	for t.epoch = 0; t.epoch < t.cfg.MaxEpochs; t.epoch++ {
		if name, err := t.onEpochStart.Enumerate(func(fn OnEpochStartFn) error {
			return fn(t, t.epoch)
		}); err != nil {
			return nil, errors.WithMessagef(err, "train: OnEpochStart hook %q", name)
		}

		t.state = StateTraining
		if err := t.trainEpoch(ctx); err != nil {
			return nil, err
		}

		vals = metrics.Values{t.trainLoss.Name(): t.trainLoss.Compute()}
		for _, acc := range t.trainAcc {
			vals[acc.Name()] = acc.Compute()
		}

		if t.valLoader != nil {
			t.state = StateValidating
			if err := t.validate(ctx); err != nil {
				return nil, err
			}
			vals[t.valLoss.Name()] = t.valLoss.Compute()
			for _, acc := range t.valAcc {
				vals[acc.Name()] = acc.Compute()
			}
		}
		klog.Infof("Epoch %d/%d: %s", t.epoch+1, t.cfg.MaxEpochs, vals)

		stop := false
		if t.ckpt != nil {
			t.state = StateCheckpointing
			improved, err := t.ckpt.Consider(t.epoch, vals, t.model)
			if err != nil {
				return nil, err
			}
			if improved {
				klog.V(1).Infof("Epoch %d improved %s", t.epoch, t.ckpt.Monitor())
			}
			if t.ckpt.PatienceOver() {
				klog.Infof("Stopping early at epoch %d: %s did not improve", t.epoch, t.ckpt.Monitor())
				stop = true
			}
		}

		if name, err := t.onEpochEnd.Enumerate(func(fn OnEpochEndFn) error {
			return fn(t, t.epoch, vals)
		}); err != nil {
			return nil, errors.WithMessagef(err, "train: OnEpochEnd hook %q", name)
		}
		if stop {
			break
		}
	}
	if name, err := t.onEnd.Enumerate(func(fn OnEndFn) error {
		return fn(t, vals)
	}); err != nil {
		return nil, errors.WithMessagef(err, "train: OnEnd hook %q", name)
	}
	return vals, nil
}

// trainEpoch runs all training batches of the current epoch.
func (t *Trainer) trainEpoch(ctx context.Context) error {
	t.trainLoss.Reset()
	for _, acc := range t.trainAcc {
		acc.Reset()
	}
	numBatches := t.trainLoader.NumBatches()
	logStride := 0
	if t.cfg.LogEvery > 0 {
		logStride = max(1, int(float64(numBatches)*t.cfg.LogEvery))
	}

	it := t.trainLoader.Epoch(ctx, t.epoch)
	defer it.Stop()
	batchIdx := 0
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "train: cancelled during training")
		}
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.WithMessagef(err, "train: loading batch %d of epoch %d", batchIdx, t.epoch)
		}
		batchLoss, logits, err := t.model.TrainStep(batch.Inputs, batch.Labels, t.loss, t.opt)
		if err != nil {
			return errors.WithMessagef(err, "train: step %d of epoch %d", batchIdx, t.epoch)
		}
		if math.IsNaN(batchLoss) || math.IsInf(batchLoss, 0) {
			return errors.Wrapf(ErrNaNLoss, "at step %d of epoch %d", batchIdx, t.epoch)
		}
		t.trainLoss.Update(batchLoss, batch.Len())
		for _, acc := range t.trainAcc {
			if err := acc.UpdateBatch(logits, batch.Labels); err != nil {
				return err
			}
		}
		t.globalStep++
		if logStride > 0 && (batchIdx+1)%logStride == 0 {
			running := metrics.Values{t.trainLoss.Name(): t.trainLoss.Compute()}
			for _, acc := range t.trainAcc {
				running[acc.Name()] = acc.Compute()
			}
			klog.Infof("Epoch %d step %d/%d: %s", t.epoch, batchIdx+1, numBatches, running)
		}
		if name, err := t.onStep.Enumerate(func(fn OnStepFn) error {
			return fn(t, t.epoch, batchIdx, numBatches, batchLoss)
		}); err != nil {
			return errors.WithMessagef(err, "train: OnStep hook %q", name)
		}
		batchIdx++
	}
	return nil
}

// validate runs the validation split through the model without updates.
func (t *Trainer) validate(ctx context.Context) error {
	t.valLoss.Reset()
	for _, acc := range t.valAcc {
		acc.Reset()
	}
	it := t.valLoader.Epoch(ctx, t.epoch)
	defer it.Stop()
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "train: cancelled during validation")
		}
		batch, err := it.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.WithMessagef(err, "train: loading validation batch of epoch %d", t.epoch)
		}
		logits, err := t.model.Forward(batch.Inputs)
		if err != nil {
			return err
		}
		batchLoss, err := t.loss.Loss(logits, batch.Labels)
		if err != nil {
			return err
		}
		t.valLoss.Update(batchLoss, batch.Len())
		for _, acc := range t.valAcc {
			if err := acc.UpdateBatch(logits, batch.Labels); err != nil {
				return err
			}
		}
	}
}
