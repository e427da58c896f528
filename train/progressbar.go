// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"

	"github.com/gomlx/imclassify/metrics"
)

// progressBar holds the state of a command line progress bar for Trainer,
// attached with AttachProgressBar.
type progressBar struct {
	bar    *progressbar.ProgressBar
	writer io.Writer
}

// AttachProgressBar creates a command line progress bar over the training
// steps of each epoch, written to stdout.
func AttachProgressBar(trainer *Trainer) {
	AttachProgressBarTo(trainer, os.Stdout)
}

// AttachProgressBarTo is like AttachProgressBar with a custom writer.
func AttachProgressBarTo(trainer *Trainer, writer io.Writer) {
	pb := &progressBar{writer: writer}
	trainer.OnEpochStart(PriorityDefault, "progressbar-start", pb.onEpochStart)
	trainer.OnStep(PriorityDefault, "progressbar-step", pb.onStep)
	trainer.OnEpochEnd(PriorityDefault, "progressbar-end", pb.onEpochEnd)
}

func (pb *progressBar) onEpochStart(trainer *Trainer, epoch int) error {
	pb.bar = progressbar.NewOptions(trainer.NumTrainBatches(),
		progressbar.OptionSetDescription(fmt.Sprintf("Epoch %d/%d", epoch+1, trainer.cfg.MaxEpochs)),
		progressbar.OptionSetWriter(pb.writer),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
	)
	return nil
}

func (pb *progressBar) onStep(trainer *Trainer, epoch, batch, numBatches int, batchLoss float64) error {
	pb.bar.Describe(fmt.Sprintf("Epoch %d/%d loss=%.4f", epoch+1, trainer.cfg.MaxEpochs, batchLoss))
	return pb.bar.Add(1)
}

func (pb *progressBar) onEpochEnd(trainer *Trainer, epoch int, vals metrics.Values) error {
	if err := pb.bar.Finish(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(pb.writer, "\n%s\n", vals)
	return err
}
