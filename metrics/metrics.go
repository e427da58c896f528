// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics implements streaming training and evaluation metrics.
//
// Metrics accumulate over the batches of one epoch with Update, report
// with Compute and are cleared with Reset before the next epoch.
package metrics

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/imclassify/tensors"
)

// Values holds the computed metric values of one epoch, keyed by metric
// name, e.g. "val_acc@1" or "train_loss".
type Values map[string]float64

// String formats the values sorted by name, for logs.
func (v Values) String() string {
	names := make([]string, 0, len(v))
	for name := range v {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%.4f", name, v[name]))
	}
	return strings.Join(parts, " ")
}

// Metric accumulates a statistic over the batches of an epoch.
type Metric interface {
	// Name returns the key under which Compute reports, e.g. "val_acc@5".
	Name() string

	// UpdateBatch folds one batch of logits and labels in.
	UpdateBatch(logits *tensors.Tensor, labels []int32) error

	// Compute returns the metric over everything since the last Reset.
	Compute() float64

	// Reset clears the accumulated state.
	Reset()
}

// TopKAccuracy is the fraction of samples whose true class is among the k
// highest-scoring classes.
//
// A sample counts as correct when fewer than k classes score strictly
// higher than the true class, so ties never hurt.
type TopKAccuracy struct {
	split   string
	k       int
	correct int64
	total   int64
}

// NewTopKAccuracy creates a top-k accuracy named "{split}_acc@{k}".
func NewTopKAccuracy(split string, k int) (*TopKAccuracy, error) {
	if k <= 0 {
		return nil, errors.Errorf("metrics: top-k accuracy needs k > 0, got %d", k)
	}
	if split == "" {
		return nil, errors.New("metrics: top-k accuracy needs a split name")
	}
	return &TopKAccuracy{split: split, k: k}, nil
}

// Name implements Metric.
func (m *TopKAccuracy) Name() string { return fmt.Sprintf("%s_acc@%d", m.split, m.k) }

// UpdateBatch implements Metric.
func (m *TopKAccuracy) UpdateBatch(logits *tensors.Tensor, labels []int32) error {
	if logits == nil || logits.Rank() != 2 {
		return errors.Errorf("metrics: logits must be rank 2")
	}
	n, numClasses := logits.Dim(0), logits.Dim(1)
	if len(labels) != n {
		return errors.Errorf("metrics: %d labels for %d logit rows", len(labels), n)
	}
	flat := logits.Flat()
	for row := 0; row < n; row++ {
		label := int(labels[row])
		if label < 0 || label >= numClasses {
			return errors.Errorf("metrics: label %d out of range for %d classes", label, numClasses)
		}
		rowLogits := flat[row*numClasses : (row+1)*numClasses]
		target := rowLogits[label]
		higher := 0
		for _, v := range rowLogits {
			if v > target {
				higher++
			}
		}
		if higher < m.k {
			m.correct++
		}
	}
	m.total += int64(n)
	return nil
}

// Compute implements Metric. It returns 0 before any update.
func (m *TopKAccuracy) Compute() float64 {
	if m.total == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.total)
}

// Reset implements Metric.
func (m *TopKAccuracy) Reset() {
	m.correct = 0
	m.total = 0
}

// MeanLoss accumulates a sample-weighted mean of per-batch loss values, so
// a short final batch contributes proportionally to its size.
type MeanLoss struct {
	split string
	sum   float64
	count int64
}

// NewMeanLoss creates a mean loss named "{split}_loss".
func NewMeanLoss(split string) *MeanLoss {
	return &MeanLoss{split: split}
}

// Name returns "{split}_loss".
func (m *MeanLoss) Name() string { return m.split + "_loss" }

// Update folds in the mean loss of one batch of the given size.
func (m *MeanLoss) Update(batchLoss float64, batchSize int) {
	m.sum += batchLoss * float64(batchSize)
	m.count += int64(batchSize)
}

// Compute returns the weighted mean loss, 0 before any update.
func (m *MeanLoss) Compute() float64 {
	if m.count == 0 {
		return 0
	}
	return m.sum / float64(m.count)
}

// Reset clears the accumulated state.
func (m *MeanLoss) Reset() {
	m.sum = 0
	m.count = 0
}
