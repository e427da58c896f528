// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves the best model seen during training.
//
// A Manager watches one monitored metric across epochs and persists the
// model weights whenever the metric strictly improves. Only the best
// checkpoint is kept: a save atomically replaces the previous file, so a
// crash mid-save never loses the last good checkpoint.
//
// It is configured with a builder:
//
//	manager, err := checkpoints.Build(outputDir).
//		Monitor("val_acc@1").Mode(checkpoints.ModeMax).
//		Patience(10).Done()
package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imclassify/fsutil"
	"github.com/gomlx/imclassify/metrics"
	"github.com/gomlx/imclassify/models"
)

var (
	// ErrMonitorKeyMissing is wrapped by Consider when the monitored metric
	// is absent from the epoch's values.
	ErrMonitorKeyMissing = errors.New("monitored metric missing from epoch metrics")

	// ErrCheckpointIO is wrapped by errors writing or reading checkpoints.
	ErrCheckpointIO = errors.New("checkpoint I/O failed")
)

// Mode tells whether larger or smaller monitored values are better.
type Mode string

const (
	// ModeMax treats larger monitored values as improvements.
	ModeMax Mode = "max"
	// ModeMin treats smaller monitored values as improvements.
	ModeMin Mode = "min"
)

// BestFileName is the checkpoint file name inside the output directory.
const BestFileName = "best.json"

// Record is the serialized form of one checkpoint.
type Record struct {
	Epoch     int             `json:"epoch"`
	Monitor   string          `json:"monitor"`
	Value     float64         `json:"value"`
	Mode      Mode            `json:"mode"`
	RunID     string          `json:"run_id,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	Model     string          `json:"model"`
	Weights   []models.Weight `json:"weights"`
}

// Builder accumulates Manager options; see Build.
type Builder struct {
	manager *Manager
	err     error
}

// Build starts configuring a Manager that saves into dir. The directory is
// created if needed when Done is called.
func Build(dir string) *Builder {
	return &Builder{manager: &Manager{
		dir:     dir,
		monitor: "val_loss",
		mode:    ModeMin,
	}}
}

func (b *Builder) setError(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Monitor sets the metric key to watch, e.g. "val_acc@1". Default "val_loss".
func (b *Builder) Monitor(key string) *Builder {
	if key == "" {
		b.setError(errors.New("checkpoints: monitor key cannot be empty"))
		return b
	}
	b.manager.monitor = key
	return b
}

// Mode sets the improvement direction. Default ModeMin.
func (b *Builder) Mode(mode Mode) *Builder {
	if mode != ModeMax && mode != ModeMin {
		b.setError(errors.Errorf("checkpoints: mode must be %q or %q, got %q", ModeMax, ModeMin, mode))
		return b
	}
	b.manager.mode = mode
	return b
}

// Patience sets after how many epochs without improvement PatienceOver
// starts returning true. 0 (the default) disables early stopping.
func (b *Builder) Patience(epochs int) *Builder {
	if epochs < 0 {
		b.setError(errors.Errorf("checkpoints: patience must be >= 0, got %d", epochs))
		return b
	}
	b.manager.patience = epochs
	return b
}

// RunID tags saved checkpoints with a run identifier.
func (b *Builder) RunID(id string) *Builder {
	b.manager.runID = id
	return b
}

// Done validates the options, creates the directory and returns the
// Manager.
func (b *Builder) Done() (*Manager, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := b.manager
	dir, err := fsutil.ReplaceTildeInDir(m.dir)
	if err != nil {
		return nil, err
	}
	m.dir = dir
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to create checkpoint directory %q: %v", m.dir, err)
	}
	return m, nil
}

// Manager tracks the best monitored value and persists the model when it
// improves. It is not safe for concurrent use.
type Manager struct {
	dir      string
	monitor  string
	mode     Mode
	patience int
	runID    string

	best          float64
	hasBest       bool
	bestEpoch     int
	sinceImproved int
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Monitor returns the watched metric key.
func (m *Manager) Monitor() string { return m.monitor }

// BestFile returns the path of the best-checkpoint file.
func (m *Manager) BestFile() string { return filepath.Join(m.dir, BestFileName) }

// Best returns the best value seen and the epoch it came from. ok is false
// before the first improvement.
func (m *Manager) Best() (value float64, epoch int, ok bool) {
	return m.best, m.bestEpoch, m.hasBest
}

// Consider looks at one epoch's metrics and saves a checkpoint when the
// monitored value strictly improves on the best so far. Ties and regressions
// save nothing and keep the earlier best. It returns whether it saved.
//
// A missing monitor key returns an error wrapping ErrMonitorKeyMissing.
func (m *Manager) Consider(epoch int, vals metrics.Values, model models.Model) (bool, error) {
	value, found := vals[m.monitor]
	if !found {
		return false, errors.Wrapf(ErrMonitorKeyMissing, "%q, epoch %d has metrics %v", m.monitor, epoch, vals)
	}
	improved := !m.hasBest
	if m.hasBest {
		if m.mode == ModeMax {
			improved = value > m.best
		} else {
			improved = value < m.best
		}
	}
	if !improved {
		m.sinceImproved++
		return false, nil
	}
	if err := m.save(epoch, value, model); err != nil {
		return false, err
	}
	m.best = value
	m.bestEpoch = epoch
	m.hasBest = true
	m.sinceImproved = 0
	return true, nil
}

// PatienceOver reports whether the configured patience has run out: that
// many epochs have been considered since the last improvement.
func (m *Manager) PatienceOver() bool {
	return m.patience > 0 && m.sinceImproved >= m.patience
}

// save writes the checkpoint to a temporary file in the target directory
// and renames it over the best file.
func (m *Manager) save(epoch int, value float64, model models.Model) error {
	record := Record{
		Epoch:     epoch,
		Monitor:   m.monitor,
		Value:     value,
		Mode:      m.mode,
		RunID:     m.runID,
		CreatedAt: time.Now().UTC(),
		Model:     model.Name(),
		Weights:   model.Weights(),
	}
	data, err := json.Marshal(&record)
	if err != nil {
		return errors.Wrapf(ErrCheckpointIO, "failed to encode checkpoint: %v", err)
	}
	tmp, err := os.CreateTemp(m.dir, BestFileName+".tmp-*")
	if err != nil {
		return errors.Wrapf(ErrCheckpointIO, "failed to create temporary checkpoint in %q: %v", m.dir, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrapf(ErrCheckpointIO, "failed to write %q: %v", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(ErrCheckpointIO, "failed to close %q: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, m.BestFile()); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrapf(ErrCheckpointIO, "failed to rename %q to %q: %v", tmpName, m.BestFile(), err)
	}
	klog.Infof("Saved checkpoint for epoch %d (%s=%.6f) to %s (%s)",
		epoch, m.monitor, value, m.BestFile(), humanize.Bytes(uint64(len(data))))
	return nil
}

// Load reads a checkpoint file written by a Manager.
func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to read checkpoint %q: %v", path, err)
	}
	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, errors.Wrapf(ErrCheckpointIO, "failed to parse checkpoint %q: %v", path, err)
	}
	return record, nil
}
