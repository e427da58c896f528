// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the YAML training configuration.
//
// One file describes a full run: the dataset location and decode policy,
// the class map, the transform pipeline, the loader, the model, the
// training loop and the checkpoint policy. Load reads it strictly
// (unknown keys are errors), fills defaults and validates ranges before
// anything else starts.
package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/gomlx/imclassify/checkpoints"
	"github.com/gomlx/imclassify/classmap"
	"github.com/gomlx/imclassify/datasets"
	"github.com/gomlx/imclassify/losses"
	"github.com/gomlx/imclassify/models"
	"github.com/gomlx/imclassify/train"
	"github.com/gomlx/imclassify/transforms"
)

// ErrConfigLoad is wrapped by every error returned from Load.
var ErrConfigLoad = errors.New("failed to load configuration")

// ClassMapSource points at the class map. In YAML it is either a scalar,
// the path of a JSON class map file, or an inline mapping from class id
// to raw label(s).
type ClassMapSource struct {
	File    string
	Classes map[int32]classmap.LabelSet
}

// UnmarshalYAML accepts both spellings of class_map.
func (s *ClassMapSource) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&s.File)
	case yaml.MappingNode:
		return node.Decode(&s.Classes)
	default:
		return errors.New("class_map must be a file path or a mapping from class id to label(s)")
	}
}

// MarshalYAML emits the scalar file form when File is set, otherwise the
// inline mapping, so marshaled configs load back through UnmarshalYAML.
func (s ClassMapSource) MarshalYAML() (any, error) {
	if s.File != "" {
		return s.File, nil
	}
	return s.Classes, nil
}

// Build resolves the source into a ClassMap.
func (s *ClassMapSource) Build() (*classmap.ClassMap, error) {
	if s.File != "" {
		return classmap.FromFile(s.File)
	}
	return classmap.New(s.Classes)
}

// DatasetSection configures the class map and the image decoding.
type DatasetSection struct {
	ClassMap      ClassMapSource         `yaml:"class_map"`
	Engine        string                 `yaml:"engine"`
	OnDecodeError datasets.OnDecodeError `yaml:"on_decode_error"`
}

// TrainerSection configures the loop and its optimization hyperparameters.
// LossFnArgs is forwarded as-is to the loss constructor, see
// losses.FromArgs for the accepted arguments.
type TrainerSection struct {
	MaxEpochs    int            `yaml:"max_epochs"`
	LogEvery     float64        `yaml:"log_every"`
	TopK         []int          `yaml:"top_k"`
	LossFnArgs   map[string]any `yaml:"loss_fn_args"`
	LearningRate float64        `yaml:"learning_rate"`
	Momentum     float64        `yaml:"momentum"`
}

// CheckpointSection configures the best-checkpoint policy.
type CheckpointSection struct {
	Monitor  string           `yaml:"monitor"`
	Mode     checkpoints.Mode `yaml:"mode"`
	Patience int              `yaml:"patience"`
}

// Config is the full parsed configuration file.
type Config struct {
	RunName   string `yaml:"run_name"`
	OutputDir string `yaml:"output"`
	Seed      int64  `yaml:"seed"`
	DataDir   string `yaml:"data_dir"`

	Dataset    DatasetSection        `yaml:"dataset"`
	Transform  transforms.Config     `yaml:"transform"`
	Loader     datasets.LoaderConfig `yaml:"loader"`
	Model      models.Config         `yaml:"model"`
	Trainer    TrainerSection        `yaml:"trainer"`
	Checkpoint CheckpointSection     `yaml:"model_checkpoint"`
}

// Load reads, parses and validates the configuration at path. All errors
// wrap ErrConfigLoad.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(ErrConfigLoad, "reading %q: %v", path, err)
	}
	cfg := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, errors.Wrapf(ErrConfigLoad, "parsing %q: %v", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(ErrConfigLoad, "%q: %v", path, err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	if cfg.Loader.Seed == 0 {
		cfg.Loader.Seed = cfg.Seed
	}
	if cfg.Model.Seed == 0 {
		cfg.Model.Seed = cfg.Seed
	}
	if cfg.Model.InputSize == 0 {
		cfg.Model.InputSize = cfg.Transform.ImgSize
	}
	if cfg.Model.Pretrained && cfg.Model.PretrainedPath == "" {
		cfg.Model.PretrainedPath = filepath.Join(cfg.OutputDir, "pretrained-"+cfg.Model.Name+".json")
	}
	if len(cfg.Trainer.TopK) == 0 {
		cfg.Trainer.TopK = []int{1}
	}
	if cfg.Trainer.LearningRate == 0 {
		cfg.Trainer.LearningRate = 0.01
	}
	if cfg.Checkpoint.Monitor == "" {
		cfg.Checkpoint.Monitor = "val_loss"
	}
	if cfg.Checkpoint.Mode == "" {
		cfg.Checkpoint.Mode = checkpoints.ModeMin
	}
}

// Validate checks everything that can be checked without touching the
// filesystem.
func (cfg *Config) Validate() error {
	if cfg.DataDir == "" {
		return errors.New("data_dir is required")
	}
	if cfg.Dataset.ClassMap.File == "" && len(cfg.Dataset.ClassMap.Classes) == 0 {
		return errors.New("dataset.class_map needs a file path or an inline mapping")
	}
	if cfg.Transform.ImgSize <= 0 {
		return errors.New("transform.img_size must be positive")
	}
	if cfg.Loader.BatchSize <= 0 {
		return errors.New("loader.batch_size must be positive")
	}
	if cfg.Model.Name == "" {
		return errors.New("model.model_name is required")
	}
	if cfg.Trainer.MaxEpochs <= 0 {
		return errors.New("trainer.max_epochs must be positive")
	}
	if cfg.Trainer.LogEvery < 0 || cfg.Trainer.LogEvery > 1 {
		return errors.New("trainer.log_every must be in [0, 1]")
	}
	if _, err := losses.FromArgs(cfg.Trainer.LossFnArgs); err != nil {
		return errors.Wrap(err, "trainer.loss_fn_args")
	}
	if cfg.Trainer.LearningRate <= 0 {
		return errors.New("trainer.learning_rate must be positive")
	}
	if cfg.Trainer.Momentum < 0 || cfg.Trainer.Momentum >= 1 {
		return errors.New("trainer.momentum must be in [0, 1)")
	}
	if cfg.Checkpoint.Mode != checkpoints.ModeMax && cfg.Checkpoint.Mode != checkpoints.ModeMin {
		return errors.Errorf("model_checkpoint.mode must be %q or %q", checkpoints.ModeMax, checkpoints.ModeMin)
	}
	if cfg.Checkpoint.Patience < 0 {
		return errors.New("model_checkpoint.patience must be >= 0")
	}
	return nil
}

// FolderConfig assembles the dataset configuration for datasets.NewImageFolder.
func (cfg *Config) FolderConfig() datasets.FolderConfig {
	return datasets.FolderConfig{
		Root:          cfg.DataDir,
		Engine:        cfg.Dataset.Engine,
		OnDecodeError: cfg.Dataset.OnDecodeError,
	}
}

// Loss builds the configured loss function.
func (cfg *Config) Loss() (*losses.CrossEntropy, error) {
	return losses.FromArgs(cfg.Trainer.LossFnArgs)
}

// TrainConfig converts the trainer section to the loop configuration.
func (cfg *Config) TrainConfig() train.Config {
	return train.Config{
		MaxEpochs: cfg.Trainer.MaxEpochs,
		LogEvery:  cfg.Trainer.LogEvery,
		TopK:      cfg.Trainer.TopK,
	}
}
