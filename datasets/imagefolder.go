// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package datasets implements the image-folder dataset and the parallel,
// order-preserving batch loader used for training and evaluation.
//
// An ImageFolder scans `root/<split>/<raw label>/<file>` directories: each
// sub-directory name is a raw label resolved through a classmap.ClassMap,
// and scanning fails fast on the first directory whose name the class map
// doesn't know. The resulting sample list is sorted and stable, so sample
// index i always names the same file across runs.
package datasets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imclassify/classmap"
	"github.com/gomlx/imclassify/fsutil"
	"github.com/gomlx/imclassify/tensors"
	"github.com/gomlx/imclassify/transforms"
)

// ErrDecode is wrapped by errors returned when an image file cannot be
// decoded.
var ErrDecode = errors.New("failed to decode image")

// OnDecodeError selects what happens when an image fails to decode.
type OnDecodeError string

const (
	// FailOnDecodeError aborts the epoch with an error. The default.
	FailOnDecodeError OnDecodeError = "fail"
	// SkipOnDecodeError drops the sample, logs a warning and counts it.
	SkipOnDecodeError OnDecodeError = "skip"
)

/// Sample is one entry of an ImageFolder: a file path, the raw label taken
// from its directory name and the class id it resolves to.
type Sample struct {
	Path     string
	RawLabel string
	Class    int32
}

// FolderConfig configures an ImageFolder.
type FolderConfig struct {
	// Root is the dataset root directory. A leading "~" is expanded.
	Root string `yaml:"root"`

	// Engine names the decode engine, see EngineNames. Default "imaging".
	Engine string `yaml:"engine"`

	// OnDecodeError is "fail" (default) or "skip".
	OnDecodeError OnDecodeError `yaml:"on_decode_error"`
}

// ImageFolder is an immutable, index-addressable list of labeled image
// files plus the transform pipeline that converts them to tensors.
// It is safe for concurrent use.
type ImageFolder struct {
	cfg      FolderConfig
	split    string
	samples  []Sample
	classMap *classmap.ClassMap
	pipeline *transforms.Pipeline
	decode   DecodeFunc

	decodeSkips atomic.Int64
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// NewImageFolder scans `cfg.Root/split` and builds the dataset.
//
// Every sub-directory name must resolve through cm; an unresolvable name
// aborts the scan with an error wrapping classmap.ErrUnknownLabel.
func NewImageFolder(cfg FolderConfig, split string, cm *classmap.ClassMap, pipeline *transforms.Pipeline) (*ImageFolder, error) {
	if cm == nil {
		return nil, errors.New("datasets: nil class map")
	}
	if pipeline == nil {
		return nil, errors.New("datasets: nil transform pipeline")
	}
	if cfg.OnDecodeError == "" {
		cfg.OnDecodeError = FailOnDecodeError
	}
	if cfg.OnDecodeError != FailOnDecodeError && cfg.OnDecodeError != SkipOnDecodeError {
		return nil, errors.Errorf("datasets: on_decode_error must be %q or %q, got %q",
			FailOnDecodeError, SkipOnDecodeError, cfg.OnDecodeError)
	}
	decode, err := EngineByName(cfg.Engine)
	if err != nil {
		return nil, err
	}
	root, err := fsutil.ReplaceTildeInDir(cfg.Root)
	if err != nil {
		return nil, err
	}
	splitDir := filepath.Join(root, split)
	entries, err := os.ReadDir(splitDir)
	if err != nil {
		return nil, errors.Wrapf(err, "datasets: failed to read split directory %q", splitDir)
	}

	var samples []Sample
	labelDirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			labelDirs = append(labelDirs, entry.Name())
		}
	}
	sort.Strings(labelDirs)
	for _, rawLabel := range labelDirs {
		class, err := cm.Resolve(rawLabel)
		if err != nil {
			return nil, errors.WithMessagef(err, "datasets: directory %q in split %q", rawLabel, split)
		}
		labelDir := filepath.Join(splitDir, rawLabel)
		files, err := os.ReadDir(labelDir)
		if err != nil {
			return nil, errors.Wrapf(err, "datasets: failed to read label directory %q", labelDir)
		}
		names := make([]string, 0, len(files))
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			if !imageExtensions[strings.ToLower(filepath.Ext(file.Name()))] {
				continue
			}
			names = append(names, file.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			samples = append(samples, Sample{
				Path:     filepath.Join(labelDir, name),
				RawLabel: rawLabel,
				Class:    class,
			})
		}
	}
	if len(samples) == 0 {
		return nil, errors.Errorf("datasets: no image files found under %q", splitDir)
	}
	return &ImageFolder{
		cfg:      cfg,
		split:    split,
		samples:  samples,
		classMap: cm,
		pipeline: pipeline,
		decode:   decode,
	}, nil
}

// Len returns the number of samples.
func (ds *ImageFolder) Len() int { return len(ds.samples) }

// Split returns the split name the dataset was scanned from.
func (ds *ImageFolder) Split() string { return ds.split }

// Get returns the metadata of sample i.
func (ds *ImageFolder) Get(i int) Sample { return ds.samples[i] }

// NumClasses returns the number of classes in the underlying class map.
func (ds *ImageFolder) NumClasses() int { return ds.classMap.NumClasses() }

// Pipeline returns the transform pipeline.
func (ds *ImageFolder) Pipeline() *transforms.Pipeline { return ds.pipeline }

// DecodeSkips returns how many samples were dropped because of decode
// errors since the dataset was created. Only grows with the "skip" policy.
func (ds *ImageFolder) DecodeSkips() int64 { return ds.decodeSkips.Load() }

// itemAt decodes and transforms sample i using the given per-sample seed.
//
// With the "skip" policy a decode failure returns an error wrapping
// ErrDecode after logging and counting it; the caller is expected to drop
// the sample. With the "fail" policy the error simply propagates.
func (ds *ImageFolder) itemAt(i int, sampleSeed int64) (*tensors.Tensor, int32, error) {
	sample := ds.samples[i]
	file, err := os.Open(sample.Path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "datasets: failed to open %q", sample.Path)
	}
	img, err := ds.decode(file)
	closeErr := file.Close()
	if err != nil {
		err = errors.Wrapf(ErrDecode, "%q: %v", sample.Path, err)
		if ds.cfg.OnDecodeError == SkipOnDecodeError {
			ds.decodeSkips.Add(1)
			klog.Warningf("Skipping undecodable image %q: %v", sample.Path, err)
		}
		return nil, 0, err
	}
	if closeErr != nil {
		return nil, 0, errors.Wrapf(closeErr, "datasets: failed to close %q", sample.Path)
	}
	t, err := ds.pipeline.Apply(img, sampleSeed)
	if err != nil {
		return nil, 0, errors.WithMessagef(err, "datasets: transform failed for %q", sample.Path)
	}
	return t, sample.Class, nil
}
