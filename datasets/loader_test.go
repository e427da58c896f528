// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imclassify/transforms"
)

// The "gated" engine counts decodes and blocks on files whose content
// starts with the gate marker until gateOpen is closed.
var (
	gateOpen    = make(chan struct{})
	gateDecodes atomic.Int64
)

func init() {
	RegisterEngine("gated", func(r io.Reader) (image.Image, error) {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		gateDecodes.Add(1)
		if bytes.HasPrefix(data, []byte("HOLD")) {
			<-gateOpen
		}
		return image.NewNRGBA(image.Rect(0, 0, 12, 12)), nil
	})
}

// newTestLoader builds a 35-sample dataset and a loader with the given
// configuration tweaks applied on top of sensible defaults.
func newTestLoader(t *testing.T, tweak func(*LoaderConfig)) *Loader {
	t.Helper()
	root := t.TempDir()
	buildSplit(t, root, "train", map[string]int{"cat": 20, "dog": 15})
	ds, err := NewImageFolder(FolderConfig{Root: root}, "train", testClassMap(t), testPipeline(t, transforms.ModeEval))
	require.NoError(t, err)
	cfg := LoaderConfig{BatchSize: 32, Seed: 7}
	if tweak != nil {
		tweak(&cfg)
	}
	loader, err := NewLoader(ds, cfg)
	require.NoError(t, err)
	return loader
}

// collect drains one epoch into a slice.
func collect(t *testing.T, loader *Loader, epoch int) []*Batch {
	t.Helper()
	it := loader.Epoch(context.Background(), epoch)
	defer it.Stop()
	var out []*Batch
	for {
		batch, err := it.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, batch)
	}
}

func TestNewLoaderValidates(t *testing.T) {
	loader := newTestLoader(t, nil)
	ds := loader.Dataset()

	_, err := NewLoader(nil, LoaderConfig{BatchSize: 1})
	require.Error(t, err)
	_, err = NewLoader(ds, LoaderConfig{BatchSize: 0})
	require.Error(t, err)
	_, err = NewLoader(ds, LoaderConfig{BatchSize: 1, NumWorkers: -1})
	require.Error(t, err)
	_, err = NewLoader(ds, LoaderConfig{BatchSize: 1, QueueSize: -1})
	require.Error(t, err)
}

func TestBatchSizesAndDropLast(t *testing.T) {
	// 35 samples, batch 32: [32, 3] normally, [32] with drop_last.
	loader := newTestLoader(t, nil)
	assert.Equal(t, 2, loader.NumBatches())
	batches := collect(t, loader, 0)
	require.Len(t, batches, 2)
	assert.Equal(t, 32, batches[0].Len())
	assert.Equal(t, 3, batches[1].Len())
	assert.Equal(t, []int{32, 3, 8, 8}, batches[0].Inputs.Shape())

	dropLast := newTestLoader(t, func(cfg *LoaderConfig) { cfg.DropLast = true })
	assert.Equal(t, 1, dropLast.NumBatches())
	batches = collect(t, dropLast, 0)
	require.Len(t, batches, 1)
	assert.Equal(t, 32, batches[0].Len())
}

func TestSequentialOrderWithoutShuffle(t *testing.T) {
	loader := newTestLoader(t, nil)
	batches := collect(t, loader, 3)
	want := 0
	for _, batch := range batches {
		for i, idx := range batch.Indices {
			assert.Equal(t, want, idx)
			assert.Equal(t, loader.Dataset().Get(idx).Class, batch.Labels[i])
			want++
		}
	}
	assert.Equal(t, 35, want)
}

func TestShuffleIsDeterministicPerEpoch(t *testing.T) {
	a := newTestLoader(t, func(cfg *LoaderConfig) { cfg.Shuffle = true })
	b := newTestLoader(t, func(cfg *LoaderConfig) { cfg.Shuffle = true })

	epoch0a := collect(t, a, 0)
	epoch0b := collect(t, b, 0)
	require.Len(t, epoch0b, len(epoch0a))
	for i := range epoch0a {
		assert.Equal(t, epoch0a[i].Indices, epoch0b[i].Indices, "batch %d", i)
	}

	epoch1 := collect(t, a, 1)
	assert.NotEqual(t, epoch0a[0].Indices, epoch1[0].Indices, "epochs must reshuffle")
}

func TestNumWorkersDoesNotChangeResults(t *testing.T) {
	inline := newTestLoader(t, func(cfg *LoaderConfig) { cfg.Shuffle = true })
	parallel := newTestLoader(t, func(cfg *LoaderConfig) {
		cfg.Shuffle = true
		cfg.NumWorkers = 4
	})

	for epoch := 0; epoch < 2; epoch++ {
		a := collect(t, inline, epoch)
		b := collect(t, parallel, epoch)
		require.Len(t, b, len(a), "epoch %d", epoch)
		for i := range a {
			assert.Equal(t, a[i].Indices, b[i].Indices, "epoch %d batch %d", epoch, i)
			assert.Equal(t, a[i].Labels, b[i].Labels, "epoch %d batch %d", epoch, i)
		}
	}
}

func TestParallelDeliversInOrder(t *testing.T) {
	loader := newTestLoader(t, func(cfg *LoaderConfig) {
		cfg.BatchSize = 4
		cfg.NumWorkers = 8
	})
	batches := collect(t, loader, 0)
	require.Len(t, batches, 9)
	want := 0
	for _, batch := range batches {
		for _, idx := range batch.Indices {
			assert.Equal(t, want, idx)
			want++
		}
	}
}

func TestCancellation(t *testing.T) {
	loader := newTestLoader(t, func(cfg *LoaderConfig) {
		cfg.BatchSize = 2
		cfg.NumWorkers = 2
	})
	ctx, cancel := context.WithCancel(context.Background())
	it := loader.Epoch(ctx, 0)
	defer it.Stop()
	_, err := it.Next()
	require.NoError(t, err)
	cancel()
	for {
		_, err = it.Next()
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStopReleasesIterator(t *testing.T) {
	loader := newTestLoader(t, func(cfg *LoaderConfig) { cfg.NumWorkers = 2 })
	it := loader.Epoch(context.Background(), 0)
	_, err := it.Next()
	require.NoError(t, err)
	it.Stop()
	it.Stop() // idempotent
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestPrefetchIsBounded(t *testing.T) {
	// 30 one-sample batches; the first one blocks inside decode. The
	// workers may run ahead only as far as the prefetch window
	// (QueueSize+NumWorkers batches), not through the whole epoch.
	root := t.TempDir()
	dir := filepath.Join(root, "train", "cat")
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img-000.png"), []byte("HOLD"), 0644))
	for i := 1; i < 30; i++ {
		path := filepath.Join(dir, fmt.Sprintf("img-%03d.png", i))
		require.NoError(t, os.WriteFile(path, []byte("pass"), 0644))
	}
	ds, err := NewImageFolder(FolderConfig{Root: root, Engine: "gated"},
		"train", testClassMap(t), testPipeline(t, transforms.ModeEval))
	require.NoError(t, err)
	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 1, NumWorkers: 2, QueueSize: 2})
	require.NoError(t, err)

	gateDecodes.Store(0)
	it := loader.Epoch(context.Background(), 0)
	defer it.Stop()

	// Nothing is consumed and batch 0 is stalled: decode activity must
	// stop once the window fills.
	time.Sleep(300 * time.Millisecond)
	prefetched := gateDecodes.Load()
	assert.LessOrEqual(t, prefetched, int64(4), "workers prefetched %d batches past the stalled one", prefetched)

	close(gateOpen)
	want := 0
	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, batch.Indices, 1)
		assert.Equal(t, want, batch.Indices[0])
		want++
	}
	assert.Equal(t, 30, want)
	assert.Equal(t, int64(30), gateDecodes.Load())
}

func TestDecodeErrorFailPolicy(t *testing.T) {
	root := t.TempDir()
	buildSplit(t, root, "train", map[string]int{"cat": 3})
	corrupt := filepath.Join(root, "train", "cat", "img-001.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a png"), 0644))

	ds, err := NewImageFolder(FolderConfig{Root: root}, "train", testClassMap(t), testPipeline(t, transforms.ModeEval))
	require.NoError(t, err)
	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 3})
	require.NoError(t, err)

	it := loader.Epoch(context.Background(), 0)
	defer it.Stop()
	_, err = it.Next()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestDecodeErrorSkipPolicy(t *testing.T) {
	root := t.TempDir()
	buildSplit(t, root, "train", map[string]int{"cat": 3})
	corrupt := filepath.Join(root, "train", "cat", "img-001.png")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a png"), 0644))

	ds, err := NewImageFolder(FolderConfig{Root: root, OnDecodeError: SkipOnDecodeError},
		"train", testClassMap(t), testPipeline(t, transforms.ModeEval))
	require.NoError(t, err)
	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 3})
	require.NoError(t, err)

	batches := collect(t, loader, 0)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Len(), "the undecodable sample is dropped")
	assert.Equal(t, []int{0, 2}, batches[0].Indices)
	assert.Equal(t, int64(1), ds.DecodeSkips())
}
