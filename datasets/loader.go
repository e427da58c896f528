// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package datasets

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/imclassify/tensors"
)

// Batch is one delivered mini-batch: stacked inputs of shape
// [n, 3, H, W], the class ids and the global dataset indices of its
// samples, in the same order.
type Batch struct {
	Inputs  *tensors.Tensor
	Labels  []int32
	Indices []int
}

// Len returns the number of samples in the batch.
func (b *Batch) Len() int { return len(b.Labels) }

// LoaderConfig configures a Loader.
type LoaderConfig struct {
	// BatchSize is the number of samples per batch. Required, > 0.
	BatchSize int `yaml:"batch_size"`

	// Shuffle reshuffles the sample order every epoch, deterministically
	// from Seed and the epoch number.
	Shuffle bool `yaml:"shuffle"`

	// DropLast discards a final batch smaller than BatchSize.
	DropLast bool `yaml:"drop_last"`

	// NumWorkers is the number of goroutines decoding and transforming
	// batches. 0 runs everything inline on the consumer goroutine.
	NumWorkers int `yaml:"num_workers"`

	// QueueSize bounds how many finished batches may wait for delivery.
	// Defaults to 2*NumWorkers (minimum 2).
	QueueSize int `yaml:"queue_size"`

	// Seed drives shuffling and the per-sample augmentation seeds.
	Seed int64 `yaml:"seed"`
}

// Loader produces batches from an ImageFolder, epoch by epoch.
//
// Batches are always delivered in the order defined by the (possibly
// shuffled) sample permutation, and batch contents depend only on Seed,
// the epoch number and the sample indices: NumWorkers changes throughput,
// never results.
type Loader struct {
	ds  *ImageFolder
	cfg LoaderConfig
}

// NewLoader validates the configuration and builds a loader over ds.
func NewLoader(ds *ImageFolder, cfg LoaderConfig) (*Loader, error) {
	if ds == nil {
		return nil, errors.New("datasets: nil dataset")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("datasets: batch_size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers < 0 {
		return nil, errors.Errorf("datasets: num_workers must be >= 0, got %d", cfg.NumWorkers)
	}
	if cfg.QueueSize < 0 {
		return nil, errors.Errorf("datasets: queue_size must be >= 0, got %d", cfg.QueueSize)
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = max(2, 2*cfg.NumWorkers)
	}
	return &Loader{ds: ds, cfg: cfg}, nil
}

// Dataset returns the underlying ImageFolder.
func (l *Loader) Dataset() *ImageFolder { return l.ds }

// NumBatches returns how many batches one epoch yields, before any
// decode-error skips.
func (l *Loader) NumBatches() int {
	n := l.ds.Len() / l.cfg.BatchSize
	if !l.cfg.DropLast && l.ds.Len()%l.cfg.BatchSize != 0 {
		n++
	}
	return n
}

// seedHash mixes the loader seed with per-epoch or per-sample values into
// a new deterministic seed.
func seedHash(values ...int64) int64 {
	h := crc32.NewIEEE()
	var buf [8]byte
	for _, v := range values {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	lo := int64(h.Sum32())
	_, _ = h.Write([]byte{0x9e})
	hi := int64(h.Sum32())
	return hi<<32 | lo
}

// batches returns the per-batch global index slices for the given epoch.
func (l *Loader) batches(epoch int) [][]int {
	n := l.ds.Len()
	order := make([]int, n)
	if l.cfg.Shuffle {
		rng := rand.New(rand.NewSource(seedHash(l.cfg.Seed, int64(epoch))))
		copy(order, rng.Perm(n))
	} else {
		for i := range order {
			order[i] = i
		}
	}
	numBatches := l.NumBatches()
	out := make([][]int, 0, numBatches)
	for start := 0; start < n; start += l.cfg.BatchSize {
		end := min(start+l.cfg.BatchSize, n)
		if end-start < l.cfg.BatchSize && l.cfg.DropLast {
			break
		}
		out = append(out, order[start:end])
	}
	return out
}

// buildBatch decodes and transforms the samples of one batch. With the
// "skip" decode-error policy the failing samples are dropped and the batch
// may come back shorter, possibly empty.
func (l *Loader) buildBatch(ctx context.Context, epoch int, indices []int) (*Batch, error) {
	parts := make([]*tensors.Tensor, 0, len(indices))
	labels := make([]int32, 0, len(indices))
	kept := make([]int, 0, len(indices))
	for _, idx := range indices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, class, err := l.ds.itemAt(idx, seedHash(l.cfg.Seed, int64(epoch), int64(idx)))
		if err != nil {
			if errors.Is(err, ErrDecode) && l.ds.cfg.OnDecodeError == SkipOnDecodeError {
				continue
			}
			return nil, err
		}
		parts = append(parts, t)
		labels = append(labels, class)
		kept = append(kept, idx)
	}
	if len(parts) == 0 {
		return &Batch{}, nil
	}
	inputs, err := tensors.Stack(parts)
	if err != nil {
		return nil, err
	}
	return &Batch{Inputs: inputs, Labels: labels, Indices: kept}, nil
}

// Iterator delivers the batches of one epoch in order.
type Iterator struct {
	stop    context.CancelFunc
	ordered chan *Batch
	inline  func() (*Batch, error)
	errFn   func() error
	stopped bool
}

// Epoch starts iteration over the given epoch number. The returned
// Iterator must be consumed until io.EOF or released with Stop.
func (l *Loader) Epoch(ctx context.Context, epoch int) *Iterator {
	batches := l.batches(epoch)
	if l.cfg.NumWorkers == 0 {
		return l.inlineEpoch(ctx, epoch, batches)
	}
	return l.parallelEpoch(ctx, epoch, batches)
}

// inlineEpoch builds batches on the consumer goroutine.
func (l *Loader) inlineEpoch(ctx context.Context, epoch int, batches [][]int) *Iterator {
	next := 0
	it := &Iterator{stop: func() {}}
	it.inline = func() (*Batch, error) {
		for next < len(batches) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			batch, err := l.buildBatch(ctx, epoch, batches[next])
			next++
			if err != nil {
				return nil, err
			}
			if batch.Len() == 0 {
				continue
			}
			return batch, nil
		}
		return nil, io.EOF
	}
	return it
}

// parallelEpoch fans batch building out to NumWorkers goroutines and
// re-sequences the finished batches so delivery order matches batch order.
//
// The window semaphore bounds prefetch: a batch takes a slot when its task
// is dispatched and frees it when the batch is delivered (or skipped), so
// at most QueueSize+NumWorkers batches exist between dispatch and
// delivery. When one batch stalls, the workers run that far ahead and then
// block instead of decoding the rest of the epoch.
func (l *Loader) parallelEpoch(ctx context.Context, epoch int, batches [][]int) *Iterator {
	ctx, cancel := context.WithCancel(ctx)

	type task struct {
		seq     int
		indices []int
	}
	type result struct {
		seq   int
		batch *Batch
	}
	tasks := make(chan task)
	results := make(chan result, l.cfg.QueueSize)
	ordered := make(chan *Batch, l.cfg.QueueSize)
	window := make(chan struct{}, l.cfg.QueueSize+l.cfg.NumWorkers)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(tasks)
		for seq, indices := range batches {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case tasks <- task{seq: seq, indices: indices}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < l.cfg.NumWorkers; w++ {
		group.Go(func() error {
			for t := range tasks {
				batch, err := l.buildBatch(gctx, epoch, t.indices)
				if err != nil {
					return err
				}
				select {
				case results <- result{seq: t.seq, batch: batch}:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}

	var groupErr error
	done := make(chan struct{})
	go func() {
		groupErr = group.Wait()
		close(done)
		close(results)
	}()

	// Re-sequencer: workers finish batches out of order, deliver them in
	// sequence order. A pending batch occupies its window slot until
	// delivered, so the map never outgrows the window.
	go func() {
		defer close(ordered)
		pending := make(map[int]*Batch)
		next := 0
		for res := range results {
			pending[res.seq] = res.batch
			for {
				batch, ready := pending[next]
				if !ready {
					break
				}
				delete(pending, next)
				next++
				if batch.Len() > 0 {
					select {
					case ordered <- batch:
					case <-ctx.Done():
						return
					}
				}
				select {
				case <-window:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return &Iterator{
		stop:    cancel,
		ordered: ordered,
		errFn: func() error {
			<-done
			return groupErr
		},
	}
}

// Next returns the next batch, io.EOF after the last one, or the first
// error hit by any worker (including the context's error on cancellation).
func (it *Iterator) Next() (*Batch, error) {
	if it.stopped {
		return nil, io.EOF
	}
	if it.inline != nil {
		return it.inline()
	}
	batch, ok := <-it.ordered
	if ok {
		return batch, nil
	}
	if err := it.errFn(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Stop cancels the epoch and releases its workers. Safe to call more than
// once; Next returns io.EOF afterwards.
func (it *Iterator) Stop() {
	if it.stopped {
		return
	}
	it.stopped = true
	it.stop()
	if it.ordered != nil {
		for range it.ordered {
		}
	}
}
