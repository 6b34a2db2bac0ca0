package datasets

import (
	"io"
	"runtime"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/lockstepml/lockstep/pkg/core/shapes"
	"github.com/lockstepml/lockstep/pkg/core/tensors"
	"github.com/lockstepml/lockstep/pkg/ml/train"
	"github.com/pkg/errors"
)

// BatchConfig parameterizes a BatchLoader.
type BatchConfig struct {
	// Name the loader reports as train.Dataset. Defaults to "images".
	Name string

	// BatchSize is the number of samples per yielded batch. Required.
	BatchSize int

	// NumWorkers is the number of goroutines decoding images within one
	// batch. 0 means one per CPU.
	NumWorkers int

	// BufferSize is how many decoded batches the loader keeps ready ahead
	// of Yield. 0 disables read-ahead; batches are then decoded on demand.
	BufferSize int
}

// BatchLoader walks the sampler's per-epoch order and assembles fixed-size
// batches of decoded samples. It implements train.Dataset; epochs advance
// through SetEpoch, and Reset replays the current epoch from the start.
//
// Batches follow the sampler order exactly: samples within a batch are
// decoded by parallel workers into position-indexed slots, and read-ahead
// (BufferSize > 0) produces whole batches in order from a single background
// goroutine. Parallelism never perturbs what the trainer sees.
type BatchLoader struct {
	name       string
	ds         *ImageDataset
	sampler    *DistributedSampler
	batchSize  int
	numWorkers int
	bufferSize int

	mu    sync.Mutex
	epoch int
	order []int
	next  int

	// Read-ahead state; nil while no producer runs.
	buffer chan batchResult
	stop   chan struct{}
	done   chan struct{}
}

type batchResult struct {
	inputs, labels *tensors.Tensor
	err            error
}

var (
	_ train.Dataset     = (*BatchLoader)(nil)
	_ train.EpochSetter = (*BatchLoader)(nil)
)

// NewBatchLoader builds a loader over the dataset following the sampler's
// order. It panics if the pieces do not fit together; that is a programming
// error, not a runtime condition.
func NewBatchLoader(ds *ImageDataset, sampler *DistributedSampler, cfg BatchConfig) *BatchLoader {
	if ds == nil || sampler == nil {
		exceptions.Panicf("datasets.NewBatchLoader: dataset and sampler must not be nil")
	}
	if cfg.BatchSize < 1 {
		exceptions.Panicf("datasets.NewBatchLoader: BatchSize must be >= 1, got %d", cfg.BatchSize)
	}
	if sampler.total != ds.Len() {
		exceptions.Panicf("datasets.NewBatchLoader: sampler covers %d samples, dataset has %d",
			sampler.total, ds.Len())
	}
	name := cfg.Name
	if name == "" {
		name = "images"
	}
	workers := cfg.NumWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	l := &BatchLoader{
		name:       name,
		ds:         ds,
		sampler:    sampler,
		batchSize:  cfg.BatchSize,
		numWorkers: workers,
		bufferSize: cfg.BufferSize,
	}
	l.order = sampler.OrderFor(0)
	return l
}

// Name implements train.Dataset.
func (l *BatchLoader) Name() string { return l.name }

// Epoch returns the epoch whose order the loader is currently serving.
func (l *BatchLoader) Epoch() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}

// StepsPerEpoch is the number of batches one epoch yields.
func (l *BatchLoader) StepsPerEpoch() int {
	return (l.sampler.ShardLen() + l.batchSize - 1) / l.batchSize
}

// SetEpoch implements train.EpochSetter: the loader jumps to the given
// epoch's sample order, restarting from its beginning. Any read-ahead from
// the previous order is discarded.
func (l *BatchLoader) SetEpoch(epoch int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopPrefetchLocked()
	l.epoch = epoch
	l.order = l.sampler.OrderFor(epoch)
	l.next = 0
}

// Reset implements train.Dataset: it replays the current epoch's order from
// the start.
func (l *BatchLoader) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopPrefetchLocked()
	l.order = l.sampler.OrderFor(l.epoch)
	l.next = 0
	return nil
}

// Yield implements train.Dataset: the next batch in sampler order, or io.EOF
// once the epoch's positions are exhausted. Decode failures surface as
// *DecodeError.
func (l *BatchLoader) Yield() (inputs, labels *tensors.Tensor, err error) {
	if l.bufferSize <= 0 {
		positions := l.take()
		if len(positions) == 0 {
			return nil, nil, io.EOF
		}
		return l.loadBatch(positions)
	}

	l.mu.Lock()
	if l.buffer == nil {
		l.startPrefetchLocked()
	}
	buffer := l.buffer
	l.mu.Unlock()

	res, ok := <-buffer
	if !ok {
		return nil, nil, io.EOF
	}
	return res.inputs, res.labels, res.err
}

// take claims the next batch's positions under the lock.
func (l *BatchLoader) take() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := l.next
	end := min(start+l.batchSize, len(l.order))
	l.next = end
	return l.order[start:end]
}

// startPrefetchLocked launches the producer goroutine. Caller holds l.mu.
// The producer works off a snapshot of the order and cursor, so it never
// touches the lock; stopping it is therefore deadlock-free.
func (l *BatchLoader) startPrefetchLocked() {
	l.buffer = make(chan batchResult, l.bufferSize)
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.prefetch(l.order, l.next, l.buffer, l.stop, l.done)
}

// stopPrefetchLocked halts the producer and discards whatever it buffered.
// Caller holds l.mu.
func (l *BatchLoader) stopPrefetchLocked() {
	if l.buffer == nil {
		return
	}
	close(l.stop)
	<-l.done
	l.buffer, l.stop, l.done = nil, nil, nil
}

// prefetch produces batches in order until the epoch ends, an error occurs,
// or stop closes. It closes buffer on the way out, which Yield reads as
// io.EOF.
func (l *BatchLoader) prefetch(order []int, next int, buffer chan batchResult, stop, done chan struct{}) {
	defer close(done)
	defer close(buffer)
	for next < len(order) {
		end := min(next+l.batchSize, len(order))
		inputs, labels, err := l.loadBatch(order[next:end])
		next = end
		select {
		case buffer <- batchResult{inputs: inputs, labels: labels, err: err}:
			if err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// loadBatch decodes the given positions in parallel and stacks them into
// [n, Height, Width, Channels] inputs plus [n] labels. Workers write into
// position-indexed slots, so the batch keeps the sampler's order no matter
// how decoding interleaves. The first failing sample aborts the batch.
func (l *BatchLoader) loadBatch(positions []int) (inputs, labels *tensors.Tensor, err error) {
	n := len(positions)
	samples := make([]*tensors.Tensor, n)
	labelData := make([]float32, n)
	decodeErrs := make([]error, n)

	workers := min(l.numWorkers, n)
	jobs := make(chan int, n)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				sample, label, err := l.ds.Get(positions[i])
				if err != nil {
					decodeErrs[i] = err
					continue
				}
				samples[i] = sample
				labelData[i] = float32(label)
			}
		}()
	}
	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, derr := range decodeErrs {
		if derr != nil {
			return nil, nil, derr
		}
	}

	sampleShape := samples[0].Shape()
	for i, sample := range samples {
		if !sample.Shape().Equal(sampleShape) {
			return nil, nil, errors.Errorf(
				"batch does not stack: sample at position %d has shape %s, the batch started with %s",
				positions[i], sample.Shape(), sampleShape)
		}
	}

	dims := append([]int{n}, sampleShape.Dimensions...)
	inputs = tensors.FromShape(shapes.Make(dims...))
	inputs.MutableFlatData(func(flat []float32) {
		stride := sampleShape.Size()
		for i, sample := range samples {
			sample.ConstFlatData(func(src []float32) {
				copy(flat[i*stride:(i+1)*stride], src)
			})
		}
	})
	labels = tensors.FromFlatDataAndDimensions(labelData, n)
	return inputs, labels, nil
}
