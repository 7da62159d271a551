package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tsawler/go-seg/datasets"
)

// ErrEndOfEpoch is returned by Next once every batch of the epoch has been
// delivered.
var ErrEndOfEpoch = errors.New("end of epoch")

// Batch is one collated mini-batch of images and label maps.
type Batch struct {
	Images     []float32
	Shape      []int // NCHW
	Labels     []int32
	LabelShape []int // NHW
}

// LoaderConfig configures batching and prefetch behavior.
type LoaderConfig struct {
	BatchSize  int
	Shuffle    bool
	DropLast   bool
	NumWorkers int
	Seed       int64
}

// Loader batches a dataset and prefetches batches on a worker pool. The API
// is synchronous: Reset starts an epoch, Next blocks until the next batch in
// order is ready, Stop tears the workers down at any point.
type Loader struct {
	dataset datasets.Dataset
	cfg     LoaderConfig
	rng     *rand.Rand

	batches [][]int
	results []chan batchResult
	cursor  int
	quit    chan struct{}
	wg      sync.WaitGroup
	running bool
}

type batchResult struct {
	batch *Batch
	err   error
}

// NewLoader creates a loader over dataset.
func NewLoader(dataset datasets.Dataset, cfg LoaderConfig) (*Loader, error) {
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return &Loader{
		dataset: dataset,
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// NumBatches returns the number of batches one epoch yields.
func (l *Loader) NumBatches() int {
	n := l.dataset.Len() / l.cfg.BatchSize
	if !l.cfg.DropLast && l.dataset.Len()%l.cfg.BatchSize != 0 {
		n++
	}
	return n
}

// Reset starts a fresh epoch, reshuffling if configured and spinning up the
// prefetch workers.
func (l *Loader) Reset() {
	l.Stop()

	order := make([]int, l.dataset.Len())
	for i := range order {
		order[i] = i
	}
	if l.cfg.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}

	numBatches := l.NumBatches()
	l.batches = make([][]int, 0, numBatches)
	for b := 0; b < numBatches; b++ {
		start := b * l.cfg.BatchSize
		end := start + l.cfg.BatchSize
		if end > len(order) {
			end = len(order)
		}
		l.batches = append(l.batches, order[start:end])
	}

	l.cursor = 0
	l.quit = make(chan struct{})
	l.results = make([]chan batchResult, numBatches)
	for i := range l.results {
		l.results[i] = make(chan batchResult, 1)
	}

	jobs := make(chan int, numBatches)
	for i := 0; i < numBatches; i++ {
		jobs <- i
	}
	close(jobs)

	for w := 0; w < l.cfg.NumWorkers; w++ {
		l.wg.Add(1)
		go l.worker(jobs)
	}
	l.running = true
}

// worker assembles batches from the job queue. Each result channel is
// buffered, so delivery never blocks and Stop can always win.
func (l *Loader) worker(jobs <-chan int) {
	defer l.wg.Done()
	for idx := range jobs {
		select {
		case <-l.quit:
			return
		default:
		}
		batch, err := l.collate(l.batches[idx])
		l.results[idx] <- batchResult{batch: batch, err: err}
	}
}

// collate assembles one batch. Every sample in a batch must share one CHW
// shape; variable-size samples need a batch size of one.
func (l *Loader) collate(indices []int) (*Batch, error) {
	var batch *Batch
	var c, h, w int

	for i, idx := range indices {
		image, shape, label, err := l.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		if len(shape) != 3 {
			return nil, fmt.Errorf("sample %d has non-CHW shape %v", idx, shape)
		}

		if i == 0 {
			c, h, w = shape[0], shape[1], shape[2]
			batch = &Batch{
				Images:     make([]float32, 0, len(indices)*c*h*w),
				Shape:      []int{len(indices), c, h, w},
				Labels:     make([]int32, 0, len(indices)*h*w),
				LabelShape: []int{len(indices), h, w},
			}
		} else if shape[0] != c || shape[1] != h || shape[2] != w {
			return nil, fmt.Errorf("sample %d shape %v does not match batch shape [%d %d %d]",
				idx, shape, c, h, w)
		}

		batch.Images = append(batch.Images, image...)
		batch.Labels = append(batch.Labels, label...)
	}
	return batch, nil
}

// Next returns the next batch of the epoch in order, blocking until the
// prefetch workers have produced it. It returns ErrEndOfEpoch when the epoch
// is exhausted.
func (l *Loader) Next() (*Batch, error) {
	if !l.running {
		return nil, errors.New("loader is not running; call Reset first")
	}
	if l.cursor >= len(l.results) {
		return nil, ErrEndOfEpoch
	}
	res := <-l.results[l.cursor]
	l.cursor++
	if res.err != nil {
		return nil, res.err
	}
	return res.batch, nil
}

// Stop terminates the prefetch workers. Safe to call at any time, including
// mid-epoch and on an idle loader.
func (l *Loader) Stop() {
	if !l.running {
		return
	}
	close(l.quit)
	l.wg.Wait()
	l.running = false
}
