package datasets

import (
	"fmt"
	"math/rand"
)

// SliceDataset serves samples held fully in memory. Primarily used by tests
// and small-scale experiments.
type SliceDataset struct {
	images [][]float32
	labels [][]int32
	shape  []int // per-sample CHW shape
}

// NewSliceDataset wraps pre-built samples. All samples share one CHW shape.
func NewSliceDataset(images [][]float32, labels [][]int32, shape []int) (*SliceDataset, error) {
	if len(images) != len(labels) {
		return nil, fmt.Errorf("images and labels must have the same length: got %d and %d", len(images), len(labels))
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected CHW sample shape, got %v", shape)
	}
	return &SliceDataset{images: images, labels: labels, shape: shape}, nil
}

// Len returns the number of samples in the dataset.
func (ds *SliceDataset) Len() int { return len(ds.images) }

// Get returns the sample at idx.
func (ds *SliceDataset) Get(idx int) ([]float32, []int, []int32, error) {
	if idx < 0 || idx >= len(ds.images) {
		return nil, nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.images))
	}
	return ds.images[idx], ds.shape, ds.labels[idx], nil
}

// SyntheticDataset generates seeded random samples on demand. Every call to
// Get with the same index yields the same sample, so epochs are repeatable.
type SyntheticDataset struct {
	size       int
	height     int
	width      int
	numClasses int
	seed       int64
}

// NewSyntheticDataset creates a random dataset of size samples with HxW images.
func NewSyntheticDataset(size, height, width, numClasses int, seed int64) *SyntheticDataset {
	return &SyntheticDataset{
		size:       size,
		height:     height,
		width:      width,
		numClasses: numClasses,
		seed:       seed,
	}
}

// Len returns the number of samples in the dataset.
func (ds *SyntheticDataset) Len() int { return ds.size }

// Get generates the sample at idx.
func (ds *SyntheticDataset) Get(idx int) ([]float32, []int, []int32, error) {
	if idx < 0 || idx >= ds.size {
		return nil, nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, ds.size)
	}

	rng := rand.New(rand.NewSource(ds.seed + int64(idx)))
	pixels := ds.height * ds.width

	image := make([]float32, 3*pixels)
	for i := range image {
		image[i] = rng.Float32()
	}

	label := make([]int32, pixels)
	for i := range label {
		label[i] = int32(rng.Intn(ds.numClasses))
	}

	return image, []int{3, ds.height, ds.width}, label, nil
}
