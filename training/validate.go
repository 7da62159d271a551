package training

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"gorgonia.org/tensor"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/models"
)

// Sample is one validation example kept aside for visualization.
type Sample struct {
	Image      []float32
	ImageShape []int // CHW
	Label      []int32
	Pred       []int32
}

// Argmax reduces NKHW class scores to flat NHW predicted class indices.
func Argmax(scores []float32, shape []int) ([]int32, error) {
	if len(shape) != 4 {
		return nil, fmt.Errorf("expected NKHW score shape, got %v", shape)
	}
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(scores))
	am, err := t.Argmax(1)
	if err != nil {
		return nil, errors.Wrap(err, "argmax over class axis failed")
	}
	idxs, ok := am.Data().([]int)
	if !ok {
		return nil, fmt.Errorf("unexpected argmax backing type %T", am.Data())
	}
	preds := make([]int32, len(idxs))
	for i, v := range idxs {
		preds[i] = int32(v)
	}
	return preds, nil
}

// ValidationRunner evaluates a model over a validation loader, accumulating
// a confusion matrix and optionally retaining samples for visualization.
type ValidationRunner struct {
	metrics   *StreamMetrics
	sampleIDs map[int]bool
}

// NewValidationRunner creates a runner that retains the first image of each
// listed validation batch for visualization. The indices are fixed at
// construction so every pass tracks the same samples.
func NewValidationRunner(numClasses int, sampleIDs []int) *ValidationRunner {
	ids := make(map[int]bool, len(sampleIDs))
	for _, id := range sampleIDs {
		ids[id] = true
	}
	return &ValidationRunner{
		metrics:   NewStreamMetrics(numClasses),
		sampleIDs: ids,
	}
}

// Run performs one full validation pass. The model is switched to evaluation
// mode for the duration of the pass and back to training mode before return.
func (r *ValidationRunner) Run(model models.Model, loader *Loader) (Score, []Sample, error) {
	model.Eval()
	defer model.Train()

	r.metrics.Reset()
	loader.Reset()
	defer loader.Stop()

	var samples []Sample
	for batchIdx := 0; ; batchIdx++ {
		batch, err := loader.Next()
		if errors.Is(err, ErrEndOfEpoch) {
			break
		}
		if err != nil {
			return Score{}, nil, err
		}

		scores, scoreShape, err := forwardBatch(model, batch)
		if err != nil {
			return Score{}, nil, err
		}
		preds, err := Argmax(scores, scoreShape)
		if err != nil {
			return Score{}, nil, err
		}
		if err := r.metrics.Update(batch.Labels, preds); err != nil {
			return Score{}, nil, err
		}

		if r.sampleIDs[batchIdx] {
			samples = append(samples, firstSample(batch, preds))
		}
	}
	return r.metrics.Results(), samples, nil
}

// firstSample slices the first image of a batch into a retained sample.
func firstSample(batch *Batch, preds []int32) Sample {
	c, h, w := batch.Shape[1], batch.Shape[2], batch.Shape[3]
	pixels := h * w
	return Sample{
		Image:      batch.Images[:c*pixels],
		ImageShape: []int{c, h, w},
		Label:      batch.Labels[:pixels],
		Pred:       preds[:pixels],
	}
}

// forwardBatch runs the model and verifies the returned score shape against
// the batch.
func forwardBatch(model models.Model, batch *Batch) ([]float32, []int, error) {
	scores, err := model.Forward(batch.Images, batch.Shape)
	if err != nil {
		return nil, nil, errors.Wrap(err, "forward pass failed")
	}
	n, h, w := batch.Shape[0], batch.Shape[2], batch.Shape[3]
	k := model.NumClasses()
	if len(scores) != n*k*h*w {
		return nil, nil, fmt.Errorf("model returned %d scores, expected %d", len(scores), n*k*h*w)
	}
	return scores, []int{n, k, h, w}, nil
}

// Snapshotter produces a checkpoint bundle of the current training state.
// Passing the capability explicitly keeps best-model saving free of hidden
// references to trainer internals.
type Snapshotter interface {
	Snapshot() (*checkpoints.Checkpoint, error)
}

// BestModelSelector tracks the best Mean IoU seen so far and persists a
// checkpoint through the manager whenever it is strictly exceeded.
type BestModelSelector struct {
	best    float64
	manager *checkpoints.Manager
}

// NewBestModelSelector creates a selector seeded with an initial best score,
// typically restored from a checkpoint.
func NewBestModelSelector(manager *checkpoints.Manager, initialBest float64) *BestModelSelector {
	return &BestModelSelector{best: initialBest, manager: manager}
}

// Best returns the highest Mean IoU observed so far.
func (s *BestModelSelector) Best() float64 {
	return s.best
}

// Observe compares a validation score against the running best. Ties and
// regressions leave the best checkpoint untouched.
func (s *BestModelSelector) Observe(meanIoU float64, snap Snapshotter) (bool, error) {
	if meanIoU <= s.best {
		return false, nil
	}
	s.best = meanIoU
	ckpt, err := snap.Snapshot()
	if err != nil {
		return true, errors.Wrap(err, "failed to snapshot best model")
	}
	ckpt.BestScore = s.best
	if err := s.manager.SaveBest(ckpt); err != nil {
		return true, err
	}
	return true, nil
}
