package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-seg/datasets"
)

// Loss computes a scalar loss and its gradient with respect to per-pixel
// class scores. Scores are NKHW, labels are flat NHW class indices. Pixels
// labeled with the ignore index contribute nothing to loss or gradient.
type Loss interface {
	Compute(scores []float32, shape []int, labels []int32) (float64, []float32, error)
	Name() string
}

// NewLoss builds a loss by kind name.
func NewLoss(kind string) (Loss, error) {
	switch kind {
	case "cross_entropy":
		return &CrossEntropyLoss{Ignore: datasets.IgnoreLabel}, nil
	case "focal_loss":
		return &FocalLoss{Gamma: 2, Ignore: datasets.IgnoreLabel}, nil
	default:
		return nil, fmt.Errorf("unsupported loss type: %s", kind)
	}
}

// CrossEntropyLoss is per-pixel softmax cross-entropy, averaged over the
// non-ignored pixels of the batch.
type CrossEntropyLoss struct {
	Ignore int32
}

func (l *CrossEntropyLoss) Name() string { return "cross_entropy" }

func (l *CrossEntropyLoss) Compute(scores []float32, shape []int, labels []int32) (float64, []float32, error) {
	return computePixelLoss(scores, shape, labels, l.Ignore, func(pt float64) (float64, float64) {
		// loss and the factor f such that dL/dz_k = f * (p_k - onehot_k)
		return -math.Log(pt), 1
	})
}

// FocalLoss down-weights well-classified pixels: -(1-pt)^gamma * log(pt).
type FocalLoss struct {
	Gamma  float64
	Ignore int32
}

func (l *FocalLoss) Name() string { return "focal_loss" }

func (l *FocalLoss) Compute(scores []float32, shape []int, labels []int32) (float64, []float32, error) {
	gamma := l.Gamma
	return computePixelLoss(scores, shape, labels, l.Ignore, func(pt float64) (float64, float64) {
		onemp := 1 - pt
		loss := math.Pow(onemp, gamma) * -math.Log(pt)
		// d/dz_k of -(1-pt)^g log(pt) expands to
		//   (1-pt)^(g-1) * ((1-pt) - g*pt*log(pt)) * (p_k - onehot_k)
		factor := math.Pow(onemp, gamma-1) * (onemp - gamma*pt*math.Log(pt))
		return loss, factor
	})
}

// computePixelLoss runs the shared softmax machinery. pointLoss maps the
// probability assigned to the true class to (loss, gradFactor) where the
// gradient at the pixel is gradFactor * (softmax - onehot).
func computePixelLoss(scores []float32, shape []int, labels []int32, ignore int32,
	pointLoss func(pt float64) (float64, float64)) (float64, []float32, error) {

	if len(shape) != 4 {
		return 0, nil, fmt.Errorf("expected NKHW score shape, got %v", shape)
	}
	batch, classes, height, width := shape[0], shape[1], shape[2], shape[3]
	pixels := height * width
	if len(scores) != batch*classes*pixels {
		return 0, nil, fmt.Errorf("score length %d does not match shape %v", len(scores), shape)
	}
	if len(labels) != batch*pixels {
		return 0, nil, fmt.Errorf("label length %d does not match shape %v", len(labels), shape)
	}

	grad := make([]float32, len(scores))
	probs := make([]float64, classes)
	var totalLoss float64
	var counted int

	for n := 0; n < batch; n++ {
		imageBase := n * classes * pixels
		for p := 0; p < pixels; p++ {
			label := labels[n*pixels+p]
			if label == ignore {
				continue
			}
			if label < 0 || int(label) >= classes {
				return 0, nil, fmt.Errorf("label %d out of range for %d classes", label, classes)
			}

			// numerically stable softmax over the class axis
			maxScore := float64(scores[imageBase+p])
			for k := 1; k < classes; k++ {
				if s := float64(scores[imageBase+k*pixels+p]); s > maxScore {
					maxScore = s
				}
			}
			var sum float64
			for k := 0; k < classes; k++ {
				e := math.Exp(float64(scores[imageBase+k*pixels+p]) - maxScore)
				probs[k] = e
				sum += e
			}
			for k := 0; k < classes; k++ {
				probs[k] /= sum
			}

			pt := probs[label]
			if pt < 1e-12 {
				pt = 1e-12
			}
			loss, factor := pointLoss(pt)
			totalLoss += loss
			counted++

			for k := 0; k < classes; k++ {
				g := factor * probs[k]
				if int32(k) == label {
					g = factor * (probs[k] - 1)
				}
				grad[imageBase+k*pixels+p] = float32(g)
			}
		}
	}

	if counted == 0 {
		return 0, grad, nil
	}

	// mean over contributing pixels
	scale := float32(1.0 / float64(counted))
	for i := range grad {
		grad[i] *= scale
	}
	return totalLoss / float64(counted), grad, nil
}
