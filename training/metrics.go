package training

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// StreamMetrics accumulates a running confusion matrix over validation
// batches and derives segmentation scores from it.
type StreamMetrics struct {
	numClasses int
	hist       *mat.Dense // [true class][predicted class] pixel counts
}

// Score holds the derived segmentation metrics for one validation pass.
type Score struct {
	OverallAcc      float64
	MeanAcc         float64
	FreqWeightedAcc float64
	MeanIoU         float64
	ClassIoU        map[int]float64
}

// NewStreamMetrics creates a metrics accumulator for numClasses classes.
func NewStreamMetrics(numClasses int) *StreamMetrics {
	return &StreamMetrics{
		numClasses: numClasses,
		hist:       mat.NewDense(numClasses, numClasses, nil),
	}
}

// Reset clears the confusion matrix.
func (m *StreamMetrics) Reset() {
	m.hist.Zero()
}

// Update folds one batch of flat label and prediction maps into the
// confusion matrix. Pixels whose label is outside [0, numClasses) are
// ignored, which covers the void label.
func (m *StreamMetrics) Update(labels, preds []int32) error {
	if len(labels) != len(preds) {
		return fmt.Errorf("label and prediction lengths differ: %d vs %d", len(labels), len(preds))
	}
	for i, label := range labels {
		if label < 0 || int(label) >= m.numClasses {
			continue
		}
		pred := preds[i]
		if pred < 0 || int(pred) >= m.numClasses {
			return fmt.Errorf("prediction %d out of range for %d classes", pred, m.numClasses)
		}
		m.hist.Set(int(label), int(pred), m.hist.At(int(label), int(pred))+1)
	}
	return nil
}

// Results derives the segmentation scores from the accumulated matrix.
func (m *StreamMetrics) Results() Score {
	n := m.numClasses

	var total, diag float64
	rowSums := make([]float64, n)
	colSums := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			v := m.hist.At(i, j)
			total += v
			rowSums[i] += v
			colSums[j] += v
			if i == j {
				diag += v
			}
		}
	}

	score := Score{ClassIoU: make(map[int]float64, n)}
	if total == 0 {
		return score
	}
	score.OverallAcc = diag / total

	var accSum float64
	var accClasses int
	ious := make([]float64, 0, n)
	var iouSum float64
	for i := 0; i < n; i++ {
		if rowSums[i] > 0 {
			accSum += m.hist.At(i, i) / rowSums[i]
			accClasses++
		}
		union := rowSums[i] + colSums[i] - m.hist.At(i, i)
		iou := 0.0
		if union > 0 {
			iou = m.hist.At(i, i) / union
		}
		score.ClassIoU[i] = iou
		ious = append(ious, iou)
		iouSum += iou

		score.FreqWeightedAcc += (rowSums[i] / total) * iou
	}
	if accClasses > 0 {
		score.MeanAcc = accSum / float64(accClasses)
	}
	if len(ious) > 0 {
		score.MeanIoU = iouSum / float64(len(ious))
	}
	return score
}

// String formats the headline metrics, one per line.
func (s Score) String() string {
	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "Overall Acc: %f\n", s.OverallAcc)
	fmt.Fprintf(&b, "Mean Acc: %f\n", s.MeanAcc)
	fmt.Fprintf(&b, "FreqW Acc: %f\n", s.FreqWeightedAcc)
	fmt.Fprintf(&b, "Mean IoU: %f\n", s.MeanIoU)
	return b.String()
}

// ClassIoUTable returns the per-class IoU as sorted (class, IoU) rows for
// table logging.
func (s Score) ClassIoUTable() [][]string {
	classes := make([]int, 0, len(s.ClassIoU))
	for c := range s.ClassIoU {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	rows := make([][]string, 0, len(classes))
	for _, c := range classes {
		rows = append(rows, []string{fmt.Sprintf("%d", c), fmt.Sprintf("%f", s.ClassIoU[c])})
	}
	return rows
}
