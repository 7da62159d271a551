package training

import (
	"math"
	"strings"
	"testing"
)

func TestStreamMetricsPerfectPredictions(t *testing.T) {
	m := NewStreamMetrics(3)
	labels := []int32{0, 1, 2, 0, 1, 2}
	if err := m.Update(labels, labels); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	score := m.Results()
	if score.OverallAcc != 1 || score.MeanAcc != 1 || score.MeanIoU != 1 {
		t.Errorf("expected perfect scores, got %+v", score)
	}
	for c, iou := range score.ClassIoU {
		if iou != 1 {
			t.Errorf("class %d IoU %f, expected 1", c, iou)
		}
	}
}

func TestStreamMetricsIgnoresVoid(t *testing.T) {
	m := NewStreamMetrics(2)
	labels := []int32{0, 255, 1}
	preds := []int32{0, 1, 0}
	if err := m.Update(labels, preds); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	score := m.Results()
	// only two pixels count: one correct, one wrong
	if math.Abs(score.OverallAcc-0.5) > 1e-9 {
		t.Errorf("expected overall acc 0.5, got %f", score.OverallAcc)
	}
}

func TestStreamMetricsKnownMatrix(t *testing.T) {
	m := NewStreamMetrics(2)
	// class 0: 3 right, 1 predicted as class 1
	// class 1: 2 right, 2 predicted as class 0
	labels := []int32{0, 0, 0, 0, 1, 1, 1, 1}
	preds := []int32{0, 0, 0, 1, 1, 1, 0, 0}
	if err := m.Update(labels, preds); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	score := m.Results()
	if math.Abs(score.OverallAcc-5.0/8.0) > 1e-9 {
		t.Errorf("overall acc: expected 0.625, got %f", score.OverallAcc)
	}
	// IoU(0) = 3/(4+2-... ) = 3/(3+1+2) = 0.5, IoU(1) = 2/(2+2+1) = 0.4
	if math.Abs(score.ClassIoU[0]-0.5) > 1e-9 {
		t.Errorf("class 0 IoU: expected 0.5, got %f", score.ClassIoU[0])
	}
	if math.Abs(score.ClassIoU[1]-0.4) > 1e-9 {
		t.Errorf("class 1 IoU: expected 0.4, got %f", score.ClassIoU[1])
	}
	if math.Abs(score.MeanIoU-0.45) > 1e-9 {
		t.Errorf("mean IoU: expected 0.45, got %f", score.MeanIoU)
	}
}

func TestStreamMetricsAccumulatesAcrossBatches(t *testing.T) {
	a := NewStreamMetrics(2)
	b := NewStreamMetrics(2)

	labels := []int32{0, 0, 1, 1}
	preds := []int32{0, 1, 1, 0}
	if err := a.Update(labels, preds); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	for i := range labels {
		if err := b.Update(labels[i:i+1], preds[i:i+1]); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}
	if a.Results().MeanIoU != b.Results().MeanIoU {
		t.Error("batched and per-pixel accumulation disagree")
	}

	a.Reset()
	if a.Results().OverallAcc != 0 {
		t.Error("reset did not clear the matrix")
	}
}

func TestStreamMetricsRejectsBadPredictions(t *testing.T) {
	m := NewStreamMetrics(2)
	if err := m.Update([]int32{0}, []int32{7}); err == nil {
		t.Error("expected error for out-of-range prediction")
	}
	if err := m.Update([]int32{0, 1}, []int32{0}); err == nil {
		t.Error("expected error for length mismatch")
	}
}

func TestScoreString(t *testing.T) {
	score := Score{OverallAcc: 0.9, MeanAcc: 0.8, FreqWeightedAcc: 0.85, MeanIoU: 0.7}
	s := score.String()
	for _, want := range []string{"Overall Acc", "Mean Acc", "FreqW Acc", "Mean IoU"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in %q", want, s)
		}
	}
	if strings.Contains(s, "Class IoU") {
		t.Error("per-class IoU should not be in the headline string")
	}
}

func TestClassIoUTableSorted(t *testing.T) {
	score := Score{ClassIoU: map[int]float64{2: 0.2, 0: 0.5, 1: 0.3}}
	rows := score.ClassIoUTable()
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "0" || rows[1][0] != "1" || rows[2][0] != "2" {
		t.Errorf("rows not sorted by class: %v", rows)
	}
}
