package training

import (
	"math"
	"testing"

	"github.com/tsawler/go-seg/datasets"
)

func TestCrossEntropyUniformScores(t *testing.T) {
	// all-equal scores over 4 classes: loss must be ln(4) per pixel
	shape := []int{1, 4, 2, 2}
	scores := make([]float32, 16)
	labels := []int32{0, 1, 2, 3}

	loss, grad, err := (&CrossEntropyLoss{Ignore: datasets.IgnoreLabel}).Compute(scores, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if math.Abs(loss-math.Log(4)) > 1e-6 {
		t.Errorf("expected loss ln(4)=%f, got %f", math.Log(4), loss)
	}
	if len(grad) != len(scores) {
		t.Fatalf("gradient length %d does not match scores %d", len(grad), len(scores))
	}

	// per pixel, gradient sums to zero (softmax minus onehot)
	pixels := 4
	for p := 0; p < pixels; p++ {
		var sum float64
		for k := 0; k < 4; k++ {
			sum += float64(grad[k*pixels+p])
		}
		if math.Abs(sum) > 1e-6 {
			t.Errorf("pixel %d gradient sum %f, expected 0", p, sum)
		}
	}
}

func TestCrossEntropyIgnoresVoidPixels(t *testing.T) {
	shape := []int{1, 3, 1, 2}
	scores := []float32{1, 2, 0.5, 0.1, -1, 3}
	labels := []int32{datasets.IgnoreLabel, 1}

	loss, grad, err := (&CrossEntropyLoss{Ignore: datasets.IgnoreLabel}).Compute(scores, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if loss <= 0 {
		t.Errorf("expected positive loss from the labeled pixel, got %f", loss)
	}
	// the void pixel (column 0) gets zero gradient in every class plane
	for k := 0; k < 3; k++ {
		if grad[k*2] != 0 {
			t.Errorf("void pixel got gradient %f in class %d", grad[k*2], k)
		}
	}
}

func TestCrossEntropyAllVoid(t *testing.T) {
	shape := []int{1, 2, 1, 1}
	loss, grad, err := (&CrossEntropyLoss{Ignore: datasets.IgnoreLabel}).Compute(
		[]float32{1, 2}, shape, []int32{datasets.IgnoreLabel})
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if loss != 0 {
		t.Errorf("expected zero loss, got %f", loss)
	}
	for i, g := range grad {
		if g != 0 {
			t.Errorf("expected zero gradient at %d, got %f", i, g)
		}
	}
}

func TestCrossEntropyRejectsBadLabels(t *testing.T) {
	shape := []int{1, 2, 1, 1}
	if _, _, err := (&CrossEntropyLoss{Ignore: datasets.IgnoreLabel}).Compute(
		[]float32{1, 2}, shape, []int32{5}); err == nil {
		t.Error("expected error for out-of-range label")
	}
}

func TestFocalLossDownWeightsConfidentPixels(t *testing.T) {
	// one very confident correct pixel, one uncertain pixel
	shape := []int{1, 2, 1, 1}
	confident := []float32{10, -10}
	uncertain := []float32{0.1, 0}
	labels := []int32{0}

	ce := &CrossEntropyLoss{Ignore: datasets.IgnoreLabel}
	fl := &FocalLoss{Gamma: 2, Ignore: datasets.IgnoreLabel}

	ceConf, _, err := ce.Compute(confident, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	flConf, _, err := fl.Compute(confident, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if flConf >= ceConf {
		t.Errorf("focal loss should be below cross-entropy on confident pixels: %g vs %g", flConf, ceConf)
	}

	flUnc, grad, err := fl.Compute(uncertain, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}
	if flUnc <= flConf {
		t.Errorf("uncertain pixel should cost more: %g vs %g", flUnc, flConf)
	}
	for _, g := range grad {
		if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
			t.Fatalf("non-finite gradient %f", g)
		}
	}
}

// Numerical check of the focal gradient on a single pixel.
func TestFocalLossGradient(t *testing.T) {
	shape := []int{1, 3, 1, 1}
	scores := []float32{0.3, -0.2, 0.7}
	labels := []int32{2}
	fl := &FocalLoss{Gamma: 2, Ignore: datasets.IgnoreLabel}

	_, grad, err := fl.Compute(scores, shape, labels)
	if err != nil {
		t.Fatalf("compute failed: %v", err)
	}

	const eps = 1e-3
	for k := 0; k < 3; k++ {
		bumped := make([]float32, 3)
		copy(bumped, scores)
		bumped[k] += eps
		plus, _, err := fl.Compute(bumped, shape, labels)
		if err != nil {
			t.Fatalf("compute failed: %v", err)
		}
		bumped[k] = scores[k] - eps
		minus, _, err := fl.Compute(bumped, shape, labels)
		if err != nil {
			t.Fatalf("compute failed: %v", err)
		}

		numeric := (plus - minus) / (2 * eps)
		if math.Abs(float64(grad[k])-numeric) > 1e-3 {
			t.Errorf("class %d: analytic %f, numeric %f", k, grad[k], numeric)
		}
	}
}

func TestNewLoss(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"cross_entropy", false},
		{"focal_loss", false},
		{"dice", true},
	}
	for _, tt := range tests {
		loss, err := NewLoss(tt.kind)
		if tt.wantErr {
			if err == nil {
				t.Errorf("expected error for %q", tt.kind)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for %q: %v", tt.kind, err)
			continue
		}
		if loss.Name() != tt.kind {
			t.Errorf("expected name %q, got %q", tt.kind, loss.Name())
		}
	}
}
