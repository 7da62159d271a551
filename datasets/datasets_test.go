package datasets

import (
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		dataset    string
		numClasses int
		wantErr    bool
	}{
		{"voc", "voc", 21, false},
		{"cityscapes", "cityscapes", 19, false},
		{"unknown", "ade20k", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := Resolve(tt.dataset)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for dataset %q", tt.dataset)
				}
				if !errors.Is(err, ErrUnknownDataset) {
					t.Errorf("expected ErrUnknownDataset, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if info.NumClasses != tt.numClasses {
				t.Errorf("expected %d classes, got %d", tt.numClasses, info.NumClasses)
			}
		})
	}
}

func TestDecoderColorizesVoid(t *testing.T) {
	for _, name := range []string{VOC, Cityscapes} {
		decode, err := Decoder(name)
		if err != nil {
			t.Fatalf("decoder for %s failed: %v", name, err)
		}

		label := []int32{0, 1, IgnoreLabel, 2}
		rgb := decode(label, 2, 2)
		if len(rgb) != 12 {
			t.Fatalf("%s: expected 12 RGB bytes, got %d", name, len(rgb))
		}
		// class 1 and class 2 must map to distinct colors
		same := rgb[3] == rgb[9] && rgb[4] == rgb[10] && rgb[5] == rgb[11]
		if same {
			t.Errorf("%s: classes 1 and 2 share a color", name)
		}
	}
}

func TestSyntheticDatasetRepeatable(t *testing.T) {
	ds := NewSyntheticDataset(10, 4, 4, 3, 99)
	if ds.Len() != 10 {
		t.Fatalf("expected 10 samples, got %d", ds.Len())
	}

	imageA, shapeA, labelA, err := ds.Get(3)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	imageB, _, labelB, err := ds.Get(3)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}

	if shapeA[0] != 3 || shapeA[1] != 4 || shapeA[2] != 4 {
		t.Errorf("unexpected shape %v", shapeA)
	}
	for i := range imageA {
		if imageA[i] != imageB[i] {
			t.Fatalf("images differ at %d", i)
		}
	}
	for i := range labelA {
		if labelA[i] != labelB[i] {
			t.Fatalf("labels differ at %d", i)
		}
		if labelA[i] < 0 || labelA[i] >= 3 {
			t.Fatalf("label %d out of range", labelA[i])
		}
	}

	if _, _, _, err := ds.Get(10); err == nil {
		t.Error("expected out-of-range error")
	}
}

func TestSliceDatasetValidation(t *testing.T) {
	if _, err := NewSliceDataset(make([][]float32, 2), make([][]int32, 1), []int{3, 2, 2}); err == nil {
		t.Error("expected length mismatch error")
	}
	if _, err := NewSliceDataset(nil, nil, []int{2, 2}); err == nil {
		t.Error("expected shape error")
	}
}
