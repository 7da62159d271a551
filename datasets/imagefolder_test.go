package datasets

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer file.Close()
	if err := png.Encode(file, img); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
}

func makeSplit(t *testing.T, root, split string, names []string) {
	t.Helper()
	for i, name := range names {
		img := image.NewRGBA(image.Rect(0, 0, 4, 3))
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				img.Set(x, y, color.RGBA{R: uint8(i * 40), G: 100, B: 200, A: 255})
			}
		}
		writePNG(t, filepath.Join(root, split, "images", name+".png"), img)

		mask := image.NewRGBA(image.Rect(0, 0, 4, 3))
		for y := 0; y < 3; y++ {
			for x := 0; x < 4; x++ {
				mask.Set(x, y, color.RGBA{R: uint8(i % 3), A: 255})
			}
		}
		writePNG(t, filepath.Join(root, split, "masks", name+".png"), mask)
	}
}

func TestOpenImageFolder(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, "train", []string{"b", "a", "c"})

	ds, err := OpenImageFolder(root, "train")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if ds.Len() != 3 {
		t.Fatalf("expected 3 samples, got %d", ds.Len())
	}

	img, shape, label, err := ds.Get(0)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if shape[0] != 3 || shape[1] != 3 || shape[2] != 4 {
		t.Errorf("unexpected shape %v", shape)
	}
	if len(img) != 3*3*4 {
		t.Errorf("unexpected image length %d", len(img))
	}
	if len(label) != 3*4 {
		t.Errorf("unexpected label length %d", len(label))
	}
	// mask red channel carries the class index
	for _, l := range label {
		if l < 0 || l > 2 {
			t.Errorf("label %d out of range", l)
		}
	}
}

func TestOpenImageFolderSkipsUnpaired(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, "val", []string{"a"})
	// an image without a mask is skipped
	writePNG(t, filepath.Join(root, "val", "images", "orphan.png"),
		image.NewRGBA(image.Rect(0, 0, 4, 3)))

	ds, err := OpenImageFolder(root, "val")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if ds.Len() != 1 {
		t.Errorf("expected 1 paired sample, got %d", ds.Len())
	}
}

func TestOpenImageFolderEmpty(t *testing.T) {
	root := t.TempDir()
	if _, err := OpenImageFolder(root, "train"); err == nil {
		t.Error("expected error for missing split")
	}

	if err := os.MkdirAll(filepath.Join(root, "train", "images"), 0o755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if _, err := OpenImageFolder(root, "train"); err == nil {
		t.Error("expected error for empty split")
	}
}

func TestOpenImageFolderDeterministicOrder(t *testing.T) {
	root := t.TempDir()
	makeSplit(t, root, "train", []string{"z", "m", "a"})

	a, err := OpenImageFolder(root, "train")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	b, err := OpenImageFolder(root, "train")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for i := 0; i < a.Len(); i++ {
		imgA, _, _, _ := a.Get(i)
		imgB, _, _, _ := b.Get(i)
		for j := range imgA {
			if imgA[j] != imgB[j] {
				t.Fatalf("sample %d differs between identical opens", i)
			}
		}
	}
}
