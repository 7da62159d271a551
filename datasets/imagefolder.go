package datasets

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ImageFolderDataset reads (image, mask) pairs from disk. The expected layout
// under root is
//
//	<root>/<split>/images/<name>.(png|jpg|jpeg)
//	<root>/<split>/masks/<name>.png
//
// where each mask pixel's red channel holds the class index (255 = void).
type ImageFolderDataset struct {
	imagePaths []string
	maskPaths  []string
}

// OpenImageFolder scans root/split and pairs images with their masks.
func OpenImageFolder(root, split string) (*ImageFolderDataset, error) {
	imageDir := filepath.Join(root, split, "images")
	maskDir := filepath.Join(root, split, "masks")

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read image directory %s: %v", imageDir, err)
	}

	ds := &ImageFolderDataset{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		maskPath := filepath.Join(maskDir, stem+".png")
		if _, err := os.Stat(maskPath); err != nil {
			continue // unlabeled image
		}
		ds.imagePaths = append(ds.imagePaths, filepath.Join(imageDir, name))
		ds.maskPaths = append(ds.maskPaths, maskPath)
	}

	if len(ds.imagePaths) == 0 {
		return nil, fmt.Errorf("no (image, mask) pairs found under %s", filepath.Join(root, split))
	}

	sort.Sort(byImagePath{ds})
	return ds, nil
}

// Len returns the number of paired samples.
func (ds *ImageFolderDataset) Len() int { return len(ds.imagePaths) }

// Get loads and decodes the sample at idx.
func (ds *ImageFolderDataset) Get(idx int) ([]float32, []int, []int32, error) {
	if idx < 0 || idx >= len(ds.imagePaths) {
		return nil, nil, nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.imagePaths))
	}

	img, err := decodeImageFile(ds.imagePaths[idx])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to decode image %s: %v", ds.imagePaths[idx], err)
	}
	mask, err := decodeImageFile(ds.maskPaths[idx])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to decode mask %s: %v", ds.maskPaths[idx], err)
	}

	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	if mb := mask.Bounds(); mb.Dy() != h || mb.Dx() != w {
		return nil, nil, nil, fmt.Errorf("mask size %dx%d does not match image size %dx%d for %s",
			mb.Dx(), mb.Dy(), w, h, ds.imagePaths[idx])
	}

	imgData, label := ImageToTensors(img, mask)
	return imgData, []int{3, h, w}, label, nil
}

// ImageToTensors converts a decoded image and mask into CHW float32 pixels in
// [0, 1] and an HW int32 label map taken from the mask's red channel.
func ImageToTensors(img, mask image.Image) ([]float32, []int32) {
	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	pixels := h * w

	data := make([]float32, 3*pixels)
	var label []int32
	if mask != nil {
		label = make([]int32, pixels)
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			data[p] = float32(r>>8) / 255.0
			data[pixels+p] = float32(g>>8) / 255.0
			data[2*pixels+p] = float32(b>>8) / 255.0
			if mask != nil {
				mr, _, _, _ := mask.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
				label[p] = int32(mr >> 8)
			}
		}
	}
	return data, label
}

func decodeImageFile(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	return img, err
}

// byImagePath sorts the paired path slices together for deterministic order.
type byImagePath struct{ ds *ImageFolderDataset }

func (s byImagePath) Len() int { return len(s.ds.imagePaths) }
func (s byImagePath) Less(i, j int) bool {
	return s.ds.imagePaths[i] < s.ds.imagePaths[j]
}
func (s byImagePath) Swap(i, j int) {
	s.ds.imagePaths[i], s.ds.imagePaths[j] = s.ds.imagePaths[j], s.ds.imagePaths[i]
	s.ds.maskPaths[i], s.ds.maskPaths[j] = s.ds.maskPaths[j], s.ds.maskPaths[i]
}
