package training

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/tsawler/go-seg/datasets"
)

// CurveRecorder accumulates per-iteration training curves and renders them
// to PNG files with gonum/plot.
type CurveRecorder struct {
	loss    plotter.XYs
	meanIoU plotter.XYs
	lr      plotter.XYs
}

// NewCurveRecorder creates an empty recorder.
func NewCurveRecorder() *CurveRecorder {
	return &CurveRecorder{}
}

// RecordLoss appends a training loss observation.
func (r *CurveRecorder) RecordLoss(iter int, loss float64) {
	r.loss = append(r.loss, plotter.XY{X: float64(iter), Y: loss})
}

// RecordScore appends a validation Mean IoU observation.
func (r *CurveRecorder) RecordScore(iter int, meanIoU float64) {
	r.meanIoU = append(r.meanIoU, plotter.XY{X: float64(iter), Y: meanIoU})
}

// RecordLR appends a learning rate observation.
func (r *CurveRecorder) RecordLR(iter int, lr float64) {
	r.lr = append(r.lr, plotter.XY{X: float64(iter), Y: lr})
}

// Render writes the recorded curves as PNG files under dir. Curves with no
// data are skipped.
func (r *CurveRecorder) Render(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create plot directory: %v", err)
	}

	curves := []struct {
		name   string
		yLabel string
		data   plotter.XYs
	}{
		{"train_loss", "Loss", r.loss},
		{"val_mean_iou", "Mean IoU", r.meanIoU},
		{"learning_rate", "Learning Rate", r.lr},
	}
	for _, c := range curves {
		if len(c.data) == 0 {
			continue
		}
		p := plot.New()
		p.Title.Text = c.name
		p.X.Label.Text = "Iteration"
		p.Y.Label.Text = c.yLabel
		if err := plotutil.AddLinePoints(p, c.name, c.data); err != nil {
			return fmt.Errorf("failed to build %s plot: %v", c.name, err)
		}
		path := filepath.Join(dir, c.name+".png")
		if err := p.Save(6*vg.Inch, 4*vg.Inch, path); err != nil {
			return fmt.Errorf("failed to save %s: %v", path, err)
		}
	}
	return nil
}

// EncodeImagePNG converts a CHW float32 image in [0, 1] to PNG bytes.
func EncodeImagePNG(data []float32, shape []int) ([]byte, error) {
	if len(shape) != 3 || shape[0] != 3 {
		return nil, fmt.Errorf("expected 3-channel CHW shape, got %v", shape)
	}
	h, w := shape[1], shape[2]
	pixels := h * w
	if len(data) != 3*pixels {
		return nil, fmt.Errorf("image length %d does not match shape %v", len(data), shape)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			img.Set(x, y, color.RGBA{
				R: clampByte(data[p]),
				G: clampByte(data[pixels+p]),
				B: clampByte(data[2*pixels+p]),
				A: 255,
			})
		}
	}
	return encodePNG(img)
}

// EncodeLabelPNG colorizes a flat HW label map with the dataset decoder and
// encodes it as PNG.
func EncodeLabelPNG(label []int32, h, w int, decode datasets.DecodeFunc) ([]byte, error) {
	if len(label) != h*w {
		return nil, fmt.Errorf("label length %d does not match %dx%d", len(label), h, w)
	}
	rgb := decode(label, h, w)

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := y*w + x
			img.Set(x, y, color.RGBA{R: rgb[3*p], G: rgb[3*p+1], B: rgb[3*p+2], A: 255})
		}
	}
	return encodePNG(img)
}

// ResultsWriter persists validation samples as (image, target, prediction)
// PNG triples under a results directory.
type ResultsWriter struct {
	dir    string
	decode datasets.DecodeFunc
	nextID int
}

// NewResultsWriter creates a writer under dir using the dataset's decoder.
func NewResultsWriter(dir string, decode datasets.DecodeFunc) *ResultsWriter {
	return &ResultsWriter{dir: dir, decode: decode}
}

// Write stores one sample triple and advances the file counter.
func (w *ResultsWriter) Write(sample Sample) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create results directory: %v", err)
	}
	h, width := sample.ImageShape[1], sample.ImageShape[2]

	imagePNG, err := EncodeImagePNG(sample.Image, sample.ImageShape)
	if err != nil {
		return err
	}
	targetPNG, err := EncodeLabelPNG(sample.Label, h, width, w.decode)
	if err != nil {
		return err
	}
	predPNG, err := EncodeLabelPNG(sample.Pred, h, width, w.decode)
	if err != nil {
		return err
	}

	for _, out := range []struct {
		suffix string
		data   []byte
	}{
		{"image", imagePNG},
		{"target", targetPNG},
		{"pred", predPNG},
	} {
		path := filepath.Join(w.dir, fmt.Sprintf("%d_%s.png", w.nextID, out.suffix))
		if err := os.WriteFile(path, out.data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %v", path, err)
		}
	}
	w.nextID++
	return nil
}

func clampByte(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %v", err)
	}
	return buf.Bytes(), nil
}
