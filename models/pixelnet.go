package models

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	inputChannels     = 3
	defaultHiddenSize = 32
)

// PixelLinear is a per-pixel linear classifier: a 1x1 projection from the
// input channels straight to class scores. It is the cheapest constructible
// model in the registry and serves as the reference implementation of the
// Model contract.
type PixelLinear struct {
	name         string
	numClasses   int
	outputStride int

	weight *Parameter // [numClasses, inputChannels]
	bias   *Parameter // [numClasses]

	// state of the most recent Forward call, consumed by Backward
	lastInput []float32
	lastShape []int

	training bool
}

// NewPixelLinear creates a pixel-wise linear segmentation model.
func NewPixelLinear(numClasses, outputStride int) (*PixelLinear, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("numClasses must be >= 2, got %d", numClasses)
	}
	m := &PixelLinear{
		name:         "pixel_linear",
		numClasses:   numClasses,
		outputStride: outputStride,
		weight:       newParameter("classifier.weight", numClasses, inputChannels),
		bias:         newParameter("classifier.bias", numClasses),
	}
	initUniform(m.weight, inputChannels)
	return m, nil
}

func (m *PixelLinear) Name() string { return m.name }
func (m *PixelLinear) NumClasses() int { return m.numClasses }
func (m *PixelLinear) Train() { m.training = true }
func (m *PixelLinear) Eval() { m.training = false }
func (m *PixelLinear) IsTraining() bool { return m.training }

// Parameters returns the learnable parameters in a stable order.
func (m *PixelLinear) Parameters() []*Parameter {
	return []*Parameter{m.weight, m.bias}
}

// Forward computes per-pixel class scores for an NCHW batch.
func (m *PixelLinear) Forward(images []float32, shape []int) ([]float32, error) {
	if err := checkImageShape(shape, inputChannels); err != nil {
		return nil, err
	}
	n, h, w := shape[0], shape[2], shape[3]
	pixels := h * w
	if len(images) != n*inputChannels*pixels {
		return nil, fmt.Errorf("image data length %d does not match shape %v", len(images), shape)
	}

	scores := make([]float32, n*m.numClasses*pixels)
	for b := 0; b < n; b++ {
		imgBase := b * inputChannels * pixels
		outBase := b * m.numClasses * pixels
		for k := 0; k < m.numClasses; k++ {
			wRow := m.weight.Data[k*inputChannels : (k+1)*inputChannels]
			bk := m.bias.Data[k]
			dst := scores[outBase+k*pixels : outBase+(k+1)*pixels]
			for p := 0; p < pixels; p++ {
				s := bk
				for c := 0; c < inputChannels; c++ {
					s += wRow[c] * images[imgBase+c*pixels+p]
				}
				dst[p] = s
			}
		}
	}

	m.lastInput = images
	m.lastShape = shape
	return scores, nil
}

// Backward accumulates parameter gradients from the score gradient of the
// most recent Forward call.
func (m *PixelLinear) Backward(scoreGrad []float32) error {
	if m.lastInput == nil {
		return fmt.Errorf("Backward called before Forward")
	}
	n, h, w := m.lastShape[0], m.lastShape[2], m.lastShape[3]
	pixels := h * w
	if len(scoreGrad) != n*m.numClasses*pixels {
		return fmt.Errorf("score gradient length %d does not match batch shape", len(scoreGrad))
	}

	for b := 0; b < n; b++ {
		imgBase := b * inputChannels * pixels
		gradBase := b * m.numClasses * pixels
		for k := 0; k < m.numClasses; k++ {
			gRow := scoreGrad[gradBase+k*pixels : gradBase+(k+1)*pixels]
			var gSum float32
			for p := 0; p < pixels; p++ {
				gSum += gRow[p]
			}
			m.bias.Grad[k] += gSum
			for c := 0; c < inputChannels; c++ {
				var acc float32
				img := m.lastInput[imgBase+c*pixels : imgBase+(c+1)*pixels]
				for p := 0; p < pixels; p++ {
					acc += gRow[p] * img[p]
				}
				m.weight.Grad[k*inputChannels+c] += acc
			}
		}
	}
	return nil
}

// PixelMLP adds one hidden ReLU layer between the input channels and the
// class scores, still applied independently per pixel.
type PixelMLP struct {
	name         string
	numClasses   int
	outputStride int
	hiddenSize   int

	hiddenWeight *Parameter // [hiddenSize, inputChannels]
	hiddenBias   *Parameter // [hiddenSize]
	outWeight    *Parameter // [numClasses, hiddenSize]
	outBias      *Parameter // [numClasses]

	lastInput  []float32
	lastHidden []float32 // post-ReLU activations, N x hiddenSize x H x W
	lastShape  []int

	training bool
}

// NewPixelMLP creates a pixel-wise MLP segmentation model.
func NewPixelMLP(numClasses, outputStride, hiddenSize int) (*PixelMLP, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("numClasses must be >= 2, got %d", numClasses)
	}
	if hiddenSize <= 0 {
		hiddenSize = defaultHiddenSize
	}
	m := &PixelMLP{
		name:         "pixel_mlp",
		numClasses:   numClasses,
		outputStride: outputStride,
		hiddenSize:   hiddenSize,
		hiddenWeight: newParameter("hidden.weight", hiddenSize, inputChannels),
		hiddenBias:   newParameter("hidden.bias", hiddenSize),
		outWeight:    newParameter("classifier.weight", numClasses, hiddenSize),
		outBias:      newParameter("classifier.bias", numClasses),
	}
	initUniform(m.hiddenWeight, inputChannels)
	initUniform(m.outWeight, hiddenSize)
	return m, nil
}

func (m *PixelMLP) Name() string { return m.name }
func (m *PixelMLP) NumClasses() int { return m.numClasses }
func (m *PixelMLP) Train() { m.training = true }
func (m *PixelMLP) Eval() { m.training = false }
func (m *PixelMLP) IsTraining() bool { return m.training }

// Parameters returns the learnable parameters in a stable order.
func (m *PixelMLP) Parameters() []*Parameter {
	return []*Parameter{m.hiddenWeight, m.hiddenBias, m.outWeight, m.outBias}
}

// Forward computes per-pixel class scores for an NCHW batch.
func (m *PixelMLP) Forward(images []float32, shape []int) ([]float32, error) {
	if err := checkImageShape(shape, inputChannels); err != nil {
		return nil, err
	}
	n, h, w := shape[0], shape[2], shape[3]
	pixels := h * w
	if len(images) != n*inputChannels*pixels {
		return nil, fmt.Errorf("image data length %d does not match shape %v", len(images), shape)
	}

	hidden := make([]float32, n*m.hiddenSize*pixels)
	scores := make([]float32, n*m.numClasses*pixels)

	for b := 0; b < n; b++ {
		imgBase := b * inputChannels * pixels
		hidBase := b * m.hiddenSize * pixels
		outBase := b * m.numClasses * pixels

		for j := 0; j < m.hiddenSize; j++ {
			wRow := m.hiddenWeight.Data[j*inputChannels : (j+1)*inputChannels]
			bj := m.hiddenBias.Data[j]
			dst := hidden[hidBase+j*pixels : hidBase+(j+1)*pixels]
			for p := 0; p < pixels; p++ {
				a := bj
				for c := 0; c < inputChannels; c++ {
					a += wRow[c] * images[imgBase+c*pixels+p]
				}
				if a < 0 {
					a = 0 // ReLU
				}
				dst[p] = a
			}
		}

		for k := 0; k < m.numClasses; k++ {
			wRow := m.outWeight.Data[k*m.hiddenSize : (k+1)*m.hiddenSize]
			bk := m.outBias.Data[k]
			dst := scores[outBase+k*pixels : outBase+(k+1)*pixels]
			for p := 0; p < pixels; p++ {
				s := bk
				for j := 0; j < m.hiddenSize; j++ {
					s += wRow[j] * hidden[hidBase+j*pixels+p]
				}
				dst[p] = s
			}
		}
	}

	m.lastInput = images
	m.lastHidden = hidden
	m.lastShape = shape
	return scores, nil
}

// Backward accumulates parameter gradients from the score gradient of the
// most recent Forward call.
func (m *PixelMLP) Backward(scoreGrad []float32) error {
	if m.lastInput == nil {
		return fmt.Errorf("Backward called before Forward")
	}
	n, h, w := m.lastShape[0], m.lastShape[2], m.lastShape[3]
	pixels := h * w
	if len(scoreGrad) != n*m.numClasses*pixels {
		return fmt.Errorf("score gradient length %d does not match batch shape", len(scoreGrad))
	}

	hiddenGrad := make([]float32, m.hiddenSize*pixels)

	for b := 0; b < n; b++ {
		imgBase := b * inputChannels * pixels
		hidBase := b * m.hiddenSize * pixels
		gradBase := b * m.numClasses * pixels

		for i := range hiddenGrad {
			hiddenGrad[i] = 0
		}

		for k := 0; k < m.numClasses; k++ {
			gRow := scoreGrad[gradBase+k*pixels : gradBase+(k+1)*pixels]
			var gSum float32
			for p := 0; p < pixels; p++ {
				gSum += gRow[p]
			}
			m.outBias.Grad[k] += gSum
			for j := 0; j < m.hiddenSize; j++ {
				hid := m.lastHidden[hidBase+j*pixels : hidBase+(j+1)*pixels]
				var acc float32
				wkj := m.outWeight.Data[k*m.hiddenSize+j]
				hGrad := hiddenGrad[j*pixels : (j+1)*pixels]
				for p := 0; p < pixels; p++ {
					acc += gRow[p] * hid[p]
					hGrad[p] += gRow[p] * wkj
				}
				m.outWeight.Grad[k*m.hiddenSize+j] += acc
			}
		}

		for j := 0; j < m.hiddenSize; j++ {
			hid := m.lastHidden[hidBase+j*pixels : hidBase+(j+1)*pixels]
			hGrad := hiddenGrad[j*pixels : (j+1)*pixels]
			var gSum float32
			for p := 0; p < pixels; p++ {
				if hid[p] <= 0 {
					hGrad[p] = 0 // ReLU gate
					continue
				}
				gSum += hGrad[p]
			}
			m.hiddenBias.Grad[j] += gSum
			for c := 0; c < inputChannels; c++ {
				img := m.lastInput[imgBase+c*pixels : imgBase+(c+1)*pixels]
				var acc float32
				for p := 0; p < pixels; p++ {
					acc += hGrad[p] * img[p]
				}
				m.hiddenWeight.Grad[j*inputChannels+c] += acc
			}
		}
	}
	return nil
}

// rng drives weight initialization. Seeded once per run for repeatability.
var rng = rand.New(rand.NewSource(1))

// Seed reseeds the weight-initialization source.
func Seed(seed int64) {
	rng = rand.New(rand.NewSource(seed))
}

// initUniform fills a weight parameter with uniform values scaled by fan-in.
func initUniform(p *Parameter, fanIn int) {
	bound := float32(1.0 / math.Sqrt(float64(fanIn)))
	for i := range p.Data {
		p.Data[i] = (rng.Float32()*2 - 1) * bound
	}
}
