package models

import (
	"fmt"
)

// Parameter is a learnable tensor held in flat float32 form. Gradients are
// accumulated into Grad by Backward and cleared by the optimizer.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NumElems returns the total number of elements implied by the shape.
func (p *Parameter) NumElems() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// ZeroGrad resets the accumulated gradient to zero.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Model is the capability handle every registered segmentation model exposes.
// Forward maps a batch of images in NCHW layout to per-pixel class scores in
// N x numClasses x H x W layout. Backward accumulates parameter gradients from
// the gradient of the loss with respect to the scores of the most recent
// Forward call.
type Model interface {
	Name() string
	NumClasses() int
	Forward(images []float32, shape []int) ([]float32, error)
	Backward(scoreGrad []float32) error
	Parameters() []*Parameter
	Train() // switch to training mode
	Eval()  // switch to evaluation mode
}

// newParameter allocates a zero-initialized parameter with its gradient buffer.
func newParameter(name string, shape ...int) *Parameter {
	p := &Parameter{Name: name, Shape: shape}
	n := p.NumElems()
	p.Data = make([]float32, n)
	p.Grad = make([]float32, n)
	return p
}

// checkImageShape validates an NCHW batch shape against the expected channel count.
func checkImageShape(shape []int, channels int) error {
	if len(shape) != 4 {
		return fmt.Errorf("expected 4D NCHW batch, got %dD shape %v", len(shape), shape)
	}
	if shape[1] != channels {
		return fmt.Errorf("expected %d input channels, got %d", channels, shape[1])
	}
	return nil
}
