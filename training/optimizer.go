package training

import (
	"fmt"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/models"
)

// SGDOptimizer implements stochastic gradient descent with momentum and
// decoupled weight decay over a model's parameters. Velocity buffers are part
// of the optimizer's checkpointable state.
type SGDOptimizer struct {
	params      []*models.Parameter
	lr          float64
	momentum    float64
	weightDecay float64

	velocities [][]float32
}

// NewSGDOptimizer creates an SGD optimizer over params.
func NewSGDOptimizer(params []*models.Parameter, lr, momentum, weightDecay float64) *SGDOptimizer {
	velocities := make([][]float32, len(params))
	for i, p := range params {
		velocities[i] = make([]float32, len(p.Data))
	}
	return &SGDOptimizer{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocities:  velocities,
	}
}

// Step applies one update using the gradients currently stored on the
// parameters.
func (o *SGDOptimizer) Step() {
	lr := float32(o.lr)
	momentum := float32(o.momentum)
	wd := float32(o.weightDecay)

	for i, p := range o.params {
		v := o.velocities[i]
		for j := range p.Data {
			grad := p.Grad[j] + wd*p.Data[j]
			v[j] = momentum*v[j] + grad
			p.Data[j] -= lr * v[j]
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *SGDOptimizer) ZeroGrad() {
	for _, p := range o.params {
		p.ZeroGrad()
	}
}

// SetLR updates the learning rate for subsequent steps.
func (o *SGDOptimizer) SetLR(lr float64) {
	o.lr = lr
}

// LR returns the current learning rate.
func (o *SGDOptimizer) LR() float64 {
	return o.lr
}

// ExportState snapshots the optimizer internals for checkpointing.
func (o *SGDOptimizer) ExportState() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type:         "sgd",
		LearningRate: o.lr,
	}
	for i, p := range o.params {
		data := make([]float32, len(o.velocities[i]))
		copy(data, o.velocities[i])
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		state.Velocities = append(state.Velocities, checkpoints.StateTensor{
			Name:  p.Name,
			Shape: shape,
			Data:  data,
		})
	}
	return state
}

// ImportState restores optimizer internals from a checkpoint. Velocity
// buffers are matched positionally and verified by name and size.
func (o *SGDOptimizer) ImportState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return nil
	}
	if state.LearningRate > 0 {
		o.lr = state.LearningRate
	}
	if len(state.Velocities) == 0 {
		return nil
	}
	if len(state.Velocities) != len(o.params) {
		return fmt.Errorf("velocity count mismatch: %d buffers, %d parameters",
			len(state.Velocities), len(o.params))
	}
	for i, buf := range state.Velocities {
		if buf.Name != o.params[i].Name {
			return fmt.Errorf("velocity name mismatch at index %d: %q vs %q",
				i, buf.Name, o.params[i].Name)
		}
		if len(buf.Data) != len(o.velocities[i]) {
			return fmt.Errorf("velocity size mismatch for %s: %d vs %d",
				buf.Name, len(buf.Data), len(o.velocities[i]))
		}
		copy(o.velocities[i], buf.Data)
	}
	return nil
}
