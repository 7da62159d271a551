// Package checkpoints serializes and restores training state: model weights,
// optimizer and scheduler internals, the iteration counter and the best
// validation score reached so far.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tsawler/go-seg/models"
)

// Checkpoint is the complete at-rest bundle. Iteration and BestScore are
// always written together with the weights they belong to.
type Checkpoint struct {
	Iteration int            `json:"cur_itrs"`
	BestScore float64        `json:"best_score"`
	Weights   []WeightTensor `json:"model_state"`

	Optimizer *OptimizerState `json:"optimizer_state,omitempty"`
	Scheduler *SchedulerState `json:"scheduler_state,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer internals (velocity buffers, current LR).
type OptimizerState struct {
	Type         string        `json:"type"`
	LearningRate float64       `json:"learning_rate"`
	Velocities   []StateTensor `json:"velocities,omitempty"`
}

// StateTensor is an optimizer state buffer tied to a named parameter.
type StateTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// SchedulerState captures learning-rate schedule internals.
type SchedulerState struct {
	Policy   string  `json:"policy"`
	BaseLR   float64 `json:"base_lr"`
	LastIter int     `json:"last_iter"`
	MaxIters int     `json:"max_iters,omitempty"`
	Power    float64 `json:"power,omitempty"`
	StepSize int     `json:"step_size,omitempty"`
	Gamma    float64 `json:"gamma,omitempty"`
}

// Metadata contains checkpoint provenance.
type Metadata struct {
	Version      string    `json:"version"`
	Framework    string    `json:"framework"`
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	Dataset      string    `json:"dataset,omitempty"`
	OutputStride int       `json:"output_stride,omitempty"`
}

// Saver reads and writes checkpoint bundles in JSON form.
type Saver struct{}

// NewSaver creates a checkpoint saver.
func NewSaver() *Saver {
	return &Saver{}
}

// Save serializes a checkpoint to path.
func (s *Saver) Save(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-seg"
		checkpoint.Metadata.Version = "1.0.0"
	}
	checkpoint.Metadata.CreatedAt = time.Now()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	if err := encoder.Encode(checkpoint); err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	return nil
}

// Load deserializes a checkpoint from path.
func (s *Saver) Load(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %v", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// ExtractWeights snapshots a model's parameters into weight tensors.
func ExtractWeights(model models.Model) []WeightTensor {
	params := model.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, param := range params {
		data := make([]float32, len(param.Data))
		copy(data, param.Data)
		shape := make([]int, len(param.Shape))
		copy(shape, param.Shape)
		weights = append(weights, WeightTensor{
			Name:  param.Name,
			Shape: shape,
			Data:  data,
		})
	}
	return weights
}

// LoadWeights copies weight data back into a model's parameters. Weights are
// matched positionally and verified by name and shape.
func LoadWeights(weights []WeightTensor, model models.Model) error {
	params := model.Parameters()
	if len(weights) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(weights), len(params))
	}

	for i, param := range params {
		weight := weights[i]
		if weight.Name != param.Name {
			return fmt.Errorf("weight name mismatch at index %d: %q vs %q", i, weight.Name, param.Name)
		}
		if len(weight.Shape) != len(param.Shape) {
			return fmt.Errorf("shape mismatch for %s: %v vs %v", weight.Name, weight.Shape, param.Shape)
		}
		for j, dim := range param.Shape {
			if weight.Shape[j] != dim {
				return fmt.Errorf("dimension mismatch for %s at index %d: %d vs %d",
					weight.Name, j, weight.Shape[j], dim)
			}
		}
		if len(weight.Data) != len(param.Data) {
			return fmt.Errorf("data length mismatch for %s: %d vs %d",
				weight.Name, len(weight.Data), len(param.Data))
		}
		copy(param.Data, weight.Data)
	}
	return nil
}
