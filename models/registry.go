package models

import (
	"sort"

	"github.com/cockroachdb/errors"
)

// ErrUnknownModel is returned when a model name has no registered factory.
var ErrUnknownModel = errors.New("unknown model")

// Factory constructs a model for the given class count and output stride.
type Factory func(numClasses, outputStride int) (Model, error)

// registry maps model names to factories. It is populated at package init and
// never mutated afterwards, so lookups need no synchronization.
var registry = map[string]Factory{
	"pixel_linear": func(numClasses, outputStride int) (Model, error) {
		return NewPixelLinear(numClasses, outputStride)
	},
	"pixel_mlp": func(numClasses, outputStride int) (Model, error) {
		return NewPixelMLP(numClasses, outputStride, defaultHiddenSize)
	},
}

// Lookup returns the factory registered under name.
func Lookup(name string) (Factory, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownModel, "%q (available: %v)", name, Available())
	}
	return factory, nil
}

// Available returns the sorted list of registered model names.
func Available() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
