// Package datasets provides the dataset selector, the Dataset contract the
// training loop consumes, and the label-to-color decode tables used for
// visualization.
package datasets

import (
	"github.com/cockroachdb/errors"
)

// ErrUnknownDataset is returned for a dataset name outside the supported set.
var ErrUnknownDataset = errors.New("unknown dataset")

// Supported dataset names.
const (
	VOC        = "voc"
	Cityscapes = "cityscapes"
)

// IgnoreLabel marks pixels excluded from loss and metric computation.
const IgnoreLabel int32 = 255

// Info describes a supported dataset.
type Info struct {
	Name       string
	NumClasses int
}

// Resolve maps a dataset name to its fixed class count.
func Resolve(name string) (Info, error) {
	switch name {
	case VOC:
		return Info{Name: VOC, NumClasses: 21}, nil
	case Cityscapes:
		return Info{Name: Cityscapes, NumClasses: 19}, nil
	default:
		return Info{}, errors.Wrapf(ErrUnknownDataset, "%q (supported: %s, %s)", name, VOC, Cityscapes)
	}
}

// Dataset yields (image, label) pairs. Images are CHW float32, labels are HW
// int32 class indices with IgnoreLabel for void pixels.
type Dataset interface {
	Len() int
	Get(idx int) (image []float32, imageShape []int, label []int32, err error)
}
