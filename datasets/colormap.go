package datasets

import (
	"github.com/cockroachdb/errors"
)

// DecodeFunc converts an HW label map into an RGB image (len = 3*h*w, HWC order).
type DecodeFunc func(label []int32, h, w int) []uint8

// Decoder returns the label-to-color decode function for a dataset.
func Decoder(name string) (DecodeFunc, error) {
	switch name {
	case VOC:
		return decodeWithTable(vocColormap()), nil
	case Cityscapes:
		return decodeWithTable(cityscapesColormap()), nil
	default:
		return nil, errors.Wrapf(ErrUnknownDataset, "%q", name)
	}
}

func decodeWithTable(table [][3]uint8) DecodeFunc {
	return func(label []int32, h, w int) []uint8 {
		out := make([]uint8, 3*h*w)
		for i := 0; i < h*w && i < len(label); i++ {
			idx := int(label[i])
			if idx < 0 || idx >= len(table) {
				idx = len(table) - 1
			}
			c := table[idx]
			out[3*i] = c[0]
			out[3*i+1] = c[1]
			out[3*i+2] = c[2]
		}
		return out
	}
}

// vocColormap builds the standard 256-entry PASCAL VOC palette, where each
// class color is derived from the bits of its index.
func vocColormap() [][3]uint8 {
	table := make([][3]uint8, 256)
	for i := range table {
		var r, g, b uint8
		c := i
		for j := 0; j < 8; j++ {
			r |= uint8(c&1) << (7 - j)
			g |= uint8((c>>1)&1) << (7 - j)
			b |= uint8((c>>2)&1) << (7 - j)
			c >>= 3
		}
		table[i] = [3]uint8{r, g, b}
	}
	return table
}

// cityscapesColormap returns the 19 train-id colors plus a final void entry.
func cityscapesColormap() [][3]uint8 {
	return [][3]uint8{
		{128, 64, 128},  // road
		{244, 35, 232},  // sidewalk
		{70, 70, 70},    // building
		{102, 102, 156}, // wall
		{190, 153, 153}, // fence
		{153, 153, 153}, // pole
		{250, 170, 30},  // traffic light
		{220, 220, 0},   // traffic sign
		{107, 142, 35},  // vegetation
		{152, 251, 152}, // terrain
		{70, 130, 180},  // sky
		{220, 20, 60},   // person
		{255, 0, 0},     // rider
		{0, 0, 142},     // car
		{0, 0, 70},      // truck
		{0, 60, 100},    // bus
		{0, 80, 100},    // train
		{0, 0, 230},     // motorcycle
		{119, 11, 32},   // bicycle
		{0, 0, 0},       // void
	}
}
