package cmd

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/config"
	"github.com/tsawler/go-seg/datasets"
	"github.com/tsawler/go-seg/models"
	"github.com/tsawler/go-seg/training"
)

var predictInput string

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Colorize predictions for images using a trained checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(opts)
		if err != nil {
			return err
		}
		if cfg.Ckpt == "" {
			return errors.New("predict requires --ckpt")
		}

		paths, err := collectInputs(predictInput)
		if err != nil {
			return err
		}

		models.Seed(cfg.Seed)
		factory, err := models.Lookup(cfg.Model)
		if err != nil {
			return err
		}
		model, err := factory(cfg.NumClasses, cfg.OutputStride)
		if err != nil {
			return err
		}

		manager := checkpoints.NewManager(cfg.CheckpointDir, cfg.Model, cfg.Dataset, cfg.OutputStride, nil)
		restored, err := manager.Restore(checkpoints.RestoreOptions{LocalPath: cfg.Ckpt}, nil)
		if err != nil {
			return err
		}
		if err := checkpoints.LoadWeights(restored.Weights, model); err != nil {
			return err
		}
		model.Eval()

		decode, err := datasets.Decoder(cfg.Dataset)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.ResultsDir, 0o755); err != nil {
			return errors.Wrap(err, "failed to create results directory")
		}

		for _, path := range paths {
			if err := predictOne(model, decode, path, cfg.ResultsDir); err != nil {
				return err
			}
		}
		logrus.Infof("Wrote %d predictions to %s", len(paths), cfg.ResultsDir)
		return nil
	},
}

// collectInputs accepts a single image file or a directory tree of images.
func collectInputs(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, errors.Wrapf(config.ErrBadInputPath, "%s", input)
	}
	if !info.IsDir() {
		return []string{input}, nil
	}

	var paths []string
	walkErr := filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".png", ".jpg", ".jpeg":
			paths = append(paths, path)
		}
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrapf(config.ErrBadInputPath, "%s", input)
	}
	if len(paths) == 0 {
		return nil, errors.Wrapf(config.ErrBadInputPath, "no images under %s", input)
	}
	sort.Strings(paths)
	return paths, nil
}

func predictOne(model models.Model, decode datasets.DecodeFunc, path, outDir string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	img, _, err := image.Decode(file)
	file.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to decode %s", path)
	}

	bounds := img.Bounds()
	h, w := bounds.Dy(), bounds.Dx()
	data, _ := datasets.ImageToTensors(img, nil)

	scores, err := model.Forward(data, []int{1, 3, h, w})
	if err != nil {
		return errors.Wrapf(err, "forward pass failed for %s", path)
	}
	preds, err := training.Argmax(scores, []int{1, model.NumClasses(), h, w})
	if err != nil {
		return err
	}

	png, err := training.EncodeLabelPNG(preds, h, w, decode)
	if err != nil {
		return err
	}
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	out := filepath.Join(outDir, stem+".png")
	if err := os.WriteFile(out, png, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", out)
	}
	return nil
}

func init() {
	predictCmd.Flags().StringVar(&predictInput, "input", "", "image file or directory to segment")
	predictCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(predictCmd)
}
