// Package config resolves and validates the configuration of one training or
// prediction run. All fatal configuration checks happen here, before any
// model, dataset or device is touched.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/datasets"
	"github.com/tsawler/go-seg/models"
)

// Environment variables consumed at resolve time.
const (
	// TokenEnv holds the secret API token for the experiment tracker.
	TokenEnv = "GOSEG_API_TOKEN"

	// DevicesEnv restricts the compute devices visible to the run.
	DevicesEnv = "GOSEG_VISIBLE_DEVICES"
)

// Supported loss kinds and learning-rate policies.
const (
	LossCrossEntropy = "cross_entropy"
	LossFocal        = "focal_loss"

	PolicyPoly = "poly"
	PolicyStep = "step"
)

// Fatal configuration errors.
var (
	// ErrMissingToken is returned when remote tracking is enabled but the
	// secret token environment variable is not set.
	ErrMissingToken = errors.Newf("%s environment variable not set", TokenEnv)

	// ErrSweepSourceConflict is returned when both a sweep config file and a
	// sweep id are supplied.
	ErrSweepSourceConflict = errors.New("cannot provide both a sweep config and a sweep id")

	// ErrMissingSweepKey is returned when a sweep-provided configuration
	// lacks a required hyperparameter.
	ErrMissingSweepKey = errors.New("sweep config is missing a required parameter")

	// ErrBadInputPath is returned when a prediction input path is neither a
	// readable file nor a directory.
	ErrBadInputPath = errors.New("input path is not a file or directory")

	// ErrBadLossType is returned for an unsupported loss kind.
	ErrBadLossType = errors.New("unsupported loss type")

	// ErrBadLRPolicy is returned for an unsupported learning-rate policy.
	ErrBadLRPolicy = errors.New("unsupported lr policy")

	// ErrTrackingRequired is returned when a feature needs tracking enabled.
	ErrTrackingRequired = errors.New("remote tracking must be enabled")
)

// Options is the raw flag surface, prior to resolution.
type Options struct {
	// Dataset options
	DataRoot   string
	Dataset    string
	NumWorkers int

	// Model options
	Model        string
	OutputStride int

	// Train options
	TestOnly       bool
	SaveValResults bool
	TotalIters     int
	EpochBudget    int // 0 = no epoch budget
	LR             float64
	LRPolicy       string
	StepSize       int
	CropVal        bool
	BatchSize      int
	ValBatchSize   int
	CropSize       int
	LossType       string
	WeightDecay    float64
	Seed           int64
	PrintInterval  int
	ValInterval    int // 0 = validate every training pass

	// Checkpoint options
	CheckpointDir           string
	Ckpt                    string
	ContinueTraining        bool
	IgnorePreviousBestScore bool

	// Visualization options
	EnableVis     bool
	VisNumSamples int
	ResultsDir    string
	PlotCurves    bool

	// Tracker options
	EnableTracking bool
	TrackerURL     string
	Project        string
	Team           string
	RunName        string
	RestoreName    string
	RestoreRunPath string
	SweepConfig    string
	SweepID        string
}

// RunConfig is the immutable resolved configuration of one run.
type RunConfig struct {
	Options

	NumClasses int
	Devices    []string
	Token      string

	Restore checkpoints.RestoreOptions
}

// Resolve validates opts and fills in dataset-derived defaults. It performs
// every fatal-configuration check eagerly so that nothing expensive is
// constructed for a doomed run.
func Resolve(opts Options) (*RunConfig, error) {
	info, err := datasets.Resolve(opts.Dataset)
	if err != nil {
		return nil, err
	}

	if _, err := models.Lookup(opts.Model); err != nil {
		return nil, err
	}

	switch opts.LossType {
	case LossCrossEntropy, LossFocal:
	default:
		return nil, errors.Wrapf(ErrBadLossType, "%q", opts.LossType)
	}

	switch opts.LRPolicy {
	case PolicyPoly, PolicyStep:
	default:
		return nil, errors.Wrapf(ErrBadLRPolicy, "%q", opts.LRPolicy)
	}

	// Uncropped VOC validation images vary in size, so they cannot be batched.
	if opts.Dataset == datasets.VOC && !opts.CropVal {
		opts.ValBatchSize = 1
	}

	restore := checkpoints.RestoreOptions{
		LocalPath:               opts.Ckpt,
		RemoteName:              opts.RestoreName,
		RemoteRunPath:           opts.RestoreRunPath,
		ContinueTraining:        opts.ContinueTraining,
		IgnorePreviousBestScore: opts.IgnorePreviousBestScore,
	}
	if err := restore.Validate(); err != nil {
		return nil, err
	}

	if opts.SweepConfig != "" && opts.SweepID != "" {
		return nil, ErrSweepSourceConflict
	}
	if opts.SweepConfig != "" || opts.SweepID != "" {
		if !opts.EnableTracking {
			return nil, errors.Wrap(ErrTrackingRequired, "sweeps need the tracker")
		}
		if opts.Project == "" || opts.Team == "" {
			return nil, errors.New("sweeps require a project and team name")
		}
	}
	if restore.RemoteName != "" && !opts.EnableTracking {
		return nil, errors.Wrap(ErrTrackingRequired, "remote restore needs the tracker")
	}

	var token string
	if opts.EnableTracking {
		if opts.Project == "" || opts.Team == "" {
			return nil, errors.New("tracking requires a project and team name")
		}
		token = os.Getenv(TokenEnv)
		if token == "" {
			return nil, ErrMissingToken
		}
	}

	cfg := &RunConfig{
		Options:    opts,
		NumClasses: info.NumClasses,
		Devices:    visibleDevices(),
		Token:      token,
		Restore:    restore,
	}
	cfg.RunName = resolveRunName(cfg)
	return cfg, nil
}

// visibleDevices reads the device-selector environment variable.
func visibleDevices() []string {
	raw := os.Getenv(DevicesEnv)
	if raw == "" {
		return []string{"0"}
	}
	parts := strings.Split(raw, ",")
	devices := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			devices = append(devices, p)
		}
	}
	return devices
}

// resolveRunName derives a tracker run name from the run's hyperparameters
// when none was given explicitly.
func resolveRunName(cfg *RunConfig) string {
	if cfg.Options.RunName != "" {
		return cfg.Options.RunName
	}

	prefix := ""
	if cfg.SweepConfig != "" || cfg.SweepID != "" {
		prefix = "sweep_"
	}
	ckptName := checkpointStem(cfg.Ckpt)
	name := strings.Join([]string{
		prefix + ckptName,
		fmt.Sprintf("crop-%d-outstride-%d", cfg.CropSize, cfg.OutputStride),
		fmt.Sprintf("loss-%s", cfg.LossType),
		fmt.Sprintf("lr-%v-%s", cfg.LR, cfg.LRPolicy),
		fmt.Sprintf("wd-%v", cfg.WeightDecay),
		fmt.Sprintf("batch-%d", cfg.BatchSize),
		fmt.Sprintf("iters-%d", cfg.TotalIters),
	}, "_")
	if cfg.TestOnly {
		name = "test_" + name
	}
	return name
}

// checkpointStem extracts the base checkpoint name without directories or
// extension, used as part of derived run names.
func checkpointStem(path string) string {
	if path == "" {
		return "scratch"
	}
	parts := strings.Split(path, "/")
	base := parts[len(parts)-1]
	if dot := strings.LastIndex(base, "."); dot > 0 {
		base = base[:dot]
	}
	return base
}

// ApplySweepOverrides replaces the sweep-controlled hyperparameters with the
// values the sweep supplied. Every required key must be present.
func (c *RunConfig) ApplySweepOverrides(params map[string]interface{}) error {
	lr, err := floatParam(params, "lr")
	if err != nil {
		return err
	}
	wd, err := floatParam(params, "weight_decay")
	if err != nil {
		return err
	}
	lossType, ok := params["loss_type"].(string)
	if !ok {
		return errors.Wrap(ErrMissingSweepKey, "loss_type")
	}
	switch lossType {
	case LossCrossEntropy, LossFocal:
	default:
		return errors.Wrapf(ErrBadLossType, "%q from sweep", lossType)
	}

	c.LR = lr
	c.WeightDecay = wd
	c.LossType = lossType

	// Trial run names always reflect the trial's own hyperparameters.
	c.Options.RunName = ""
	c.RunName = resolveRunName(c)
	return nil
}

func floatParam(params map[string]interface{}, key string) (float64, error) {
	v, ok := params[key]
	if !ok {
		return 0, errors.Wrap(ErrMissingSweepKey, key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	default:
		return 0, errors.Wrapf(ErrMissingSweepKey, "%s has non-numeric value %v", key, v)
	}
}

// Log dumps the resolved configuration at info level.
func (c *RunConfig) Log() {
	logrus.Infof("Options:")
	for _, line := range []string{
		fmt.Sprintf("dataset: %s (%d classes)", c.Dataset, c.NumClasses),
		fmt.Sprintf("model: %s (output stride %d)", c.Model, c.OutputStride),
		fmt.Sprintf("lr: %v (%s), weight_decay: %v, loss: %s", c.LR, c.LRPolicy, c.WeightDecay, c.LossType),
		fmt.Sprintf("batch_size: %d, val_batch_size: %d, crop_size: %d", c.BatchSize, c.ValBatchSize, c.CropSize),
		fmt.Sprintf("total_itrs: %d, epoch_budget: %d, val_interval: %d", c.TotalIters, c.EpochBudget, c.ValInterval),
		fmt.Sprintf("devices: %v", c.Devices),
		fmt.Sprintf("run_name: %s", c.RunName),
	} {
		logrus.Infof("  %s", line)
	}
}

// Meta returns the resolved configuration as tracker run metadata.
func (c *RunConfig) Meta() map[string]interface{} {
	return map[string]interface{}{
		"dataset":       c.Dataset,
		"num_classes":   c.NumClasses,
		"model":         c.Model,
		"output_stride": c.OutputStride,
		"lr":            c.LR,
		"lr_policy":     c.LRPolicy,
		"weight_decay":  c.WeightDecay,
		"loss_type":     c.LossType,
		"batch_size":    c.BatchSize,
		"crop_size":     c.CropSize,
		"total_itrs":    c.TotalIters,
		"epoch_budget":  c.EpochBudget,
		"seed":          c.Seed,
	}
}
