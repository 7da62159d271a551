package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
)

// Restore-source configuration errors, checked before any expensive setup.
var (
	// ErrConflictingRestoreSource is returned when both a local checkpoint
	// path and a remote restore pair are configured.
	ErrConflictingRestoreSource = errors.New("cannot restore from both a checkpoint file and the tracker")

	// ErrIncompleteRemoteRestore is returned when only one half of the
	// (artifact name, run path) remote pair is set.
	ErrIncompleteRemoteRestore = errors.New("remote restore requires both an artifact name and a run path")

	// ErrMissingCheckpoint is returned when a local checkpoint path does not exist.
	ErrMissingCheckpoint = errors.New("checkpoint file does not exist")

	// ErrRestoreUnavailable is returned when the tracker cannot resolve a
	// remote checkpoint reference.
	ErrRestoreUnavailable = errors.New("tracker could not resolve remote checkpoint")
)

// Uploader offers a saved checkpoint file to durable off-process storage.
// Satisfied by tracker.Client.
type Uploader interface {
	SaveFile(path string) error
}

// Fetcher downloads a remote checkpoint by artifact name and run reference,
// returning the local path it was written to. Satisfied by tracker.Client.
type Fetcher interface {
	RestoreFile(name, runPath, destDir string) (string, error)
}

// RestoreOptions selects a restore source and granularity. At most one of
// LocalPath and the (RemoteName, RemoteRunPath) pair may be set.
type RestoreOptions struct {
	LocalPath     string
	RemoteName    string
	RemoteRunPath string

	// ContinueTraining restores the full bundle; when false only model
	// weights are taken and counters start fresh.
	ContinueTraining bool

	// IgnorePreviousBestScore zeroes the best score even when the rest of
	// the bundle is restored, so the run competes for "best" from scratch.
	IgnorePreviousBestScore bool
}

// Validate enforces the mutual-exclusion invariants on the restore source.
func (o RestoreOptions) Validate() error {
	remote := o.RemoteName != "" || o.RemoteRunPath != ""
	if o.LocalPath != "" && remote {
		return ErrConflictingRestoreSource
	}
	if (o.RemoteName != "") != (o.RemoteRunPath != "") {
		return ErrIncompleteRemoteRestore
	}
	return nil
}

// Configured reports whether any restore source is set.
func (o RestoreOptions) Configured() bool {
	return o.LocalPath != "" || o.RemoteName != ""
}

// Restored is the outcome of resolving a checkpoint through RestoreOptions,
// with restore granularity already applied.
type Restored struct {
	Weights   []WeightTensor
	Iteration int
	BestScore float64
	Optimizer *OptimizerState
	Scheduler *SchedulerState
	Source    string
}

// Manager owns the "latest" and "best" checkpoint slots for one run. Slot
// paths are derived from model name, dataset name and output stride.
type Manager struct {
	dir          string
	model        string
	dataset      string
	outputStride int

	saver    *Saver
	uploader Uploader // nil when remote tracking is disabled
}

// NewManager creates a checkpoint manager writing under dir.
func NewManager(dir, model, dataset string, outputStride int, uploader Uploader) *Manager {
	return &Manager{
		dir:          dir,
		model:        model,
		dataset:      dataset,
		outputStride: outputStride,
		saver:        NewSaver(),
		uploader:     uploader,
	}
}

// LatestPath returns the path of the "latest" slot.
func (m *Manager) LatestPath() string {
	return filepath.Join(m.dir, fmt.Sprintf("latest_%s_%s_os%d.json", m.model, m.dataset, m.outputStride))
}

// BestPath returns the path of the "best" slot.
func (m *Manager) BestPath() string {
	return filepath.Join(m.dir, fmt.Sprintf("best_%s_%s_os%d.json", m.model, m.dataset, m.outputStride))
}

// SaveLatest overwrites the "latest" slot with the given bundle.
func (m *Manager) SaveLatest(checkpoint *Checkpoint) error {
	return m.save(checkpoint, m.LatestPath())
}

// SaveBest overwrites the "best" slot with the given bundle.
func (m *Manager) SaveBest(checkpoint *Checkpoint) error {
	return m.save(checkpoint, m.BestPath())
}

// save writes the checkpoint locally, then offers it to the uploader. The
// local file is complete before any upload begins, so a failed upload never
// corrupts it.
func (m *Manager) save(checkpoint *Checkpoint, path string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %v", err)
	}

	checkpoint.Metadata.Model = m.model
	checkpoint.Metadata.Dataset = m.dataset
	checkpoint.Metadata.OutputStride = m.outputStride

	if err := m.saver.Save(checkpoint, path); err != nil {
		return err
	}
	logrus.Infof("Model saved as %s", path)

	if m.uploader != nil {
		if err := m.uploader.SaveFile(path); err != nil {
			return errors.Wrapf(err, "failed to upload checkpoint %s", path)
		}
	}
	return nil
}

// Restore resolves exactly one restore source and applies the granularity
// flags. fetcher may be nil when no remote source is configured.
func (m *Manager) Restore(opts RestoreOptions, fetcher Fetcher) (*Restored, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	var path string
	switch {
	case opts.LocalPath != "":
		if _, err := os.Stat(opts.LocalPath); err != nil {
			return nil, errors.Wrapf(ErrMissingCheckpoint, "%s", opts.LocalPath)
		}
		path = opts.LocalPath
	case opts.RemoteName != "":
		if fetcher == nil {
			return nil, errors.Wrap(ErrRestoreUnavailable, "remote restore requested but tracking is disabled")
		}
		destDir := filepath.Join(m.dir, opts.RemoteRunPath)
		fetched, err := fetcher.RestoreFile(opts.RemoteName, opts.RemoteRunPath, destDir)
		if err != nil {
			return nil, errors.Wrapf(ErrRestoreUnavailable, "%s from run %s: %v",
				opts.RemoteName, opts.RemoteRunPath, err)
		}
		path = fetched
	default:
		return nil, errors.New("no restore source configured")
	}

	checkpoint, err := m.saver.Load(path)
	if err != nil {
		return nil, err
	}

	restored := &Restored{
		Weights: checkpoint.Weights,
		Source:  path,
	}
	if opts.ContinueTraining {
		restored.Iteration = checkpoint.Iteration
		restored.BestScore = checkpoint.BestScore
		restored.Optimizer = checkpoint.Optimizer
		restored.Scheduler = checkpoint.Scheduler
		logrus.Infof("Training state restored from %s", path)
	}
	if opts.IgnorePreviousBestScore {
		restored.BestScore = 0
	}
	logrus.Infof("Model restored from %s", path)
	return restored, nil
}
