package cmd

import (
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/config"
	"github.com/tsawler/go-seg/datasets"
	"github.com/tsawler/go-seg/models"
	"github.com/tsawler/go-seg/tracker"
	"github.com/tsawler/go-seg/training"
)

// newTracker builds a logged-in tracker client, or a disabled one when
// tracking is off.
func newTracker(cfg *config.RunConfig) (*tracker.Client, error) {
	if !cfg.EnableTracking {
		return tracker.Disabled(), nil
	}
	trackerCfg := tracker.DefaultConfig()
	trackerCfg.BaseURL = cfg.TrackerURL
	client := tracker.NewClient(trackerCfg)
	if err := client.Login(cfg.Token); err != nil {
		return nil, err
	}
	return client, nil
}

// runTraining builds every training component from the resolved config and
// drives one complete run: restore, optional eval-only pass, training loop.
func runTraining(cfg *config.RunConfig, client *tracker.Client) error {
	cfg.Log()
	models.Seed(cfg.Seed)

	factory, err := models.Lookup(cfg.Model)
	if err != nil {
		return err
	}
	model, err := factory(cfg.NumClasses, cfg.OutputStride)
	if err != nil {
		return err
	}

	trainSet, err := datasets.OpenImageFolder(cfg.DataRoot, "train")
	if err != nil {
		return errors.Wrap(err, "failed to open training split")
	}
	valSet, err := datasets.OpenImageFolder(cfg.DataRoot, "val")
	if err != nil {
		return errors.Wrap(err, "failed to open validation split")
	}
	logrus.Infof("Dataset: %s, Train set: %d, Val set: %d", cfg.Dataset, trainSet.Len(), valSet.Len())

	trainLoader, err := training.NewLoader(trainSet, training.LoaderConfig{
		BatchSize:  cfg.BatchSize,
		Shuffle:    true,
		DropLast:   true,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}
	valLoader, err := training.NewLoader(valSet, training.LoaderConfig{
		BatchSize:  cfg.ValBatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	optimizer := training.NewSGDOptimizer(model.Parameters(), cfg.LR, 0.9, cfg.WeightDecay)
	scheduler := newScheduler(cfg)
	loss, err := training.NewLoss(cfg.LossType)
	if err != nil {
		return err
	}

	var uploader checkpoints.Uploader
	var fetcher checkpoints.Fetcher
	if client.Enabled() {
		uploader = client
		fetcher = client
	}
	manager := checkpoints.NewManager(cfg.CheckpointDir, cfg.Model, cfg.Dataset, cfg.OutputStride, uploader)

	// Sample batch indices are drawn once per run, so every validation pass
	// visualizes the same examples.
	var sampleIDs []int
	var results *training.ResultsWriter
	if cfg.SaveValResults || cfg.EnableVis {
		rng := rand.New(rand.NewSource(cfg.Seed))
		for i := 0; i < cfg.VisNumSamples; i++ {
			sampleIDs = append(sampleIDs, rng.Intn(valLoader.NumBatches()))
		}
		decode, err := datasets.Decoder(cfg.Dataset)
		if err != nil {
			return err
		}
		results = training.NewResultsWriter(cfg.ResultsDir, decode)
	}
	runner := training.NewValidationRunner(cfg.NumClasses, sampleIDs)

	orch := training.NewOrchestrator(training.Config{
		TotalIters:     cfg.TotalIters,
		EpochBudget:    cfg.EpochBudget,
		PrintInterval:  cfg.PrintInterval,
		ValInterval:    cfg.ValInterval,
		SaveValResults: cfg.SaveValResults,
		ResultsDir:     cfg.ResultsDir,
		PlotCurves:     cfg.PlotCurves,
		PlotDir:        cfg.ResultsDir,
	}, model, optimizer, scheduler, loss, trainLoader, valLoader, manager, runner, client, results)

	if err := orch.Restore(cfg.Restore, fetcher); err != nil {
		return err
	}

	if cfg.TestOnly {
		_, err := orch.Evaluate()
		return err
	}

	if err := orch.Run(); err != nil {
		return err
	}
	return orch.Finish()
}

func newScheduler(cfg *config.RunConfig) training.LRScheduler {
	if cfg.LRPolicy == config.PolicyStep {
		return training.NewStepLRScheduler(cfg.LR, cfg.StepSize, 0.1)
	}
	return training.NewPolyLRScheduler(cfg.LR, cfg.TotalIters, 0.9)
}
