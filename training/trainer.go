// Package training contains the training orchestration engine: batching,
// optimization, learning-rate scheduling, validation scoring and the loop
// that ties them to checkpoints and the experiment tracker.
package training

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-seg/checkpoints"
	"github.com/tsawler/go-seg/models"
	"github.com/tsawler/go-seg/tracker"
)

// Config controls the orchestrator's loop.
type Config struct {
	TotalIters     int
	EpochBudget    int // 0 = iteration budget only
	PrintInterval  int
	ValInterval    int // 0 = validate once per training pass
	SaveValResults bool
	ResultsDir     string
	PlotCurves     bool
	PlotDir        string
}

// State is the orchestrator's mutable position in the run.
type State struct {
	Iteration int
	Epoch     int
	BestScore float64
}

// Orchestrator drives the train/validate cycle: it owns the iteration and
// epoch counters, triggers cadenced validation, persists latest and best
// checkpoints and reports metrics to the tracker.
type Orchestrator struct {
	cfg Config

	model       models.Model
	optimizer   *SGDOptimizer
	scheduler   LRScheduler
	loss        Loss
	trainLoader *Loader
	valLoader   *Loader

	manager  *checkpoints.Manager
	selector *BestModelSelector
	runner   *ValidationRunner
	track    *tracker.Client
	curves   *CurveRecorder
	results  *ResultsWriter // nil unless validation samples are saved

	state State
}

// NewOrchestrator wires together the training components. track may be a
// disabled client; results may be nil.
func NewOrchestrator(cfg Config, model models.Model, optimizer *SGDOptimizer,
	scheduler LRScheduler, loss Loss, trainLoader, valLoader *Loader,
	manager *checkpoints.Manager, runner *ValidationRunner,
	track *tracker.Client, results *ResultsWriter) *Orchestrator {

	if cfg.PrintInterval <= 0 {
		cfg.PrintInterval = 10
	}
	return &Orchestrator{
		cfg:         cfg,
		model:       model,
		optimizer:   optimizer,
		scheduler:   scheduler,
		loss:        loss,
		trainLoader: trainLoader,
		valLoader:   valLoader,
		manager:     manager,
		selector:    NewBestModelSelector(manager, 0),
		runner:      runner,
		track:       track,
		curves:      NewCurveRecorder(),
		results:     results,
	}
}

// State returns a copy of the orchestrator's current position.
func (o *Orchestrator) State() State {
	return o.state
}

// Restore resolves a checkpoint source and applies it before training
// starts. When no source is configured the run starts fresh.
func (o *Orchestrator) Restore(opts checkpoints.RestoreOptions, fetcher checkpoints.Fetcher) error {
	if !opts.Configured() {
		logrus.Info("No checkpoint configured, training from scratch")
		return nil
	}

	restored, err := o.manager.Restore(opts, fetcher)
	if err != nil {
		return err
	}
	if err := checkpoints.LoadWeights(restored.Weights, o.model); err != nil {
		return errors.Wrap(err, "failed to apply restored weights")
	}
	if opts.ContinueTraining {
		o.state.Iteration = restored.Iteration
		o.state.BestScore = restored.BestScore
		if err := o.optimizer.ImportState(restored.Optimizer); err != nil {
			return errors.Wrap(err, "failed to apply restored optimizer state")
		}
		if err := o.scheduler.LoadState(restored.Scheduler); err != nil {
			return errors.Wrap(err, "failed to apply restored scheduler state")
		}
		o.optimizer.SetLR(o.scheduler.LR())
	}
	o.selector = NewBestModelSelector(o.manager, o.state.BestScore)
	return nil
}

// Snapshot bundles the current training state into a checkpoint.
func (o *Orchestrator) Snapshot() (*checkpoints.Checkpoint, error) {
	return &checkpoints.Checkpoint{
		Iteration: o.state.Iteration,
		BestScore: o.state.BestScore,
		Weights:   checkpoints.ExtractWeights(o.model),
		Optimizer: o.optimizer.ExportState(),
		Scheduler: o.scheduler.State(),
	}, nil
}

// RunValidation performs one validation pass, reports the scores and offers
// the model to the best-checkpoint selector.
func (o *Orchestrator) RunValidation() (Score, error) {
	score, samples, err := o.validate()
	if err != nil {
		return Score{}, err
	}

	improved, err := o.selector.Observe(score.MeanIoU, o)
	if err != nil {
		return score, err
	}
	if improved {
		o.state.BestScore = o.selector.Best()
	}

	o.curves.RecordScore(o.state.Iteration, score.MeanIoU)
	o.reportValidation(score, samples)
	return score, o.writeSamples(samples)
}

// Evaluate performs one validation pass and reports the scores without
// touching either checkpoint slot or the best score, for eval-only runs.
func (o *Orchestrator) Evaluate() (Score, error) {
	score, samples, err := o.validate()
	if err != nil {
		return Score{}, err
	}
	o.reportValidation(score, samples)
	return score, o.writeSamples(samples)
}

func (o *Orchestrator) validate() (Score, []Sample, error) {
	logrus.Info("validation...")
	score, samples, err := o.runner.Run(o.model, o.valLoader)
	if err != nil {
		return Score{}, nil, errors.Wrap(err, "validation failed")
	}
	logrus.Info(score.String())
	return score, samples, nil
}

func (o *Orchestrator) writeSamples(samples []Sample) error {
	if o.results == nil || !o.cfg.SaveValResults {
		return nil
	}
	for _, sample := range samples {
		if err := o.results.Write(sample); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the training loop until one of the budgets is exhausted.
func (o *Orchestrator) Run() error {
	batchesPerEpoch := o.trainLoader.NumBatches()
	if batchesPerEpoch == 0 {
		return errors.New("training loader yields no batches")
	}
	valInterval := o.cfg.ValInterval
	if valInterval <= 0 {
		valInterval = batchesPerEpoch
	}
	startIters := o.state.Iteration

	o.model.Train()
	var intervalLoss float64
	var intervalSteps int

	for {
		if o.cfg.EpochBudget > 0 && o.state.Epoch >= o.cfg.EpochBudget {
			o.trainLoader.Stop()
			logrus.Infof("Epoch budget of %d reached", o.cfg.EpochBudget)
			return o.saveLatest()
		}
		o.state.Epoch++
		o.trainLoader.Reset()

		for {
			batch, err := o.trainLoader.Next()
			if errors.Is(err, ErrEndOfEpoch) {
				break
			}
			if err != nil {
				o.trainLoader.Stop()
				return err
			}

			o.state.Iteration++
			loss, err := o.trainStep(batch)
			if err != nil {
				o.trainLoader.Stop()
				return err
			}
			intervalLoss += loss
			intervalSteps++
			o.reportTraining(loss)

			if o.state.Iteration%o.cfg.PrintInterval == 0 {
				avg := intervalLoss / float64(intervalSteps)
				logrus.Infof("Epoch %d, Itrs %d/%d, Loss=%f",
					o.state.Epoch, o.state.Iteration, o.cfg.TotalIters, avg)
				o.curves.RecordLoss(o.state.Iteration, avg)
				o.curves.RecordLR(o.state.Iteration, o.optimizer.LR())
				intervalLoss, intervalSteps = 0, 0
			}

			// Cadence is relative to the restored iteration and wraps at
			// epoch length, so short epochs revalidate at their boundary.
			rel := o.state.Iteration - startIters
			if (rel%batchesPerEpoch)%valInterval == 0 {
				if err := o.saveLatest(); err != nil {
					o.trainLoader.Stop()
					return err
				}
				if _, err := o.RunValidation(); err != nil {
					o.trainLoader.Stop()
					return err
				}
				o.model.Train()
			}

			if o.state.Iteration >= o.cfg.TotalIters {
				o.trainLoader.Stop()
				logrus.Infof("Iteration budget of %d reached", o.cfg.TotalIters)
				return o.saveLatest()
			}
		}
	}
}

// Finish renders the recorded curves if plotting is enabled.
func (o *Orchestrator) Finish() error {
	if !o.cfg.PlotCurves {
		return nil
	}
	return o.curves.Render(o.cfg.PlotDir)
}

// trainStep runs forward, loss, backward and the optimizer update for one
// batch, then advances the schedule.
func (o *Orchestrator) trainStep(batch *Batch) (float64, error) {
	o.optimizer.ZeroGrad()

	scores, scoreShape, err := forwardBatch(o.model, batch)
	if err != nil {
		return 0, err
	}
	loss, grad, err := o.loss.Compute(scores, scoreShape, batch.Labels)
	if err != nil {
		return 0, errors.Wrap(err, "loss computation failed")
	}
	if err := o.model.Backward(grad); err != nil {
		return 0, errors.Wrap(err, "backward pass failed")
	}

	o.optimizer.Step()
	o.scheduler.Step()
	o.optimizer.SetLR(o.scheduler.LR())
	return loss, nil
}

func (o *Orchestrator) saveLatest() error {
	ckpt, err := o.Snapshot()
	if err != nil {
		return err
	}
	return o.manager.SaveLatest(ckpt)
}

func (o *Orchestrator) reportTraining(loss float64) {
	if err := o.track.LogScalars(o.state.Iteration, map[string]float64{
		"epoch":      float64(o.state.Epoch),
		"train_loss": loss,
		"lr":         o.optimizer.LR(),
	}); err != nil {
		logrus.Warnf("Failed to log training metrics: %v", err)
	}
}

func (o *Orchestrator) reportValidation(score Score, samples []Sample) {
	if err := o.track.LogScalars(o.state.Iteration, map[string]float64{
		"val_overall_acc": score.OverallAcc,
		"val_mean_acc":    score.MeanAcc,
		"val_freqw_acc":   score.FreqWeightedAcc,
		"val_mean_iou":    score.MeanIoU,
		"best_mean_iou":   o.state.BestScore,
	}); err != nil {
		logrus.Warnf("Failed to log validation metrics: %v", err)
	}
	if err := o.track.LogTable("class_iou", []string{"class", "iou"}, score.ClassIoUTable()); err != nil {
		logrus.Warnf("Failed to log class IoU table: %v", err)
	}

	if !o.track.Enabled() || o.results == nil {
		return
	}
	for i, sample := range samples {
		png, err := EncodeLabelPNG(sample.Pred, sample.ImageShape[1], sample.ImageShape[2], o.results.decode)
		if err != nil {
			logrus.Warnf("Failed to encode validation sample: %v", err)
			continue
		}
		key := fmt.Sprintf("val_sample_%d", i)
		if err := o.track.LogImage(key, png, fmt.Sprintf("prediction at iteration %d", o.state.Iteration)); err != nil {
			logrus.Warnf("Failed to upload validation sample: %v", err)
		}
	}
}
