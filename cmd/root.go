// Package cmd wires the command-line surface to the training engine.
package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/tsawler/go-seg/config"
)

var opts config.Options

var rootCmd = &cobra.Command{
	Use:   "go-seg",
	Short: "Semantic segmentation training and prediction",
	Long: `go-seg trains semantic segmentation models with cadenced validation,
best-checkpoint tracking, experiment logging and hyperparameter sweeps.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Dataset options
	pf.StringVar(&opts.DataRoot, "data_root", "./datasets/data", "path to the dataset root")
	pf.StringVar(&opts.Dataset, "dataset", "voc", "dataset name (voc, cityscapes)")
	pf.IntVar(&opts.NumWorkers, "num_workers", 2, "data loading workers")

	// Model options
	pf.StringVar(&opts.Model, "model", "pixel_linear", "model name")
	pf.IntVar(&opts.OutputStride, "output_stride", 16, "output stride")

	// Train options
	pf.IntVar(&opts.TotalIters, "total_itrs", 30000, "total training iterations")
	pf.IntVar(&opts.EpochBudget, "n_epochs", 0, "optional epoch budget (0 = iterations only)")
	pf.Float64Var(&opts.LR, "lr", 0.01, "base learning rate")
	pf.StringVar(&opts.LRPolicy, "lr_policy", "poly", "learning rate policy (poly, step)")
	pf.IntVar(&opts.StepSize, "step_size", 10000, "step policy decay interval")
	pf.BoolVar(&opts.CropVal, "crop_val", false, "crop validation images")
	pf.IntVar(&opts.BatchSize, "batch_size", 16, "training batch size")
	pf.IntVar(&opts.ValBatchSize, "val_batch_size", 4, "validation batch size")
	pf.IntVar(&opts.CropSize, "crop_size", 513, "training crop size")
	pf.StringVar(&opts.LossType, "loss_type", "cross_entropy", "loss kind (cross_entropy, focal_loss)")
	pf.Float64Var(&opts.WeightDecay, "weight_decay", 1e-4, "weight decay")
	pf.Int64Var(&opts.Seed, "random_seed", 1, "random seed")
	pf.IntVar(&opts.PrintInterval, "print_interval", 10, "loss reporting interval in iterations")
	pf.IntVar(&opts.ValInterval, "val_interval", 0, "validation cadence in iterations (0 = once per training pass)")

	// Checkpoint options
	pf.StringVar(&opts.CheckpointDir, "checkpoint_dir", "checkpoints", "checkpoint directory")
	pf.StringVar(&opts.Ckpt, "ckpt", "", "local checkpoint to restore")
	pf.BoolVar(&opts.ContinueTraining, "continue_training", false, "restore optimizer and counters too")
	pf.BoolVar(&opts.IgnorePreviousBestScore, "ignore_previous_best_score", false, "reset restored best score")

	// Visualization options
	pf.BoolVar(&opts.SaveValResults, "save_val_results", false, "save validation samples to the results dir")
	pf.BoolVar(&opts.EnableVis, "enable_vis", false, "upload validation samples to the tracker")
	pf.IntVar(&opts.VisNumSamples, "vis_num_samples", 8, "validation samples kept per pass")
	pf.StringVar(&opts.ResultsDir, "results_dir", "results", "directory for saved validation samples")
	pf.BoolVar(&opts.PlotCurves, "plot_curves", false, "render training curve plots at the end of a run")

	// Tracker options
	pf.BoolVar(&opts.EnableTracking, "enable_tracking", false, "log this run to the experiment tracker")
	pf.StringVar(&opts.TrackerURL, "tracker_url", "http://localhost:8080", "tracker base URL")
	pf.StringVar(&opts.Project, "project", "", "tracker project name")
	pf.StringVar(&opts.Team, "team", "", "tracker team name")
	pf.StringVar(&opts.RunName, "run_name", "", "tracker run name (derived when empty)")
	pf.StringVar(&opts.RestoreName, "restore_ckpt", "", "remote checkpoint artifact to restore")
	pf.StringVar(&opts.RestoreRunPath, "run_path", "", "tracker run path for remote restore")
}
