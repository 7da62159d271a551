package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tsawler/go-seg/config"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a segmentation model",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(opts)
		if err != nil {
			return err
		}

		client, err := newTracker(cfg)
		if err != nil {
			return err
		}
		defer client.Finish()

		if err := client.InitRun(cfg.Project, cfg.Team, cfg.RunName, cfg.Meta()); err != nil {
			return err
		}
		return runTraining(cfg, client)
	},
}

func init() {
	trainCmd.Flags().BoolVar(&opts.TestOnly, "test_only", false, "run a single validation pass and exit")
	rootCmd.AddCommand(trainCmd)
}
