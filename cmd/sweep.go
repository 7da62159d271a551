package cmd

import (
	"github.com/spf13/cobra"

	"github.com/tsawler/go-seg/config"
	"github.com/tsawler/go-seg/tracker"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run a hyperparameter sweep agent",
	Long: `sweep runs trials sequentially, either for a new sweep defined by
--sweep_config or for an existing one named by --sweep_id. Each trial builds
a fresh model, optimizer and loaders from the trial's hyperparameters; a
failed trial is reported and the agent moves on.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Resolve(opts)
		if err != nil {
			return err
		}

		client, err := newTracker(cfg)
		if err != nil {
			return err
		}

		sweepID := cfg.SweepID
		if cfg.SweepConfig != "" {
			sweepCfg, err := tracker.LoadSweepConfig(cfg.SweepConfig)
			if err != nil {
				return err
			}
			sweepID, err = client.CreateSweep(sweepCfg, cfg.Project, cfg.Team)
			if err != nil {
				return err
			}
		}

		return client.RunAgent(sweepID, func(params map[string]interface{}) error {
			// Each trial re-resolves the base options so nothing leaks from
			// the previous trial.
			trialCfg, err := config.Resolve(opts)
			if err != nil {
				return err
			}
			if err := trialCfg.ApplySweepOverrides(params); err != nil {
				return err
			}
			if err := client.InitRun(trialCfg.Project, trialCfg.Team, trialCfg.RunName, trialCfg.Meta()); err != nil {
				return err
			}
			defer client.Finish()
			return runTraining(trialCfg, client)
		})
	},
}

func init() {
	sweepCmd.Flags().StringVar(&opts.SweepConfig, "sweep_config", "", "YAML sweep definition to create and run")
	sweepCmd.Flags().StringVar(&opts.SweepID, "sweep_id", "", "existing sweep id to join")
	rootCmd.AddCommand(sweepCmd)
}
