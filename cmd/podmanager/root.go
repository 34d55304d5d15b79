package main

import (
	"github.com/avereha/podmanager/pkg/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type options struct {
	configFile string
	stateFile  string
	simulate   bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "podmanager",
		Short:         "Drive an insulin pod: pair, dose, suspend and report",
		Long:          "podmanager talks to a pod through a TCP radio bridge (or a simulated pod with --simulate), keeps the pod state in a TOML file and reports doses to Nightscout.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(viper.New(), opts.configFile)
			if err != nil {
				return err
			}
			if opts.stateFile != "" {
				cfg.StateFile = opts.stateFile
			}
			log.SetLevel(cfg.Level())
			return a.init(cfg, opts.simulate)
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./podmanager.toml)")
	rootCmd.PersistentFlags().StringVar(&opts.stateFile, "state", "", "pod state file, overrides state_file")
	rootCmd.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "talk to a simulated pod instead of the bridge")

	rootCmd.AddCommand(
		newPairCmd(a),
		newStatusCmd(a),
		newBolusCmd(a),
		newTempBasalCmd(a),
		newSuspendCmd(a),
		newResumeCmd(a),
		newStateCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}
