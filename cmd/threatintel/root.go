package main

import (
	"log/slog"

	"github.com/SiriusScan/threat-intel/sirius/config"
	"github.com/SiriusScan/threat-intel/sirius/slogger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli holds state shared by every subcommand after PersistentPreRunE.
type cli struct {
	cfgFile string
	cfg     config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "threatintel",
		Short:         "Threat-intel ingestion, catalog and CVE correlation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = slogger.Init(cfg.Log.Level, cfg.Log.Format)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default is ./threatintel.yaml)")

	root.AddCommand(
		newServeCmd(c),
		newIngestCmd(c),
		newStatusCmd(c),
	)
	return root
}
