// Command replicatorsim drives a Replicator against the in-memory
// memlog/chantransport fakes so its tick-loop behavior can be watched
// without a real cluster. It is a development aid, not a production
// entry point.
package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	logger  hclog.Logger
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "replicatorsim",
		Short: "Simulate a leader's per-follower replication worker",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := hclog.LevelFromString(viper.GetString("log-level"))
			if level == hclog.NoLevel {
				level = hclog.Info
			}
			logger = hclog.New(&hclog.LoggerOptions{
				Name:  "replicatorsim",
				Level: level,
			})
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./replicatorsim.yaml)")
	root.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	_ = viper.BindPFlag("log-level", root.PersistentFlags().Lookup("log-level"))

	cobra.OnInitialize(initConfig)

	root.AddCommand(newRunCmd())
	return root
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("replicatorsim")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("REPLICATORSIM")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig() // absence of a config file is not an error here
}
