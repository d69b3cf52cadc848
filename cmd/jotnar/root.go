package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"jotnar/internal/config"
	"jotnar/internal/telemetry"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "jotnar",
	Short: "Jotnar automates routine RHEL source package maintenance",
	Long: `Jotnar watches the issue tracker for package maintenance requests,
triages them with an LLM agent, and drives rebases and backports through
fork, build and merge request. A human reviews the resulting MR.

Work moves through durable Redis queues; every subcommand runs one stage
and can be scaled independently.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command. Called once from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./jotnar.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("dry-run", false, "commit locally but never push or open merge requests")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("pipeline.dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))
}

func initConfig() {
	config.Load(cfgFile)
	telemetry.InitLogger(viper.GetBool("verbose"), viper.GetString("log_file"))
}
