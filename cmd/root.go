package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CosmoTheDev/scanorch/internal/logging"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "scanorch",
	Short: "Run security scan jobs across external scanning products",
	Long: `scanorch dispatches a scan job to every configured security product,
drives each product's slow polling protocol to completion and stores the
raw results. Interrupted jobs resume from the progress recorded so far.

Get started:
  scanorch config init       Write a default configuration
  scanorch migrate           Create the database schema
  scanorch executors import  Load product executor configurations
  scanorch serve             Run the worker pool and the HTTP API
  scanorch run               Run one job in the foreground`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute is the entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: ~/.scanorch/config.json)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "log-json", false,
		"write logs as JSON")

	rootCmd.Version = Version
	rootCmd.AddCommand(
		serveCmd,
		runCmd,
		executorsCmd,
		jobsCmd,
		configCmd,
		migrateCmd,
		doctorCmd,
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	slog.SetDefault(logging.New(os.Stderr, verbose, jsonOutput))
	if verbose {
		slog.Debug("Verbose logging enabled")
	}
}
