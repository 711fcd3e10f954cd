package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datallboy/usenetd/internal/infra/config"
	"github.com/datallboy/usenetd/internal/infra/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "usenetd",
	Short: "A Usenet binary downloader",
	Long: `usenetd downloads NZB jobs from one or more news servers, verifies and
extracts them, and moves the results into the complete directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default config.yaml, then /config/config.yaml)")
	rootCmd.AddCommand(serveCmd, fetchCmd)
}

// load reads the config and opens the log it names.
func load(stdout bool) (*config.Provider, *logger.Logger, error) {
	cfg, err := config.NewProvider(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	c := cfg.Current()
	log, err := logger.New(c.Log.Path, logger.ParseLevel(c.Log.Level), stdout && c.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
