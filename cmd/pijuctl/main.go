// Command pijuctl is the CLI entry point for pijugo: a thin cobra
// wrapper over internal/repo's operations, grounded on the teacher's
// cmd/crisk/main.go (a package-level logger/config pair populated in
// PersistentPreRun, subcommands registered in init()).
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/rohankatakam/pijugo/internal/config"
)

var (
	// Version information (set by build flags).
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	cfgFile string
	verbose bool
	logger  *logrus.Logger
	cfg     *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "pijuctl",
	Short:   "pijuctl - a patch-based, order-independent version control system",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = logrus.New()
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			logger.WithError(err).Warn("failed to load config, using defaults")
			cfg = config.Default()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: .pijul/meta.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(`pijuctl {{.Version}}
Build time: ` + BuildTime + `
Git commit: ` + GitCommit + `
`)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(unrecordCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(cacheCmd)
}
