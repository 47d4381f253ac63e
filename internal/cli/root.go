package cli

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/config"
	"github.com/midnightntwrk/midnight-ledger-sub005/internal/log"
)

var (
	// Global flags
	configFile string
	debug      bool
	verbose    bool
	quiet      bool

	// cfg is loaded before any subcommand runs
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arenactl",
	Short: "arenactl - inspect and maintain a content-addressed arena database",
	Long: `arenactl opens the node database of a storage arena and runs maintenance
on it: listing GC roots, collecting garbage, verifying node hashes, and moving
state values in and out of the database in their wire format.`,
	Version:           "0.1.0-dev",
	SilenceUsage:      true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return initConfig() },
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "", "configuration file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable normally suppressed debug logging")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
}

// initConfig reads the config file and ARENA_ environment variables, then
// configures logging. Flags take precedence over the [log] section.
func initConfig() error {
	c, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	cfg = c
	cfg.Log.Apply()

	switch {
	case debug || verbose:
		log.Logger().SetLevel(logrus.DebugLevel)
	case quiet:
		log.Logger().SetLevel(logrus.WarnLevel)
	}
	log.Component("cli").WithField("config", cfg.String()).Debug("configuration loaded")
	return nil
}
