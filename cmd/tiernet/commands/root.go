package commands

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iti/tiernet"
)

var (
	logLevel string
	log      = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:           "tiernet",
	Short:         "Discrete-event experiments over a sensor/aggregation/compute network",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		tiernet.SetLogger(log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "one of panic, fatal, error, warn, info, debug, trace")
}

// Execute executes root CLI command.  Any error ends the process with status 1.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("tiernet failed")
		os.Exit(1)
	}
}
