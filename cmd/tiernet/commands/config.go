package commands

import (
	"github.com/spf13/cobra"

	"github.com/iti/tiernet"
)

func init() {
	configCmd.Flags().StringVarP(&family, "family", "f", string(tiernet.TieredFamily), "scenario family: tiered or sectioned")
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config [exp.yaml]",
	Short: "Generate the default experiment config of a family",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		filename := family + ".yaml"
		if len(args) > 0 {
			filename = args[0]
		}
		excfg, err := tiernet.DefaultExpCfg(tiernet.Family(family))
		if err != nil {
			return err
		}
		if err := excfg.WriteToFile(filename); err != nil {
			return err
		}
		log.WithField("file", filename).Info("config written")
		return nil
	},
}
