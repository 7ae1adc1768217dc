package commands

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iti/tiernet"
)

var (
	latencyFile string
	summaryFile string
)

func init() {
	analyzeCmd.Flags().StringVar(&latencyFile, "latency", "", "write per-packet latencies here")
	analyzeCmd.Flags().StringVar(&summaryFile, "summary", "", "write the per-class summary here instead of stdout")
	rootCmd.AddCommand(analyzeCmd)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <trace.csv>",
	Short: "Pair the records of a trace and summarize latency and loss per class",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := tiernet.ReadTraceFile(args[0])
		if err != nil {
			return err
		}
		an := tiernet.Analyze(records)

		if latencyFile != "" {
			if err := writeWith(latencyFile, an.WriteLatencyLog); err != nil {
				return err
			}
		}
		if summaryFile != "" {
			return writeWith(summaryFile, an.WriteSummary)
		}
		return an.WriteSummary(cmd.OutOrStdout())
	},
}

func writeWith(filename string, write func(w io.Writer) error) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
