package commands

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/iti/tiernet"
)

var (
	configFile  string
	family      string
	nodesFile   string
	edgesFile   string
	caseFile    string
	horizon     float64
	policy      string
	traceFile   string
	flowsFile   string
	metricsFile string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "experiment config (.yaml, .yml or .json)")
	runCmd.Flags().StringVarP(&family, "family", "f", string(tiernet.TieredFamily), "scenario family when no config is given: tiered or sectioned")
	runCmd.Flags().StringVar(&nodesFile, "nodes", "", "nodes file of the tiered family")
	runCmd.Flags().StringVar(&edgesFile, "edges", "", "edges file of the tiered family")
	runCmd.Flags().StringVar(&caseFile, "case", "", "case file of the sectioned family")
	runCmd.Flags().Float64Var(&horizon, "horizon", 0, "simulated seconds to run")
	runCmd.Flags().StringVar(&policy, "policy", "", "fault policy: alternate, all, none or random")
	runCmd.Flags().StringVar(&traceFile, "trace", "", "trace output (.csv, .yaml or .json)")
	runCmd.Flags().StringVar(&flowsFile, "flows", "", "flow list output")
	runCmd.Flags().StringVar(&metricsFile, "metrics", "", "metrics dump output")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build and run an experiment",
	RunE: func(cmd *cobra.Command, _ []string) error {
		excfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if ok, err := tiernet.CheckOutputFiles([]string{excfg.TraceFile, excfg.FlowsFile, excfg.MetricsFile}); !ok {
			return err
		}

		exp, err := tiernet.BuildExperiment(excfg)
		if err != nil {
			return err
		}
		if err := exp.Run(); err != nil {
			return err
		}
		if err := exp.WriteOutputs(); err != nil {
			return err
		}

		totals, err := exp.Metrics.Summary()
		if err != nil {
			return err
		}
		fields := logrus.Fields{"run": exp.Trace.RunID}
		for name, total := range totals {
			fields[name] = total
		}
		log.WithFields(fields).Info("experiment finished")
		return nil
	},
}

// loadConfig reads the config file, or takes the family defaults, then applies the flags that were set
func loadConfig(cmd *cobra.Command) (*tiernet.ExpCfg, error) {
	var excfg *tiernet.ExpCfg
	var err error
	if configFile != "" {
		excfg, err = tiernet.ReadExpCfg(configFile, tiernet.UseYAML(configFile), nil)
	} else {
		excfg, err = tiernet.DefaultExpCfg(tiernet.Family(family))
	}
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("nodes") {
		excfg.NodesFile = nodesFile
	}
	if flags.Changed("edges") {
		excfg.EdgesFile = edgesFile
	}
	if flags.Changed("case") {
		excfg.CaseFile = caseFile
	}
	if flags.Changed("horizon") {
		excfg.Horizon = horizon
	}
	if flags.Changed("policy") {
		if excfg.Faults.Policy, err = tiernet.ParseFaultPolicy(policy); err != nil {
			return nil, err
		}
	}
	if flags.Changed("trace") {
		excfg.TraceFile = traceFile
	}
	if flags.Changed("flows") {
		excfg.FlowsFile = flowsFile
	}
	if flags.Changed("metrics") {
		excfg.MetricsFile = metricsFile
	}
	return excfg, nil
}
