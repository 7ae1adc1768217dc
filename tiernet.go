package tiernet

// tiernet.go assembles an experiment: it reads the topology named by an ExpCfg,
// builds the simulated network, installs the endpoint roles of the configured
// scenario family, schedules link failures, and runs the whole to the horizon.

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"os"
	"sort"

	"github.com/iti/rngstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Experiment is one built, runnable scenario
type Experiment struct {
	Cfg     *ExpCfg
	Sched   *EvtScheduler
	Net     *Network
	Topo    *TopologyContext
	Trace   *TraceManager
	Metrics *MetricsSink
	Faults  *FaultInjector
	Flows   *FlowList
	Apps    []*App

	desc     *TopoDesc
	env      AppEnv
	offsets  *rngstream.RngStream
	computes map[computeKey]bool
	ran      bool
}

type computeKey struct {
	node int
	port uint16
}

// BuildExperiment applies the configuration's parameter overrides, validates it,
// and builds everything the run needs.  Extra sinks see every endpoint event
// alongside the trace manager and the metrics sink.
func BuildExperiment(cfg *ExpCfg, sinks ...EventSink) (*Experiment, error) {
	if err := cfg.ApplyParameters(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ok, err := CheckReadableFiles(cfg.inputFiles()); !ok {
		return nil, err
	}

	var td *TopoDesc
	var err error
	switch cfg.Family {
	case TieredFamily:
		td, err = ReadTieredFiles(cfg.NodesFile, cfg.EdgesFile)
	case SectionedFamily:
		td, err = ReadCaseFile(cfg.CaseFile)
	}
	if err != nil {
		return nil, err
	}
	return BuildExperimentFromDesc(cfg, td, sinks...)
}

// BuildExperimentFromDesc is BuildExperiment for a topology already in hand.
// Parameter overrides are expected to have been applied.
func BuildExperimentFromDesc(cfg *ExpCfg, td *TopoDesc, sinks ...EventSink) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	exp := new(Experiment)
	exp.Cfg = cfg
	exp.desc = td
	exp.Sched = CreateEvtScheduler()
	exp.Net = CreateNetwork(exp.Sched)
	exp.Net.SetQueueLimit(cfg.QueueLimit)
	exp.Flows = CreateFlowList()
	exp.Apps = make([]*App, 0)
	exp.offsets = rngstream.New("offsets")
	exp.computes = make(map[computeKey]bool)

	topo, err := BuildTopology(td, exp.Net)
	if err != nil {
		return nil, err
	}
	exp.Topo = topo

	var namer Namer
	switch cfg.Family {
	case TieredFamily:
		namer = &TieredNamer{Topo: topo, Ports: cfg.Ports}
	case SectionedFamily:
		namer = &SectionedNamer{Topo: topo, Ports: cfg.Ports}
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unknown scenario family %q", cfg.Family)
	}
	exp.Trace = CreateTraceManager(cfg.Name, cfg.TraceFile != "", namer)
	exp.Trace.OnError(exp.Sched.Halt)
	for _, id := range topo.NodeIDs() {
		node := topo.Nodes[id]
		name := node.Name
		if name == "" {
			name = fmt.Sprintf("node%d", id)
		}
		if err := exp.Trace.AddName(id, name, node.Tier.String()); err != nil {
			return nil, err
		}
	}

	exp.Metrics = CreateMetricsSink(exp.Trace.RunID)
	exp.Net.SetDropObserver(exp.Metrics)

	all := MultiSink{exp.Trace, exp.Metrics}
	all = append(all, sinks...)
	exp.env = AppEnv{Sched: exp.Sched, Net: exp.Net, Sink: all}

	faults := cfg.Faults
	faults.Horizon = cfg.Horizon
	exp.Faults, err = CreateFaultInjector(exp.Sched, exp.Net, faults)
	if err != nil {
		return nil, err
	}
	exp.Faults.SetObserver(exp.Metrics)
	exp.Faults.OnError(exp.Sched.Halt)

	switch cfg.Family {
	case TieredFamily:
		err = exp.installTiered()
	case SectionedFamily:
		err = exp.installSectioned()
	}
	if err != nil {
		return nil, err
	}
	if _, err := exp.Faults.InjectCandidates(topo.FailureCandidates()); err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"run":      exp.Trace.RunID,
		"family":   cfg.Family,
		"apps":     len(exp.Apps),
		"flows":    exp.Flows.Len(),
		"failures": len(exp.Faults.Failures()),
	}).Info("experiment built")
	return exp, nil
}

// drawOffset picks an offset from a profile's range, or returns the fixed offset
func (exp *Experiment) drawOffset(offset, offsetMax, step float64) float64 {
	if !(offsetMax > offset) || !(step > 0) {
		return offset
	}
	steps := int(math.Floor((offsetMax-offset)/step + 1e-9))
	return offset + float64(exp.offsets.RandInt(0, steps))*step
}

func (exp *Experiment) addApp(app *App) {
	exp.Apps = append(exp.Apps, app)
}

// installCompute adds a compute endpoint unless the node already has one on the port
func (exp *Experiment) installCompute(node int, prof ComputeProfile, port uint16) error {
	key := computeKey{node: node, port: port}
	if exp.computes[key] {
		return nil
	}
	cmp, err := CreateCompute(node, prof.config(port), exp.env)
	if err != nil {
		return err
	}
	exp.computes[key] = true
	exp.addApp(ComputeApp(cmp, Lifetime{}))
	return nil
}

func (exp *Experiment) installSensor(node int, prof SensorProfile, remote netip.AddrPort, life Lifetime) error {
	s, err := CreateSensor(node, SensorConfig{
		Remote:       remote,
		PacketSize:   prof.PacketSize,
		Interval:     prof.Interval,
		Offset:       exp.drawOffset(prof.Offset, prof.OffsetMax, prof.OffsetStep),
		Subscription: prof.Subscription,
	}, exp.env)
	if err != nil {
		return err
	}
	exp.addApp(SensorApp(s, life))
	return nil
}

// tieredPorts maps the tiered classes to their ports
func (exp *Experiment) tieredPorts() map[string]uint16 {
	ports := exp.Cfg.Ports
	return map[string]uint16{UrgentClass: ports.Urgent, PMUClass: ports.PMU, AMIClass: ports.AMI,
		SubscribeClass: ports.Subscribe}
}

func (exp *Experiment) installTiered() error {
	cfg := exp.Cfg
	topo := exp.Topo
	ports := exp.tieredPorts()

	computeAddrs := topo.ComputeAddrs()
	if len(computeAddrs) == 0 {
		return errors.Wrap(ErrNoRoleAddress, "no aggregation-compute edge gives a compute address")
	}

	for _, node := range topo.NodesOfTier(ComputeTier) {
		for _, class := range []string{UrgentClass, PMUClass, AMIClass, SubscribeClass} {
			if err := exp.installCompute(node, cfg.Computes[class], ports[class]); err != nil {
				return err
			}
		}
	}

	aggClasses := make([]string, 0, len(cfg.Aggregators))
	for class := range cfg.Aggregators {
		if _, present := ports[class]; present {
			aggClasses = append(aggClasses, class)
		}
	}
	sort.Strings(aggClasses)

	for ordinal, node := range topo.NodesOfTier(AggregatorTier) {
		offsets := make(map[string]float64)
		cmpIdx := -1
		for _, class := range aggClasses {
			prof := cfg.Aggregators[class]
			offsets[class] = exp.drawOffset(prof.Offset, prof.OffsetMax, prof.OffsetStep)
			if cmpIdx < 0 && prof.OffsetMax > prof.Offset {
				cmpIdx = int(math.Round(offsets[class]*1000)) % len(computeAddrs)
			}
		}
		if cmpIdx < 0 {
			cmpIdx = ordinal % len(computeAddrs)
		}
		for _, class := range aggClasses {
			prof := cfg.Aggregators[class]
			agg, err := CreateAggregator(node, AggregatorConfig{
				LocalPort:     ports[class],
				Remote:        netip.AddrPortFrom(computeAddrs[cmpIdx], ports[class]),
				FlushInterval: prof.FlushInterval,
				StartOffset:   offsets[class],
			}, exp.env)
			if err != nil {
				return err
			}
			exp.addApp(AggregatorApp(agg, Lifetime{}))
		}
		logger.WithFields(logrus.Fields{
			"node":    node,
			"compute": computeAddrs[cmpIdx].String(),
		}).Debug("aggregators installed")
	}

	subscriber := 0
	for idx, node := range topo.NodesOfTier(SensorTier) {
		aggAddr, err := topo.AggregatorAddr(node)
		if err != nil {
			return err
		}
		if idx < cfg.NumPMUs {
			urgent := netip.AddrPortFrom(computeAddrs[0], ports[UrgentClass])
			if err := exp.installSensor(node, cfg.Sensors[UrgentClass], urgent, Lifetime{}); err != nil {
				return err
			}
			pmu := netip.AddrPortFrom(aggAddr, ports[PMUClass])
			if err := exp.installSensor(node, cfg.Sensors[PMUClass], pmu, Lifetime{}); err != nil {
				return err
			}
			continue
		}
		ami := netip.AddrPortFrom(aggAddr, ports[AMIClass])
		if err := exp.installSensor(node, cfg.Sensors[AMIClass], ami, Lifetime{}); err != nil {
			return err
		}
		sub := netip.AddrPortFrom(computeAddrs[subscriber%len(computeAddrs)], ports[SubscribeClass])
		if err := exp.installSensor(node, cfg.Sensors[SubscribeClass], sub, Lifetime{}); err != nil {
			return err
		}
		subscriber += 1
	}
	return nil
}

// sectionedClass maps a case-file class to its profile key and port
func (exp *Experiment) sectionedClass(class string) (string, uint16, error) {
	switch class {
	case "PDC", "pdc":
		return PDCClass, exp.Cfg.Ports.PDC, nil
	case "WAC", "wac":
		return WACClass, exp.Cfg.Ports.WAC, nil
	}
	return "", 0, errors.Wrapf(ErrInvalidConfig, "unknown flow class %q", class)
}

func (exp *Experiment) installSectioned() error {
	cfg := exp.Cfg
	topo := exp.Topo

	for _, fd := range exp.desc.Flows {
		class, port, err := exp.sectionedClass(fd.Class)
		if err != nil {
			return err
		}
		fl, err := exp.Flows.Add(fd.Target, fd.Source, fd.Class)
		if err != nil {
			return err
		}
		addr, err := topo.RoleAddr(fd.Class, fd.Target)
		if err != nil {
			return errors.Wrapf(err, "flow %s", fl.Name())
		}
		if err := exp.installCompute(fd.Target, cfg.Computes[class], port); err != nil {
			return err
		}
		remote := netip.AddrPortFrom(addr, port)
		if err := exp.installSensor(fd.Source, cfg.Sensors[class], remote, Lifetime{}); err != nil {
			return err
		}
	}

	for _, inj := range exp.desc.Injects {
		addr, err := topo.RoleAddr(inj.Class, inj.Target)
		if err != nil {
			return errors.Wrapf(err, "inject %d->%d", inj.Source, inj.Target)
		}
		port := cfg.Ports.Background
		if err := exp.installCompute(inj.Target, cfg.Computes[BgdClass], port); err != nil {
			return err
		}
		life := Lifetime{Start: inj.Start, Stop: inj.Stop}
		if life.Start < 0 || life.Stop <= life.Start {
			return errors.Wrapf(ErrInvalidConfig, "inject %d->%d needs 0 <= start < stop, got start %g stop %g",
				inj.Source, inj.Target, inj.Start, inj.Stop)
		}
		if err := exp.installSensor(inj.Source, cfg.Sensors[BgdClass], netip.AddrPortFrom(addr, port), life); err != nil {
			return err
		}
	}

	for _, lf := range exp.desc.LinkFails {
		err := exp.Faults.Schedule(LinkFailure{Node: lf.Node, Intrfc: lf.Intrfc, Down: lf.Down, Up: lf.Up, Label: lf.Label})
		if err != nil {
			return err
		}
	}
	return nil
}

// Run starts every installed app at its lifetime's start and runs the
// simulation to the horizon.  A lookup failure raised during the run halts it
// and is returned.
func (exp *Experiment) Run() error {
	if exp.ran {
		return errors.New("experiment already run")
	}
	exp.ran = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for _, app := range exp.Apps {
		app.Schedule(ctx, exp.Sched, exp.Sched.Halt)
	}
	err := exp.Sched.Run(exp.Cfg.Horizon)
	for _, app := range exp.Apps {
		app.Stop()
	}

	scheduled, fired := exp.Sched.Counts()
	downs, ups := exp.Faults.Transitions()
	fields := logrus.Fields{
		"run":       exp.Trace.RunID,
		"scheduled": scheduled,
		"fired":     fired,
		"records":   len(exp.Trace.Records),
		"downs":     downs,
		"ups":       ups,
	}
	for reason, count := range exp.Net.Dropped {
		fields["drop_"+string(reason)] = count
	}
	if err != nil {
		logger.WithFields(fields).WithError(err).Error("run halted")
		return err
	}
	logger.WithFields(fields).Info("run complete")
	return nil
}

// WriteOutputs writes the trace, flow and metrics files the configuration names
func (exp *Experiment) WriteOutputs() error {
	cfg := exp.Cfg
	errs := []error{}
	if cfg.TraceFile != "" {
		errs = append(errs, exp.Trace.WriteToFile(cfg.TraceFile, true))
	}
	if cfg.FlowsFile != "" && cfg.Family == SectionedFamily {
		errs = append(errs, exp.Flows.WriteToFile(cfg.FlowsFile))
	}
	if cfg.MetricsFile != "" {
		errs = append(errs, exp.writeMetrics(cfg.MetricsFile))
	}
	return ReportErrs(errs)
}

func (exp *Experiment) writeMetrics(filename string) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := exp.Metrics.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
