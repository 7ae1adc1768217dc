package tiernet

import (
	"bytes"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tieredDesc(t *testing.T) *TopoDesc {
	t.Helper()
	nodes, err := ParseNodes(strings.NewReader(tieredNodes), "nodes")
	require.NoError(t, err)
	edges, err := ParseEdges(strings.NewReader(tieredEdges), "edges")
	require.NoError(t, err)
	td := CreateTopoDesc("tiered")
	td.Nodes, td.Edges = nodes, edges
	return td
}

// a short tiered run: urgent sends inside the horizon, bursts every 5 s
func shortTieredCfg(t *testing.T, horizon float64) *ExpCfg {
	t.Helper()
	excfg, err := DefaultExpCfg(TieredFamily)
	require.NoError(t, err)
	excfg.Horizon = horizon
	excfg.NumPMUs = 1
	excfg.Faults.Policy = NonePolicy
	require.NoError(t, excfg.AddParameter("Sensor", []AttrbStruct{{AttrbName: "class", AttrbValue: UrgentClass}},
		"offsetmax", "5"))
	require.NoError(t, excfg.AddParameter("Sensor", []AttrbStruct{{AttrbName: "class", AttrbValue: UrgentClass}},
		"interval", "4"))
	require.NoError(t, excfg.AddParameter("Compute", []AttrbStruct{{AttrbName: "class", AttrbValue: SubscribeClass}},
		"frequency", "5"))
	require.NoError(t, excfg.ApplyParameters())
	return excfg
}

func TestTieredExperiment(t *testing.T) {
	rec := new(recorder)
	exp, err := BuildExperimentFromDesc(shortTieredCfg(t, 20), tieredDesc(t), rec)
	require.NoError(t, err)

	// computes on com_0 and com_1 (4 each), two aggregators on agg_2 and agg_6,
	// urgent+pmu on phy_3, ami+subscribe on phy_4 and phy_5
	kinds := map[RoleKind]int{}
	for _, app := range exp.Apps {
		kinds[app.Kind] += 1
	}
	assert.Equal(t, map[RoleKind]int{ComputeRole: 8, AggregatorRole: 4, SensorRole: 6}, kinds)
	assert.Empty(t, exp.Faults.Failures())

	require.NoError(t, exp.Run())
	assert.Error(t, exp.Run())

	an := Analyze(exp.Trace.Records)
	for _, class := range []string{"/urgent/com/error", "/direct/agg/pmu", "/direct/com/pmu",
		"/direct/agg/ami", "/direct/com/ami", "/overlay/com/subscription"} {
		cs, ok := an.Class(class)
		require.True(t, ok, class)
		assert.Greater(t, cs.Received, 0, class)
		// at most the packets still on the wire at the horizon go missing
		assert.LessOrEqual(t, cs.Lost, 10, class)
		assert.Greater(t, cs.MeanLatency, 0.0, class)
	}
	assert.Zero(t, an.Unmatched)

	// the subscribe sensors never appear in the trace but the computes answer them
	for _, r := range exp.Trace.Records {
		assert.NotContains(t, r.Name, "subscribe")
	}
	assert.NotEmpty(t, rec.recvBy(SensorRole))

	packets, err := exp.Metrics.Total(packetsMetric)
	require.NoError(t, err)
	assert.Equal(t, float64(len(rec.sent)+len(rec.recv)), packets)
}

func TestTieredAggregatorsForwardToComputes(t *testing.T) {
	exp, err := BuildExperimentFromDesc(shortTieredCfg(t, 2), tieredDesc(t))
	require.NoError(t, err)

	computes := map[netip.Addr]bool{}
	for _, addr := range exp.Topo.ComputeAddrs() {
		computes[addr] = true
	}
	byNode := map[int]netip.Addr{}
	for _, app := range exp.Apps {
		if app.Kind != AggregatorRole {
			continue
		}
		remote := app.Aggregator.cfg.Remote.Addr()
		assert.True(t, computes[remote], "aggregator forwards to %s", remote)
		// both aggregators of a node use the same compute
		if prev, seen := byNode[app.Node]; seen {
			assert.Equal(t, prev, remote)
		}
		byNode[app.Node] = remote
	}
	assert.Len(t, byNode, 2)
}

func TestTieredFaults(t *testing.T) {
	excfg := shortTieredCfg(t, 20)
	excfg.Faults.Policy = AllPolicy
	excfg.Faults.PairsPerEdge = 5

	exp, err := BuildExperimentFromDesc(excfg, tieredDesc(t))
	require.NoError(t, err)
	require.Len(t, exp.Faults.Failures(), 10)
	require.NoError(t, exp.Run())

	downs, ups := exp.Faults.Transitions()
	assert.Equal(t, 10, downs)
	assert.Equal(t, 10, ups)
	total, err := exp.Metrics.Total(transitionsMetric)
	require.NoError(t, err)
	assert.Equal(t, 20.0, total)
}

func TestSectionedExperiment(t *testing.T) {
	td, err := ParseCase(strings.NewReader(sampleCase), "case")
	require.NoError(t, err)
	excfg, err := DefaultExpCfg(SectionedFamily)
	require.NoError(t, err)
	excfg.Horizon = 3
	dir := t.TempDir()
	excfg.TraceFile = filepath.Join(dir, "trace.csv")
	excfg.FlowsFile = filepath.Join(dir, "flows.txt")
	excfg.MetricsFile = filepath.Join(dir, "metrics.txt")

	exp, err := BuildExperimentFromDesc(excfg, td)
	require.NoError(t, err)
	assert.Equal(t, 3, exp.Flows.Len())
	assert.Equal(t, []int{4}, exp.Flows.Targets("PDC"))
	// PDC and WAC computes, one background compute, three flow sensors, one injector
	assert.Len(t, exp.Apps, 7)

	require.NoError(t, exp.Run())

	pdcSeen := false
	for _, r := range exp.Trace.Records {
		if strings.HasPrefix(r.Name, "/power/pdc/phy5/10.4.0.2/4/") {
			pdcSeen = true
		}
		if strings.HasPrefix(r.Name, "/power/bgd/") {
			assert.GreaterOrEqual(t, r.Time, 0.5-1e-6, r.Name)
			assert.Less(t, r.Time, 1.6, r.Name)
		}
		// node 4's only link is down over [1, 2]
		if r.NodeID == 4 && r.Event == RecvEvt {
			assert.False(t, r.Time > 1.01 && r.Time < 2.0, "node 4 received at %g", r.Time)
		}
	}
	assert.True(t, pdcSeen)
	assert.Greater(t, exp.Net.Dropped[DropIntrfcDown], 0)

	require.NoError(t, exp.WriteOutputs())
	records, err := ReadTraceFile(excfg.TraceFile)
	require.NoError(t, err)
	assert.Len(t, records, len(exp.Trace.Records))
	for idx := 1; idx < len(records); idx++ {
		assert.LessOrEqual(t, records[idx-1].Time, records[idx].Time)
	}

	flows, err := os.ReadFile(excfg.FlowsFile)
	require.NoError(t, err)
	assert.Equal(t, "4 5 PDC\n4 6 PDC\n3 5 WAC\n", string(flows))

	metrics, err := os.ReadFile(excfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "tiernet_packets_total")
	assert.Contains(t, string(metrics), `reason="intrfc_down"`)
}

func TestUnmappedAddressHaltsRun(t *testing.T) {
	// with and without a trace file to write
	for _, traceFile := range []string{"sectioned-trace.csv", ""} {
		td, err := ParseCase(strings.NewReader(sampleCase), "case")
		require.NoError(t, err)
		excfg, err := DefaultExpCfg(SectionedFamily)
		require.NoError(t, err)
		excfg.Horizon = 3
		excfg.TraceFile = traceFile

		exp, err := BuildExperimentFromDesc(excfg, td)
		require.NoError(t, err)
		exp.Sched.Schedule(1.0, func() {
			exp.Trace.OnReceived(ReceivedEvent{NodeID: 4, Role: ComputeRole, Packet: pkt(100, 200),
				Source: ap("192.168.7.7", 4000), LocalPort: excfg.Ports.PDC})
		})

		err = exp.Run()
		require.ErrorIs(t, err, ErrUnmappedAddress, traceFile)
		for _, r := range exp.Trace.Records {
			assert.LessOrEqual(t, r.Time, 1.0+1e-6)
		}
		if traceFile == "" {
			assert.Empty(t, exp.Trace.Records)
		}
	}
}

func TestBuildExperimentFromFiles(t *testing.T) {
	dir := t.TempDir()
	excfg := shortTieredCfg(t, 2)
	excfg.NodesFile = filepath.Join(dir, "nodes.txt")
	excfg.EdgesFile = filepath.Join(dir, "edges.txt")
	require.NoError(t, os.WriteFile(excfg.NodesFile, []byte(tieredNodes), 0644))

	_, err := BuildExperiment(excfg)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(excfg.EdgesFile, []byte(tieredEdges), 0644))
	exp, err := BuildExperiment(excfg)
	require.NoError(t, err)
	require.NoError(t, exp.Run())
	assert.NotEmpty(t, exp.Trace.Records)

	var buf bytes.Buffer
	require.NoError(t, exp.Trace.WriteCSV(&buf))
	assert.True(t, strings.HasPrefix(buf.String(), TraceHeader))
}

func TestBuildExperimentRejectsBadConfig(t *testing.T) {
	excfg, err := DefaultExpCfg(TieredFamily)
	require.NoError(t, err)
	excfg.QueueLimit = 0
	_, err = BuildExperiment(excfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	// a tiered topology with no compute tier
	excfg, err = DefaultExpCfg(TieredFamily)
	require.NoError(t, err)
	td := CreateTopoDesc("flat")
	td.Nodes = []NodeDesc{{ID: 0, Name: "agg_0"}, {ID: 1, Name: "phy_1"}}
	td.Edges = []EdgeDesc{{Src: 0, Dst: 1, BandwidthMbps: 10, DelayMs: 1}}
	_, err = BuildExperimentFromDesc(excfg, td)
	assert.ErrorIs(t, err, ErrNoRoleAddress)
}

// descriptions that skip the case-file parser are checked when the experiment is built
func TestBuildExperimentRejectsBadWindows(t *testing.T) {
	excfg, err := DefaultExpCfg(SectionedFamily)
	require.NoError(t, err)
	excfg.Horizon = 3

	desc := func() *TopoDesc {
		td, err := ParseCase(strings.NewReader(sampleCase), "case")
		require.NoError(t, err)
		return td
	}

	td := desc()
	td.LinkFails[0].Down, td.LinkFails[0].Up = 2.0, 1.0
	_, err = BuildExperimentFromDesc(excfg, td)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	td = desc()
	td.LinkFails[0].Intrfc = 9
	_, err = BuildExperimentFromDesc(excfg, td)
	assert.ErrorIs(t, err, ErrUnknownIntrfc)

	td = desc()
	td.Injects[0].Start, td.Injects[0].Stop = 1.5, 0.5
	_, err = BuildExperimentFromDesc(excfg, td)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
