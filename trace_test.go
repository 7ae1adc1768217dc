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

func ap(addr string, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(netip.MustParseAddr(addr), port)
}

func pkt(hdr uint32, size int) Packet {
	return Packet{Header: hdr, Payload: size}
}

// addresses from buildTiered: phy_3 10.0.0.9, agg_2 10.0.0.10 and 10.0.0.13,
// phy_4 10.0.0.14, com_0 10.0.0.1, agg_6 10.0.0.21
func TestTieredNamerSent(t *testing.T) {
	tn := &TieredNamer{Topo: buildTiered(t), Ports: DefaultPortMap()}

	cases := []struct {
		ev   SentEvent
		name string
	}{
		{SentEvent{NodeID: 3, Role: SensorRole, Packet: pkt(104, 60), Dest: ap("10.0.0.1", 5000)}, "/urgent/com/error/phy3/104"},
		{SentEvent{NodeID: 3, Role: SensorRole, Packet: pkt(100, 90), Dest: ap("10.0.0.10", 6000)}, "/direct/agg/pmu/phy3/100"},
		{SentEvent{NodeID: 4, Role: SensorRole, Packet: pkt(101, 60), Dest: ap("10.0.0.13", 7000)}, "/direct/agg/ami/phy4/101"},
		{SentEvent{NodeID: 2, Role: AggregatorRole, Packet: pkt(102, 180), Dest: ap("10.0.0.1", 6000)}, "/direct/com/pmu/agg2/102"},
		{SentEvent{NodeID: 2, Role: AggregatorRole, Packet: pkt(100, 60), Dest: ap("10.0.0.1", 7000)}, "/direct/com/ami/agg2/100"},
		{SentEvent{NodeID: 0, Role: ComputeRole, Packet: pkt(100, 1024), Dest: ap("10.0.0.14", 5), LocalPort: 8000}, "/overlay/com/subscription/0"},
	}
	for _, tt := range cases {
		name, traced, err := tn.SentName(tt.ev)
		require.NoError(t, err)
		assert.True(t, traced, tt.name)
		assert.Equal(t, tt.name, name)
	}

	skipped := []SentEvent{
		{NodeID: 4, Role: SensorRole, Packet: pkt(HdrSoftSub, 0), Dest: ap("10.0.0.1", 8000)},
		{NodeID: 4, Role: SensorRole, Packet: pkt(HdrHardSub, 0), Dest: ap("10.0.0.1", 8000)},
		{NodeID: 0, Role: ComputeRole, Packet: pkt(100, 1), Dest: ap("10.0.0.13", 6000), LocalPort: 6000},
	}
	for _, ev := range skipped {
		_, traced, err := tn.SentName(ev)
		require.NoError(t, err)
		assert.False(t, traced)
	}
}

func TestTieredNamerRecv(t *testing.T) {
	tn := &TieredNamer{Topo: buildTiered(t), Ports: DefaultPortMap()}

	cases := []struct {
		ev   ReceivedEvent
		name string
	}{
		{ReceivedEvent{NodeID: 2, Role: AggregatorRole, Packet: pkt(100, 90), Source: ap("10.0.0.9", 40000),
			LocalPort: 6000, LastSeq: 100}, "/direct/agg/pmu/phy3/100"},
		{ReceivedEvent{NodeID: 2, Role: AggregatorRole, Packet: pkt(103, 60), Source: ap("10.0.0.14", 40001),
			LocalPort: 7000, LastSeq: 103}, "/direct/agg/ami/phy4/103"},
		{ReceivedEvent{NodeID: 0, Role: ComputeRole, Packet: pkt(107, 60), Source: ap("10.0.0.9", 40002),
			LocalPort: 5000}, "/urgent/com/error/phy3/107"},
		{ReceivedEvent{NodeID: 0, Role: ComputeRole, Packet: pkt(101, 180), Source: ap("10.0.0.2", 40003),
			LocalPort: 6000}, "/direct/com/pmu/agg2/101"},
		{ReceivedEvent{NodeID: 0, Role: ComputeRole, Packet: pkt(100, 60), Source: ap("10.0.0.2", 40004),
			LocalPort: 7000}, "/direct/com/ami/agg2/100"},
		{ReceivedEvent{NodeID: 4, Role: SensorRole, Packet: pkt(100, 1024), Source: ap("10.0.0.1", 8000),
			LocalPort: 40005}, "/overlay/com/subscription/0"},
	}
	for _, tt := range cases {
		name, traced, err := tn.RecvName(tt.ev)
		require.NoError(t, err)
		assert.True(t, traced, tt.name)
		assert.Equal(t, tt.name, name)
	}

	// subscriptions arriving at the compute and acks arriving at a sensor are not traced
	for _, ev := range []ReceivedEvent{
		{NodeID: 0, Role: ComputeRole, Packet: pkt(HdrHardSub, 0), Source: ap("10.0.0.14", 1), LocalPort: 8000},
		{NodeID: 3, Role: SensorRole, Packet: pkt(100, 1), Source: ap("10.0.0.1", 5000), LocalPort: 40006},
	} {
		_, traced, err := tn.RecvName(ev)
		require.NoError(t, err)
		assert.False(t, traced)
	}

	_, _, err := tn.RecvName(ReceivedEvent{NodeID: 0, Role: ComputeRole, Packet: pkt(100, 1),
		Source: ap("192.168.1.1", 1), LocalPort: 5000})
	assert.ErrorIs(t, err, ErrUnmappedAddress)
}

func TestSectionedNamer(t *testing.T) {
	td, err := ParseCase(strings.NewReader(sampleCase), "case")
	require.NoError(t, err)
	topo, err := BuildTopology(td, CreateNetwork(CreateEvtScheduler()))
	require.NoError(t, err)
	sn := &SectionedNamer{Topo: topo, Ports: DefaultPortMap()}

	name, traced, err := sn.SentName(SentEvent{NodeID: 5, Role: SensorRole, Packet: pkt(100, 200),
		Dest: ap("10.4.0.2", 6000)})
	require.NoError(t, err)
	assert.True(t, traced)
	assert.Equal(t, "/power/pdc/phy5/10.4.0.2/4/100", name)

	name, _, err = sn.SentName(SentEvent{NodeID: 6, Role: SensorRole, Packet: pkt(101, 1024),
		Dest: ap("10.2.0.2", 1000)})
	require.NoError(t, err)
	assert.Equal(t, "/power/bgd/phy6/10.2.0.2/3/101", name)

	name, traced, err = sn.RecvName(ReceivedEvent{NodeID: 3, Role: ComputeRole, Packet: pkt(102, 200),
		Source: ap("10.3.0.2", 40000), LocalPort: 5000, LocalAddr: netip.MustParseAddr("10.2.0.2")})
	require.NoError(t, err)
	assert.True(t, traced)
	assert.Equal(t, "/power/wac/phy5/10.2.0.2/3/102", name)

	// acks sent by computes are not traced
	_, traced, err = sn.SentName(SentEvent{NodeID: 4, Role: ComputeRole, Packet: pkt(100, 1),
		Dest: ap("10.3.0.2", 40000), LocalPort: 6000})
	require.NoError(t, err)
	assert.False(t, traced)

	_, _, err = sn.SentName(SentEvent{NodeID: 5, Role: SensorRole, Packet: pkt(100, 200), Dest: ap("10.9.9.9", 6000)})
	assert.ErrorIs(t, err, ErrUnmappedAddress)
}

func TestTraceManagerRecords(t *testing.T) {
	tn := &TieredNamer{Topo: buildTiered(t), Ports: DefaultPortMap()}
	tm := CreateTraceManager("exp", true, tn)
	assert.NotEmpty(t, tm.RunID)
	require.NoError(t, tm.AddName(3, "phy_3", "sensor"))
	assert.Error(t, tm.AddName(3, "phy_3", "sensor"))

	tm.OnSent(SentEvent{Time: 0.5, NodeID: 3, Role: SensorRole, Packet: pkt(100, 90), Dest: ap("10.0.0.10", 6000)})
	tm.OnSent(SentEvent{Time: 0.2, NodeID: 3, Role: SensorRole, Packet: pkt(HdrSoftSub, 0), Dest: ap("10.0.0.1", 8000)})
	tm.OnReceived(ReceivedEvent{Time: 0.25, NodeID: 2, Role: AggregatorRole, Packet: pkt(100, 90),
		Source: ap("10.0.0.9", 40000), LocalPort: 6000, LastSeq: 100})
	require.Len(t, tm.Records, 2)
	assert.Equal(t, TraceRecord{NodeID: 3, Event: SentEvt, Name: "/direct/agg/pmu/phy3/100", PayloadSize: 90, Time: 0.5},
		tm.Records[0])

	var reported error
	tm.OnError(func(err error) { reported = err })
	tm.OnReceived(ReceivedEvent{NodeID: 2, Role: AggregatorRole, Source: ap("172.16.0.1", 1), LocalPort: 6000})
	assert.ErrorIs(t, reported, ErrUnmappedAddress)
	assert.Len(t, tm.Records, 2)

	off := CreateTraceManager("exp", false, tn)
	off.OnSent(SentEvent{NodeID: 3, Role: SensorRole, Packet: pkt(100, 90), Dest: ap("10.0.0.10", 6000)})
	assert.Empty(t, off.Records)
	assert.False(t, off.Active())

	// an unused manager keeps no records but still reports unmapped addresses
	reported = nil
	off.OnError(func(err error) { reported = err })
	off.OnReceived(ReceivedEvent{NodeID: 2, Role: AggregatorRole, Source: ap("172.16.0.1", 1), LocalPort: 6000})
	assert.ErrorIs(t, reported, ErrUnmappedAddress)
	assert.Empty(t, off.Records)
}

func TestTraceCSV(t *testing.T) {
	tm := CreateTraceManager("exp", true, nil)
	tm.AddTrace(TraceRecord{NodeID: 3, Event: SentEvt, Name: "/direct/agg/pmu/phy3/100", PayloadSize: 90, Time: 0.5})
	tm.AddTrace(TraceRecord{NodeID: 2, Event: RecvEvt, Name: "/direct/agg/pmu/phy3/100", PayloadSize: 90, Time: 0.50072})

	var buf bytes.Buffer
	require.NoError(t, tm.WriteCSV(&buf))
	assert.Equal(t, TraceHeader+"\n"+
		"3, sent, /direct/agg/pmu/phy3/100, 90, 0.500000000\n"+
		"2, recv, /direct/agg/pmu/phy3/100, 90, 0.500720000\n", buf.String())

	back, err := ReadTraceCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, tm.Records, back)

	_, err = ReadTraceCSV(strings.NewReader(TraceHeader + "\n3, sent, /x, ninety, 0.5\n"))
	assert.Error(t, err)
	_, err = ReadTraceCSV(strings.NewReader("3, sent, /x\n"))
	assert.Error(t, err)
}

func TestTraceWriteToFile(t *testing.T) {
	tm := CreateTraceManager("exp", true, nil)
	tm.AddTrace(TraceRecord{NodeID: 1, Event: RecvEvt, Name: "/b", PayloadSize: 1, Time: 2.0})
	tm.AddTrace(TraceRecord{NodeID: 2, Event: SentEvt, Name: "/a", PayloadSize: 1, Time: 1.0})

	dir := t.TempDir()
	csvFile := filepath.Join(dir, "trace.csv")
	require.NoError(t, tm.WriteToFile(csvFile, true))
	back, err := ReadTraceFile(csvFile)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "/a", back[0].Name)
	// the manager keeps its own order
	assert.Equal(t, "/b", tm.Records[0].Name)

	yamlFile := filepath.Join(dir, "trace.yaml")
	require.NoError(t, tm.WriteToFile(yamlFile, false))
	raw, err := os.ReadFile(yamlFile)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "expname: exp")

	off := CreateTraceManager("exp", false, nil)
	require.NoError(t, off.WriteToFile(filepath.Join(dir, "none.csv"), false))
	_, err = os.Stat(filepath.Join(dir, "none.csv"))
	assert.True(t, os.IsNotExist(err))
}
